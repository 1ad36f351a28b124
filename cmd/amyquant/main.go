package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"amyquant/internal/models"
	"amyquant/pkg/align"
	"amyquant/pkg/classifier"
	"amyquant/pkg/config"
	"amyquant/pkg/dicomsrt"
	"amyquant/pkg/qc"
	"amyquant/pkg/registration"
	"amyquant/pkg/voi"
)

// groupSessions splits time-sorted frames into acquisition sessions, one
// per distinct administration start time.
func groupSessions(frames []models.Frame) [][]models.Frame {
	var sessions [][]models.Frame
	byAdmin := make(map[time.Time]int)
	for _, f := range frames {
		if i, ok := byAdmin[f.AdminStart]; ok {
			sessions[i] = append(sessions[i], f)
			continue
		}
		byAdmin[f.AdminStart] = len(sessions)
		sessions = append(sessions, []models.Frame{f})
	}
	return sessions
}

// parseWindow parses a "start,stop" seconds-post-injection pair.
func parseWindow(s string) (*[2]float64, error) {
	if s == "" {
		return nil, nil
	}
	var w [2]float64
	if _, err := fmt.Sscanf(s, "%f,%f", &w[0], &w[1]); err != nil {
		return nil, fmt.Errorf("invalid SUVr window %q, expected start,stop seconds: %w", s, err)
	}
	if w[1] <= w[0] {
		return nil, fmt.Errorf("invalid SUVr window %q: stop must be after start", s)
	}
	return &w, nil
}

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing the PET DICOM series")
	outputDir := flag.String("output", "", "Output directory (default: the input directory)")
	labelPath := flag.String("labels", "", "Atlas label volume in anatomical space")
	t1wPath := flag.String("t1w", "", "T1-weighted anatomical volume the labels are defined on")
	tracerName := flag.String("tracer", "", "Radiotracer name (flute, fbb, fbp); inferred when omitted")
	suvrWin := flag.String("suvr-win", "", "SUVr time window as start,stop seconds post injection")
	refRegions := flag.String("ref", "", "Comma-separated reference region names for SUVr")
	biasCorr := flag.Bool("bias", false, "Apply N4 bias correction to the anatomical image")
	smoothFWHM := flag.Float64("smooth", 0, "FWHM in mm for an additional smoothed SUVr output (0 disables)")
	force := flag.Bool("force", false, "Recompute cached intermediates")
	workers := flag.Int("workers", 0, "Concurrent pairwise registrations (default: config value)")
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	if *workers > 0 {
		cfg.Registration.Workers = *workers
	}

	window, err := parseWindow(*suvrWin)
	if err != nil {
		log.Fatalf("%v", err)
	}

	outDir := *outputDir
	if outDir == "" {
		outDir = *inputDir
	}

	fmt.Println("================================")
	fmt.Println("AMYLOID PET SUVR QUANTIFICATION")
	fmt.Println("================================")

	startTime := time.Now()

	// Stage 1: sort the DICOM input into time-ordered frames
	fmt.Printf("Sorting DICOM files in %s...\n", *inputDir)
	frames, err := dicomsrt.Sort(*inputDir)
	if err != nil {
		log.Fatalf("DICOM sorting failed: %v", err)
	}
	sessions := groupSessions(frames)
	fmt.Printf("Found %d frames in %d acquisition session(s)\n", len(frames), len(sessions))

	// Stage 2: classify every session and pick the SUVr-capable one
	opts := classifier.Options{Tracer: *tracerName, Window: window}
	descs, errs := classifier.ClassifyAll(sessions, cfg, opts)

	var desc *classifier.Descriptor
	for i, d := range descs {
		if errs[i] != nil {
			log.Printf("Warning: session %d not classifiable: %v", i, errs[i])
			continue
		}
		fmt.Printf("Session %d: %s acquisition, tracer %q, window [%.0fs, %.0fs], frames %d-%d\n",
			i, d.Kind, d.Tracer, d.Window[0], d.Window[1], d.FrameRange[0], d.FrameRange[1])
		if d.TracerAmbiguous {
			log.Printf("Warning: tracer inference ambiguous between %v, using %q",
				d.TracerCandidates, d.Tracer)
		}
		if d.CoverageWarning {
			log.Printf("Warning: frames do not cover the SUVr window, using the full frame range")
		}
		if desc == nil {
			desc = d
		}
	}
	if desc == nil {
		log.Fatalf("No classifiable acquisition found in %s", *inputDir)
	}

	// Stage 3: align the selected frames into one composite volume
	engine := align.NewEngine(
		registration.ExecConverter{Bin: cfg.Tools.Converter},
		registration.ExecEngine{Bin: cfg.Tools.Register},
		registration.ExecResampler{Bin: cfg.Tools.Resample},
		cfg,
	)

	fmt.Printf("\nAligning %d frames...\n", len(desc.Frames))
	aligned, err := engine.Align(desc, outDir, *force)
	if err != nil {
		log.Fatalf("Frame alignment failed: %v", err)
	}
	if aligned.CacheHit {
		fmt.Printf("Reusing aligned composite: %s\n", aligned.Path)
	} else {
		fmt.Printf("Aligned composite saved to: %s (reference frame %d)\n", aligned.Path, aligned.RefFrame)
		if cfg.Output.QCPlot {
			motionPlot := filepath.Join(filepath.Dir(aligned.Path), "motion_qc.png")
			if err := qc.SaveMotionPlot(motionPlot, aligned.FSum, aligned.RSum, aligned.RefFrame); err != nil {
				log.Printf("Warning: failed to write motion QC plot: %v", err)
			}
		}
	}

	if *labelPath == "" || *t1wPath == "" {
		fmt.Println("\nNo label volume or anatomical image given, stopping after alignment.")
		fmt.Printf("Completed in %.2f seconds\n", time.Since(startTime).Seconds())
		return
	}

	// Stage 4: VOI extraction and SUVr quantification
	var refs []string
	for _, r := range strings.Split(*refRegions, ",") {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	if len(refs) == 0 {
		log.Fatalf("SUVr quantification needs at least one -ref reference region")
	}

	proc := voi.NewProcessor(
		registration.ExecEngine{Bin: cfg.Tools.Register},
		registration.ExecResampler{Bin: cfg.Tools.Resample},
		registration.ExecBiasCorrector{Bin: cfg.Tools.BiasCorrect},
		registration.ExecSmoother{Bin: cfg.Tools.Smooth},
		cfg,
	)

	fmt.Println("\nRunning VOI quantification...")
	res, err := proc.Process(voi.ProcessOptions{
		PETPath:        aligned.Path,
		LabelPath:      *labelPath,
		T1wPath:        *t1wPath,
		Refs:           refs,
		OutDir:         outDir,
		BiasCorrection: *biasCorr,
		SmoothFWHM:     *smoothFWHM,
		Force:          *force,
	})
	if err != nil {
		log.Fatalf("VOI quantification failed: %v", err)
	}

	fmt.Printf("\nQuantification completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Static image: %s\n", res.Static.Path)
	fmt.Printf("Labels in PET space: %s\n", res.LabelPath)

	for _, ref := range refs {
		sr := res.SUVr[ref]
		fmt.Printf("\nSUVr (reference: %s):\n", ref)
		fmt.Printf("=======================================\n")

		names := make([]string, 0, len(sr.Ratios))
		for name := range sr.Ratios {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-24s %.4f\n", name, sr.Ratios[name])
		}
		fmt.Printf("SUVr volume: %s\n", res.SUVrPaths[ref])

		if cfg.Output.QCPlot {
			plotPath := filepath.Join(filepath.Dir(res.SUVrPaths[ref]), "suvr_"+ref+"_qc.png")
			if err := qc.SaveSUVrPlot(plotPath, ref, sr.Ratios); err != nil {
				log.Printf("Warning: failed to write SUVr QC plot: %v", err)
			}
		}
	}

	for region, rerr := range res.VOIErrors {
		log.Printf("Warning: region %s skipped: %v", region, rerr)
	}
}
