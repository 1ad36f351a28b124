package voi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"amyquant/pkg/config"
	"amyquant/pkg/qc"
	"amyquant/pkg/registration"
	"amyquant/pkg/static"
	"amyquant/pkg/volume"
)

// Processor runs the full VOI quantification sequence: static image
// build, trimming and upsampling to the label grid, label propagation
// into PET space, VOI extraction and SUVr computation.
type Processor struct {
	reg  registration.Engine
	rsmp registration.Resampler
	bias registration.BiasCorrector
	smth registration.Smoother
	cfg  *config.Config
}

// NewProcessor creates a processor with the given collaborators. The
// bias corrector and smoother may be nil when their steps are never
// requested.
func NewProcessor(reg registration.Engine, rsmp registration.Resampler, bias registration.BiasCorrector, smth registration.Smoother, cfg *config.Config) *Processor {
	return &Processor{reg: reg, rsmp: rsmp, bias: bias, smth: smth, cfg: cfg}
}

// ProcessOptions configures one quantification run.
type ProcessOptions struct {
	// PETPath is the input PET volume, 3D or multi-frame
	PETPath string

	// LabelPath is the atlas label volume in anatomical space
	LabelPath string

	// T1wPath is the anatomical image the labels are defined on
	T1wPath string

	// Defs names the composite VOIs; when nil, one VOI per distinct
	// label value is generated
	Defs Definition

	// Refs names the reference regions; each must appear in Defs
	Refs []string

	// Frames selects the frame subset for the static image
	Frames []int

	// OutDir overrides the output location; defaults next to the PET
	// input
	OutDir string

	// BiasCorrection runs N4 bias correction on the anatomical image
	// before registration
	BiasCorrection bool

	// SmoothFWHM, when positive, writes an additional smoothed copy of
	// every SUVr volume with the given Gaussian kernel in mm
	SmoothFWHM float64

	// Force recomputes every cached intermediate
	Force bool
}

// ProcessResult is the outcome of one quantification run.
type ProcessResult struct {
	// Static is the static image build result
	Static *static.Result

	// Trimmed is the trimmed and upsampled quantification volume
	Trimmed *volume.Volume

	// TrimScale is the per-axis upsampling factor applied
	TrimScale [3]int

	// TrimmedPath is the persisted trimmed volume
	TrimmedPath string

	// LabelPath is the label volume propagated into PET space
	LabelPath string

	// VOIs holds the per-region sampling results
	VOIs map[string]*Result

	// VOIErrors holds per-region extraction failures such as empty
	// masks
	VOIErrors map[string]error

	// SUVr holds one result per reference region
	SUVr map[string]*SUVrResult

	// SUVrPaths are the persisted SUVr-scaled volumes, keyed by
	// reference region
	SUVrPaths map[string]string

	// SmoothedPaths are the smoothed SUVr copies, present only when
	// smoothing was requested
	SmoothedPaths map[string]string
}

// stem strips the directory and every extension from a path.
func stem(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

// defsFromLabels builds one single-label VOI per distinct non-zero
// label value.
func defsFromLabels(labels *volume.Volume) Definition {
	seen := make(map[int]bool)
	for _, v := range labels.Data {
		l := int(v)
		if l != 0 {
			seen[l] = true
		}
	}
	defs := make(Definition, len(seen))
	for l := range seen {
		defs[fmt.Sprintf("voi-%d", l)] = []int{l}
	}
	return defs
}

// Process runs the quantification sequence. Intermediates are cached
// under the output directory by file existence; Force regenerates them.
func (p *Processor) Process(opts ProcessOptions) (*ProcessResult, error) {
	for _, path := range []string{opts.PETPath, opts.LabelPath, opts.T1wPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("the provided path does not exist: %w", err)
		}
	}

	outDir := opts.OutDir
	if outDir == "" {
		outDir = filepath.Dir(opts.PETPath)
	}
	name := stem(opts.PETPath)
	quantDir := filepath.Join(outDir, name+"_suvr")
	if err := os.MkdirAll(quantDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create quantification directory: %w", err)
	}

	labels, err := volume.Load(opts.LabelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load label volume: %w", err)
	}

	defs := opts.Defs
	if defs == nil {
		defs = defsFromLabels(labels)
	}
	for _, ref := range opts.Refs {
		if _, ok := defs[ref]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
		}
	}

	fmt.Println("Building static quantification image...")
	stat, err := static.Build(static.Source{Path: opts.PETPath}, static.Options{
		Frames:        opts.Frames,
		OutPath:       filepath.Join(quantDir, name+"_static"+volume.Ext),
		Force:         opts.Force,
		COMCorrection: true,
	})
	if err != nil {
		return nil, fmt.Errorf("static image build failed: %w", err)
	}

	anat := opts.T1wPath
	if opts.BiasCorrection {
		if p.bias == nil {
			return nil, fmt.Errorf("bias correction requested but no corrector is configured")
		}
		fmt.Println("Running bias correction on the anatomical image...")
		anat, err = p.bias.Correct(opts.T1wPath, quantDir)
		if err != nil {
			return nil, fmt.Errorf("bias correction failed: %w", err)
		}
	}

	// trim and upsample the PET image towards the label grid resolution
	trm, scale, err := volume.TrimUpsample(stat.Volume, labels.VoxelSize)
	if err != nil {
		return nil, fmt.Errorf("trim and upsample failed: %w", err)
	}
	trmPath := filepath.Join(quantDir, name+"_trimmed"+volume.Ext)
	if err := volume.Save(trm, trmPath); err != nil {
		return nil, fmt.Errorf("failed to save trimmed volume: %w", err)
	}

	fplbl := filepath.Join(quantDir, name+"_labels_in_pet"+volume.Ext)
	if _, err := os.Stat(fplbl); err != nil || opts.Force {
		fmt.Println("Registering anatomical image to PET space...")
		res, err := p.reg.Register(trmPath, anat, registration.Params{
			CostFunction: p.cfg.Registration.CostFunction,
			FWHMRef:      p.cfg.Registration.FWHMRef,
			FWHMFlo:      p.cfg.Registration.FWHMFlo,
		})
		if err != nil {
			return nil, fmt.Errorf("anatomical registration failed: %w", err)
		}

		// labels propagate with nearest-neighbour to keep them integral
		rpath, err := p.rsmp.Resample(trmPath, opts.LabelPath, res.AffinePath, 0, quantDir)
		if err != nil {
			return nil, fmt.Errorf("label resampling failed: %w", err)
		}
		if rpath != fplbl {
			if err := os.Rename(rpath, fplbl); err != nil {
				return nil, fmt.Errorf("failed to place resampled labels: %w", err)
			}
		}
	}

	plbl, err := volume.Load(fplbl)
	if err != nil {
		return nil, fmt.Errorf("failed to load propagated labels: %w", err)
	}

	extOpts := ExtractOptions{OutputMasks: p.cfg.Output.QCPlot}
	if p.cfg.Output.SaveVOIMasks {
		extOpts.MaskDir = filepath.Join(quantDir, "masks")
	}
	vois, regionErrs, err := Extract(trm, plbl, defs, extOpts)
	if err != nil {
		return nil, fmt.Errorf("VOI extraction failed: %w", err)
	}
	for region, rerr := range regionErrs {
		fmt.Printf("Warning: region %s skipped: %v\n", region, rerr)
	}

	if p.cfg.Output.QCPlot {
		covMasks := make(map[string][]bool, len(vois))
		for region, r := range vois {
			covMasks[region] = r.Mask
		}
		nz, ny, nx := trm.SpatialShape()
		covPath := filepath.Join(quantDir, "voi_coverage_qc.png")
		if err := qc.SaveCoveragePlot(covPath, nz, ny, nx, covMasks); err != nil {
			fmt.Printf("Warning: failed to write coverage QC plot: %v\n", err)
		}
	}

	suvr, err := SUVr(trm, vois, regionErrs, opts.Refs)
	if err != nil {
		return nil, err
	}

	suvrPaths := make(map[string]string, len(suvr))
	for ref, sr := range suvr {
		path := filepath.Join(quantDir, "SUVr_ref-"+removeChars(ref)+"_"+name+volume.Ext)
		if err := volume.Save(sr.Volume, path); err != nil {
			return nil, fmt.Errorf("failed to save SUVr volume for %s: %w", ref, err)
		}
		suvrPaths[ref] = path
	}

	var smoothedPaths map[string]string
	if opts.SmoothFWHM > 0 {
		if p.smth == nil {
			return nil, fmt.Errorf("smoothing requested but no smoother is configured")
		}
		smoothedPaths = make(map[string]string, len(suvrPaths))
		for ref, path := range suvrPaths {
			spath, err := p.smth.Smooth(path, opts.SmoothFWHM, quantDir)
			if err != nil {
				return nil, fmt.Errorf("smoothing of the %s SUVr volume failed: %w", ref, err)
			}
			smoothedPaths[ref] = spath
		}
	}

	return &ProcessResult{
		Static:        stat,
		Trimmed:       trm,
		TrimScale:     scale,
		TrimmedPath:   trmPath,
		LabelPath:     fplbl,
		VOIs:          vois,
		VOIErrors:     regionErrs,
		SUVr:          suvr,
		SUVrPaths:     suvrPaths,
		SmoothedPaths: smoothedPaths,
	}, nil
}

// removeChars strips characters unsafe in file names.
func removeChars(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
