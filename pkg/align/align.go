// Package align implements the SUVr frame-alignment engine. All selected
// frames are registered pairwise, the frame with the least total motion
// against the others is chosen as reference, and every other frame is
// resampled into its space to form one aligned composite volume.
package align

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gonum.org/v1/gonum/mat"

	"amyquant/pkg/classifier"
	"amyquant/pkg/config"
	"amyquant/pkg/registration"
	"amyquant/pkg/volume"
)

// alignedDirName is the per-session subdirectory holding converted and
// aligned frame volumes.
const alignedDirName = "NIfTI_SUVr"

// resampledDirName holds the individual resampled frames.
const resampledDirName = "SPM-aligned"

// Engine runs frame alignment using the external conversion,
// registration and resampling collaborators.
type Engine struct {
	conv registration.Converter
	reg  registration.Engine
	rsmp registration.Resampler
	cfg  *config.Config
}

// Result is the outcome of one alignment run.
type Result struct {
	// Volume is the aligned 4D composite (frame, z, y, x)
	Volume *volume.Volume

	// Path is the aligned composite file location
	Path string

	// R is the motion-cost matrix: R[i][j] is the combined
	// rotation+translation magnitude of registering frame j onto frame i
	R *mat.Dense

	// Affines holds the stored affine transform handles matching R
	Affines [][]string

	// RefFrame is the selected reference frame index
	RefFrame int

	// FSum and RSum are the per-frame motion sums over floating and
	// reference roles, kept for diagnostic reporting
	FSum, RSum []float64

	// CacheHit reports that a previous aligned output was reused and no
	// registration was run
	CacheHit bool
}

// NewEngine creates an alignment engine with the given collaborators.
func NewEngine(conv registration.Converter, reg registration.Engine, rsmp registration.Resampler, cfg *config.Config) *Engine {
	return &Engine{conv: conv, reg: reg, rsmp: rsmp, cfg: cfg}
}

// removeChars strips characters that are unsafe in file names, keeping
// letters, digits, dots and dashes.
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

// AlignedPath returns the deterministic composite output path for a
// series inside outDir. File existence at this path is the cache-hit
// signal.
func AlignedPath(outDir, seriesID string) string {
	return filepath.Join(outDir, alignedDirName, "SUVr_aligned_"+removeChars(seriesID)+volume.Ext)
}

// Align builds the aligned SUVr composite for the selected frames of one
// acquisition. When the deterministic output file already exists and
// force is not set, the stored result is returned without any
// registration calls. Otherwise prior intermediates in the output
// directory are purged before regeneration.
func (e *Engine) Align(desc *classifier.Descriptor, outDir string, force bool) (*Result, error) {
	frames := desc.Frames
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames selected for alignment")
	}

	niiDir := filepath.Join(outDir, alignedDirName)
	rsmplDir := filepath.Join(niiDir, resampledDirName)
	alignedPath := AlignedPath(outDir, frames[0].SeriesID)

	if !force {
		if _, err := os.Stat(alignedPath); err == nil {
			v, err := volume.Load(alignedPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load cached aligned volume: %w", err)
			}
			return &Result{Volume: v, Path: alignedPath, CacheHit: true}, nil
		}
	}

	// Stale intermediates from previous runs would alias fresh outputs.
	if err := os.RemoveAll(niiDir); err != nil {
		return nil, fmt.Errorf("failed to purge previous alignment outputs: %w", err)
	}
	if err := os.MkdirAll(rsmplDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create alignment output directory: %w", err)
	}

	// Convert every selected frame's DICOM set to one volume file.
	fmt.Printf("Converting %d frames for alignment...\n", len(frames))
	niiFrms := make([]string, len(frames))
	for i, f := range frames {
		path, err := e.conv.Convert(f.Dir(), niiDir)
		if err != nil {
			return nil, fmt.Errorf("failed to convert frame %d: %w", i, err)
		}
		niiFrms[i] = path
	}

	r, affines, err := e.registerPairs(niiFrms)
	if err != nil {
		return nil, err
	}

	ref, fsum, rsum := selectReference(r,
		e.cfg.Registration.FloatingWeight, e.cfg.Registration.ReferenceWeight)
	fmt.Printf("Selected reference frame %d\n", ref)

	composite, err := e.buildComposite(niiFrms, affines, ref, rsmplDir)
	if err != nil {
		return nil, err
	}

	if err := volume.Save(composite, alignedPath); err != nil {
		return nil, fmt.Errorf("failed to save aligned composite: %w", err)
	}

	return &Result{
		Volume:   composite,
		Path:     alignedPath,
		R:        r,
		Affines:  affines,
		RefFrame: ref,
		FSum:     fsum,
		RSum:     rsum,
	}, nil
}

// registerPairs runs every directional pairwise registration and fills
// the motion matrix and affine table. Registration is directional: the
// reference and floating roles differ, so both orders of every unordered
// pair are computed. The registrations are mutually independent and run
// on a bounded worker pool; each result writes its own matrix cell and
// the reduction happens only after all pairs completed.
func (e *Engine) registerPairs(niiFrms []string) (*mat.Dense, [][]string, error) {
	n := len(niiFrms)
	r := mat.NewDense(n, n, nil)
	affines := make([][]string, n)
	for i := range affines {
		affines[i] = make([]string, n)
	}

	type job struct {
		ref, flo int
	}
	type outcome struct {
		ref, flo int
		res      registration.Result
		err      error
	}

	var jobs []job
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			jobs = append(jobs, job{a, b}, job{b, a})
		}
	}
	if len(jobs) == 0 {
		return r, affines, nil
	}

	workers := e.cfg.Registration.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	params := registration.Params{
		CostFunction: e.cfg.Registration.CostFunction,
		FWHMRef:      e.cfg.Registration.FWHMRef,
		FWHMFlo:      e.cfg.Registration.FWHMFlo,
	}

	jobChan := make(chan job)
	resChan := make(chan outcome)

	for w := 0; w < workers; w++ {
		go func() {
			for j := range jobChan {
				res, err := e.reg.Register(niiFrms[j.ref], niiFrms[j.flo], params)
				resChan <- outcome{ref: j.ref, flo: j.flo, res: res, err: err}
			}
		}()
	}

	go func() {
		for _, j := range jobs {
			jobChan <- j
		}
		close(jobChan)
	}()

	var firstErr error
	for done := 0; done < len(jobs); done++ {
		out := <-resChan
		if out.err != nil {
			// A failed registration must never be left as a silent
			// zero-motion cell; the whole run is rejected.
			if firstErr == nil {
				firstErr = fmt.Errorf("registration of frame %d onto frame %d failed: %w",
					out.flo, out.ref, out.err)
			}
			continue
		}
		r.Set(out.ref, out.flo, registration.Motion(out.res))
		affines[out.ref][out.flo] = out.res.AffinePath

		fmt.Printf("\rRegistering frame pairs: %.1f%% complete", float64(done+1)/float64(len(jobs))*100)
	}
	fmt.Println()

	if firstErr != nil {
		return nil, nil, firstErr
	}
	return r, affines, nil
}

// selectReference picks the frame index minimizing the weighted sum of
// its column (floating role) and row (reference role) motion totals. The
// result depends only on the matrix content, not on the order the pairs
// were computed in; ties resolve to the lowest index.
func selectReference(r *mat.Dense, wFloating, wReference float64) (int, []float64, []float64) {
	n, _ := r.Dims()
	fsum := make([]float64, n)
	rsum := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := r.At(i, j)
			rsum[i] += v
			fsum[j] += v
		}
	}

	best := 0
	bestCost := math.Inf(1)
	for i := 0; i < n; i++ {
		cost := wFloating*fsum[i] + wReference*rsum[i]
		if cost < bestCost {
			best = i
			bestCost = cost
		}
	}
	return best, fsum, rsum
}

// buildComposite assembles the aligned 4D volume: the reference frame is
// copied into its slot unchanged, every other frame is resampled into
// reference space with its stored affine.
func (e *Engine) buildComposite(niiFrms []string, affines [][]string, ref int, rsmplDir string) (*volume.Volume, error) {
	refVol, err := volume.Load(niiFrms[ref])
	if err != nil {
		return nil, fmt.Errorf("failed to load reference frame: %w", err)
	}
	nz, ny, nx := refVol.SpatialShape()

	composite := volume.New4D(len(niiFrms), nz, ny, nx, refVol.VoxelSize)
	composite.Affine = mat.DenseCopyOf(refVol.Affine)
	composite.Flip = refVol.Flip
	composite.Transpose = refVol.Transpose

	if err := composite.SetFrame(ref, refVol.Data); err != nil {
		return nil, err
	}

	for i := range niiFrms {
		if i == ref {
			continue
		}

		rpath, err := e.rsmp.Resample(niiFrms[ref], niiFrms[i], affines[ref][i], 1, rsmplDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resample frame %d into reference space: %w", i, err)
		}

		fv, err := volume.Load(rpath)
		if err != nil {
			return nil, fmt.Errorf("failed to load resampled frame %d: %w", i, err)
		}
		fz, fy, fx := fv.SpatialShape()
		if fz != nz || fy != ny || fx != nx {
			return nil, fmt.Errorf("resampled frame %d has grid (%d,%d,%d), expected (%d,%d,%d)",
				i, fz, fy, fx, nz, ny, nx)
		}
		if err := composite.SetFrame(i, fv.Data); err != nil {
			return nil, err
		}
	}

	return composite, nil
}
