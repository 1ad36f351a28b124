// Package voi samples labelled regions of a PET volume and computes
// standardized-uptake-value ratios (SUVr) against one or more reference
// regions.
package voi

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"amyquant/pkg/volume"
)

// ErrEmptyVOI is returned per region when its mask matches zero voxels;
// the region's average is undefined but other regions still compute.
var ErrEmptyVOI = errors.New("no voxels matched the VOI definition")

// ErrZeroReference is returned when a reference region's average is
// zero, which would make every ratio undefined.
var ErrZeroReference = errors.New("reference region average is zero")

// ErrUnknownReference is returned when a requested reference region is
// not present in the VOI definitions.
var ErrUnknownReference = errors.New("reference region is not defined")

// Definition maps a composite region name to the set of atlas label
// values forming it.
type Definition map[string][]int

// Result holds the sampling outcome of one VOI.
type Result struct {
	// VoxelCount is the number of voxels under the region mask
	VoxelCount int

	// Sums holds the masked intensity sum, one entry per frame (a
	// single entry for 3D input)
	Sums []float64

	// Averages is Sums divided by VoxelCount
	Averages []float64

	// Mask is the boolean sampling mask, populated when requested
	Mask []bool

	// MaskPath is the persisted mask file, when mask saving is enabled
	MaskPath string
}

// ExtractOptions configures VOI extraction.
type ExtractOptions struct {
	// AtlasMask, when non-nil, intersects every region mask with an
	// additional mask such as a grey-matter probability mask
	AtlasMask []bool

	// OutputMasks keeps the boolean masks in the results
	OutputMasks bool

	// MaskDir, when set, persists every region mask as a volume file
	MaskDir string
}

// sortedNames returns the region names in deterministic order.
func sortedNames(defs Definition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Extract samples every defined VOI over the image using the label
// volume. The image may be 3D or 4D; anything else is a hard error. The
// label volume must be 3D and spatially aligned with the image. Regions
// matching zero voxels are reported in the per-region error map without
// aborting the remaining regions.
func Extract(im, labels *volume.Volume, defs Definition, opts ExtractOptions) (map[string]*Result, map[string]error, error) {
	if err := im.Validate(); err != nil {
		return nil, nil, err
	}
	if err := labels.Validate(); err != nil {
		return nil, nil, err
	}
	if labels.NDim() != 3 {
		return nil, nil, fmt.Errorf("%w: label volume must be 3D", volume.ErrBadDims)
	}

	iz, iy, ix := im.SpatialShape()
	lz, ly, lx := labels.SpatialShape()
	if iz != lz || iy != ly || ix != lx {
		return nil, nil, fmt.Errorf("image grid (%d,%d,%d) does not match label grid (%d,%d,%d)",
			iz, iy, ix, lz, ly, lx)
	}

	n := labels.SpatialLen()
	if opts.AtlasMask != nil && len(opts.AtlasMask) != n {
		return nil, nil, fmt.Errorf("atlas mask length %d does not match label grid %d", len(opts.AtlasMask), n)
	}

	// integer label view with NaNs collapsed to background
	lbl := make([]int, n)
	for i, v := range labels.Data {
		if !math.IsNaN(v) {
			lbl[i] = int(v)
		}
	}

	nfrm := im.NFrames()
	results := make(map[string]*Result, len(defs))
	regionErrs := make(map[string]error)

	for _, name := range sortedNames(defs) {
		set := make(map[int]bool, len(defs[name]))
		for _, l := range defs[name] {
			set[l] = true
		}

		mask := make([]bool, n)
		count := 0
		for i, l := range lbl {
			if set[l] && (opts.AtlasMask == nil || opts.AtlasMask[i]) {
				mask[i] = true
				count++
			}
		}

		res := &Result{VoxelCount: count}
		if opts.OutputMasks {
			res.Mask = mask
		}
		if opts.MaskDir != "" {
			mv := labels.CloneShape()
			for i, m := range mask {
				if m {
					mv.Data[i] = 1
				}
			}
			res.MaskPath = filepath.Join(opts.MaskDir, name+"_mask"+volume.Ext)
			if err := volume.Save(mv, res.MaskPath); err != nil {
				return nil, nil, fmt.Errorf("failed to save mask for %s: %w", name, err)
			}
		}
		results[name] = res

		if count == 0 {
			regionErrs[name] = fmt.Errorf("%w: %s", ErrEmptyVOI, name)
			continue
		}

		res.Sums = make([]float64, nfrm)
		res.Averages = make([]float64, nfrm)
		for f := 0; f < nfrm; f++ {
			frame := im.Data[f*n : (f+1)*n]
			var sum float64
			for i, m := range mask {
				if m {
					sum += frame[i]
				}
			}
			res.Sums[f] = sum
			res.Averages[f] = sum / float64(count)
		}
	}

	return results, regionErrs, nil
}

// SUVrResult holds the ratios of every VOI against one reference region
// and the ratio-scaled image.
type SUVrResult struct {
	// Ref is the reference region name
	Ref string

	// Ratios maps every VOI name to its ratio-to-reference average
	Ratios map[string]float64

	// Volume is the input image divided by the reference average
	Volume *volume.Volume
}

// SUVr computes, for every reference region, the ratio of each VOI's
// average to the reference average, plus the ratio-scaled volume. The
// image must be the static 3D quantification volume. A zero or
// undefined reference average is a distinct error, never a silent
// infinity.
func SUVr(im *volume.Volume, vois map[string]*Result, regionErrs map[string]error, refs []string) (map[string]*SUVrResult, error) {
	if im.NDim() != 3 {
		return nil, fmt.Errorf("%w: SUVr needs the static 3D image", volume.ErrBadDims)
	}

	out := make(map[string]*SUVrResult, len(refs))
	for _, ref := range refs {
		rv, ok := vois[ref]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownReference, ref)
		}
		if err, bad := regionErrs[ref]; bad {
			return nil, fmt.Errorf("reference region %s is unusable: %w", ref, err)
		}
		refAvg := rv.Averages[0]
		if refAvg == 0 {
			return nil, fmt.Errorf("%w: %s", ErrZeroReference, ref)
		}

		ratios := make(map[string]float64, len(vois))
		for name, v := range vois {
			if _, bad := regionErrs[name]; bad {
				continue
			}
			ratios[name] = v.Averages[0] / refAvg
		}

		out[ref] = &SUVrResult{
			Ref:    ref,
			Ratios: ratios,
			Volume: im.Scale(refAvg),
		}
	}
	return out, nil
}
