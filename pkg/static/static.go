// Package static reduces a (possibly multi-frame) PET volume to a single
// 3D volume suitable for SUVr quantification, with optional
// centre-of-mass correction and on-disk result caching.
package static

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"amyquant/pkg/volume"
)

// Source is the tagged-variant input of the builder: either a volume
// file path or an in-memory volume, never both.
type Source struct {
	// Path is the volume file location
	Path string

	// Volume is an already-loaded volume
	Volume *volume.Volume
}

// resolve turns the source into one canonical in-memory volume.
func (s Source) resolve() (*volume.Volume, error) {
	switch {
	case s.Volume != nil && s.Path != "":
		return nil, fmt.Errorf("static source must be a path or a volume, not both")
	case s.Volume != nil:
		return s.Volume, nil
	case s.Path != "":
		if _, err := os.Stat(s.Path); err != nil {
			return nil, fmt.Errorf("the provided path does not exist: %w", err)
		}
		return volume.Load(s.Path)
	}
	return nil, fmt.Errorf("empty static source")
}

// Options configures one static build.
type Options struct {
	// Frames selects the frame index subset summed into the static
	// image; empty means all frames
	Frames []int

	// OutPath is the deterministic output file; its existence is the
	// cache-hit signal
	OutPath string

	// Force recomputes the output even when it already exists
	Force bool

	// COMCorrection recenters the coordinate origin on the image
	// intensity centroid
	COMCorrection bool
}

// Result is the outcome of one static build.
type Result struct {
	// Volume is the 3D quantification volume
	Volume *volume.Volume

	// Path is the persisted output location (empty when no OutPath was
	// requested)
	Path string

	// COM is the intensity centroid in voxel coordinates when
	// centre-of-mass correction ran
	COM [3]float64

	// CacheHit reports that an existing output file was reused
	CacheHit bool
}

// DefaultOutPath derives the static output file next to the input, the
// input's base name with a _static suffix.
func DefaultOutPath(inPath string) string {
	base := filepath.Base(inPath)
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return filepath.Join(filepath.Dir(inPath), base+"_static"+volume.Ext)
}

// Build produces the static quantification volume. A single-frame input
// is squeezed to 3D; a multi-frame input is summed voxel-wise over the
// selected frame subset. Frame indices beyond the available frame count
// are a hard input-validation error raised before any computation.
func Build(src Source, opts Options) (*Result, error) {
	v, err := src.resolve()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}

	// validate the requested frames up front
	for _, f := range opts.Frames {
		if f < 0 || f >= v.NFrames() {
			return nil, fmt.Errorf("%w: frame %d of %d", volume.ErrFrameRange, f, v.NFrames())
		}
	}

	if opts.OutPath != "" && !opts.Force {
		if _, err := os.Stat(opts.OutPath); err == nil {
			cached, err := volume.Load(opts.OutPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load cached static volume: %w", err)
			}
			return &Result{Volume: cached, Path: opts.OutPath, CacheHit: true}, nil
		}
	}

	var stat *volume.Volume
	switch {
	case v.NDim() == 3:
		stat = v
	case v.NDim() == 4 && v.NFrames() == 1:
		stat, err = v.Squeeze()
	case v.NDim() == 4:
		stat, err = v.SumFrames(opts.Frames)
	default:
		err = fmt.Errorf("%w: %dD", volume.ErrBadDims, v.NDim())
	}
	if err != nil {
		return nil, err
	}

	res := &Result{Volume: stat}

	if opts.COMCorrection {
		corrected, com, err := volume.CentreMassCorrect(stat)
		if err != nil {
			return nil, fmt.Errorf("centre-of-mass correction failed: %w", err)
		}
		res.Volume = corrected
		res.COM = com
	}

	if opts.OutPath != "" {
		if err := volume.Save(res.Volume, opts.OutPath); err != nil {
			return nil, fmt.Errorf("failed to save static volume: %w", err)
		}
		res.Path = opts.OutPath
	}

	return res, nil
}
