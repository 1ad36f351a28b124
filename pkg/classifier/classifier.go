// Package classifier inspects PET frame timings relative to the radiotracer
// injection time and classifies the acquisition as static, coffee-break
// dynamic or fully dynamic. It also selects the frame subset relevant for
// SUVr computation.
package classifier

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"amyquant/internal/models"
	"amyquant/pkg/config"
)

// Kind is the acquisition classification result.
type Kind int

const (
	// Undetermined means the acquisition could not be assigned a kind
	Undetermined Kind = iota

	// Static is a single late acquisition starting well after injection
	Static

	// BreakDyn is the early dynamic part of a coffee-break protocol
	BreakDyn

	// FullDyn is a full dynamic acquisition from injection onwards
	FullDyn
)

// String returns the kind name used in reports and file names.
func (k Kind) String() string {
	switch k {
	case Static:
		return "static"
	case BreakDyn:
		return "breakdyn"
	case FullDyn:
		return "fulldyn"
	}
	return "undetermined"
}

// ErrUnclassified is returned when frame timings fit none of the known
// acquisition kinds. Downstream stages must reject such input.
var ErrUnclassified = errors.New("acquisition cannot be classified")

// ErrBadFrames is returned when the input frame set violates basic
// invariants (empty set, non-positive durations, inconsistent
// administration start times or unsorted acquisition times).
var ErrBadFrames = errors.New("invalid frame set")

// Options carries the optional user-supplied inputs of a classification run.
type Options struct {
	// Tracer, when set, skips tracer inference
	Tracer string

	// Window, when non-nil, overrides the tracer default SUVr window
	// as [start, stop] seconds post injection
	Window *[2]float64
}

// Descriptor is the immutable classification result for one series group.
type Descriptor struct {
	// Kind is the acquisition type
	Kind Kind

	// SUVr reports whether the selected frames cover an SUVr window
	SUVr bool

	// Window is the selected time window (t0, t1) in seconds post injection
	Window [2]float64

	// FrameRange is the inclusive selected frame index range (i0, i1)
	FrameRange [2]int

	// Timings lists the timing of every frame of the series group
	Timings []models.FrameTiming

	// Frames is the ordered list of selected frames
	Frames []models.Frame

	// Tracer is the resolved tracer name; empty when unknown
	Tracer string

	// TracerCandidates lists all tracers matching the acquisition
	// properties, in configuration order
	TracerCandidates []string

	// TracerAmbiguous is set when more than one tracer candidate matched
	// and the first one was used for the default window
	TracerAmbiguous bool

	// CoverageWarning is set when a static acquisition does not cover the
	// requested SUVr window and the full frame range was used instead
	CoverageWarning bool
}

// ComputeTimings derives the post-injection time window of every frame.
// Frames must be sorted by acquisition time; the resulting start and stop
// sequences are then monotonically non-decreasing.
func ComputeTimings(frames []models.Frame) []models.FrameTiming {
	timings := make([]models.FrameTiming, len(frames))
	for i, f := range frames {
		timings[i] = f.Timing()
	}
	return timings
}

// validateFrames checks the frame-set invariants before classification.
func validateFrames(frames []models.Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("%w: no frames", ErrBadFrames)
	}
	admin := frames[0].AdminStart
	for i, f := range frames {
		if f.Duration <= 0 {
			return fmt.Errorf("%w: frame %d has non-positive duration", ErrBadFrames, i)
		}
		if !f.AdminStart.Equal(admin) {
			return fmt.Errorf("%w: frame %d has a different administration start time", ErrBadFrames, i)
		}
		if i > 0 && f.AcqTime.Before(frames[i-1].AcqTime) {
			return fmt.Errorf("%w: frames are not sorted by acquisition time", ErrBadFrames)
		}
	}
	return nil
}

// nearestIndex returns the index of the value in vals closest to target.
// Ties are broken by the first index reaching the minimum difference.
func nearestIndex(vals []float64, target float64) int {
	best := 0
	bestDiff := math.Abs(vals[0] - target)
	for i := 1; i < len(vals); i++ {
		if d := math.Abs(vals[i] - target); d < bestDiff {
			best = i
			bestDiff = d
		}
	}
	return best
}

// Classify determines the acquisition kind and selects the frame subset
// used for SUVr computation. The input frames must be one time-sorted
// series group. The classification constants are taken from cfg and the
// function is pure: identical inputs always yield an identical descriptor.
func Classify(frames []models.Frame, cfg *config.Config, opts Options) (*Descriptor, error) {
	if err := validateFrames(frames); err != nil {
		return nil, err
	}

	cls := cfg.Classifier
	timings := ComputeTimings(frames)

	tStarts := make([]float64, len(timings))
	tStops := make([]float64, len(timings))
	for i, t := range timings {
		tStarts[i] = t.Start
		tStops[i] = t.Stop
	}

	tStart0 := tStarts[0]
	tStopLast := tStops[len(tStops)-1]
	acqDur := tStopLast - tStart0

	// Acquisition kind from the overall timing envelope. A start within
	// one second of injection means a dynamic protocol.
	kind := Undetermined
	switch {
	case tStart0 < 1:
		if tStopLast > cls.BreakDynMin && tStopLast <= cls.BreakDynMax {
			kind = BreakDyn
		} else if tStopLast >= cls.FullDynMin {
			kind = FullDyn
		}
	case tStart0 > 1:
		kind = Static
	}

	desc := &Descriptor{
		Kind:    kind,
		Timings: timings,
	}

	if kind == Undetermined {
		return desc, fmt.Errorf("%w: frames span [%.0fs, %.0fs] post injection",
			ErrUnclassified, tStart0, tStopLast)
	}

	// Tracer inference, only when not user-supplied. A synonym match on
	// the DICOM radiopharmaceutical string wins; otherwise, for static
	// acquisitions, candidates are inferred from the acquisition duration
	// and start time against each tracer's SUVr window.
	tracer := opts.Tracer
	if tracer == "" {
		if dcm := strings.ToLower(frames[0].Tracer); dcm != "" {
			for _, t := range cls.Tracers {
				for _, syn := range t.Synonyms {
					if strings.Contains(dcm, syn) {
						tracer = t.Name
					}
				}
			}
		}

		if tracer != "" {
			desc.TracerCandidates = []string{tracer}
		} else if kind == Static {
			for _, t := range cls.Tracers {
				if acqDur > t.Duration*(1-cls.Margin) &&
					acqDur < t.Duration*(1+cls.Margin) &&
					tStart0 > t.WindowStart*(1-cls.Margin) {
					desc.TracerCandidates = append(desc.TracerCandidates, t.Name)
				}
			}
			if len(desc.TracerCandidates) > 0 {
				tracer = desc.TracerCandidates[0]
				desc.TracerAmbiguous = len(desc.TracerCandidates) > 1
			}
		}
	} else {
		desc.TracerCandidates = []string{tracer}
	}
	desc.Tracer = tracer

	// Frame-range selection per kind.
	switch kind {
	case Static:
		var window *[2]float64
		if opts.Window != nil {
			window = opts.Window
		} else if t, ok := cfg.FindTracer(tracer); ok {
			window = &[2]float64{t.WindowStart, t.WindowStop}
		}

		covered := window != nil &&
			tStart0 > window[0]*(1-cls.Margin) &&
			tStopLast < window[1]*(1+cls.Margin)

		if covered {
			i0 := nearestIndex(tStarts, window[0])
			i1 := nearestIndex(tStops, window[1])
			desc.SUVr = true
			desc.Window = [2]float64{tStarts[i0], tStops[i1]}
			desc.FrameRange = [2]int{i0, i1}
			desc.Frames = frames[i0 : i1+1]
		} else {
			desc.CoverageWarning = true
			desc.Window = [2]float64{tStarts[0], tStops[len(tStops)-1]}
			desc.FrameRange = [2]int{0, len(frames) - 1}
			desc.Frames = frames
		}

	case BreakDyn:
		i0 := nearestIndex(tStarts, 0)
		i1 := nearestIndex(tStops, cls.BreakTime)
		desc.Window = [2]float64{tStarts[i0], tStops[i1]}
		desc.FrameRange = [2]int{i0, i1}
		desc.Frames = frames[i0 : i1+1]

	case FullDyn:
		i0 := nearestIndex(tStarts, 0)
		i1 := nearestIndex(tStops, cls.FullDynMin)
		desc.Window = [2]float64{tStarts[i0], tStops[i1]}
		desc.FrameRange = [2]int{i0, i1}
		desc.Frames = frames[i0 : i1+1]
	}

	return desc, nil
}

// ClassifyAll classifies every series group of a study. Groups that cannot
// be classified are returned with a nil descriptor and their error.
func ClassifyAll(groups [][]models.Frame, cfg *config.Config, opts Options) ([]*Descriptor, []error) {
	descs := make([]*Descriptor, len(groups))
	errs := make([]error, len(groups))
	for i, g := range groups {
		descs[i], errs[i] = Classify(g, cfg, opts)
	}
	return descs, errs
}
