package models

import (
	"path/filepath"
	"time"
)

// Frame represents one PET acquisition unit: a DICOM series of files
// acquired as a single frame of a (possibly dynamic) scan.
type Frame struct {
	// SeriesID is the DICOM series identifier of this frame
	SeriesID string

	// AcqTime is the combined acquisition date and time of the frame
	AcqTime time.Time

	// Duration is the frame acquisition duration
	Duration time.Duration

	// AdminStart is the radiotracer administration start time.
	// It is constant across all frames of one imaging session.
	AdminStart time.Time

	// Tracer is the radiopharmaceutical name as recorded in the
	// DICOM header; may be empty
	Tracer string

	// Files is the list of DICOM file paths making up the frame
	Files []string
}

// FrameTiming is the frame time window in seconds relative to the
// radiotracer administration start.
type FrameTiming struct {
	// Start is the frame start time post injection in seconds
	Start float64

	// Stop is the frame stop time post injection in seconds
	Stop float64
}

// Timing computes the frame time window relative to the administration
// start time.
func (f Frame) Timing() FrameTiming {
	return FrameTiming{
		Start: f.AcqTime.Sub(f.AdminStart).Seconds(),
		Stop:  f.AcqTime.Add(f.Duration).Sub(f.AdminStart).Seconds(),
	}
}

// Dir returns the directory holding the frame's DICOM files, or an
// empty string if the frame has no files.
func (f Frame) Dir() string {
	if len(f.Files) == 0 {
		return ""
	}
	return filepath.Dir(f.Files[0])
}
