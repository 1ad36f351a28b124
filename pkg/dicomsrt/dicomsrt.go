// Package dicomsrt sorts a directory of PET DICOM files into
// time-ordered acquisition frames. Files are grouped by series instance
// and acquisition timestamp; each group becomes one frame carrying its
// timing and tracer metadata.
package dicomsrt

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"amyquant/internal/models"
)

// ErrNoAdminTime is returned when a PET file carries no
// radiopharmaceutical administration start time, which makes every
// frame timing meaningless.
var ErrNoAdminTime = errors.New("missing radiopharmaceutical start time")

// ErrNoTiming is returned when a PET file carries no frame duration or
// acquisition timestamp.
var ErrNoTiming = errors.New("missing acquisition timing")

// ErrNoFrames is returned when a directory contains no readable PET
// DICOM files.
var ErrNoFrames = errors.New("no PET DICOM frames found")

// elementString reads the first string value of a top-level element.
func elementString(ds dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return "", false
	}
	return strings.TrimSpace(vals[0]), true
}

// nestedString reads the first string value of an element wherever it
// sits in the sequence tree.
func nestedString(ds dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTagNested(t)
	if err != nil {
		return "", false
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return "", false
	}
	return strings.TrimSpace(vals[0]), true
}

// parseDA parses a DICOM DA date value (YYYYMMDD).
func parseDA(s string) (time.Time, error) {
	return time.ParseInLocation("20060102", s, time.UTC)
}

// parseTM parses a DICOM TM time value (HHMMSS with optional fractional
// seconds) as an offset from midnight.
func parseTM(s string) (time.Duration, error) {
	frac := 0.0
	if i := strings.Index(s, "."); i >= 0 {
		f, err := strconv.ParseFloat(s[i:], 64)
		if err != nil {
			return 0, fmt.Errorf("bad fractional seconds in %q: %w", s, err)
		}
		frac = f
		s = s[:i]
	}
	if len(s) != 6 {
		return 0, fmt.Errorf("bad time value %q", s)
	}

	h, err1 := strconv.Atoi(s[0:2])
	m, err2 := strconv.Atoi(s[2:4])
	sec, err3 := strconv.Atoi(s[4:6])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, fmt.Errorf("bad time value %q", s)
	}

	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
	return d + time.Duration(frac*float64(time.Second)), nil
}

// frameKey identifies one acquisition frame: one series at one
// acquisition timestamp.
type frameKey struct {
	series  string
	acqTime time.Time
}

// Sort walks dir, reads every parseable DICOM file and groups the files
// into time-ordered frames. Unreadable files are skipped silently so a
// directory mixing DICOM with other data still sorts. A readable PET
// file without an administration start time is a hard error.
func Sort(dir string) ([]models.Frame, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}

	groups := make(map[frameKey]*models.Frame)
	for _, path := range paths {
		ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
		if err != nil {
			// not a DICOM file
			continue
		}

		frame, err := readFrame(ds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		key := frameKey{series: frame.SeriesID, acqTime: frame.AcqTime}
		if g, ok := groups[key]; ok {
			g.Files = append(g.Files, path)
		} else {
			frame.Files = []string{path}
			groups[key] = &frame
		}
	}

	if len(groups) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, dir)
	}

	frames := make([]models.Frame, 0, len(groups))
	for _, g := range groups {
		sort.Strings(g.Files)
		frames = append(frames, *g)
	}
	sort.Slice(frames, func(i, j int) bool {
		if !frames[i].AcqTime.Equal(frames[j].AcqTime) {
			return frames[i].AcqTime.Before(frames[j].AcqTime)
		}
		return frames[i].SeriesID < frames[j].SeriesID
	})
	return frames, nil
}

// readFrame extracts the frame metadata of one parsed dataset.
func readFrame(ds dicom.Dataset) (models.Frame, error) {
	var frame models.Frame

	frame.SeriesID, _ = elementString(ds, tag.SeriesInstanceUID)
	if frame.SeriesID == "" {
		return frame, fmt.Errorf("%w: no series instance UID", ErrNoTiming)
	}

	dateStr, ok := elementString(ds, tag.AcquisitionDate)
	if !ok {
		dateStr, ok = elementString(ds, tag.StudyDate)
	}
	timeStr, tok := elementString(ds, tag.AcquisitionTime)
	if !ok || !tok {
		return frame, fmt.Errorf("%w: no acquisition timestamp", ErrNoTiming)
	}

	date, err := parseDA(dateStr)
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrNoTiming, err)
	}
	tod, err := parseTM(timeStr)
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrNoTiming, err)
	}
	frame.AcqTime = date.Add(tod)

	durStr, ok := elementString(ds, tag.ActualFrameDuration)
	if !ok {
		return frame, fmt.Errorf("%w: no frame duration", ErrNoTiming)
	}
	durMS, err := strconv.ParseFloat(durStr, 64)
	if err != nil || durMS <= 0 {
		return frame, fmt.Errorf("%w: bad frame duration %q", ErrNoTiming, durStr)
	}
	frame.Duration = time.Duration(durMS * float64(time.Millisecond))

	adminStr, ok := nestedString(ds, tag.RadiopharmaceuticalStartTime)
	if !ok {
		return frame, ErrNoAdminTime
	}
	adminTOD, err := parseTM(adminStr)
	if err != nil {
		return frame, fmt.Errorf("%w: %v", ErrNoAdminTime, err)
	}
	frame.AdminStart = date.Add(adminTOD)

	// the tracer name is informational; missing is fine
	frame.Tracer, _ = nestedString(ds, tag.Radiopharmaceutical)

	return frame, nil
}
