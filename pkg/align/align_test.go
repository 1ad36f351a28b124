package align

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"amyquant/internal/models"
	"amyquant/pkg/classifier"
	"amyquant/pkg/config"
	"amyquant/pkg/registration"
	"amyquant/pkg/volume"
)

// fakeConverter writes a small native volume per frame directory, filled
// with the frame index encoded in the directory name.
type fakeConverter struct {
	calls int32
}

func frameIndex(name string) int {
	var idx int
	fmt.Sscanf(filepath.Base(name), "frame%d", &idx)
	return idx
}

func (c *fakeConverter) Convert(dicomDir, outDir string) (string, error) {
	atomic.AddInt32(&c.calls, 1)
	idx := frameIndex(dicomDir)

	v := volume.New3D(2, 2, 2, [3]float64{2, 2, 2})
	for i := range v.Data {
		v.Data[i] = float64(idx)
	}

	path := filepath.Join(outDir, fmt.Sprintf("frame%d%s", idx, volume.Ext))
	if err := volume.Save(v, path); err != nil {
		return "", err
	}
	return path, nil
}

// fakeEngine reports configured per-pair motion as a pure translation.
type fakeEngine struct {
	motions  map[[2]int]float64
	failPair *[2]int
	calls    int32
}

func (e *fakeEngine) Register(refPath, floPath string, p registration.Params) (registration.Result, error) {
	atomic.AddInt32(&e.calls, 1)
	ref := frameIndex(strings.TrimSuffix(filepath.Base(refPath), volume.Ext))
	flo := frameIndex(strings.TrimSuffix(filepath.Base(floPath), volume.Ext))

	if e.failPair != nil && e.failPair[0] == ref && e.failPair[1] == flo {
		return registration.Result{}, fmt.Errorf("optimizer did not converge")
	}

	m := e.motions[[2]int{ref, flo}]
	return registration.Result{
		AffinePath:   fmt.Sprintf("aff_%d_%d", ref, flo),
		Translations: [3]float64{m, 0, 0},
	}, nil
}

// fakeResampler loads the floating frame and offsets every voxel by 100
// so resampled frames are distinguishable from direct copies.
type fakeResampler struct{}

func (fakeResampler) Resample(refPath, floPath, affinePath string, interp int, outDir string) (string, error) {
	v, err := volume.Load(floPath)
	if err != nil {
		return "", err
	}
	for i := range v.Data {
		v.Data[i] += 100
	}
	out := filepath.Join(outDir, "r_"+filepath.Base(floPath))
	if err := volume.Save(v, out); err != nil {
		return "", err
	}
	return out, nil
}

// makeDescriptor builds a static descriptor with nFrames frame
// directories under dir.
func makeDescriptor(t *testing.T, dir string, nFrames int) *classifier.Descriptor {
	t.Helper()
	admin := time.Date(2023, 5, 12, 10, 0, 0, 0, time.UTC)

	frames := make([]models.Frame, nFrames)
	for i := range frames {
		fdir := filepath.Join(dir, fmt.Sprintf("frame%d", i))
		if err := os.MkdirAll(fdir, 0755); err != nil {
			t.Fatalf("failed to create frame dir: %v", err)
		}
		fpath := filepath.Join(fdir, "000.dcm")
		if err := os.WriteFile(fpath, []byte{0}, 0644); err != nil {
			t.Fatalf("failed to create frame file: %v", err)
		}
		frames[i] = models.Frame{
			SeriesID:   "1.2.840.999",
			AcqTime:    admin.Add(time.Duration(3000+300*i) * time.Second),
			Duration:   300 * time.Second,
			AdminStart: admin,
			Files:      []string{fpath},
		}
	}

	return &classifier.Descriptor{
		Kind:       classifier.Static,
		SUVr:       true,
		FrameRange: [2]int{0, nFrames - 1},
		Frames:     frames,
	}
}

func TestSelectReference(t *testing.T) {
	// frame 1 has the least total motion in both roles
	r := mat.NewDense(3, 3, []float64{
		0, 1, 5,
		1, 0, 4,
		5, 2, 0,
	})

	ref, fsum, rsum := selectReference(r, 1, 1)
	if ref != 1 {
		t.Errorf("expected reference frame 1, got %d", ref)
	}
	if fsum[1] != 3 || rsum[1] != 5 {
		t.Errorf("unexpected sums: fsum=%v rsum=%v", fsum, rsum)
	}

	t.Run("ContentOnly", func(t *testing.T) {
		// the same matrix assembled in a different cell order must give
		// the same answer
		p := mat.NewDense(3, 3, nil)
		for i := 2; i >= 0; i-- {
			for j := 2; j >= 0; j-- {
				p.Set(i, j, r.At(i, j))
			}
		}
		ref2, _, _ := selectReference(p, 1, 1)
		if ref2 != ref {
			t.Errorf("reference selection depends on assembly order: %d != %d", ref2, ref)
		}
	})

	t.Run("Weighted", func(t *testing.T) {
		// down-weighting the reference role flips the choice to frame 0
		q := mat.NewDense(2, 2, []float64{
			0, 10,
			1, 0,
		})
		refW, _, _ := selectReference(q, 1, 0)
		if refW != 0 {
			t.Errorf("expected frame 0 under floating-only weighting, got %d", refW)
		}
	})
}

func TestAlign(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "amyquant-align-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := config.DefaultConfig()
	cfg.Registration.Workers = 2

	desc := makeDescriptor(t, tmpDir, 3)
	outDir := filepath.Join(tmpDir, "out")

	conv := &fakeConverter{}
	// frame 1 is the most central frame
	eng := &fakeEngine{motions: map[[2]int]float64{
		{0, 1}: 1, {1, 0}: 1,
		{0, 2}: 5, {2, 0}: 5,
		{1, 2}: 2, {2, 1}: 2,
	}}

	engine := NewEngine(conv, eng, fakeResampler{}, cfg)

	res, err := engine.Align(desc, outDir, false)
	if err != nil {
		t.Fatalf("Align failed: %v", err)
	}

	if res.CacheHit {
		t.Error("first run must not be a cache hit")
	}
	if res.RefFrame != 1 {
		t.Errorf("expected reference frame 1, got %d", res.RefFrame)
	}
	if got := atomic.LoadInt32(&eng.calls); got != 6 {
		t.Errorf("expected 6 directional registrations, got %d", got)
	}
	if res.Volume.NFrames() != 3 {
		t.Errorf("expected 3 composite frames, got %d", res.Volume.NFrames())
	}

	// the reference slot is a direct copy, not a resampled one
	refData, err := res.Volume.FrameData(1)
	if err != nil {
		t.Fatalf("FrameData failed: %v", err)
	}
	if refData[0] != 1 {
		t.Errorf("reference slot must hold the original frame data, got %f", refData[0])
	}

	// the other slots went through the resampler
	for _, i := range []int{0, 2} {
		data, err := res.Volume.FrameData(i)
		if err != nil {
			t.Fatalf("FrameData failed: %v", err)
		}
		if data[0] != float64(i)+100 {
			t.Errorf("frame %d not resampled: got %f", i, data[0])
		}
	}

	if res.R.At(0, 1) != 1 || res.R.At(0, 2) != 5 || res.R.At(2, 1) != 2 {
		t.Errorf("motion matrix content wrong: %v", mat.Formatted(res.R))
	}
	if res.Affines[1][0] != "aff_1_0" {
		t.Errorf("affine table content wrong: %q", res.Affines[1][0])
	}

	if _, err := os.Stat(res.Path); err != nil {
		t.Errorf("aligned composite not persisted: %v", err)
	}

	t.Run("Idempotent", func(t *testing.T) {
		regCalls := atomic.LoadInt32(&eng.calls)
		convCalls := atomic.LoadInt32(&conv.calls)

		res2, err := engine.Align(desc, outDir, false)
		if err != nil {
			t.Fatalf("second Align failed: %v", err)
		}
		if !res2.CacheHit {
			t.Error("second run must be a cache hit")
		}
		if atomic.LoadInt32(&eng.calls) != regCalls {
			t.Error("cache hit must not run additional registrations")
		}
		if atomic.LoadInt32(&conv.calls) != convCalls {
			t.Error("cache hit must not run additional conversions")
		}
		if res2.Volume.NFrames() != 3 {
			t.Errorf("cached composite has %d frames", res2.Volume.NFrames())
		}
	})

	t.Run("Force", func(t *testing.T) {
		regCalls := atomic.LoadInt32(&eng.calls)

		res3, err := engine.Align(desc, outDir, true)
		if err != nil {
			t.Fatalf("forced Align failed: %v", err)
		}
		if res3.CacheHit {
			t.Error("forced run must not be a cache hit")
		}
		if atomic.LoadInt32(&eng.calls) != regCalls+6 {
			t.Error("forced run must re-run every registration")
		}
	})
}

func TestAlignRegistrationFailure(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "amyquant-align-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := config.DefaultConfig()
	cfg.Registration.Workers = 1

	desc := makeDescriptor(t, tmpDir, 3)

	eng := &fakeEngine{
		motions:  map[[2]int]float64{},
		failPair: &[2]int{2, 0},
	}
	engine := NewEngine(&fakeConverter{}, eng, fakeResampler{}, cfg)

	_, err = engine.Align(desc, filepath.Join(tmpDir, "out"), false)
	if err == nil {
		t.Fatal("a failed pairwise registration must fail the run")
	}
	if !strings.Contains(err.Error(), "frame 0 onto frame 2") {
		t.Errorf("error must identify the failed pair, got: %v", err)
	}
}
