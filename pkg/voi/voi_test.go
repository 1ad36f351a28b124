package voi

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"amyquant/pkg/config"
	"amyquant/pkg/registration"
	"amyquant/pkg/volume"
)

// makeImage builds a 3D image [1 2 3 4] on a 1x2x2 grid.
func makeImage() *volume.Volume {
	v := volume.New3D(1, 2, 2, [3]float64{1, 1, 1})
	copy(v.Data, []float64{1, 2, 3, 4})
	return v
}

// makeLabels builds a label volume on the same grid.
func makeLabels(labels ...float64) *volume.Volume {
	v := volume.New3D(1, 2, 2, [3]float64{1, 1, 1})
	copy(v.Data, labels)
	return v
}

func TestExtractAverages(t *testing.T) {
	labels := makeLabels(7, 7, 7, 7)
	defs := Definition{"whole": {7}}

	vois, regionErrs, err := Extract(makeImage(), labels, defs, ExtractOptions{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(regionErrs) != 0 {
		t.Fatalf("unexpected region errors: %v", regionErrs)
	}

	res := vois["whole"]
	if res.VoxelCount != 4 {
		t.Errorf("expected 4 voxels, got %d", res.VoxelCount)
	}
	if res.Sums[0] != 10 {
		t.Errorf("expected sum 10, got %v", res.Sums[0])
	}
	if res.Averages[0] != 2.5 {
		t.Errorf("expected average 2.5, got %v", res.Averages[0])
	}
}

func TestExtractCompositeRegion(t *testing.T) {
	labels := makeLabels(1, 1, 2, 3)
	defs := Definition{"merged": {1, 3}}

	vois, _, err := Extract(makeImage(), labels, defs, ExtractOptions{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	res := vois["merged"]
	if res.VoxelCount != 3 {
		t.Errorf("expected 3 voxels, got %d", res.VoxelCount)
	}
	// voxels 1, 2 and 4
	if res.Sums[0] != 7 {
		t.Errorf("expected sum 7, got %v", res.Sums[0])
	}
}

func TestExtractEmptyRegion(t *testing.T) {
	labels := makeLabels(1, 1, 1, 1)
	defs := Definition{
		"present": {1},
		"absent":  {9},
	}

	vois, regionErrs, err := Extract(makeImage(), labels, defs, ExtractOptions{})
	if err != nil {
		t.Fatalf("an empty region must not abort extraction: %v", err)
	}
	if !errors.Is(regionErrs["absent"], ErrEmptyVOI) {
		t.Errorf("expected ErrEmptyVOI for the absent region, got %v", regionErrs["absent"])
	}
	if vois["present"].Averages[0] != 2.5 {
		t.Errorf("the present region must still compute, got %v", vois["present"].Averages)
	}
}

func TestExtractNaNLabels(t *testing.T) {
	labels := makeLabels(1, math.NaN(), 1, 1)
	defs := Definition{"r": {1}}

	vois, _, err := Extract(makeImage(), labels, defs, ExtractOptions{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if vois["r"].VoxelCount != 3 {
		t.Errorf("NaN labels must collapse to background, got %d voxels", vois["r"].VoxelCount)
	}
}

func TestExtractAtlasMask(t *testing.T) {
	labels := makeLabels(1, 1, 1, 1)
	defs := Definition{"r": {1}}
	mask := []bool{true, true, false, false}

	vois, _, err := Extract(makeImage(), labels, defs, ExtractOptions{AtlasMask: mask})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if vois["r"].VoxelCount != 2 || vois["r"].Sums[0] != 3 {
		t.Errorf("atlas mask not applied: count=%d sum=%v", vois["r"].VoxelCount, vois["r"].Sums)
	}
}

func TestExtractPerFrameSums(t *testing.T) {
	im := volume.New4D(2, 1, 2, 2, [3]float64{1, 1, 1})
	copy(im.Data, []float64{
		1, 2, 3, 4,
		5, 6, 7, 8,
	})
	labels := makeLabels(1, 1, 0, 0)

	vois, _, err := Extract(im, labels, Definition{"r": {1}}, ExtractOptions{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	res := vois["r"]
	if len(res.Sums) != 2 {
		t.Fatalf("expected one sum per frame, got %d", len(res.Sums))
	}
	if res.Sums[0] != 3 || res.Sums[1] != 11 {
		t.Errorf("expected per-frame sums [3 11], got %v", res.Sums)
	}
}

func TestExtractGridMismatch(t *testing.T) {
	labels := volume.New3D(1, 1, 2, [3]float64{1, 1, 1})
	if _, _, err := Extract(makeImage(), labels, Definition{"r": {1}}, ExtractOptions{}); err == nil {
		t.Error("mismatched grids must fail")
	}
}

func TestSUVrRatios(t *testing.T) {
	labels := makeLabels(1, 1, 2, 2)
	im := makeImage()
	vois, regionErrs, err := Extract(im, labels, Definition{"target": {1}, "ref": {2}}, ExtractOptions{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	suvr, err := SUVr(im, vois, regionErrs, []string{"ref"})
	if err != nil {
		t.Fatalf("SUVr failed: %v", err)
	}

	res := suvr["ref"]
	// target avg 1.5, ref avg 3.5
	want := 1.5 / 3.5
	if got := res.Ratios["target"]; math.Abs(got-want) > 1e-12 {
		t.Errorf("expected target ratio %v, got %v", want, got)
	}
	if res.Ratios["ref"] != 1 {
		t.Errorf("the reference ratio against itself must be 1, got %v", res.Ratios["ref"])
	}
	if got := res.Volume.Data[0]; math.Abs(got-1/3.5) > 1e-12 {
		t.Errorf("SUVr volume not scaled by the reference average: %v", got)
	}
}

func TestSUVrZeroReference(t *testing.T) {
	im := volume.New3D(1, 1, 2, [3]float64{1, 1, 1})
	copy(im.Data, []float64{0, 5})
	labels := volume.New3D(1, 1, 2, [3]float64{1, 1, 1})
	copy(labels.Data, []float64{1, 2})

	vois, regionErrs, err := Extract(im, labels, Definition{"zero": {1}, "r": {2}}, ExtractOptions{})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	if _, err := SUVr(im, vois, regionErrs, []string{"zero"}); !errors.Is(err, ErrZeroReference) {
		t.Errorf("a zero reference average must be a distinct error, got %v", err)
	}
}

func TestSUVrUnknownReference(t *testing.T) {
	im := makeImage()
	labels := makeLabels(1, 1, 1, 1)
	vois, regionErrs, _ := Extract(im, labels, Definition{"r": {1}}, ExtractOptions{})

	if _, err := SUVr(im, vois, regionErrs, []string{"missing"}); !errors.Is(err, ErrUnknownReference) {
		t.Errorf("expected ErrUnknownReference, got %v", err)
	}
}

func TestSUVrEmptyReference(t *testing.T) {
	im := makeImage()
	labels := makeLabels(1, 1, 1, 1)
	vois, regionErrs, _ := Extract(im, labels, Definition{"r": {1}, "empty": {9}}, ExtractOptions{})

	if _, err := SUVr(im, vois, regionErrs, []string{"empty"}); err == nil {
		t.Error("an empty reference region must fail SUVr")
	}
}

func TestDefsFromLabels(t *testing.T) {
	labels := makeLabels(0, 3, 3, 5)
	defs := defsFromLabels(labels)
	if len(defs) != 2 {
		t.Fatalf("expected 2 generated VOIs, got %d", len(defs))
	}
	if got := defs["voi-3"]; len(got) != 1 || got[0] != 3 {
		t.Errorf("unexpected definition for label 3: %v", got)
	}
}

// fakeRegEngine records registration calls and returns a fixed affine
// handle.
type fakeRegEngine struct {
	calls int32
}

func (e *fakeRegEngine) Register(refPath, floPath string, p registration.Params) (registration.Result, error) {
	atomic.AddInt32(&e.calls, 1)
	return registration.Result{AffinePath: "aff"}, nil
}

// fakeLabelResampler copies the floating volume into the output
// directory unchanged, standing in for a label propagation that keeps
// the grids identical.
type fakeLabelResampler struct {
	calls int32
}

func (r *fakeLabelResampler) Resample(refPath, floPath, affinePath string, interp int, outDir string) (string, error) {
	atomic.AddInt32(&r.calls, 1)
	v, err := volume.Load(floPath)
	if err != nil {
		return "", err
	}
	out := filepath.Join(outDir, "r_"+filepath.Base(floPath))
	if err := volume.Save(v, out); err != nil {
		return "", err
	}
	return out, nil
}

func TestProcess(t *testing.T) {
	dir, err := os.MkdirTemp("", "amyquant-voi-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	// two-frame PET series summing to [4 6] per row pair
	pet := volume.New4D(2, 1, 1, 2, [3]float64{1, 1, 1})
	copy(pet.Data, []float64{1, 2, 3, 4})
	petPath := filepath.Join(dir, "scan"+volume.Ext)
	if err := volume.Save(pet, petPath); err != nil {
		t.Fatalf("failed to save PET volume: %v", err)
	}

	labels := volume.New3D(1, 1, 2, [3]float64{1, 1, 1})
	copy(labels.Data, []float64{7, 8})
	labelPath := filepath.Join(dir, "labels"+volume.Ext)
	if err := volume.Save(labels, labelPath); err != nil {
		t.Fatalf("failed to save label volume: %v", err)
	}

	t1wPath := filepath.Join(dir, "t1w"+volume.Ext)
	if err := volume.Save(labels, t1wPath); err != nil {
		t.Fatalf("failed to save anatomical volume: %v", err)
	}

	eng := &fakeRegEngine{}
	rsmp := &fakeLabelResampler{}
	proc := NewProcessor(eng, rsmp, nil, nil, config.DefaultConfig())

	opts := ProcessOptions{
		PETPath:   petPath,
		LabelPath: labelPath,
		T1wPath:   t1wPath,
		Defs:      Definition{"target": {7}, "cerebellum": {8}},
		Refs:      []string{"cerebellum"},
		OutDir:    dir,
	}

	res, err := proc.Process(opts)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.TrimScale != [3]int{1, 1, 1} {
		t.Errorf("matching voxel sizes must not upsample, got %v", res.TrimScale)
	}
	if res.VOIs["target"].Averages[0] != 4 || res.VOIs["cerebellum"].Averages[0] != 6 {
		t.Errorf("unexpected VOI averages: target=%v ref=%v",
			res.VOIs["target"].Averages, res.VOIs["cerebellum"].Averages)
	}

	sr := res.SUVr["cerebellum"]
	if got := sr.Ratios["target"]; math.Abs(got-4.0/6.0) > 1e-12 {
		t.Errorf("expected SUVr 4/6, got %v", got)
	}

	for _, path := range []string{res.TrimmedPath, res.LabelPath, res.SUVrPaths["cerebellum"]} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected persisted intermediate %s: %v", path, err)
		}
	}

	t.Run("LabelCacheReused", func(t *testing.T) {
		regCalls := atomic.LoadInt32(&eng.calls)

		if _, err := proc.Process(opts); err != nil {
			t.Fatalf("second Process failed: %v", err)
		}
		if atomic.LoadInt32(&eng.calls) != regCalls {
			t.Error("a cached label propagation must not re-register")
		}
	})

	t.Run("UnknownReference", func(t *testing.T) {
		bad := opts
		bad.Refs = []string{"nope"}
		if _, err := proc.Process(bad); !errors.Is(err, ErrUnknownReference) {
			t.Errorf("expected ErrUnknownReference, got %v", err)
		}
	})
}
