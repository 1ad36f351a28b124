package registration

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// ExecConverter invokes an external DICOM-to-volume converter binary
// (dcm2niix-compatible invocation). The exactly-one-output contract is
// enforced here by comparing the output directory before and after the
// run.
type ExecConverter struct {
	// Bin is the converter executable path
	Bin string
}

// Convert runs the converter on one DICOM series directory and returns
// the single produced volume file.
func (c ExecConverter) Convert(dicomDir, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create conversion output directory: %w", err)
	}

	before, err := listFiles(outDir)
	if err != nil {
		return "", err
	}

	cmd := exec.Command(c.Bin, "-i", "y", "-v", "n", "-o", outDir, dicomDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("conversion of %s failed: %w: %s", dicomDir, err, out)
	}

	after, err := listFiles(outDir)
	if err != nil {
		return "", err
	}

	var created []string
	for f := range after {
		if !before[f] {
			created = append(created, f)
		}
	}
	if len(created) != 1 {
		return "", fmt.Errorf("%w: %d outputs for %s", ErrConversionMismatch, len(created), dicomDir)
	}
	return created[0], nil
}

func listFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	files := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files[filepath.Join(dir, e.Name())] = true
		}
	}
	return files, nil
}

// execResult is the JSON document an external registration tool must
// print on stdout.
type execResult struct {
	Affine       string     `json:"affine"`
	Rotations    [3]float64 `json:"rotations"`
	Translations [3]float64 `json:"translations"`
}

// ExecEngine invokes an external rigid-body registration tool. The tool
// receives reference path, floating path, cost function and smoothing
// kernels as arguments and reports the affine path plus the transform
// decomposition as JSON on stdout.
type ExecEngine struct {
	// Bin is the registration executable path
	Bin string
}

// Register runs one directional registration of floPath onto refPath.
func (e ExecEngine) Register(refPath, floPath string, p Params) (Result, error) {
	cmd := exec.Command(e.Bin,
		"-ref", refPath,
		"-flo", floPath,
		"-cost", p.CostFunction,
		"-fwhm-ref", strconv.FormatFloat(p.FWHMRef, 'f', -1, 64),
		"-fwhm-flo", strconv.FormatFloat(p.FWHMFlo, 'f', -1, 64),
	)
	out, err := cmd.Output()
	if err != nil {
		return Result{}, fmt.Errorf("registration of %s onto %s failed: %w", floPath, refPath, err)
	}

	var res execResult
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{}, fmt.Errorf("unreadable registration output: %w", err)
	}
	return Result{
		AffinePath:   res.Affine,
		Rotations:    res.Rotations,
		Translations: res.Translations,
	}, nil
}

// ExecResampler invokes an external resampling tool producing one
// resliced volume file in outDir.
type ExecResampler struct {
	// Bin is the resampler executable path
	Bin string
}

// Resample reslices floPath onto refPath's grid using the stored affine.
func (r ExecResampler) Resample(refPath, floPath, affinePath string, interp int, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create resampling output directory: %w", err)
	}

	outPath := filepath.Join(outDir, "r_"+filepath.Base(floPath))
	cmd := exec.Command(r.Bin,
		"-ref", refPath,
		"-flo", floPath,
		"-aff", affinePath,
		"-interp", strconv.Itoa(interp),
		"-out", outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("resampling of %s failed: %w: %s", floPath, err, out)
	}
	return outPath, nil
}

// ExecSmoother invokes an external Gaussian smoothing tool.
type ExecSmoother struct {
	// Bin is the smoothing executable path
	Bin string
}

// Smooth writes a smoothed copy of imgPath into outDir.
func (s ExecSmoother) Smooth(imgPath string, fwhm float64, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create smoothing output directory: %w", err)
	}

	outPath := filepath.Join(outDir, "s_"+filepath.Base(imgPath))
	cmd := exec.Command(s.Bin,
		"-in", imgPath,
		"-fwhm", strconv.FormatFloat(fwhm, 'f', -1, 64),
		"-out", outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("smoothing of %s failed: %w: %s", imgPath, err, out)
	}
	return outPath, nil
}

// ExecBiasCorrector invokes an external N4-style bias field corrector.
type ExecBiasCorrector struct {
	// Bin is the bias corrector executable path
	Bin string
}

// Correct writes the bias-corrected copy of imgPath into outDir.
func (b ExecBiasCorrector) Correct(imgPath, outDir string) (string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create bias correction output directory: %w", err)
	}

	outPath := filepath.Join(outDir, "n4_"+filepath.Base(imgPath))
	cmd := exec.Command(b.Bin, "-in", imgPath, "-out", outPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("bias correction of %s failed: %w: %s", imgPath, err, out)
	}
	return outPath, nil
}
