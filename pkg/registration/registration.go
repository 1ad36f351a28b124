// Package registration defines the contracts of the external image
// collaborators used by the pipeline: DICOM conversion, rigid-body
// registration, resampling and bias-field correction. The collaborators
// are opaque services; only their inputs and outputs are specified here.
// The package also provides the pure transform arithmetic shared by all
// implementations.
package registration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrConversionMismatch is returned when a DICOM conversion yields zero
// or multiple output files where exactly one is expected. This indicates
// a naming collision or partial conversion upstream and is fatal.
var ErrConversionMismatch = errors.New("unexpected number of converted volume files")

// Params configures one registration call.
type Params struct {
	// CostFunction is the registration cost function name, e.g. "nmi"
	CostFunction string

	// FWHMRef and FWHMFlo are the Gaussian smoothing kernels in mm
	// applied to reference and floating images before registration
	FWHMRef float64
	FWHMFlo float64
}

// Result is the outcome of one rigid-body registration: the stored
// affine transform and its decomposition into per-axis rotations and
// translations.
type Result struct {
	// AffinePath is the stored affine transform handle
	AffinePath string

	// Rotations are the per-axis rotation angles in radians
	Rotations [3]float64

	// Translations are the per-axis translations in mm
	Translations [3]float64
}

// Motion combines the rotation and translation magnitudes of a
// registration result into one scalar: the root-sum-square of the
// per-axis rotation angles in degrees plus the root-sum-square of the
// per-axis translations.
func Motion(r Result) float64 {
	var rot, trn float64
	for i := 0; i < 3; i++ {
		deg := 180 * r.Rotations[i] / math.Pi
		rot += deg * deg
		trn += r.Translations[i] * r.Translations[i]
	}
	return math.Sqrt(rot) + math.Sqrt(trn)
}

// RigidAffine builds the 4x4 rigid-body transform for the given per-axis
// rotations (radians) and translations, applying rotations in Z-Y-X
// order.
func RigidAffine(rot, trn [3]float64) *mat.Dense {
	sx, cx := math.Sincos(rot[0])
	sy, cy := math.Sincos(rot[1])
	sz, cz := math.Sincos(rot[2])

	rxm := mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, cx, -sx,
		0, sx, cx,
	})
	rym := mat.NewDense(3, 3, []float64{
		cy, 0, sy,
		0, 1, 0,
		-sy, 0, cy,
	})
	rzm := mat.NewDense(3, 3, []float64{
		cz, -sz, 0,
		sz, cz, 0,
		0, 0, 1,
	})

	var r mat.Dense
	r.Mul(rzm, rym)
	r.Mul(&r, rxm)

	a := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			a.Set(i, j, r.At(i, j))
		}
		a.Set(i, 3, trn[i])
	}
	a.Set(3, 3, 1)
	return a
}

// Converter turns a directory of DICOM files for one series into exactly
// one volume file in outDir. More or fewer than one output file is a
// hard error (ErrConversionMismatch).
type Converter interface {
	Convert(dicomDir, outDir string) (string, error)
}

// Engine performs rigid-body registration of a floating volume file onto
// a reference volume file. Implementations must be deterministic given
// identical inputs.
type Engine interface {
	Register(refPath, floPath string, p Params) (Result, error)
}

// Resampler reslices a floating volume file onto the reference volume's
// grid using a stored affine transform. interp selects the interpolation
// order (0 nearest neighbour, 1 trilinear).
type Resampler interface {
	Resample(refPath, floPath, affinePath string, interp int, outDir string) (string, error)
}

// BiasCorrector removes low-frequency intensity bias from an anatomical
// volume file.
type BiasCorrector interface {
	Correct(imgPath, outDir string) (string, error)
}

// Smoother applies isotropic Gaussian smoothing to a volume file.
type Smoother interface {
	Smooth(imgPath string, fwhm float64, outDir string) (string, error)
}
