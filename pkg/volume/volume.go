// Package volume provides the in-memory volumetric image representation
// used throughout the pipeline, together with frame reduction, geometry
// normalization and centre-of-mass utilities. Every volume carries its
// affine matrix, axis-flip flags and axis-transpose order so orientation
// information survives every read and write.
package volume

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrBadDims is returned for image data that is neither 3D nor 4D.
var ErrBadDims = errors.New("unrecognised image dimensionality")

// ErrFrameRange is returned when requested frame indices exceed the
// available frame count.
var ErrFrameRange = errors.New("selected frames do not exist")

// Volume is a 3D or 4D image with orientation metadata. Data is stored
// frame-major, then z, y, x (row-major within a frame).
type Volume struct {
	// Data holds the voxel intensities as one flat array
	Data []float64

	// Shape is [nz, ny, nx] for 3D or [nframes, nz, ny, nx] for 4D
	Shape []int

	// VoxelSize is the physical voxel extent in mm along (x, y, z)
	VoxelSize [3]float64

	// Affine is the 4x4 voxel-to-world transform
	Affine *mat.Dense

	// Flip records per-axis flips applied on file read
	Flip [3]bool

	// Transpose records the axis storage order applied on file read
	Transpose [3]int
}

// IdentityAffine returns a 4x4 identity matrix scaled by the voxel size.
func IdentityAffine(voxel [3]float64) *mat.Dense {
	a := mat.NewDense(4, 4, nil)
	a.Set(0, 0, voxel[0])
	a.Set(1, 1, voxel[1])
	a.Set(2, 2, voxel[2])
	a.Set(3, 3, 1)
	return a
}

// New3D creates an empty 3D volume with the given dimensions and an
// identity orientation.
func New3D(nz, ny, nx int, voxel [3]float64) *Volume {
	return &Volume{
		Data:      make([]float64, nz*ny*nx),
		Shape:     []int{nz, ny, nx},
		VoxelSize: voxel,
		Affine:    IdentityAffine(voxel),
		Transpose: [3]int{0, 1, 2},
	}
}

// New4D creates an empty 4D volume with the given dimensions and an
// identity orientation.
func New4D(nframes, nz, ny, nx int, voxel [3]float64) *Volume {
	return &Volume{
		Data:      make([]float64, nframes*nz*ny*nx),
		Shape:     []int{nframes, nz, ny, nx},
		VoxelSize: voxel,
		Affine:    IdentityAffine(voxel),
		Transpose: [3]int{0, 1, 2},
	}
}

// NDim returns the number of dimensions (3 or 4 for valid volumes).
func (v *Volume) NDim() int {
	return len(v.Shape)
}

// NFrames returns the frame count: 1 for 3D volumes.
func (v *Volume) NFrames() int {
	if v.NDim() == 4 {
		return v.Shape[0]
	}
	return 1
}

// SpatialShape returns the (nz, ny, nx) dimensions.
func (v *Volume) SpatialShape() (int, int, int) {
	if v.NDim() == 4 {
		return v.Shape[1], v.Shape[2], v.Shape[3]
	}
	return v.Shape[0], v.Shape[1], v.Shape[2]
}

// SpatialLen returns the voxel count of one frame.
func (v *Volume) SpatialLen() int {
	nz, ny, nx := v.SpatialShape()
	return nz * ny * nx
}

// Validate checks the volume shape against its data length.
func (v *Volume) Validate() error {
	if v.NDim() != 3 && v.NDim() != 4 {
		return fmt.Errorf("%w: %dD", ErrBadDims, v.NDim())
	}
	n := 1
	for _, d := range v.Shape {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension", ErrBadDims)
		}
		n *= d
	}
	if n != len(v.Data) {
		return fmt.Errorf("volume data length %d does not match shape %v", len(v.Data), v.Shape)
	}
	return nil
}

// FrameData returns the voxel data of frame i without copying.
func (v *Volume) FrameData(i int) ([]float64, error) {
	if i < 0 || i >= v.NFrames() {
		return nil, fmt.Errorf("%w: frame %d of %d", ErrFrameRange, i, v.NFrames())
	}
	n := v.SpatialLen()
	return v.Data[i*n : (i+1)*n], nil
}

// SetFrame copies data into the slot of frame i.
func (v *Volume) SetFrame(i int, data []float64) error {
	dst, err := v.FrameData(i)
	if err != nil {
		return err
	}
	if len(data) != len(dst) {
		return fmt.Errorf("frame data length %d does not match spatial size %d", len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// cloneMeta copies orientation metadata from v into a volume with the
// given data and shape.
func (v *Volume) cloneMeta(data []float64, shape []int) *Volume {
	out := &Volume{
		Data:      data,
		Shape:     shape,
		VoxelSize: v.VoxelSize,
		Flip:      v.Flip,
		Transpose: v.Transpose,
	}
	if v.Affine != nil {
		out.Affine = mat.DenseCopyOf(v.Affine)
	}
	return out
}

// CloneShape returns a zero-filled volume on the same grid with the
// same orientation metadata.
func (v *Volume) CloneShape() *Volume {
	shape := make([]int, len(v.Shape))
	copy(shape, v.Shape)
	return v.cloneMeta(make([]float64, len(v.Data)), shape)
}

// Squeeze reduces a single-frame 4D volume to 3D. A 3D volume is
// returned unchanged.
func (v *Volume) Squeeze() (*Volume, error) {
	switch {
	case v.NDim() == 3:
		return v, nil
	case v.NDim() == 4 && v.Shape[0] == 1:
		return v.cloneMeta(v.Data, v.Shape[1:]), nil
	case v.NDim() == 4:
		return nil, fmt.Errorf("cannot squeeze a %d-frame volume", v.Shape[0])
	}
	return nil, fmt.Errorf("%w: %dD", ErrBadDims, v.NDim())
}

// SumFrames reduces a 4D volume to 3D by voxel-wise summation over the
// given frame indices. An empty index list sums all frames. Indices out
// of range are a hard error raised before any computation.
func (v *Volume) SumFrames(frames []int) (*Volume, error) {
	if v.NDim() != 4 {
		return nil, fmt.Errorf("%w: SumFrames needs a 4D volume, got %dD", ErrBadDims, v.NDim())
	}

	if len(frames) == 0 {
		frames = make([]int, v.NFrames())
		for i := range frames {
			frames[i] = i
		}
	}
	for _, f := range frames {
		if f < 0 || f >= v.NFrames() {
			return nil, fmt.Errorf("%w: frame %d of %d", ErrFrameRange, f, v.NFrames())
		}
	}

	n := v.SpatialLen()
	sum := make([]float64, n)
	for _, f := range frames {
		frame := v.Data[f*n : (f+1)*n]
		for i, val := range frame {
			sum[i] += val
		}
	}

	return v.cloneMeta(sum, v.Shape[1:]), nil
}

// Scale returns a copy of the volume with every voxel divided by s.
func (v *Volume) Scale(s float64) *Volume {
	data := make([]float64, len(v.Data))
	for i, val := range v.Data {
		data[i] = val / s
	}
	shape := make([]int, len(v.Shape))
	copy(shape, v.Shape)
	return v.cloneMeta(data, shape)
}

// CentreOfMass computes the intensity centroid of a 3D volume in voxel
// coordinates (x, y, z). Negative intensities are clamped to zero.
func CentreOfMass(v *Volume) ([3]float64, error) {
	if v.NDim() != 3 {
		return [3]float64{}, fmt.Errorf("%w: centre of mass needs a 3D volume", ErrBadDims)
	}

	nz, ny, nx := v.SpatialShape()
	var total, cx, cy, cz float64
	i := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				val := v.Data[i]
				i++
				if val <= 0 {
					continue
				}
				total += val
				cx += val * float64(x)
				cy += val * float64(y)
				cz += val * float64(z)
			}
		}
	}
	if total == 0 {
		return [3]float64{}, errors.New("centre of mass undefined for an all-zero volume")
	}
	return [3]float64{cx / total, cy / total, cz / total}, nil
}

// CentreMassCorrect translates the coordinate origin of a 3D volume to
// its intensity centroid. Downstream registration initializations assume
// near-centered geometry. The voxel data is unchanged; only the affine
// translation column moves.
func CentreMassCorrect(v *Volume) (*Volume, [3]float64, error) {
	com, err := CentreOfMass(v)
	if err != nil {
		return nil, com, err
	}

	out := v.cloneMeta(v.Data, v.Shape)
	if out.Affine == nil {
		out.Affine = IdentityAffine(v.VoxelSize)
	}
	// world coordinate of the centroid under the current affine
	for r := 0; r < 3; r++ {
		w := out.Affine.At(r, 0)*com[0] +
			out.Affine.At(r, 1)*com[1] +
			out.Affine.At(r, 2)*com[2] +
			out.Affine.At(r, 3)
		out.Affine.Set(r, 3, out.Affine.At(r, 3)-w)
	}
	return out, com, nil
}

// TrimUpsample normalizes the geometry of a 3D PET volume so its grid is
// compatible with a label volume's resolution. The integer upsampling
// factor per axis is the ceiling of the PET/label voxel-size ratio;
// voxels are filled by linear interpolation and the affine is rescaled
// accordingly. A unit factor on every axis returns the input unchanged.
func TrimUpsample(v *Volume, labelVoxel [3]float64) (*Volume, [3]int, error) {
	if v.NDim() != 3 {
		return nil, [3]int{}, fmt.Errorf("%w: trim/upsample needs a 3D volume", ErrBadDims)
	}

	var factor [3]int
	for i := 0; i < 3; i++ {
		if labelVoxel[i] <= 0 {
			return nil, factor, fmt.Errorf("non-positive label voxel size %v", labelVoxel)
		}
		f := int(math.Ceil(v.VoxelSize[i]/labelVoxel[i] - 1e-9))
		if f < 1 {
			f = 1
		}
		factor[i] = f
	}

	if factor == [3]int{1, 1, 1} {
		return v, factor, nil
	}

	nz, ny, nx := v.SpatialShape()
	// factor is indexed (x, y, z); shape is (z, y, x)
	mz, my, mx := nz*factor[2], ny*factor[1], nx*factor[0]
	out := make([]float64, mz*my*mx)

	sample := func(z, y, x int) float64 {
		return v.Data[z*ny*nx+y*nx+x]
	}

	for z := 0; z < mz; z++ {
		sz := float64(z) / float64(factor[2])
		z0 := int(sz)
		z1 := z0 + 1
		if z1 >= nz {
			z1 = nz - 1
		}
		fz := sz - float64(z0)

		for y := 0; y < my; y++ {
			sy := float64(y) / float64(factor[1])
			y0 := int(sy)
			y1 := y0 + 1
			if y1 >= ny {
				y1 = ny - 1
			}
			fy := sy - float64(y0)

			for x := 0; x < mx; x++ {
				sx := float64(x) / float64(factor[0])
				x0 := int(sx)
				x1 := x0 + 1
				if x1 >= nx {
					x1 = nx - 1
				}
				fx := sx - float64(x0)

				c00 := sample(z0, y0, x0)*(1-fx) + sample(z0, y0, x1)*fx
				c01 := sample(z0, y1, x0)*(1-fx) + sample(z0, y1, x1)*fx
				c10 := sample(z1, y0, x0)*(1-fx) + sample(z1, y0, x1)*fx
				c11 := sample(z1, y1, x0)*(1-fx) + sample(z1, y1, x1)*fx

				c0 := c00*(1-fy) + c01*fy
				c1 := c10*(1-fy) + c11*fy

				out[z*my*mx+y*mx+x] = c0*(1-fz) + c1*fz
			}
		}
	}

	res := v.cloneMeta(out, []int{mz, my, mx})
	for i := 0; i < 3; i++ {
		res.VoxelSize[i] = v.VoxelSize[i] / float64(factor[i])
	}
	if res.Affine != nil {
		// shrink the spatial scaling columns by the upsampling factor
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				res.Affine.Set(r, c, res.Affine.At(r, c)/float64(factor[c]))
			}
		}
	}
	return res, factor, nil
}
