package volume

import (
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// Ext is the file extension of the native volume format.
const Ext = ".vol.gz"

// magic identifies native volume files.
var magic = [4]byte{'A', 'M', 'Y', 'V'}

// fileHeader is the fixed-size portion of the native volume format.
type fileHeader struct {
	Magic     [4]byte
	Version   uint8
	NDim      uint8
	_         [2]byte
	Shape     [4]int32
	VoxelSize [3]float64
	Affine    [16]float64
	Flip      [3]uint8
	Transpose [3]int8
	_         [2]byte
}

// Save writes the volume to path in the native gzipped binary format,
// creating parent directories as needed.
func Save(v *Volume, path string) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	defer f.Close()

	zw := gzip.NewWriter(f)

	hdr := fileHeader{
		Magic:     magic,
		Version:   1,
		NDim:      uint8(v.NDim()),
		VoxelSize: v.VoxelSize,
	}
	for i, d := range v.Shape {
		hdr.Shape[i] = int32(d)
	}
	if v.Affine != nil {
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				hdr.Affine[r*4+c] = v.Affine.At(r, c)
			}
		}
	} else {
		hdr.Affine[0], hdr.Affine[5], hdr.Affine[10], hdr.Affine[15] = 1, 1, 1, 1
	}
	for i := 0; i < 3; i++ {
		if v.Flip[i] {
			hdr.Flip[i] = 1
		}
		hdr.Transpose[i] = int8(v.Transpose[i])
	}

	if err := binary.Write(zw, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("failed to write volume header: %w", err)
	}
	if err := binary.Write(zw, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("failed to write volume data: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish volume file: %w", err)
	}
	return nil
}

// Load reads a volume from a native-format file.
func Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume file: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read volume file %s: %w", path, err)
	}
	defer zr.Close()

	var hdr fileHeader
	if err := binary.Read(zr, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read volume header: %w", err)
	}
	if hdr.Magic != magic {
		return nil, fmt.Errorf("%s is not a native volume file", path)
	}
	if hdr.NDim != 3 && hdr.NDim != 4 {
		return nil, fmt.Errorf("%w: %dD in %s", ErrBadDims, hdr.NDim, path)
	}

	shape := make([]int, hdr.NDim)
	n := 1
	for i := range shape {
		shape[i] = int(hdr.Shape[i])
		n *= shape[i]
	}

	v := &Volume{
		Data:      make([]float64, n),
		Shape:     shape,
		VoxelSize: hdr.VoxelSize,
		Affine:    mat.NewDense(4, 4, hdr.Affine[:]),
	}
	for i := 0; i < 3; i++ {
		v.Flip[i] = hdr.Flip[i] != 0
		v.Transpose[i] = int(hdr.Transpose[i])
	}

	if err := binary.Read(zr, binary.LittleEndian, v.Data); err != nil {
		return nil, fmt.Errorf("failed to read volume data: %w", err)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return v, nil
}
