// Package tensors implements Tensor, a local (host CPU) multi-dimensional array used as
// the concrete value flowing through the eager shims and in/out of the graph backend.
//
// A Tensor is defined by its shapes.Shape and its content, stored as a flat slice of
// the Go type corresponding to its DType. There is no on-device representation: the
// graph backend in this repository executes on the host.
//
// Construction:
//
//   - FromShape(shape): zero-initialized tensor.
//   - FromFlatDataAndDimensions(data, dimensions...): from a flat slice, copied.
//
// Float16 values (github.com/x448/float16) are supported for storage; see ConvertTo.
package tensors

import (
	"encoding/binary"
	"io"
	"math"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/eager2graph/types/shapes"
)

// Tensor is a local multi-dimensional array. See package documentation.
//
// Tensors are used as single-assignment values: operations return new tensors, the
// flat data of an existing tensor is only mutated through MutableFlatData.
type Tensor struct {
	shape shapes.Shape

	// flat is a slice of the Go type for shape.DType, of length shape.Size().
	flat any
}

// FromShape returns a Tensor of the given shape initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape: invalid shape")
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape.Clone(), flat: flatV.Interface()}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, set with a copy
// of the flattened values in data. The DType is inferred from T.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but shape size is %d",
			shape, len(data), shape.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	return &Tensor{shape: shape, flat: flat}
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size is the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// String implements fmt.Stringer: it prints only the shape, not the values.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return "Tensor" + t.shape.String()
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	flatV := reflect.ValueOf(t.flat)
	cloneV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneV, flatV)
	return &Tensor{shape: t.shape.Clone(), flat: cloneV.Interface()}
}

// CopyFrom overwrites the tensor's data with other's. Shapes must match exactly.
func (t *Tensor) CopyFrom(other *Tensor) {
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("tensors.CopyFrom: shape mismatch, %s vs %s", t.shape, other.shape)
	}
	reflect.Copy(reflect.ValueOf(t.flat), reflect.ValueOf(other.flat))
}

// ConstFlatData gives access to the flat data of the tensor. The returned slice is
// owned by the tensor and must not be modified -- use MutableFlatData for that.
// It panics if T doesn't match the tensor DType.
func ConstFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.ConstFlatData[%s]: tensor has dtype %s",
			dtypes.FromGenericsType[T](), t.shape.DType)
	}
	return flat
}

// MutableFlatData gives writable access to the flat data of the tensor.
// It panics if T doesn't match the tensor DType.
func MutableFlatData[T dtypes.Supported](t *Tensor) []T {
	return ConstFlatData[T](t)
}

// Equal compares shape and flat values for exact (bit-level) equality.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// floatAt returns the flat element at idx converted to float64.
func (t *Tensor) floatAt(idx int) float64 {
	switch flat := t.flat.(type) {
	case []float32:
		return float64(flat[idx])
	case []float64:
		return flat[idx]
	case []float16.Float16:
		return float64(flat[idx].Float32())
	case []int32:
		return float64(flat[idx])
	case []int64:
		return float64(flat[idx])
	case []int:
		return float64(flat[idx])
	}
	exceptions.Panicf("tensors: no float conversion for dtype %s", t.shape.DType)
	return 0
}

// Divergence describes the first element where two tensors differ beyond tolerance.
type Divergence struct {
	FlatIdx   int
	Want, Got float64
}

// AllClose compares the two tensors element-wise within the given absolute tolerance
// (relative tolerance is always zero, since values close to zero are common).
// On failure it returns the first diverging flat index and both values.
//
// The shapes must have equal dimensions; use Shape().Equal to pre-check.
func (t *Tensor) AllClose(other *Tensor, atol float64) (ok bool, div Divergence) {
	if !t.shape.EqualDimensions(other.shape) {
		exceptions.Panicf("tensors.AllClose: shapes %s and %s have different dimensions",
			t.shape, other.shape)
	}
	for idx := range t.Size() {
		want, got := t.floatAt(idx), other.floatAt(idx)
		if math.Abs(want-got) > atol || math.IsNaN(got) != math.IsNaN(want) {
			return false, Divergence{FlatIdx: idx, Want: want, Got: got}
		}
	}
	return true, Divergence{}
}

// Transpose returns a new tensor with the axes reordered: axis i of the result is axis
// permutation[i] of the input. The permutation must be a bijection over the axes.
func (t *Tensor) Transpose(permutation ...int) *Tensor {
	rank := t.Rank()
	if len(permutation) != rank {
		exceptions.Panicf("Tensor.Transpose: permutation %v doesn't match tensor rank %d", permutation, rank)
	}
	seen := make([]bool, rank)
	newDims := make([]int, rank)
	for newAxis, oldAxis := range permutation {
		if oldAxis < 0 || oldAxis >= rank || seen[oldAxis] {
			exceptions.Panicf("Tensor.Transpose: %v is not a permutation of the %d axes", permutation, rank)
		}
		seen[oldAxis] = true
		newDims[newAxis] = t.shape.Dimensions[oldAxis]
	}
	result := FromShape(shapes.Make(t.shape.DType, newDims...))

	srcV := reflect.ValueOf(t.flat)
	dstV := reflect.ValueOf(result.flat)
	srcStrides := t.shape.Strides()
	indices := make([]int, rank)
	for dstIdx := range t.Size() {
		// indices holds the multi-dimensional index in the result tensor.
		srcIdx := 0
		for axis := range rank {
			srcIdx += indices[axis] * srcStrides[permutation[axis]]
		}
		dstV.Index(dstIdx).Set(srcV.Index(srcIdx))
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < newDims[axis] {
				break
			}
			indices[axis] = 0
		}
	}
	return result
}

// ConvertTo returns a copy of the tensor converted to the given dtype. Only
// conversions between the float dtypes (Float16, Float32, Float64) are supported.
// Converting to the same dtype clones.
func (t *Tensor) ConvertTo(dtype dtypes.DType) *Tensor {
	if dtype == t.shape.DType {
		return t.Clone()
	}
	result := FromShape(shapes.Make(dtype, t.shape.Dimensions...))
	for idx := range t.Size() {
		value := t.floatAt(idx)
		switch flat := result.flat.(type) {
		case []float32:
			flat[idx] = float32(value)
		case []float64:
			flat[idx] = value
		case []float16.Float16:
			flat[idx] = float16.Fromfloat32(float32(value))
		default:
			exceptions.Panicf("Tensor.ConvertTo(%s): conversion from %s not supported", dtype, t.shape.DType)
		}
	}
	return result
}

// WriteFlat serializes the flat data as little-endian raw bytes.
func (t *Tensor) WriteFlat(w io.Writer) error {
	err := binary.Write(w, binary.LittleEndian, t.flat)
	if err != nil {
		return errors.Wrapf(err, "Tensor.WriteFlat(%s)", t.shape)
	}
	return nil
}

// ReadFlat deserializes flat data written by WriteFlat into the tensor, in place.
func (t *Tensor) ReadFlat(r io.Reader) error {
	err := binary.Read(r, binary.LittleEndian, t.flat)
	if err != nil {
		return errors.Wrapf(err, "Tensor.ReadFlat(%s)", t.shape)
	}
	return nil
}
