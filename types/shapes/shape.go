// Package shapes defines Shape, the description of the rank, dimensions and DType of a
// tensor. It is shared by the eager shim tensors and the declarative graph backend.
//
// DType comes from github.com/gomlx/gopjrt/dtypes.
//
// Glossary:
//
//   - Rank: number of axes of a tensor.
//   - Axis: the index of one dimension. A rank-3 tensor has axes 0, 1 and 2.
//   - Dimension: the size of the tensor along one axis.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of a tensor: its DType and the dimension of each axis.
//
// Use Make to create one. The zero value is invalid (see Shape.Ok).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// HasShape is anything that can report its own Shape.
type HasShape interface {
	Shape() Shape
}

// Make returns a Shape with the given DType and dimensions.
// It panics if any dimension is <= 0 -- use a rank-0 (scalar) shape instead of
// zero-sized axes.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a rank-0 shape of the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid Shape: Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// Ok returns whether this is a valid Shape.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size returns the total number of elements, the product of all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return
}

// Memory returns the number of bytes needed to store the flat values of the shape.
func (s Shape) Memory() int {
	return int(s.DType.Memory()) * s.Size()
}

// Dim returns the dimension of the given axis. Negative axes count from the end,
// so Dim(-1) is the dimension of the last axis.
func (s Shape) Dim(axis int) int {
	adjusted := AdjustAxisToRank(axis, s.Rank())
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Clone makes a deep copy of the Shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal compares DType and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// EqualDimensions compares only the dimensions. DTypes can be different.
func (s Shape) EqualDimensions(other Shape) bool {
	return slices.Equal(s.Dimensions, other.Dimensions)
}

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if !s.Ok() {
		return "(invalid shape)"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// AdjustAxisToRank converts negative axes to their positive equivalent for the given
// rank. Non-negative axes are returned unchanged.
func AdjustAxisToRank(axis, rank int) int {
	if axis < 0 {
		return rank + axis
	}
	return axis
}

// AssertRank panics with an informative message if the shape doesn't have the given
// rank.
func (s Shape) AssertRank(rank int) {
	if s.Rank() != rank {
		exceptions.Panicf("shape %s expected to have rank %d, got rank %d", s, rank, s.Rank())
	}
}

// Strides returns the row-major strides (in elements, not bytes) for each axis.
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}
