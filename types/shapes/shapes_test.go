package shapes_test

import (
	"testing"

	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := shapes.Make(dtypes.Float32, 2, 16, 10)
	assert.Equal(t, 3, s.Rank())
	assert.Equal(t, 320, s.Size())
	assert.Equal(t, 4*320, s.Memory())
	assert.Equal(t, 10, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(0))
	assert.Equal(t, "(Float32)[2 16 10]", s.String())

	s2 := s.Clone()
	require.True(t, s.Equal(s2))
	s2.Dimensions[0] = 3
	assert.False(t, s.Equal(s2), "Clone must be a deep copy")
	assert.True(t, s.EqualDimensions(shapes.Make(dtypes.Float64, 2, 16, 10)))

	scalar := shapes.Scalar(dtypes.Int32)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	assert.False(t, shapes.Invalid().Ok())
	assert.False(t, shapes.Shape{}.Ok())
}

func TestMakeInvalidDimension(t *testing.T) {
	exception := exceptions.Try(func() { shapes.Make(dtypes.Float32, 2, 0) })
	require.NotNil(t, exception, "dimension 0 must panic")
}

func TestStrides(t *testing.T) {
	s := shapes.Make(dtypes.Float32, 2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, s.Strides())
}
