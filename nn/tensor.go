// Package nn is the origin-framework shim API: the surface the user's unmodified
// model-construction code is written against. Depending on the session it is bound
// to, the same code runs eagerly (reference and shadow-eager modes) or builds a
// symbolic graph (graph-capture mode) -- without the model code changing.
//
// Modules are obtained through a Namespace handed out by the import redirection
// service (package resolver). The representative module family implemented here is
// the stateful recurrent one: LSTM, GRU and the plain RNN modes.
package nn

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Tensor is the value the shim modules consume and produce. In eager modes it wraps a
// concrete tensors.Tensor; in graph-capture mode it only carries a symbolic
// naming.TensorRecord. Tensors are single-assignment: operations return new Tensors.
type Tensor struct {
	sess  *naming.Session
	value *tensors.Tensor
	rec   *naming.TensorRecord
}

// InputTensor wraps a concrete tensor as the model input for the given session mode.
// sess may be nil (pass-through, no tracing). In graph-backed sessions the returned
// tensor is symbolic: it carries only the shape, never the numeric values.
func InputTensor(sess *naming.Session, value *tensors.Tensor) *Tensor {
	t := &Tensor{sess: sess}
	if sess != nil {
		t.rec = &naming.TensorRecord{
			Dims:  slices.Clone(value.Shape().Dimensions),
			DType: value.DType(),
		}
	}
	if sess == nil || !sess.BackedByGraph() {
		t.value = value
	}
	return t
}

// newEagerTensor wraps a computed value, recording it in the session when traced.
func newEagerTensor(sess *naming.Session, value *tensors.Tensor) *Tensor {
	t := &Tensor{sess: sess, value: value}
	if sess != nil {
		t.rec = &naming.TensorRecord{
			Dims:  slices.Clone(value.Shape().Dimensions),
			DType: value.DType(),
		}
	}
	return t
}

// newGraphTensor wraps a symbolic record.
func newGraphTensor(sess *naming.Session, rec *naming.TensorRecord) *Tensor {
	return &Tensor{sess: sess, rec: rec}
}

// Symbolic reports whether the tensor carries only a graph reference (no numeric
// value).
func (t *Tensor) Symbolic() bool { return t.value == nil }

// Value returns the concrete tensor, or nil for symbolic tensors.
func (t *Tensor) Value() *tensors.Tensor { return t.value }

// Record returns the tracing record, or nil outside traced sessions.
func (t *Tensor) Record() *naming.TensorRecord { return t.rec }

// Shape returns the origin-framework shape.
func (t *Tensor) Shape() shapes.Shape {
	if t.value != nil {
		return t.value.Shape()
	}
	return t.rec.Shape()
}

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.Shape().DType }

// Rank of the tensor.
func (t *Tensor) Rank() int { return t.Shape().Rank() }

// Dim returns the dimension of the given axis (negative counts from the end).
func (t *Tensor) Dim(axis int) int { return t.Shape().Dim(axis) }

// Permute returns a tensor with the axes reordered: axis i of the result is axis
// permutation[i] of t. Eagerly this moves data; symbolically it only rewrites the
// axis mapping -- no graph node is created.
func (t *Tensor) Permute(permutation ...int) *Tensor {
	if t.Symbolic() {
		return newGraphTensor(t.sess, t.sess.PermuteTensor(t.rec, permutation))
	}
	return newEagerTensor(t.sess, t.value.Transpose(permutation...))
}

// IndexSelect returns a tensor with rows of the given axis reselected in the order of
// indices. This is an explicit copy, never an aliased view. Only available eagerly.
func (t *Tensor) IndexSelect(axis int, indices []int) *Tensor {
	if t.Symbolic() {
		exceptions.Panicf("nn.Tensor.IndexSelect is not available on symbolic tensors")
	}
	shape := t.value.Shape()
	axis = shapes.AdjustAxisToRank(axis, shape.Rank())
	dims := slices.Clone(shape.Dimensions)
	dims[axis] = len(indices)
	result := tensors.FromShape(shapes.Make(shape.DType, dims...))
	src := tensors.ConstFlatData[float32](t.value)
	dst := tensors.MutableFlatData[float32](result)
	strides := shape.Strides()
	outer := 1
	for a := 0; a < axis; a++ {
		outer *= shape.Dimensions[a]
	}
	blockLen := strides[axis]
	for o := range outer {
		srcBase := o * strides[axis] * shape.Dimensions[axis]
		dstBase := o * blockLen * len(indices)
		for ii, idx := range indices {
			copy(dst[dstBase+ii*blockLen:dstBase+(ii+1)*blockLen],
				src[srcBase+idx*blockLen:srcBase+(idx+1)*blockLen])
		}
	}
	return newEagerTensor(t.sess, result)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.Symbolic() {
		return "nn.Tensor(symbolic, " + t.rec.Shape().String() + ")"
	}
	return "nn.Tensor(" + t.value.Shape().String() + ")"
}
