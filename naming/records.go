package naming

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Module is the minimal identity a traced (shim) module exposes to the tracing engine.
// Concrete modules live in the shim library (package nn); the engine only dispatches on
// the capabilities below, never on concrete types.
type Module interface {
	// TypeTag returns a short lower-case tag used to build hierarchical path names,
	// e.g. "lstm" or "sequential".
	TypeTag() string

	// ConfigString returns the declared configuration for diagnostics, e.g.
	// "LSTM(input_size=16, hidden_size=32)".
	ConfigString() string
}

// Lowerable is the graph lowering protocol: the capability a module implements so its
// traced calls can become declarative graph nodes. Modules without it must either be
// containers (their children get lowered) or tracing fails.
type Lowerable interface {
	Module

	// CheckLayer verifies the realized layer against the module's declared
	// configuration, panicking with a ShapeError on mismatch.
	CheckLayer(layer *netdict.Layer)

	// ImportParams copies this module's captured numeric parameters into the target
	// backend representation, performing any layout change required (gate reorder,
	// transposition, bias merging). nodeName is the graph node realized from this
	// module, params maps parameter name to captured value, and store receives the
	// backend variables.
	ImportParams(nodeName string, layer *netdict.Layer, params map[string]*tensors.Tensor, store ParamStore) error
}

// Container marks modules whose forward delegates to child modules; they are traced
// but not lowered themselves.
type Container interface {
	Module

	// TracedChildren returns the child modules in declaration order.
	TracedChildren() []Module
}

// ParamStore receives numeric parameter values for the target backend, keyed by
// variable name ("<node path>/<variable>").
type ParamStore interface {
	SetVariable(name string, value *tensors.Tensor) error
}

// ModuleRecord is the identity of one traced module instance within a session.
type ModuleRecord struct {
	Module Module

	// Path is the absolute hierarchical name, unique per session, e.g.
	// "/sequential/0". Assigned at registration with sibling-position suffixing.
	Path string

	Parent   *ModuleRecord
	Children []*ModuleRecord

	// Params are the module's owned parameter records, in declaration order.
	Params []*ParameterRecord

	// Calls lists this module's invocations in order; the index in this slice is the
	// CallRecord.CallIdx.
	Calls []*CallRecord
}

// Name returns the last component of the path.
func (mr *ModuleRecord) Name() string {
	for ii := len(mr.Path) - 1; ii >= 0; ii-- {
		if mr.Path[ii] == pathSeparator {
			return mr.Path[ii+1:]
		}
	}
	return mr.Path
}

// ParamByName returns the named parameter record, or nil.
func (mr *ModuleRecord) ParamByName(name string) *ParameterRecord {
	for _, p := range mr.Params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// ParameterRecord holds one named parameter of a traced module. Value is only
// populated when captured from an eager run (or imported from a prior session).
type ParameterRecord struct {
	Name   string
	Shape  shapes.Shape
	Module *ModuleRecord
	Value  *tensors.Tensor
}

// CallRecord is one invocation of a module.
type CallRecord struct {
	Module *ModuleRecord

	// CallIdx disambiguates repeated invocations of the same module (shared weights
	// reused across steps or layers): 0 for the first call.
	CallIdx int

	Inputs  []*TensorRecord
	Outputs []*TensorRecord

	// Layer is the declarative node lowered from this call. Nil for container calls
	// and for eager (non-graph-backed) sessions.
	Layer *netdict.Layer

	// NodeName is the graph node name assigned to Layer, empty if not lowered.
	NodeName string

	// InputValues/OutputValues are numeric snapshots retained when the session was
	// begun with KeepIntermediateIO.
	InputValues  []*tensors.Tensor
	OutputValues []*tensors.Tensor
}

// TensorRecord describes one traced tensor value. Tensors are single-assignment value
// objects: each has exactly one producing call (view-like reorderings such as axis
// permutations share the producer of the tensor they are derived from).
type TensorRecord struct {
	// Producer is the call that created the value, nil for registered inputs and
	// constant sources.
	Producer *CallRecord

	// Dims are the dimensions in the origin framework's axis order.
	Dims  []int
	DType dtypes.DType

	// NodeName is the graph node this tensor maps to, set once lowered (or bound via
	// Session.RegisterInput). Empty in eager sessions.
	NodeName string

	// BackendToOrigin is the axis mapping: BackendToOrigin[a] is the origin-framework
	// axis corresponding to backend axis a. Its length always equals the rank in both
	// representations. Nil in eager sessions.
	BackendToOrigin []int
}

// Rank of the traced tensor.
func (tr *TensorRecord) Rank() int { return len(tr.Dims) }

// Dim returns the dimension of the given origin-framework axis (negative counts from
// the end).
func (tr *TensorRecord) Dim(axis int) int {
	return tr.Dims[shapes.AdjustAxisToRank(axis, tr.Rank())]
}

// Shape returns the origin-framework shape.
func (tr *TensorRecord) Shape() shapes.Shape {
	return shapes.Make(tr.DType, tr.Dims...)
}

// InverseAxisMapping inverts a bijective axis mapping: if mapping[a] == b then
// InverseAxisMapping(mapping)[b] == a.
func InverseAxisMapping(mapping []int) []int {
	inverse := make([]int, len(mapping))
	for a, b := range mapping {
		inverse[b] = a
	}
	return inverse
}

// IdentityAxisMapping returns the identity mapping of the given rank.
func IdentityAxisMapping(rank int) []int {
	mapping := make([]int, rank)
	for a := range mapping {
		mapping[a] = a
	}
	return mapping
}

// permuteAxisMapping composes an origin-side axis permutation into the mapping:
// permutation[newAxis] == oldAxis, as in Tensor.Transpose.
func permuteAxisMapping(mapping, permutation []int) []int {
	// oldToNew[oldAxis] == newAxis.
	oldToNew := InverseAxisMapping(permutation)
	updated := slices.Clone(mapping)
	for a, oldOrigin := range mapping {
		updated[a] = oldToNew[oldOrigin]
	}
	return updated
}
