// Package naming implements the tracing engine: a scoped recording session that
// observes shim-module construction and invocation and builds the module hierarchy,
// call and tensor records needed to lower an eagerly-executed model into a declarative
// graph (a netdict.Net).
//
// Exactly one session may be active at a time; it is an exclusively-held, scoped
// resource:
//
//	sess, err := naming.Begin(naming.Options{BackedByGraph: true})
//	if err != nil { ... }
//	defer sess.Close()
//
// Closing detaches the session (allowing a new one to begin) but leaves the captured
// hierarchy and records owned by the caller.
//
// All recording methods panic with a *TracingError on misuse; the verification
// orchestrator recovers those at its stage boundaries.
package naming

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

const pathSeparator = '/'

// Options configures a tracing session.
type Options struct {
	// BackedByGraph selects whether traced tensors carry real numeric values (false:
	// shadow-eager) or only symbolic graph references (true: graph capture).
	BackedByGraph bool

	// KeepIntermediateIO retains numeric per-call input/output snapshots for later
	// verification. Only meaningful for shadow-eager sessions.
	KeepIntermediateIO bool

	// ImportParamsFrom copies captured numeric parameter values from a prior
	// (shadow-eager) session into this session's parameter records, keyed by the
	// absolute module path and parameter name.
	ImportParamsFrom *Session
}

// Session records one scoped run of model-construction code. See package
// documentation.
type Session struct {
	opts Options

	active bool

	roots   []*ModuleRecord
	byPath  map[string]*ModuleRecord
	records map[Module]*ModuleRecord

	// calls is the global creation-ordered list of all calls. Eager execution is
	// strictly sequential, so creation order is already topological
	// (input-before-consumer).
	calls []*CallRecord

	// constants are graph-mode constant source nodes, in creation order.
	constants []constantNode

	input      *TensorRecord
	inputSpec  ShapeSpec
	output     *TensorRecord
	outputCall *CallRecord
}

var (
	sessionMu sync.Mutex
	current   *Session
)

// Begin starts a new tracing session. It fails if another session is still active:
// the session is an exclusively-held resource.
func Begin(opts Options) (*Session, error) {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if current != nil {
		return nil, tracingErrorf("a tracing session is already active; close it before beginning a new one")
	}
	if opts.ImportParamsFrom != nil && opts.ImportParamsFrom.active {
		return nil, tracingErrorf("ImportParamsFrom session is still active: parameter import requires a frozen registry")
	}
	s := &Session{
		opts:    opts,
		active:  true,
		byPath:  make(map[string]*ModuleRecord),
		records: make(map[Module]*ModuleRecord),
	}
	current = s
	return s, nil
}

// Close detaches the session's observation hooks, allowing a new session to begin.
// The captured hierarchy and records remain owned by the caller. Close is idempotent
// and safe on every exit path.
func (s *Session) Close() {
	sessionMu.Lock()
	defer sessionMu.Unlock()
	if current == s {
		current = nil
	}
	s.active = false
}

// BackedByGraph reports whether this session builds symbolic graph references.
func (s *Session) BackedByGraph() bool { return s.opts.BackedByGraph }

// KeepsIntermediateIO reports whether per-call IO snapshots are retained.
func (s *Session) KeepsIntermediateIO() bool { return s.opts.KeepIntermediateIO }

func (s *Session) checkActive() {
	if !s.active {
		panic(tracingErrorf("tracing session is closed"))
	}
}

// RegisterModule records the construction of a module. parent is nil for modules
// created at the top level; childName overrides the positional name a container gives
// its children ("" uses the module's type tag). The absolute path is made unique by
// sibling-position suffixing.
func (s *Session) RegisterModule(m Module, parent Module, childName string) *ModuleRecord {
	s.checkActive()
	if _, found := s.records[m]; found {
		panic(tracingErrorf("module %s registered twice", m.ConfigString()))
	}
	var parentRecord *ModuleRecord
	if parent != nil {
		parentRecord = s.recordOf(parent)
	}
	name := childName
	if name == "" {
		name = m.TypeTag()
		// Suffix by sibling position to keep paths unique.
		if count := s.countSiblingTags(parentRecord, name); count > 0 {
			name = fmt.Sprintf("%s_%d", name, count)
		}
	}
	var path string
	if parentRecord == nil {
		path = string(pathSeparator) + name
	} else {
		path = parentRecord.Path + string(pathSeparator) + name
	}
	if _, found := s.byPath[path]; found {
		panic(tracingErrorf("two modules collide on absolute path %q", path))
	}
	mr := &ModuleRecord{Module: m, Path: path, Parent: parentRecord}
	if parentRecord == nil {
		s.roots = append(s.roots, mr)
	} else {
		parentRecord.Children = append(parentRecord.Children, mr)
	}
	s.byPath[path] = mr
	s.records[m] = mr
	klog.V(2).Infof("naming: registered module %s at %q", m.ConfigString(), path)
	return mr
}

func (s *Session) countSiblingTags(parent *ModuleRecord, tag string) int {
	siblings := s.roots
	if parent != nil {
		siblings = parent.Children
	}
	count := 0
	for _, sibling := range siblings {
		name := sibling.Name()
		if name == tag || strings.HasPrefix(name, tag+"_") {
			count++
		}
	}
	return count
}

// ReparentModule moves an already-registered module under a container, renaming its
// subtree. Containers call this when adopting children that were constructed at the
// top level.
func (s *Session) ReparentModule(child, parent Module, childName string) {
	s.checkActive()
	childRecord := s.recordOf(child)
	parentRecord := s.recordOf(parent)
	if childRecord.Parent != nil {
		panic(tracingErrorf("module at %q already has a parent", childRecord.Path))
	}
	if len(childRecord.Calls) > 0 {
		panic(tracingErrorf("module at %q cannot be reparented after being called", childRecord.Path))
	}
	for ii, root := range s.roots {
		if root == childRecord {
			s.roots = append(s.roots[:ii], s.roots[ii+1:]...)
			break
		}
	}
	childRecord.Parent = parentRecord
	parentRecord.Children = append(parentRecord.Children, childRecord)
	s.renameSubtree(childRecord, parentRecord.Path+string(pathSeparator)+childName)
}

func (s *Session) renameSubtree(mr *ModuleRecord, newPath string) {
	if _, found := s.byPath[newPath]; found {
		panic(tracingErrorf("two modules collide on absolute path %q", newPath))
	}
	delete(s.byPath, mr.Path)
	mr.Path = newPath
	s.byPath[newPath] = mr
	// A renamed path may now match a module of the ImportParamsFrom session.
	for _, p := range mr.Params {
		s.importParamValue(p)
	}
	for _, child := range mr.Children {
		s.renameSubtree(child, newPath+string(pathSeparator)+child.Name())
	}
}

func (s *Session) recordOf(m Module) *ModuleRecord {
	mr, found := s.records[m]
	if !found {
		panic(tracingErrorf("module %s was never registered with this session", m.ConfigString()))
	}
	return mr
}

// RecordOf returns the ModuleRecord of a registered module.
func (s *Session) RecordOf(m Module) *ModuleRecord { return s.recordOf(m) }

// ModuleByPath returns the module record at the given absolute path, or nil.
func (s *Session) ModuleByPath(path string) *ModuleRecord { return s.byPath[path] }

// AddParameter records a named parameter owned by the module. If the session was
// begun with ImportParamsFrom, the captured value of the same absolute module path and
// parameter name overrides value.
func (s *Session) AddParameter(m Module, name string, shape shapes.Shape, value *tensors.Tensor) *ParameterRecord {
	s.checkActive()
	mr := s.recordOf(m)
	if mr.ParamByName(name) != nil {
		panic(tracingErrorf("module %q declares parameter %q twice", mr.Path, name))
	}
	p := &ParameterRecord{Name: name, Shape: shape, Module: mr, Value: value}
	s.importParamValue(p)
	mr.Params = append(mr.Params, p)
	return p
}

// importParamValue overwrites the parameter's value in place with the captured value
// of the same absolute path and name in the ImportParamsFrom session, if any. Copying
// in place keeps tensors already held by the owning module valid, and lets the import
// be re-resolved when a container adoption renames the module's path.
func (s *Session) importParamValue(p *ParameterRecord) {
	prior := s.opts.ImportParamsFrom
	if prior == nil || p.Value == nil {
		return
	}
	priorModule := prior.byPath[p.Module.Path]
	if priorModule == nil {
		return
	}
	priorParam := priorModule.ParamByName(p.Name)
	if priorParam == nil || priorParam.Value == nil {
		return
	}
	if !priorParam.Shape.Equal(p.Shape) {
		panic(tracingErrorf("parameter %q of module %q changed shape between sessions: %s vs %s",
			p.Name, p.Module.Path, priorParam.Shape, p.Shape))
	}
	p.Value.CopyFrom(priorParam.Value)
}

// BeginCall records the start of a module invocation with the given traced inputs.
// In graph-backed sessions the module must either implement the graph lowering
// protocol (Lowerable) or be a Container, otherwise tracing fails.
func (s *Session) BeginCall(m Module, inputs []*TensorRecord) *CallRecord {
	s.checkActive()
	mr := s.recordOf(m)
	if s.opts.BackedByGraph {
		_, lowerable := m.(Lowerable)
		_, container := m.(Container)
		if !lowerable && !container {
			panic(tracingErrorf("module type %q (%s) exposes no graph lowering implementation",
				m.TypeTag(), m.ConfigString()))
		}
	}
	call := &CallRecord{Module: mr, CallIdx: len(mr.Calls), Inputs: inputs}
	mr.Calls = append(mr.Calls, call)
	s.calls = append(s.calls, call)
	return call
}

// EndCall records the outputs of an invocation, and numeric IO snapshots when
// configured. inputValues/outputValues may be nil when not available (graph mode).
func (s *Session) EndCall(call *CallRecord, outputs []*TensorRecord, inputValues, outputValues []*tensors.Tensor) {
	s.checkActive()
	call.Outputs = outputs
	for _, out := range outputs {
		if out.Producer == nil {
			out.Producer = call
		}
	}
	if s.opts.KeepIntermediateIO {
		for _, v := range inputValues {
			call.InputValues = append(call.InputValues, v.Clone())
		}
		for _, v := range outputValues {
			call.OutputValues = append(call.OutputValues, v.Clone())
		}
	}
}

// EmitNode assigns the graph node lowered from call: the node name derives from the
// module path (repeated calls get a ".N" suffix and share parameters with the first
// call's node), and the call's output tensor record is created with the given
// origin-order dims and axis mapping.
func (s *Session) EmitNode(call *CallRecord, layer *netdict.Layer, dtype dtypes.DType, dims []int, backendToOrigin []int) *TensorRecord {
	s.checkActive()
	if !s.opts.BackedByGraph {
		panic(tracingErrorf("EmitNode called on a session not backed by a graph"))
	}
	if _, lowerable := call.Module.Module.(Lowerable); !lowerable {
		panic(tracingErrorf("module type %q exposes no graph lowering implementation", call.Module.Module.TypeTag()))
	}
	if len(backendToOrigin) != len(dims) {
		panic(tracingErrorf("axis mapping length %d doesn't match tensor rank %d", len(backendToOrigin), len(dims)))
	}
	base := nodeNameForPath(call.Module.Path)
	name := base
	if call.CallIdx > 0 {
		name = fmt.Sprintf("%s.%d", base, call.CallIdx)
		layer.ReuseParams = base
	}
	call.Layer = layer
	call.NodeName = name
	out := &TensorRecord{
		Producer:        call,
		Dims:            dims,
		DType:           dtype,
		NodeName:        name,
		BackendToOrigin: backendToOrigin,
	}
	klog.V(2).Infof("naming: lowered call %d of %q to node %q (%s)", call.CallIdx, call.Module.Path, name, layer.Class)
	return out
}

// nodeNameForPath converts an absolute module path into a graph node name:
// "/sequential/0" -> "sequential.0".
func nodeNameForPath(path string) string {
	trimmed := strings.TrimPrefix(path, string(pathSeparator))
	return strings.ReplaceAll(trimmed, string(pathSeparator), ".")
}

// NewConstant records a constant tensor source as a graph node, named after the given
// tag. Constants use the identity axis mapping: their origin and backend layouts are
// the same.
func (s *Session) NewConstant(tag string, value *tensors.Tensor) *TensorRecord {
	s.checkActive()
	if !s.opts.BackedByGraph {
		panic(tracingErrorf("NewConstant requires a graph-backed session"))
	}
	name := tag
	for ii := 1; ; ii++ {
		if _, taken := s.constantNames()[name]; !taken {
			break
		}
		name = fmt.Sprintf("%s_%d", tag, ii)
	}
	flat := tensors.ConstFlatData[float32](value.ConvertTo(dtypes.Float32))
	layer := &netdict.Layer{
		Class:  netdict.ClassConstant,
		Values: flat,
		Dims:   value.Shape().Dimensions,
	}
	s.constants = append(s.constants, constantNode{name: name, layer: layer})
	return &TensorRecord{
		Dims:            value.Shape().Dimensions,
		DType:           value.DType(),
		NodeName:        name,
		BackendToOrigin: IdentityAxisMapping(value.Rank()),
	}
}

type constantNode struct {
	name  string
	layer *netdict.Layer
}

func (s *Session) constantNames() map[string]bool {
	names := make(map[string]bool, len(s.constants))
	for _, c := range s.constants {
		names[c.name] = true
	}
	return names
}

// PermuteTensor derives a new tensor record with the origin-side axes reordered:
// origin axis i of the result is origin axis permutation[i] of t. This is a view-like
// reordering: no graph node is created, only the axis mapping changes.
func (s *Session) PermuteTensor(t *TensorRecord, permutation []int) *TensorRecord {
	s.checkActive()
	if len(permutation) != t.Rank() {
		panic(tracingErrorf("permutation %v doesn't match tensor rank %d", permutation, t.Rank()))
	}
	dims := make([]int, t.Rank())
	for newAxis, oldAxis := range permutation {
		dims[newAxis] = t.Dims[oldAxis]
	}
	return &TensorRecord{
		Producer:        t.Producer,
		Dims:            dims,
		DType:           t.DType,
		NodeName:        t.NodeName,
		BackendToOrigin: permuteAxisMapping(t.BackendToOrigin, permutation),
	}
}

// ShapeSpec declares the layout of the registered input in the origin framework's
// axis order: three fixed roles with the time axis dynamic (variable length across
// sequences, with a parallel sequence-length side channel).
type ShapeSpec struct {
	BatchAxis, TimeAxis, FeatureAxis int

	// FeatureDim is the fixed dimension of the feature axis.
	FeatureDim int
}

// InputHandle is returned by RegisterInput: it exposes the graph input node name and
// the name of the parallel sequence-length side channel.
type InputHandle struct {
	spec ShapeSpec
}

// NodeName of the graph input node.
func (h *InputHandle) NodeName() string { return netdict.DataNode }

// SeqLenName is the name of the sequence-length side channel fed along with the input.
func (h *InputHandle) SeqLenName() string { return netdict.DataNode + ":seq_lens" }

// Spec returns the declared input layout.
func (h *InputHandle) Spec() ShapeSpec { return h.spec }

// RegisterInput binds a traced tensor to the graph input node. The tensor's axis
// mapping is derived from spec: the backend's canonical layout is (batch, time,
// feature).
func (s *Session) RegisterInput(t *TensorRecord, spec ShapeSpec) *InputHandle {
	s.checkActive()
	if !s.opts.BackedByGraph {
		panic(tracingErrorf("RegisterInput requires a graph-backed session"))
	}
	if s.input != nil {
		panic(tracingErrorf("input already registered for this session"))
	}
	if t.Rank() != 3 {
		panic(tracingErrorf("registered input must have rank 3 (batch, feature and time axes), got rank %d", t.Rank()))
	}
	if t.Dims[spec.FeatureAxis] != spec.FeatureDim {
		panic(tracingErrorf("registered input has dimension %d on the feature axis, shape spec declares %d",
			t.Dims[spec.FeatureAxis], spec.FeatureDim))
	}
	t.NodeName = netdict.DataNode
	t.BackendToOrigin = []int{spec.BatchAxis, spec.TimeAxis, spec.FeatureAxis}
	s.input = t
	s.inputSpec = spec
	return &InputHandle{spec: spec}
}

// OutputHandle is returned by RegisterOutput.
type OutputHandle struct {
	mapping []int
}

// AxisMapping returns the bijective correspondence from backend axis order to origin
// axis order for the registered output: AxisMapping()[a] is the origin axis of backend
// axis a. Transposing the backend execution result by InverseAxisMapping(AxisMapping())
// restores the origin framework's axis order.
func (h *OutputHandle) AxisMapping() []int { return h.mapping }

// RegisterOutput binds the final returned tensor to the designated graph output node.
func (s *Session) RegisterOutput(t *TensorRecord) *OutputHandle {
	s.checkActive()
	if !s.opts.BackedByGraph {
		panic(tracingErrorf("RegisterOutput requires a graph-backed session"))
	}
	if s.output != nil {
		panic(tracingErrorf("output already registered for this session"))
	}
	if t.NodeName == "" {
		panic(tracingErrorf("output tensor is not bound to any graph node"))
	}
	s.output = t
	return &OutputHandle{mapping: t.BackendToOrigin}
}

// InputSpec returns the spec the input was registered with.
func (s *Session) InputSpec() ShapeSpec { return s.inputSpec }

// Calls returns every recorded call in creation (topological) order.
func (s *Session) Calls() []*CallRecord { return s.calls }

// Roots returns the top-level module records in registration order.
func (s *Session) Roots() []*ModuleRecord { return s.roots }
