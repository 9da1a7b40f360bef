// Package backend is the graph execution backend: it realizes a declarative
// netdict.Net, holds its numeric variables, executes it on the host and persists or
// restores the variables as a checkpoint.
//
// The backend's canonical data layout is (batch, time, feature); an ExternSpec tells
// a session which axes of the fed array play those roles, and inputs are transposed
// on the way in. Sequences are dense: every batch row is computed for the full time
// range, sequence lengths are carried through as a side channel.
//
// Sessions are scoped resources:
//
//	sess := backend.OpenSession()
//	defer sess.Close()
//	if err := sess.Construct(net, spec); err != nil { ... }
package backend

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/eager2graph/internal/xslices"
	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Error wraps any backend failure: graph construction, execution or checkpoint I/O.
type Error struct {
	err error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

func errorf(format string, args ...any) *Error {
	return &Error{err: errors.Errorf(format, args...)}
}

func wrapf(err error, format string, args ...any) *Error {
	return &Error{err: errors.Wrapf(err, format, args...)}
}

// ExternSpec declares how the axes of a fed input array map to the backend's
// canonical (batch, time, feature) layout, and the fixed feature dimension.
type ExternSpec struct {
	BatchAxis   int
	TimeAxis    int
	FeatureAxis int
	FeatureDim  int
}

// Feed is the numeric input of one Run: the data array (laid out per the session's
// ExternSpec) and optional per-row sequence lengths (defaulting to the full time
// dimension).
type Feed struct {
	Data    *tensors.Tensor
	SeqLens []int
}

// Session holds one realized graph and its variables.
type Session struct {
	open bool

	net   netdict.Net
	spec  ExternSpec
	order []string

	// variables maps "<node path>/<variable>" to its tensor; nested subnetwork nodes
	// use "<outer>/<inner>" paths.
	variables map[string]*tensors.Tensor
}

// OpenSession acquires a new, empty execution session.
func OpenSession() *Session {
	return &Session{open: true, variables: make(map[string]*tensors.Tensor)}
}

// Close releases the session. Idempotent.
func (s *Session) Close() {
	s.open = false
	s.net = nil
	s.variables = nil
}

func (s *Session) checkOpen() error {
	if !s.open {
		return errorf("backend session is closed")
	}
	return nil
}

// Construct realizes the net: validates it, fixes the execution order and allocates
// zero-initialized variables for every parameterized node. It can be called once per
// session.
func (s *Session) Construct(net netdict.Net, spec ExternSpec) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.net != nil {
		return errorf("session already constructed a graph")
	}
	if err := net.Validate(); err != nil {
		return wrapf(err, "constructing graph")
	}
	order, err := net.TopologicalOrder()
	if err != nil {
		return wrapf(err, "constructing graph")
	}
	s.net = net.Clone()
	s.spec = spec
	s.order = order
	if err := s.createVariables("", s.net, spec.FeatureDim); err != nil {
		s.net = nil
		return err
	}
	klog.V(1).Infof("backend: constructed graph with %d nodes, %d variables", len(order), len(s.variables))
	return nil
}

// createVariables walks the net in execution order, inferring each node's feature
// dimension and allocating the recurrent variables. dataDim is the feature dimension
// of the (sub)network's "data" input; prefix scopes nested subnetwork variables.
func (s *Session) createVariables(prefix string, net netdict.Net, dataDim int) error {
	dims := map[string]int{netdict.DataNode: dataDim}
	order, err := net.TopologicalOrder()
	if err != nil {
		return wrapf(err, "constructing graph")
	}
	for _, name := range order {
		layer := net[name]
		path := fmtPath(prefix, name)
		switch layer.Class {
		case netdict.ClassRec:
			inDim, found := dims[layer.From[0]]
			if !found {
				return errorf("node %q consumes %q before its dimension is known", path, layer.From[0])
			}
			if layer.NOut <= 0 {
				return errorf("rec node %q declares no output width (n_out)", path)
			}
			if layer.ReuseParams == "" {
				if err := s.allocRecVariables(path, layer.Unit, inDim, layer.NOut); err != nil {
					return err
				}
			}
			dims[name] = layer.NOut
		case netdict.ClassCopy:
			dims[name] = dims[layer.From[0]]
		case netdict.ClassConstant:
			if len(layer.Dims) == 0 {
				return errorf("constant node %q has no dimensions", path)
			}
			dims[name] = layer.Dims[len(layer.Dims)-1]
		case netdict.ClassSubnetwork:
			inDim, found := dims[layer.From[0]]
			if !found {
				return errorf("node %q consumes %q before its dimension is known", path, layer.From[0])
			}
			if err := s.createVariables(path, layer.Subnetwork, inDim); err != nil {
				return err
			}
			dims[name] = subnetworkOutDim(layer.Subnetwork, inDim)
		default:
			return errorf("node %q has unknown class %q", path, layer.Class)
		}
	}
	return nil
}

// subnetworkOutDim resolves the feature dimension of a subnetwork's output node.
func subnetworkOutDim(net netdict.Net, dataDim int) int {
	dims := map[string]int{netdict.DataNode: dataDim}
	order, _ := net.TopologicalOrder()
	for _, name := range order {
		layer := net[name]
		switch layer.Class {
		case netdict.ClassRec:
			dims[name] = layer.NOut
		case netdict.ClassCopy:
			dims[name] = dims[layer.From[0]]
		case netdict.ClassConstant:
			dims[name] = layer.Dims[len(layer.Dims)-1]
		case netdict.ClassSubnetwork:
			dims[name] = subnetworkOutDim(layer.Subnetwork, dims[layer.From[0]])
		}
	}
	return dims[netdict.OutputNode]
}

// VariableNames returns the names of all allocated variables, sorted.
func (s *Session) VariableNames() []string {
	return sortedVarNames(s.variables)
}

// Variable returns the named variable tensor, or nil.
func (s *Session) Variable(name string) *tensors.Tensor {
	return s.variables[name]
}

// SetVariable overwrites the named variable with the given value; the shape must
// match the constructed variable exactly.
func (s *Session) SetVariable(name string, value *tensors.Tensor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	v, found := s.variables[name]
	if !found {
		return errorf("graph has no variable %q (have %v)", name, sortedVarNames(s.variables))
	}
	if !v.Shape().Equal(value.Shape()) {
		return errorf("variable %q has shape %s, value has shape %s", name, v.Shape(), value.Shape())
	}
	v.CopyFrom(value)
	return nil
}

func fmtPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return fmt.Sprintf("%s/%s", prefix, name)
}

func sortedVarNames(variables map[string]*tensors.Tensor) []string {
	return xslices.SortedKeys(variables)
}
