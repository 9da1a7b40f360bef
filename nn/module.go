package nn

import (
	"fmt"

	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/types/tensors"
)

// UnaryModule is a module callable with a single tensor in and out. Recurrent modules
// satisfy it through Call (which discards the final state), so they can be composed
// in a Sequential.
type UnaryModule interface {
	naming.Module

	Call(x *Tensor) *Tensor
}

// Sequential chains child modules, feeding each one's output to the next. Children
// are named by position ("0", "1", ...) in the traced hierarchy.
type Sequential struct {
	sess     *naming.Session
	children []UnaryModule
}

var (
	_ naming.Module    = (*Sequential)(nil)
	_ naming.Container = (*Sequential)(nil)
)

// TypeTag implements naming.Module.
func (s *Sequential) TypeTag() string { return "sequential" }

// ConfigString implements naming.Module.
func (s *Sequential) ConfigString() string {
	return fmt.Sprintf("Sequential(%d children)", len(s.children))
}

// TracedChildren implements naming.Container.
func (s *Sequential) TracedChildren() []naming.Module {
	children := make([]naming.Module, len(s.children))
	for ii, child := range s.children {
		children[ii] = child
	}
	return children
}

// Call runs the children in order.
func (s *Sequential) Call(x *Tensor) *Tensor {
	var call *naming.CallRecord
	if s.sess != nil {
		call = s.sess.BeginCall(s, []*naming.TensorRecord{x.rec})
	}
	out := x
	for _, child := range s.children {
		out = child.Call(out)
	}
	if s.sess != nil {
		s.sess.EndCall(call, []*naming.TensorRecord{out.rec}, eagerValues(x), eagerValues(out))
	}
	return out
}

// eagerValues returns the numeric snapshot list for the tensors, empty when symbolic.
func eagerValues(ts ...*Tensor) []*tensors.Tensor {
	var values []*tensors.Tensor
	for _, t := range ts {
		if t != nil && t.value != nil {
			values = append(values, t.value)
		}
	}
	return values
}
