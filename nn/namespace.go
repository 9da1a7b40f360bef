package nn

import (
	"strconv"

	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Namespace is the module-construction surface a model function receives from the
// resolver. It binds every module it builds to its session (nil for pass-through
// mode), so identical model code runs eagerly or builds a graph depending on which
// namespace it was given.
type Namespace struct {
	sess *naming.Session
}

// NewNamespace returns a namespace bound to the given session; sess may be nil for
// pass-through (untraced eager) execution.
func NewNamespace(sess *naming.Session) *Namespace {
	return &Namespace{sess: sess}
}

// Session returns the bound session, nil in pass-through mode.
func (ns *Namespace) Session() *naming.Session { return ns.sess }

// LSTM builds a long short-term memory module.
func (ns *Namespace) LSTM(inputSize, hiddenSize int, options ...RNNOption) *RNN {
	return newRNN(ns.sess, ModeLSTM, inputSize, hiddenSize, options...)
}

// GRU builds a gated recurrent unit module.
func (ns *Namespace) GRU(inputSize, hiddenSize int, options ...RNNOption) *RNN {
	return newRNN(ns.sess, ModeGRU, inputSize, hiddenSize, options...)
}

// RNN builds a plain recurrent module of the given mode (ModeRNNTanh or
// ModeRNNReLU).
func (ns *Namespace) RNN(mode string, inputSize, hiddenSize int, options ...RNNOption) *RNN {
	if mode != ModeRNNTanh && mode != ModeRNNReLU {
		panic(unsupportedErrorf("unrecognized recurrent mode %q", mode))
	}
	return newRNN(ns.sess, mode, inputSize, hiddenSize, options...)
}

// Sequential chains the given modules; each child is adopted into the container's
// traced hierarchy under its position name ("0", "1", ...).
func (ns *Namespace) Sequential(children ...UnaryModule) *Sequential {
	s := &Sequential{sess: ns.sess, children: children}
	if ns.sess != nil {
		ns.sess.RegisterModule(s, nil, "")
		for ii, child := range children {
			ns.sess.ReparentModule(child, s, strconv.Itoa(ii))
		}
	}
	return s
}

// Const wraps a fixed tensor value: eagerly it is just the value, in graph-capture
// mode it becomes a constant source node. Use it to build initial recurrent states.
func (ns *Namespace) Const(tag string, value *tensors.Tensor) *Tensor {
	if ns.sess != nil && ns.sess.BackedByGraph() {
		return newGraphTensor(ns.sess, ns.sess.NewConstant(tag, value))
	}
	return newEagerTensor(ns.sess, value)
}

// Input wraps the model input tensor for this namespace's session.
func (ns *Namespace) Input(value *tensors.Tensor) *Tensor {
	return InputTensor(ns.sess, value)
}
