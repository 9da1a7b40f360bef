// Package resolver is the import redirection service: the mechanism by which
// unmodified model-construction code receives either the eager or the graph-building
// rendition of the shim library, without the model code changing.
//
// A model function takes a resolver.Func and asks it for the namespaces it needs:
//
//	func model(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
//		ns := resolver.NN(resolve)
//		lstm := ns.LSTM(16, 32)
//		out, _ := lstm.Forward(x.Permute(2, 0, 1), nil)
//		return out.Permute(1, 2, 0)
//	}
//
// The verification orchestrator then calls the same function once per stage, each
// time with a service bound to that stage's session mode.
package resolver

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/nn"
)

// Mode selects which rendition of the shim library a Service hands out.
type Mode int

const (
	// PassThrough hands out untraced eager modules: plain numeric execution,
	// no session involved.
	PassThrough Mode = iota

	// ShadowEager hands out traced eager modules: numeric execution recorded by a
	// session, capturing hierarchy, calls and parameter values.
	ShadowEager

	// ShadowGraph hands out graph-building modules: no numeric execution, module
	// calls lower to declarative graph nodes.
	ShadowGraph
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case PassThrough:
		return "pass-through"
	case ShadowEager:
		return "shadow-eager"
	case ShadowGraph:
		return "shadow-graph"
	}
	return "invalid"
}

// UnknownImportError reports a request for a namespace the service doesn't provide.
type UnknownImportError struct {
	err error
}

func (e *UnknownImportError) Error() string { return e.err.Error() }
func (e *UnknownImportError) Unwrap() error { return e.err }

// Func resolves a namespace by its import name. It is what model functions receive;
// see the package documentation.
type Func func(name string) any

// Service resolves import names to shim namespaces bound to one session mode.
// Resolution is idempotent: repeated requests for the same name return the same
// namespace object.
type Service struct {
	mode Mode
	sess *naming.Session

	mu    sync.Mutex
	cache map[string]any
}

// NewService creates a service for the given mode. sess must be nil for PassThrough
// and non-nil otherwise.
func NewService(mode Mode, sess *naming.Session) *Service {
	if (mode == PassThrough) != (sess == nil) {
		panic(errors.Errorf("resolver: mode %s and session presence (%v) disagree", mode, sess != nil))
	}
	return &Service{mode: mode, sess: sess, cache: make(map[string]any)}
}

// Mode returns the service's session mode.
func (s *Service) Mode() Mode { return s.mode }

// Resolve returns the namespace registered under name, building it on first request.
// It panics with an *UnknownImportError for names the service doesn't provide.
func (s *Service) Resolve(name string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns, found := s.cache[name]; found {
		return ns
	}
	var ns any
	switch name {
	case "nn":
		ns = nn.NewNamespace(s.sess)
	default:
		panic(&UnknownImportError{err: errors.Errorf("resolver: no namespace registered under %q", name)})
	}
	s.cache[name] = ns
	return ns
}

// Func adapts the service to the function type model code consumes.
func (s *Service) Func() Func { return s.Resolve }

// NN resolves the recurrent/neural shim namespace.
func NN(resolve Func) *nn.Namespace {
	return resolve("nn").(*nn.Namespace)
}
