package naming

import (
	"fmt"
	"io"
	"strings"

	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Dump writes the captured module hierarchy for diagnostics: path, declared
// configuration, call count and parameter count per module.
func (s *Session) Dump(w io.Writer) {
	for _, root := range s.roots {
		s.dumpModule(w, root, 0)
	}
}

func (s *Session) dumpModule(w io.Writer, mr *ModuleRecord, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s: %s calls=%d params=%d\n",
		indent, mr.Path, mr.Module.ConfigString(), len(mr.Calls), len(mr.Params))
	for _, child := range mr.Children {
		s.dumpModule(w, child, depth+1)
	}
}

// DumpAsNetDict walks the recorded calls in topological (input-before-consumer) order
// and emits one declarative node per lowered call -- per call, not per module: a
// module invoked twice yields two nodes sharing parameters. The designated "output"
// node aliases the tensor registered with RegisterOutput.
//
// It panics with a *TracingError if no output was registered or a non-container
// module produced no node.
func (s *Session) DumpAsNetDict() netdict.Net {
	if !s.opts.BackedByGraph {
		panic(tracingErrorf("DumpAsNetDict requires a graph-backed session"))
	}
	if s.output == nil {
		panic(tracingErrorf("no output registered: call RegisterOutput before dumping the graph"))
	}
	net := make(netdict.Net)
	for _, c := range s.constants {
		net[c.name] = c.layer
	}
	for _, call := range s.calls {
		if call.Layer == nil {
			if _, container := call.Module.Module.(Container); container {
				continue
			}
			panic(tracingErrorf("call %d of module %q was never lowered to a graph node",
				call.CallIdx, call.Module.Path))
		}
		if _, found := net[call.NodeName]; found {
			panic(tracingErrorf("two calls emitted the same graph node name %q", call.NodeName))
		}
		net[call.NodeName] = call.Layer
	}
	net[netdict.OutputNode] = &netdict.Layer{
		Class: netdict.ClassCopy,
		From:  netdict.FromList{s.output.NodeName},
	}
	return net
}

// VerifyLoweredLayers runs each lowered module's CheckLayer against its realized
// node, after the graph has been constructed. Mismatches panic with the module's
// shape error.
func (s *Session) VerifyLoweredLayers() {
	for _, call := range s.calls {
		if call.Layer == nil {
			continue
		}
		lowerable, ok := call.Module.Module.(Lowerable)
		if !ok {
			panic(tracingErrorf("node %q was emitted by a module without the lowering protocol", call.NodeName))
		}
		lowerable.CheckLayer(call.Layer)
	}
}

// ImportParamsInto copies this session's captured numeric parameters into the target
// backend, one lowered call at a time, delegating the layout conversion to each
// module's ImportParams. Calls that reuse another call's parameters are skipped.
func (s *Session) ImportParamsInto(store ParamStore) error {
	for _, call := range s.calls {
		if call.Layer == nil || call.Layer.ReuseParams != "" {
			continue
		}
		lowerable, ok := call.Module.Module.(Lowerable)
		if !ok {
			continue
		}
		if len(call.Module.Params) == 0 {
			continue
		}
		params := make(map[string]*tensors.Tensor, len(call.Module.Params))
		for _, p := range call.Module.Params {
			if p.Value == nil {
				return tracingErrorf("parameter %q of module %q has no captured numeric value to import",
					p.Name, call.Module.Path)
			}
			params[p.Name] = p.Value
		}
		if err := lowerable.ImportParams(call.NodeName, call.Layer, params, store); err != nil {
			return err
		}
	}
	return nil
}
