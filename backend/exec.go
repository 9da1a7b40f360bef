package backend

import (
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Run executes the constructed graph on the fed input and returns the value of
// outputNode in canonical (batch, time, feature) layout, along with the per-row
// sequence lengths.
func (s *Session) Run(outputNode string, feed Feed) (*tensors.Tensor, []int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}
	if s.net == nil {
		return nil, nil, errorf("session has no constructed graph to run")
	}
	if feed.Data == nil {
		return nil, nil, errorf("feed carries no data array")
	}
	if feed.Data.Rank() != 3 {
		return nil, nil, errorf("feed data must have rank 3, got shape %s", feed.Data.Shape())
	}
	// Canonicalize the input to (batch, time, feature) per the extern spec.
	data := feed.Data.ConvertTo(dtypes.Float32).
		Transpose(s.spec.BatchAxis, s.spec.TimeAxis, s.spec.FeatureAxis)
	batch, seqLen, features := data.Shape().Dim(0), data.Shape().Dim(1), data.Shape().Dim(2)
	if features != s.spec.FeatureDim {
		return nil, nil, errorf("feed data has feature dimension %d, extern spec declares %d",
			features, s.spec.FeatureDim)
	}
	seqLens := feed.SeqLens
	if seqLens == nil {
		seqLens = make([]int, batch)
		for ii := range seqLens {
			seqLens[ii] = seqLen
		}
	}
	if len(seqLens) != batch {
		return nil, nil, errorf("feed declares %d sequence lengths for batch size %d", len(seqLens), batch)
	}

	values, err := s.evalNet("", s.net, data, batch, seqLen)
	if err != nil {
		return nil, nil, err
	}
	out, found := values[outputNode]
	if !found {
		return nil, nil, errorf("graph has no node %q to fetch", outputNode)
	}
	klog.V(1).Infof("backend: ran graph, output %q has shape %s", outputNode, out.Shape())
	return out, seqLens, nil
}

// evalNet evaluates every node of the (sub)network in topological order. data is the
// (batch, time, feature) input bound to the reserved "data" name; prefix scopes the
// variables of nested subnetworks. Node values are time-major internally but stored
// and returned batch-major.
func (s *Session) evalNet(prefix string, net netdict.Net, data *tensors.Tensor, batch, seqLen int) (map[string]*tensors.Tensor, error) {
	values := map[string]*tensors.Tensor{netdict.DataNode: data}
	order, err := net.TopologicalOrder()
	if err != nil {
		return nil, wrapf(err, "running graph")
	}
	for _, name := range order {
		layer := net[name]
		path := fmtPath(prefix, name)
		switch layer.Class {
		case netdict.ClassRec:
			out, err := s.evalRec(prefix, path, layer, values, batch, seqLen)
			if err != nil {
				return nil, err
			}
			values[name] = out
		case netdict.ClassCopy:
			values[name] = values[layer.From[0]]
		case netdict.ClassConstant:
			values[name] = tensors.FromFlatDataAndDimensions(layer.Values, layer.Dims...)
		case netdict.ClassSubnetwork:
			sub, err := s.evalNet(path, layer.Subnetwork, values[layer.From[0]], batch, seqLen)
			if err != nil {
				return nil, err
			}
			values[name] = sub[netdict.OutputNode]
		default:
			return nil, errorf("node %q has unknown class %q", path, layer.Class)
		}
	}
	return values, nil
}

// evalRec runs one recurrent node: resolves its variables (following reuse_params),
// its initial state nodes, and the unit recurrence.
func (s *Session) evalRec(prefix, path string, layer *netdict.Layer, values map[string]*tensors.Tensor, batch, seqLen int) (*tensors.Tensor, error) {
	input := values[layer.From[0]]
	in := input.Shape().Dim(2)
	h := layer.NOut

	varPath := path
	if layer.ReuseParams != "" {
		varPath = fmtPath(prefix, layer.ReuseParams)
	}

	var init recState
	if len(layer.InitialState) > 0 {
		initH, err := stateVector(values[layer.InitialState[0]], batch, h)
		if err != nil {
			return nil, wrapf(err, "initial hidden state of node %q", path)
		}
		init.h = initH
		if len(layer.InitialState) > 1 {
			initC, err := stateVector(values[layer.InitialState[1]], batch, h)
			if err != nil {
				return nil, wrapf(err, "initial cell state of node %q", path)
			}
			init.c = initC
		}
	}

	// The recurrence is time-major; transpose in and out.
	x := tensors.ConstFlatData[float32](input.Transpose(1, 0, 2))
	out, err := s.runRec(varPath, layer.Unit, x, seqLen, batch, in, h, init)
	if err != nil {
		return nil, err
	}
	timeMajor := tensors.FromFlatDataAndDimensions(out, seqLen, batch, h)
	return timeMajor.Transpose(1, 0, 2), nil
}

// stateVector flattens an initial-state node value to a (batch, h) flat slice,
// accepting both (batch, h) and the leading-singleton (1, batch, h) layout.
func stateVector(t *tensors.Tensor, batch, h int) ([]float32, error) {
	if t == nil {
		return nil, errorf("initial state node was not evaluated")
	}
	dims := t.Shape().Dimensions
	if len(dims) == 3 && dims[0] == 1 {
		dims = dims[1:]
	}
	if len(dims) != 2 || dims[0] != batch || dims[1] != h {
		return nil, errorf("initial state has shape %s, expected (%d, %d)", t.Shape(), batch, h)
	}
	flat := make([]float32, batch*h)
	copy(flat, tensors.ConstFlatData[float32](t.ConvertTo(dtypes.Float32)))
	return flat, nil
}
