package nn

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"

	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Recurrent mode tags, matching the origin framework's names.
const (
	ModeLSTM    = "LSTM"
	ModeGRU     = "GRU"
	ModeRNNTanh = "RNN_TANH"
	ModeRNNReLU = "RNN_RELU"
)

// gateMultiplier returns how many stacked gate blocks the mode's weights carry.
func gateMultiplier(mode string) int {
	switch mode {
	case ModeLSTM:
		return 4
	case ModeGRU:
		return 3
	case ModeRNNTanh, ModeRNNReLU:
		return 1
	}
	panic(unsupportedErrorf("unrecognized recurrent mode %q", mode))
}

// backendUnit returns the declarative unit name the mode lowers to.
func backendUnit(mode string) string {
	switch mode {
	case ModeLSTM:
		return netdict.UnitNativeLSTM
	case ModeGRU:
		return netdict.UnitGRU
	case ModeRNNTanh:
		return netdict.UnitRNNTanh
	case ModeRNNReLU:
		return netdict.UnitRNNReLU
	}
	panic(unsupportedErrorf("unrecognized recurrent mode %q", mode))
}

// lstmGateReorder maps the backend native LSTM gate blocks (cell proposal,
// input, forget, output) to the origin framework's block order (input, forget, cell
// proposal, output).
var lstmGateReorder = []int{2, 0, 1, 3}

// RNNOption configures a recurrent module at construction.
type RNNOption func(*rnnConfig)

type rnnConfig struct {
	numLayers     int
	bias          bool
	batchFirst    bool
	dropout       float64
	bidirectional bool
}

// WithNumLayers stacks n recurrent layers, each feeding the next.
func WithNumLayers(n int) RNNOption { return func(c *rnnConfig) { c.numLayers = n } }

// WithoutBias drops the additive bias terms from every layer.
func WithoutBias() RNNOption { return func(c *rnnConfig) { c.bias = false } }

// WithBatchFirst declares inputs and outputs as (batch, time, feature) instead of the
// default (time, batch, feature).
func WithBatchFirst() RNNOption { return func(c *rnnConfig) { c.batchFirst = true } }

// WithDropout sets the inter-layer dropout probability. Dropout is inactive outside
// training, so the forward here never applies it; the probability is still validated
// and recorded.
func WithDropout(p float64) RNNOption { return func(c *rnnConfig) { c.dropout = p } }

// WithBidirectional runs a reversed-time direction alongside the forward one and
// concatenates their features. Only the eager modes support it; lowering rejects it.
func WithBidirectional() RNNOption { return func(c *rnnConfig) { c.bidirectional = true } }

// State is the recurrent hidden state: H is the hidden state of every layer and
// direction, shaped (num_layers*num_directions, batch, hidden_size). C is the cell
// state, present only for LSTM.
type State struct {
	H *Tensor
	C *Tensor
}

// layerWeights holds one (layer, direction) parameter set, in the origin layout:
// weightIH is (gate*hidden, layer_input), weightHH is (gate*hidden, hidden), the
// biases are (gate*hidden). Biases are nil when the module was built without bias.
type layerWeights struct {
	weightIH *tensors.Tensor
	weightHH *tensors.Tensor
	biasIH   *tensors.Tensor
	biasHH   *tensors.Tensor
}

// RNN is the stateful recurrent module family: mode selects between LSTM, GRU and the
// two plain RNN flavors. Construct instances through a Namespace (Namespace.LSTM,
// Namespace.GRU, Namespace.RNN).
type RNN struct {
	sess *naming.Session

	mode          string
	inputSize     int
	hiddenSize    int
	numLayers     int
	gateSize      int
	bias          bool
	batchFirst    bool
	bidirectional bool
	dropout       float64

	// weights is indexed by layer*numDirections+direction.
	weights []layerWeights
}

var (
	_ naming.Module    = (*RNN)(nil)
	_ naming.Lowerable = (*RNN)(nil)
	_ UnaryModule      = (*RNN)(nil)
)

// newRNN validates the configuration, allocates and initializes the per-layer
// parameters, and registers the module and its parameters with the session (when
// traced). Registration order is deterministic, so equal seeds give bit-identical
// parameters across sessions.
func newRNN(sess *naming.Session, mode string, inputSize, hiddenSize int, options ...RNNOption) *RNN {
	cfg := rnnConfig{numLayers: 1, bias: true}
	for _, opt := range options {
		opt(&cfg)
	}
	if inputSize <= 0 || hiddenSize <= 0 {
		panic(configErrorf("input_size and hidden_size must be positive, got %d and %d", inputSize, hiddenSize))
	}
	if cfg.numLayers <= 0 {
		panic(configErrorf("num_layers must be positive, got %d", cfg.numLayers))
	}
	if cfg.dropout < 0 || cfg.dropout > 1 {
		panic(configErrorf("dropout must be a probability in [0, 1], got %g", cfg.dropout))
	}
	if cfg.dropout > 0 && cfg.numLayers == 1 {
		klog.Warningf("nn: dropout=%g requested with num_layers=1; recurrent dropout applies "+
			"between layers, so it has no effect", cfg.dropout)
	}
	r := &RNN{
		sess:          sess,
		mode:          mode,
		inputSize:     inputSize,
		hiddenSize:    hiddenSize,
		numLayers:     cfg.numLayers,
		gateSize:      gateMultiplier(mode) * hiddenSize,
		bias:          cfg.bias,
		batchFirst:    cfg.batchFirst,
		bidirectional: cfg.bidirectional,
		dropout:       cfg.dropout,
	}
	if sess != nil {
		sess.RegisterModule(r, nil, "")
	}
	stdv := float32(1.0 / math.Sqrt(float64(hiddenSize)))
	for layer := 0; layer < r.numLayers; layer++ {
		layerInput := inputSize
		if layer > 0 {
			layerInput = hiddenSize * r.numDirections()
		}
		for dir := 0; dir < r.numDirections(); dir++ {
			suffix := fmt.Sprintf("_l%d", layer)
			if dir == 1 {
				suffix += "_reverse"
			}
			w := layerWeights{
				weightIH: tensors.FromShape(shapes.Make(dtypes.Float32, r.gateSize, layerInput)),
				weightHH: tensors.FromShape(shapes.Make(dtypes.Float32, r.gateSize, hiddenSize)),
			}
			uniformFill(w.weightIH, -stdv, stdv)
			uniformFill(w.weightHH, -stdv, stdv)
			if r.bias {
				w.biasIH = tensors.FromShape(shapes.Make(dtypes.Float32, r.gateSize))
				w.biasHH = tensors.FromShape(shapes.Make(dtypes.Float32, r.gateSize))
				uniformFill(w.biasIH, -stdv, stdv)
				uniformFill(w.biasHH, -stdv, stdv)
			}
			if sess != nil {
				w.weightIH = sess.AddParameter(r, "weight_ih"+suffix, w.weightIH.Shape(), w.weightIH).Value
				w.weightHH = sess.AddParameter(r, "weight_hh"+suffix, w.weightHH.Shape(), w.weightHH).Value
				if r.bias {
					w.biasIH = sess.AddParameter(r, "bias_ih"+suffix, w.biasIH.Shape(), w.biasIH).Value
					w.biasHH = sess.AddParameter(r, "bias_hh"+suffix, w.biasHH.Shape(), w.biasHH).Value
				}
			}
			r.weights = append(r.weights, w)
		}
	}
	return r
}

func (r *RNN) numDirections() int {
	if r.bidirectional {
		return 2
	}
	return 1
}

// Mode returns the recurrent mode tag, e.g. "LSTM".
func (r *RNN) Mode() string { return r.mode }

// HiddenSize returns the per-direction hidden feature dimension.
func (r *RNN) HiddenSize() int { return r.hiddenSize }

// TypeTag implements naming.Module.
func (r *RNN) TypeTag() string { return strings.ToLower(r.mode) }

// ConfigString implements naming.Module.
func (r *RNN) ConfigString() string {
	var extras strings.Builder
	if !r.bias {
		extras.WriteString(", bias=false")
	}
	if r.batchFirst {
		extras.WriteString(", batch_first=true")
	}
	if r.dropout > 0 {
		fmt.Fprintf(&extras, ", dropout=%g", r.dropout)
	}
	if r.bidirectional {
		extras.WriteString(", bidirectional=true")
	}
	return fmt.Sprintf("%s(input_size=%d, hidden_size=%d, num_layers=%d%s)",
		r.mode, r.inputSize, r.hiddenSize, r.numLayers, extras.String())
}

// FlattenParameters exists for source compatibility with the origin framework, where
// it repacks weights into contiguous device memory. Weights here are always
// contiguous, so it does nothing.
func (r *RNN) FlattenParameters() {}

// AllWeights returns the per-(layer, direction) parameter tensors in the origin
// order: weight_ih, weight_hh, then the biases when present.
func (r *RNN) AllWeights() [][]*tensors.Tensor {
	all := make([][]*tensors.Tensor, len(r.weights))
	for ii, w := range r.weights {
		group := []*tensors.Tensor{w.weightIH, w.weightHH}
		if r.bias {
			group = append(group, w.biasIH, w.biasHH)
		}
		all[ii] = group
	}
	return all
}

// CheckInput validates the input tensor rank and feature dimension. batchSizes, when
// non-nil, declares a packed-sequence input of rank 2.
func (r *RNN) CheckInput(x *Tensor, batchSizes []int) {
	expectedRank := 3
	if batchSizes != nil {
		expectedRank = 2
	}
	if x.Rank() != expectedRank {
		panic(shapeErrorf("input must have %d dimensions, got %d", expectedRank, x.Rank()))
	}
	if x.Dim(-1) != r.inputSize {
		panic(shapeErrorf("input feature dimension must equal input_size: expected %d, got %d",
			r.inputSize, x.Dim(-1)))
	}
}

// expectedHiddenSize returns the hidden state shape implied by the input:
// (num_layers*num_directions, batch, hidden_size).
func (r *RNN) expectedHiddenSize(x *Tensor, batchSizes []int) []int {
	miniBatch := 0
	if batchSizes != nil {
		miniBatch = batchSizes[0]
	} else if r.batchFirst {
		miniBatch = x.Dim(0)
	} else {
		miniBatch = x.Dim(1)
	}
	return []int{r.numLayers * r.numDirections(), miniBatch, r.hiddenSize}
}

// checkHiddenShape verifies the given state tensor against the expected shape; the
// error names both shapes.
func checkHiddenShape(h *Tensor, expected []int, label string) {
	actual := h.Shape().Dimensions
	if !slices.Equal(actual, expected) {
		panic(shapeErrorf("expected %s of size %v, got %v", label, expected, actual))
	}
}

// checkForwardArgs validates input and optional initial state before any computation.
func (r *RNN) checkForwardArgs(x *Tensor, hx *State, batchSizes []int) {
	r.CheckInput(x, batchSizes)
	if hx == nil {
		return
	}
	expected := r.expectedHiddenSize(x, batchSizes)
	if r.mode == ModeLSTM {
		if hx.C == nil {
			panic(shapeErrorf("LSTM expects a (hidden, cell) state pair, cell state is missing"))
		}
		checkHiddenShape(hx.H, expected, "hidden state hidden[0]")
		checkHiddenShape(hx.C, expected, "cell state hidden[1]")
		if !slices.Equal(hx.H.Shape().Dimensions, hx.C.Shape().Dimensions) {
			panic(shapeErrorf("hidden state shape %v and cell state shape %v must be identical",
				hx.H.Shape().Dimensions, hx.C.Shape().Dimensions))
		}
		return
	}
	if hx.C != nil {
		panic(shapeErrorf("%s takes a single hidden state, got an extra cell state", r.mode))
	}
	checkHiddenShape(hx.H, expected, "hidden state")
}

// PermuteHidden reorders the batch axis of the state, as needed when consuming a
// packed sequence whose batch was sorted. Explicit copy, never a view.
func (r *RNN) PermuteHidden(hx *State, permutation []int) *State {
	if hx == nil {
		return nil
	}
	out := &State{H: hx.H.IndexSelect(1, permutation)}
	if hx.C != nil {
		out.C = hx.C.IndexSelect(1, permutation)
	}
	return out
}

// Forward runs the recurrence: eagerly when the input carries a value, symbolically
// (emitting a graph node) when it is symbolic. The returned state is nil in graph
// mode, where only the output sequence is representable.
func (r *RNN) Forward(x *Tensor, hx *State) (*Tensor, *State) {
	r.checkForwardArgs(x, hx, nil)
	if x.Symbolic() {
		return r.forwardGraph(x, hx), nil
	}
	return r.forwardEager(x, hx)
}

// Call implements UnaryModule, discarding the final state.
func (r *RNN) Call(x *Tensor) *Tensor {
	out, _ := r.Forward(x, nil)
	return out
}

// --- Eager forward ---

func (r *RNN) forwardEager(x *Tensor, hx *State) (*Tensor, *State) {
	var call *naming.CallRecord
	if r.sess != nil {
		inputs := []*naming.TensorRecord{x.rec}
		if hx != nil {
			inputs = append(inputs, hx.H.rec)
			if hx.C != nil {
				inputs = append(inputs, hx.C.rec)
			}
		}
		call = r.sess.BeginCall(r, inputs)
	}

	// Normalize to time-major (time, batch, feature) for the cell loops.
	xv := x.value
	if r.batchFirst {
		xv = xv.Transpose(1, 0, 2)
	}
	seqLen := xv.Shape().Dim(0)
	batch := xv.Shape().Dim(1)
	dirs := r.numDirections()
	rows := r.numLayers * dirs

	h0 := tensors.FromShape(shapes.Make(dtypes.Float32, rows, batch, r.hiddenSize))
	c0 := tensors.FromShape(shapes.Make(dtypes.Float32, rows, batch, r.hiddenSize))
	if hx != nil {
		copy(tensors.MutableFlatData[float32](h0), tensors.ConstFlatData[float32](hx.H.value))
		if hx.C != nil {
			copy(tensors.MutableFlatData[float32](c0), tensors.ConstFlatData[float32](hx.C.value))
		}
	}
	hFlat := tensors.MutableFlatData[float32](h0)
	cFlat := tensors.MutableFlatData[float32](c0)
	rowLen := batch * r.hiddenSize

	cur := tensors.ConstFlatData[float32](xv)
	curFeatures := r.inputSize
	for layer := 0; layer < r.numLayers; layer++ {
		next := make([]float32, seqLen*batch*r.hiddenSize*dirs)
		for dir := 0; dir < dirs; dir++ {
			w := r.weights[layer*dirs+dir]
			row := layer*dirs + dir
			h := hFlat[row*rowLen : (row+1)*rowLen]
			c := cFlat[row*rowLen : (row+1)*rowLen]
			for step := 0; step < seqLen; step++ {
				t := step
				if dir == 1 {
					t = seqLen - 1 - step
				}
				xt := cur[t*batch*curFeatures : (t+1)*batch*curFeatures]
				r.stepCell(w, xt, h, c, batch, curFeatures)
				// Interleave directions along the feature axis of the output.
				for b := 0; b < batch; b++ {
					dst := next[(t*batch+b)*r.hiddenSize*dirs+dir*r.hiddenSize:]
					copy(dst[:r.hiddenSize], h[b*r.hiddenSize:(b+1)*r.hiddenSize])
				}
			}
		}
		cur = next
		curFeatures = r.hiddenSize * dirs
	}

	out := tensors.FromShape(shapes.Make(dtypes.Float32, seqLen, batch, r.hiddenSize*dirs))
	copy(tensors.MutableFlatData[float32](out), cur)
	if r.batchFirst {
		out = out.Transpose(1, 0, 2)
	}
	outT := newEagerTensor(r.sess, out)

	state := &State{H: newEagerTensor(r.sess, h0)}
	if r.mode == ModeLSTM {
		state.C = newEagerTensor(r.sess, c0)
	}
	if r.sess != nil {
		outRecs := []*naming.TensorRecord{outT.rec, state.H.rec}
		outVals := []*tensors.Tensor{outT.value, state.H.value}
		if state.C != nil {
			outRecs = append(outRecs, state.C.rec)
			outVals = append(outVals, state.C.value)
		}
		r.sess.EndCall(call, outRecs, eagerValues(x), outVals)
	}
	return outT, state
}

// stepCell advances one time step in place: h (and c for LSTM) are (batch, hidden)
// flats, xt is the (batch, features) input slice.
func (r *RNN) stepCell(w layerWeights, xt, h, c []float32, batch, features int) {
	H := r.hiddenSize
	gs := r.gateSize
	var bIH, bHH []float32
	if r.bias {
		bIH = tensors.ConstFlatData[float32](w.biasIH)
		bHH = tensors.ConstFlatData[float32](w.biasHH)
	}
	gi := make([]float32, batch*gs)
	gh := make([]float32, batch*gs)
	linearInto(gi, xt, tensors.ConstFlatData[float32](w.weightIH), bIH, batch, features, gs)
	linearInto(gh, h, tensors.ConstFlatData[float32](w.weightHH), bHH, batch, H, gs)

	switch r.mode {
	case ModeLSTM:
		for b := 0; b < batch; b++ {
			for j := 0; j < H; j++ {
				in := sigmoid32(gi[b*gs+j] + gh[b*gs+j])
				forget := sigmoid32(gi[b*gs+H+j] + gh[b*gs+H+j])
				cell := tanh32(gi[b*gs+2*H+j] + gh[b*gs+2*H+j])
				out := sigmoid32(gi[b*gs+3*H+j] + gh[b*gs+3*H+j])
				c[b*H+j] = forget*c[b*H+j] + in*cell
				h[b*H+j] = out * tanh32(c[b*H+j])
			}
		}
	case ModeGRU:
		for b := 0; b < batch; b++ {
			for j := 0; j < H; j++ {
				reset := sigmoid32(gi[b*gs+j] + gh[b*gs+j])
				update := sigmoid32(gi[b*gs+H+j] + gh[b*gs+H+j])
				candidate := tanh32(gi[b*gs+2*H+j] + reset*gh[b*gs+2*H+j])
				h[b*H+j] = (1-update)*candidate + update*h[b*H+j]
			}
		}
	case ModeRNNTanh:
		for ii := range h {
			h[ii] = tanh32(gi[ii] + gh[ii])
		}
	case ModeRNNReLU:
		for ii := range h {
			h[ii] = max(gi[ii]+gh[ii], 0)
		}
	}
}

// linearInto computes out = x·wᵀ + bias: x is (batch, in) flat, w is (outF, in) flat,
// bias may be nil.
func linearInto(out, x, w, bias []float32, batch, in, outF int) {
	for b := 0; b < batch; b++ {
		for g := 0; g < outF; g++ {
			var acc float32
			if bias != nil {
				acc = bias[g]
			}
			xRow := x[b*in : (b+1)*in]
			wRow := w[g*in : (g+1)*in]
			for f, xf := range xRow {
				acc += xf * wRow[f]
			}
			out[b*outF+g] = acc
		}
	}
}

func sigmoid32(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

// --- Graph lowering ---

func (r *RNN) forwardGraph(x *Tensor, hx *State) *Tensor {
	if r.bidirectional {
		panic(unsupportedErrorf("bidirectional recurrences cannot be lowered; refusing to silently drop a direction"))
	}
	if x.rec.NodeName == "" && x.rec.Producer == nil {
		panic(naming.TracingErrorf("input tensor is not connected to the captured graph"))
	}
	m := x.rec.BackendToOrigin
	if m == nil {
		panic(naming.TracingErrorf("input tensor carries no axis mapping; it was not derived from the registered graph input"))
	}
	// The backend consumes (batch, time, feature); verify the origin axes land there.
	expectBatch, expectTime := 1, 0
	if r.batchFirst {
		expectBatch, expectTime = 0, 1
	}
	if m[0] != expectBatch || m[1] != expectTime || m[2] != 2 {
		panic(shapeErrorf("input axis roles %v don't place (batch, time, feature) at origin axes (%d, %d, 2)",
			m, expectBatch, expectTime))
	}

	inputs := []*naming.TensorRecord{x.rec}
	if hx != nil {
		inputs = append(inputs, hx.H.rec)
		if hx.C != nil {
			inputs = append(inputs, hx.C.rec)
		}
	}
	call := r.sess.BeginCall(r, inputs)
	layer := r.lower(x, hx)

	// The output sequence keeps the input's batch/time placement, with the feature
	// dimension replaced by hidden_size.
	outDims := make([]int, 3)
	outDims[expectTime] = x.Dim(expectTime)
	outDims[expectBatch] = x.Dim(expectBatch)
	outDims[2] = r.hiddenSize
	mapping := []int{expectBatch, expectTime, 2}
	out := r.sess.EmitNode(call, layer, x.DType(), outDims, mapping)
	r.sess.EndCall(call, []*naming.TensorRecord{out}, nil, nil)
	return newGraphTensor(r.sess, out)
}

// lower builds the declarative layer for this module: a single "rec" node for one
// layer, a subnetwork of chained "rec" nodes for stacked layers.
func (r *RNN) lower(x *Tensor, hx *State) *netdict.Layer {
	from := x.rec.NodeName
	if from == "" {
		from = netdict.DataNode
	}
	if r.numLayers == 1 {
		layer := &netdict.Layer{
			Class: netdict.ClassRec,
			Unit:  backendUnit(r.mode),
			From:  netdict.FromList{from},
			NOut:  r.hiddenSize,
		}
		if hx != nil {
			layer.InitialState = r.initialStateNames(hx)
		}
		return layer
	}
	if hx != nil {
		panic(unsupportedErrorf("explicit initial state with num_layers=%d: per-layer state slicing "+
			"has no declarative equivalent", r.numLayers))
	}
	sub := netdict.Net{}
	for ii := 0; ii < r.numLayers; ii++ {
		src := netdict.DataNode
		if ii > 0 {
			src = fmt.Sprintf("layer%d", ii-1)
		}
		sub[fmt.Sprintf("layer%d", ii)] = &netdict.Layer{
			Class: netdict.ClassRec,
			Unit:  backendUnit(r.mode),
			From:  netdict.FromList{src},
			NOut:  r.hiddenSize,
		}
	}
	sub[netdict.OutputNode] = &netdict.Layer{
		Class: netdict.ClassCopy,
		From:  netdict.FromList{fmt.Sprintf("layer%d", r.numLayers-1)},
	}
	return &netdict.Layer{
		Class:      netdict.ClassSubnetwork,
		From:       netdict.FromList{from},
		Subnetwork: sub,
	}
}

// initialStateNames resolves the state tensors to graph node names: one entry for the
// hidden state, a second for the LSTM cell state.
func (r *RNN) initialStateNames(hx *State) []string {
	if hx.H.rec == nil || hx.H.rec.NodeName == "" {
		panic(naming.TracingErrorf("initial hidden state is not bound to a graph node; build it with Namespace.Const"))
	}
	names := []string{hx.H.rec.NodeName}
	if hx.C != nil {
		if hx.C.rec == nil || hx.C.rec.NodeName == "" {
			panic(naming.TracingErrorf("initial cell state is not bound to a graph node; build it with Namespace.Const"))
		}
		names = append(names, hx.C.rec.NodeName)
	}
	return names
}

// CheckLayer implements naming.Lowerable: the realized layer must agree with the
// declared configuration.
func (r *RNN) CheckLayer(layer *netdict.Layer) {
	if r.numLayers == 1 {
		if layer.Class != netdict.ClassRec {
			panic(shapeErrorf("expected a %q node for %s, got %q", netdict.ClassRec, r.ConfigString(), layer.Class))
		}
		if layer.Unit != backendUnit(r.mode) {
			panic(shapeErrorf("node declares unit %q, module mode %s lowers to %q",
				layer.Unit, r.mode, backendUnit(r.mode)))
		}
		if layer.NOut != r.hiddenSize {
			panic(shapeErrorf("node declares n_out=%d, module hidden_size=%d", layer.NOut, r.hiddenSize))
		}
		return
	}
	if layer.Class != netdict.ClassSubnetwork {
		panic(shapeErrorf("expected a %q node for %s, got %q", netdict.ClassSubnetwork, r.ConfigString(), layer.Class))
	}
	if len(layer.Subnetwork) != r.numLayers+1 {
		panic(shapeErrorf("subnetwork has %d layers, expected %d stacked layers plus output",
			len(layer.Subnetwork), r.numLayers))
	}
	for ii := 0; ii < r.numLayers; ii++ {
		inner := layer.Subnetwork[fmt.Sprintf("layer%d", ii)]
		if inner == nil {
			panic(shapeErrorf("subnetwork is missing layer%d", ii))
		}
		if inner.Unit != backendUnit(r.mode) || inner.NOut != r.hiddenSize {
			panic(shapeErrorf("subnetwork layer%d declares (unit=%q, n_out=%d), expected (%q, %d)",
				ii, inner.Unit, inner.NOut, backendUnit(r.mode), r.hiddenSize))
		}
	}
	if layer.Subnetwork[netdict.OutputNode] == nil {
		panic(shapeErrorf("subnetwork is missing its output node"))
	}
}

// ImportParams implements naming.Lowerable. The captured origin-layout parameters are
// relayouted into the backend representation:
//
//   - native LSTM: one combined weight W of shape (layer_input+hidden, 4*hidden)
//     with gate blocks reordered to (cell proposal, input, forget, output), and one
//     combined bias b = bias_ih + bias_hh;
//   - GRU: the four parameters kept separate but transposed to (in, 3*hidden) /
//     (hidden, 3*hidden), because the reset gate applies inside the candidate and a
//     merged bias would change the math;
//   - plain RNN: combined W of shape (layer_input+hidden, hidden) and combined bias.
func (r *RNN) ImportParams(nodeName string, layer *netdict.Layer, params map[string]*tensors.Tensor, store naming.ParamStore) error {
	for l := 0; l < r.numLayers; l++ {
		layerInput := r.inputSize
		if l > 0 {
			layerInput = r.hiddenSize
		}
		prefix := nodeName
		if r.numLayers > 1 {
			prefix = fmt.Sprintf("%s/layer%d", nodeName, l)
		}
		wIH := params[fmt.Sprintf("weight_ih_l%d", l)]
		wHH := params[fmt.Sprintf("weight_hh_l%d", l)]
		if wIH == nil || wHH == nil {
			return naming.TracingErrorf("captured parameters for layer %d of node %q are missing", l, nodeName)
		}
		bIH := biasOrZeros(params[fmt.Sprintf("bias_ih_l%d", l)], r.gateSize)
		bHH := biasOrZeros(params[fmt.Sprintf("bias_hh_l%d", l)], r.gateSize)
		var err error
		switch r.mode {
		case ModeLSTM:
			err = r.importLSTMLayer(prefix, layerInput, wIH, wHH, bIH, bHH, store)
		case ModeGRU:
			err = r.importGRULayer(prefix, layerInput, wIH, wHH, bIH, bHH, store)
		default:
			err = r.importRNNLayer(prefix, layerInput, wIH, wHH, bIH, bHH, store)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func biasOrZeros(b *tensors.Tensor, size int) []float32 {
	if b == nil {
		return make([]float32, size)
	}
	return tensors.ConstFlatData[float32](b)
}

// importLSTMLayer builds the combined (layer_input+hidden, 4*hidden) weight and the
// combined 4*hidden bias, reordering gate blocks from the origin (i, f, g, o) to the
// native unit's (g, i, f, o).
func (r *RNN) importLSTMLayer(prefix string, in int, wIH, wHH *tensors.Tensor, bIH, bHH []float32, store naming.ParamStore) error {
	H := r.hiddenSize
	cols := 4 * H
	ihFlat := tensors.ConstFlatData[float32](wIH)
	hhFlat := tensors.ConstFlatData[float32](wHH)
	w := tensors.FromShape(shapes.Make(dtypes.Float32, in+H, cols))
	b := tensors.FromShape(shapes.Make(dtypes.Float32, cols))
	wFlat := tensors.MutableFlatData[float32](w)
	bFlat := tensors.MutableFlatData[float32](b)
	for block := 0; block < 4; block++ {
		srcBlock := lstmGateReorder[block]
		for j := 0; j < H; j++ {
			col := block*H + j
			srcRow := srcBlock*H + j
			for f := 0; f < in; f++ {
				wFlat[f*cols+col] = ihFlat[srcRow*in+f]
			}
			for k := 0; k < H; k++ {
				wFlat[(in+k)*cols+col] = hhFlat[srcRow*H+k]
			}
			bFlat[col] = bIH[srcRow] + bHH[srcRow]
		}
	}
	if err := store.SetVariable(prefix+"/W", w); err != nil {
		return err
	}
	return store.SetVariable(prefix+"/b", b)
}

// importGRULayer transposes the weights to feature-major and keeps the two biases
// apart; gate order (reset, update, candidate) is shared with the backend unit.
func (r *RNN) importGRULayer(prefix string, in int, wIH, wHH *tensors.Tensor, bIH, bHH []float32, store naming.ParamStore) error {
	if err := store.SetVariable(prefix+"/W_ih", wIH.Transpose(1, 0)); err != nil {
		return err
	}
	if err := store.SetVariable(prefix+"/W_hh", wHH.Transpose(1, 0)); err != nil {
		return err
	}
	if err := store.SetVariable(prefix+"/b_ih", vectorTensor(bIH)); err != nil {
		return err
	}
	return store.SetVariable(prefix+"/b_hh", vectorTensor(bHH))
}

// importRNNLayer stacks the transposed input and recurrent weights into one
// (layer_input+hidden, hidden) matrix and merges the biases.
func (r *RNN) importRNNLayer(prefix string, in int, wIH, wHH *tensors.Tensor, bIH, bHH []float32, store naming.ParamStore) error {
	H := r.hiddenSize
	ihT := tensors.ConstFlatData[float32](wIH.Transpose(1, 0))
	hhT := tensors.ConstFlatData[float32](wHH.Transpose(1, 0))
	w := tensors.FromShape(shapes.Make(dtypes.Float32, in+H, H))
	wFlat := tensors.MutableFlatData[float32](w)
	copy(wFlat[:in*H], ihT)
	copy(wFlat[in*H:], hhT)
	b := make([]float32, H)
	for j := range b {
		b[j] = bIH[j] + bHH[j]
	}
	if err := store.SetVariable(prefix+"/W", w); err != nil {
		return err
	}
	return store.SetVariable(prefix+"/b", vectorTensor(b))
}

func vectorTensor(values []float32) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(slices.Clone(values), len(values))
}
