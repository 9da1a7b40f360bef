package backend_test

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/eager2graph/backend"
	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// identitySpec feeds (batch, time, feature) arrays unchanged.
func identitySpec(featureDim int) backend.ExternSpec {
	return backend.ExternSpec{BatchAxis: 0, TimeAxis: 1, FeatureAxis: 2, FeatureDim: featureDim}
}

func lstmNet(nOut int) netdict.Net {
	return netdict.Net{
		"lstm": &netdict.Layer{
			Class: netdict.ClassRec,
			Unit:  netdict.UnitNativeLSTM,
			From:  netdict.FromList{netdict.DataNode},
			NOut:  nOut,
		},
		netdict.OutputNode: &netdict.Layer{
			Class: netdict.ClassCopy,
			From:  netdict.FromList{"lstm"},
		},
	}
}

func TestConstructAllocatesVariables(t *testing.T) {
	sess := backend.OpenSession()
	defer sess.Close()
	require.NoError(t, sess.Construct(lstmNet(8), identitySpec(4)))
	assert.Equal(t, []string{"lstm/W", "lstm/b"}, sess.VariableNames())
	assert.Equal(t, []int{12, 32}, sess.Variable("lstm/W").Shape().Dimensions)
	assert.Equal(t, []int{32}, sess.Variable("lstm/b").Shape().Dimensions)

	gruSess := backend.OpenSession()
	defer gruSess.Close()
	net := netdict.Net{
		"gru": &netdict.Layer{Class: netdict.ClassRec, Unit: netdict.UnitGRU, From: netdict.FromList{netdict.DataNode}, NOut: 8},
		netdict.OutputNode: &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{"gru"}},
	}
	require.NoError(t, gruSess.Construct(net, identitySpec(4)))
	assert.Equal(t, []string{"gru/W_hh", "gru/W_ih", "gru/b_hh", "gru/b_ih"}, gruSess.VariableNames())
	assert.Equal(t, []int{4, 24}, gruSess.Variable("gru/W_ih").Shape().Dimensions)
	assert.Equal(t, []int{8, 24}, gruSess.Variable("gru/W_hh").Shape().Dimensions)
}

func TestConstructSubnetworkVariables(t *testing.T) {
	net := netdict.Net{
		"stack": &netdict.Layer{
			Class: netdict.ClassSubnetwork,
			From:  netdict.FromList{netdict.DataNode},
			Subnetwork: netdict.Net{
				"layer0": &netdict.Layer{Class: netdict.ClassRec, Unit: netdict.UnitRNNTanh, From: netdict.FromList{netdict.DataNode}, NOut: 8},
				"layer1": &netdict.Layer{Class: netdict.ClassRec, Unit: netdict.UnitRNNTanh, From: netdict.FromList{"layer0"}, NOut: 8},
				netdict.OutputNode: &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{"layer1"}},
			},
		},
		netdict.OutputNode: &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{"stack"}},
	}
	sess := backend.OpenSession()
	defer sess.Close()
	require.NoError(t, sess.Construct(net, identitySpec(4)))
	assert.Equal(t, []string{
		"stack/layer0/W", "stack/layer0/b",
		"stack/layer1/W", "stack/layer1/b",
	}, sess.VariableNames())
	// Layer 1 consumes layer 0's width.
	assert.Equal(t, []int{12, 8}, sess.Variable("stack/layer0/W").Shape().Dimensions)
	assert.Equal(t, []int{16, 8}, sess.Variable("stack/layer1/W").Shape().Dimensions)
}

func TestReuseParamsAllocatesOnce(t *testing.T) {
	net := lstmNet(4)
	net["lstm.1"] = &netdict.Layer{
		Class:       netdict.ClassRec,
		Unit:        netdict.UnitNativeLSTM,
		From:        netdict.FromList{"lstm"},
		NOut:        4,
		ReuseParams: "lstm",
	}
	net[netdict.OutputNode].From = netdict.FromList{"lstm.1"}
	sess := backend.OpenSession()
	defer sess.Close()
	require.NoError(t, sess.Construct(net, identitySpec(4)))
	assert.Equal(t, []string{"lstm/W", "lstm/b"}, sess.VariableNames())

	input := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 4))
	out, seqLens, err := sess.Run(netdict.OutputNode, backend.Feed{Data: input})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4}, out.Shape().Dimensions)
	assert.Equal(t, []int{3}, seqLens)
}

func TestRunCopyPassesInputThrough(t *testing.T) {
	net := netdict.Net{
		netdict.OutputNode: &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{netdict.DataNode}},
	}
	sess := backend.OpenSession()
	defer sess.Close()
	// Fed as (feature, batch, time): the backend must canonicalize to batch-major.
	spec := backend.ExternSpec{BatchAxis: 1, TimeAxis: 2, FeatureAxis: 0, FeatureDim: 2}
	require.NoError(t, sess.Construct(net, spec))

	input := tensors.FromFlatDataAndDimensions([]float32{
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12,
	}, 2, 2, 3)
	out, seqLens, err := sess.Run(netdict.OutputNode, backend.Feed{Data: input})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 2}, out.Shape().Dimensions)
	assert.Equal(t, []int{3, 3}, seqLens)
	assert.True(t, out.Equal(input.Transpose(1, 2, 0)))
}

func TestRunInitialState(t *testing.T) {
	net := netdict.Net{
		"h0": &netdict.Layer{Class: netdict.ClassConstant, Values: []float32{2}, Dims: []int{1, 1, 1}},
		"rnn": &netdict.Layer{
			Class:        netdict.ClassRec,
			Unit:         netdict.UnitRNNTanh,
			From:         netdict.FromList{netdict.DataNode},
			NOut:         1,
			InitialState: []string{"h0"},
		},
		netdict.OutputNode: &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{"rnn"}},
	}
	sess := backend.OpenSession()
	defer sess.Close()
	require.NoError(t, sess.Construct(net, identitySpec(1)))
	// W = [x coefficient; h coefficient] = [0; 1], b = 0: h_t = tanh(h_{t-1}).
	require.NoError(t, sess.SetVariable("rnn/W",
		tensors.FromFlatDataAndDimensions([]float32{0, 1}, 2, 1)))

	input := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 1))
	out, _, err := sess.Run(netdict.OutputNode, backend.Feed{Data: input})
	require.NoError(t, err)
	got := tensors.ConstFlatData[float32](out)
	want0 := math.Tanh(2)
	want1 := math.Tanh(want0)
	assert.InDelta(t, want0, float64(got[0]), 1e-6)
	assert.InDelta(t, want1, float64(got[1]), 1e-6)
}

func TestNativeLSTMStepMath(t *testing.T) {
	sess := backend.OpenSession()
	defer sess.Close()
	require.NoError(t, sess.Construct(lstmNet(1), identitySpec(1)))

	// Gate blocks (cell proposal, input, forget, output); rows (x, h).
	w := tensors.FromFlatDataAndDimensions([]float32{
		0.5, 1.0, -0.5, 0.25, // x coefficients
		0.1, 0.2, 0.3, 0.4, // h coefficients
	}, 2, 4)
	b := tensors.FromFlatDataAndDimensions([]float32{0.1, -0.1, 0.2, 0}, 4)
	require.NoError(t, sess.SetVariable("lstm/W", w))
	require.NoError(t, sess.SetVariable("lstm/b", b))

	x := 0.8
	input := tensors.FromFlatDataAndDimensions([]float32{float32(x)}, 1, 1, 1)
	out, _, err := sess.Run(netdict.OutputNode, backend.Feed{Data: input})
	require.NoError(t, err)

	sigmoid := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	cell := math.Tanh(0.5*x + 0.1)
	gateIn := sigmoid(1.0*x - 0.1)
	gateOut := sigmoid(0.25 * x)
	c := gateIn * cell // forget gate scales the zero initial cell state
	want := gateOut * math.Tanh(c)
	got := tensors.ConstFlatData[float32](out)
	assert.InDelta(t, want, float64(got[0]), 1e-6)
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model")

	sess := backend.OpenSession()
	defer sess.Close()
	require.NoError(t, sess.Construct(lstmNet(3), identitySpec(2)))
	w := tensors.FromShape(shapes.Make(dtypes.Float32, 5, 12))
	flat := tensors.MutableFlatData[float32](w)
	for ii := range flat {
		flat[ii] = float32(ii) * 0.125
	}
	require.NoError(t, sess.SetVariable("lstm/W", w))
	require.NoError(t, sess.SaveCheckpoint(path))

	restored := backend.OpenSession()
	defer restored.Close()
	require.NoError(t, restored.Construct(lstmNet(3), identitySpec(2)))
	require.NoError(t, restored.LoadCheckpoint(path))
	assert.True(t, restored.Variable("lstm/W").Equal(w))
	assert.True(t, restored.Variable("lstm/b").Equal(sess.Variable("lstm/b")))

	// A graph with different dimensions must refuse the checkpoint.
	mismatched := backend.OpenSession()
	defer mismatched.Close()
	require.NoError(t, mismatched.Construct(lstmNet(4), identitySpec(2)))
	err := mismatched.LoadCheckpoint(path)
	require.Error(t, err)
	var backendErr *backend.Error
	assert.ErrorAs(t, err, &backendErr)
}

func TestRunErrors(t *testing.T) {
	sess := backend.OpenSession()
	_, _, err := sess.Run(netdict.OutputNode, backend.Feed{})
	require.Error(t, err)

	require.NoError(t, sess.Construct(lstmNet(2), identitySpec(4)))
	input := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 5))
	_, _, err = sess.Run(netdict.OutputNode, backend.Feed{Data: input})
	require.Error(t, err) // feature dim 5 vs declared 4

	_, _, err = sess.Run("missing", backend.Feed{Data: tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 4))})
	require.Error(t, err)

	sess.Close()
	_, _, err = sess.Run(netdict.OutputNode, backend.Feed{Data: input})
	require.Error(t, err)
}

func TestSetVariableChecksShape(t *testing.T) {
	sess := backend.OpenSession()
	defer sess.Close()
	require.NoError(t, sess.Construct(lstmNet(2), identitySpec(3)))
	err := sess.SetVariable("lstm/W", tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2)))
	require.Error(t, err)
	err = sess.SetVariable("nope/W", tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2)))
	require.Error(t, err)
}

func TestConstructRejectsInvalidNets(t *testing.T) {
	sess := backend.OpenSession()
	defer sess.Close()
	err := sess.Construct(netdict.Net{
		"lonely": &netdict.Layer{Class: netdict.ClassRec, Unit: netdict.UnitGRU, From: netdict.FromList{netdict.DataNode}, NOut: 2},
	}, identitySpec(2))
	require.Error(t, err) // no output node

	err = sess.Construct(lstmNet(2), identitySpec(2))
	require.NoError(t, err)
	err = sess.Construct(lstmNet(2), identitySpec(2))
	require.Error(t, err) // double construct
}
