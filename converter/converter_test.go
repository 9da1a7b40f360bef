package converter_test

import (
	"os"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/eager2graph/converter"
	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/nn"
	"github.com/gomlx/eager2graph/resolver"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// batchFeatureTime builds a deterministic (batch, feature, time) input.
func batchFeatureTime(batch, features, timeLen int) *tensors.Tensor {
	t := tensors.FromShape(shapes.Make(dtypes.Float32, batch, features, timeLen))
	flat := tensors.MutableFlatData[float32](t)
	for ii := range flat {
		flat[ii] = float32((ii*37)%19)*0.1 - 0.9
	}
	return t
}

// lstmModel is the representative conversion scenario: permute the (batch, feature,
// time) input to time-major, run LSTM(16, 32), permute back to (batch, hidden, time).
func lstmModel(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
	ns := resolver.NN(resolve)
	lstm := ns.LSTM(16, 32)
	out, _ := lstm.Forward(x.Permute(2, 0, 1), nil)
	return out.Permute(1, 2, 0)
}

func TestConvertLSTM(t *testing.T) {
	input := batchFeatureTime(2, 16, 10)
	res, err := converter.New(lstmModel, input).CheckpointDir(t.TempDir()).Run()
	require.NoError(t, err)

	assert.Equal(t, []int{2, 32, 10}, res.Reference.Shape().Dimensions)
	assert.Equal(t, []int{2, 32, 10}, res.BackendOutput.Shape().Dimensions)
	assert.Equal(t, []int{10, 10}, res.BackendSeqLens)

	ok, div := res.Reference.AllClose(res.BackendOutput, converter.DefaultAtol)
	assert.True(t, ok, "backend diverges at %d: %g vs %g", div.FlatIdx, div.Want, div.Got)

	// Exactly one recurrent node, the native LSTM unit, width 32.
	recNodes := 0
	for _, layer := range res.Net {
		if layer.Class == netdict.ClassRec {
			recNodes++
			assert.Equal(t, netdict.UnitNativeLSTM, layer.Unit)
			assert.Equal(t, 32, layer.NOut)
		}
	}
	assert.Equal(t, 1, recNodes)

	// The checkpoint pair exists.
	for _, suffix := range []string{".json", ".bin"} {
		_, err := os.Stat(res.CheckpointPath + suffix)
		assert.NoError(t, err, "checkpoint file %s%s", res.CheckpointPath, suffix)
	}
	assert.NotEmpty(t, res.NetJSON)
	require.NotNil(t, res.Trace)
	assert.NotNil(t, res.Trace.ModuleByPath("/lstm"))
}

func TestConvertGRU(t *testing.T) {
	model := func(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
		ns := resolver.NN(resolve)
		gru := ns.GRU(8, 16)
		out, _ := gru.Forward(x.Permute(2, 0, 1), nil)
		return out.Permute(1, 2, 0)
	}
	res, err := converter.New(model, batchFeatureTime(3, 8, 6)).
		CheckpointDir(t.TempDir()).Run()
	require.NoError(t, err)
	assert.Equal(t, []int{3, 16, 6}, res.BackendOutput.Shape().Dimensions)
}

func TestConvertPlainRNNModes(t *testing.T) {
	for _, mode := range []string{nn.ModeRNNTanh, nn.ModeRNNReLU} {
		t.Run(mode, func(t *testing.T) {
			model := func(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
				ns := resolver.NN(resolve)
				rnn := ns.RNN(mode, 8, 4)
				out, _ := rnn.Forward(x.Permute(2, 0, 1), nil)
				return out.Permute(1, 2, 0)
			}
			res, err := converter.New(model, batchFeatureTime(2, 8, 5)).
				CheckpointDir(t.TempDir()).Run()
			require.NoError(t, err)
			assert.Equal(t, []int{2, 4, 5}, res.BackendOutput.Shape().Dimensions)
		})
	}
}

func TestConvertMultiLayerSubnetwork(t *testing.T) {
	model := func(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
		ns := resolver.NN(resolve)
		lstm := ns.LSTM(8, 16, nn.WithNumLayers(2))
		out, _ := lstm.Forward(x.Permute(2, 0, 1), nil)
		return out.Permute(1, 2, 0)
	}
	res, err := converter.New(model, batchFeatureTime(2, 8, 5)).
		CheckpointDir(t.TempDir()).Run()
	require.NoError(t, err)

	node := res.Net["lstm"]
	require.NotNil(t, node)
	assert.Equal(t, netdict.ClassSubnetwork, node.Class)
	assert.Len(t, node.Subnetwork, 3)
}

func TestConvertBatchFirstModel(t *testing.T) {
	model := func(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
		ns := resolver.NN(resolve)
		lstm := ns.LSTM(8, 16, nn.WithBatchFirst())
		out, _ := lstm.Forward(x.Permute(0, 2, 1), nil) // (batch, time, feature)
		return out.Permute(0, 2, 1)                     // back to (batch, hidden, time)
	}
	res, err := converter.New(model, batchFeatureTime(2, 8, 5)).
		CheckpointDir(t.TempDir()).Run()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 16, 5}, res.BackendOutput.Shape().Dimensions)
}

func TestConvertStageObserver(t *testing.T) {
	var stages []converter.Stage
	_, err := converter.New(lstmModel, batchFeatureTime(2, 16, 4)).
		CheckpointDir(t.TempDir()).
		OnStageDone(func(stage converter.Stage, res *converter.Result) {
			stages = append(stages, stage)
		}).Run()
	require.NoError(t, err)
	assert.Equal(t, []converter.Stage{
		converter.StageReference,
		converter.StageShadowEager,
		converter.StageGraphCapture,
		converter.StageStandalone,
	}, stages)
}

func TestConvertSkipReferenceAndStandalone(t *testing.T) {
	var stages []converter.Stage
	res, err := converter.New(lstmModel, batchFeatureTime(2, 16, 4)).
		SkipReference().
		SkipStandalone().
		CheckpointDir(t.TempDir()).
		OnStageDone(func(stage converter.Stage, _ *converter.Result) {
			stages = append(stages, stage)
		}).Run()
	require.NoError(t, err)
	assert.Equal(t, []converter.Stage{converter.StageShadowEager, converter.StageGraphCapture}, stages)
	assert.NotNil(t, res.Reference) // shadow-eager output becomes the reference
}

func TestConvertKeepIntermediateIO(t *testing.T) {
	res, err := converter.New(lstmModel, batchFeatureTime(2, 16, 4)).
		KeepIntermediateIO().
		CheckpointDir(t.TempDir()).Run()
	require.NoError(t, err)
	calls := res.Trace.Calls()
	require.NotEmpty(t, calls)
	assert.NotEmpty(t, calls[0].InputValues)
	assert.NotEmpty(t, calls[0].OutputValues)
}

func TestConvertRejectsBidirectional(t *testing.T) {
	model := func(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
		ns := resolver.NN(resolve)
		lstm := ns.LSTM(8, 16, nn.WithBidirectional())
		out, _ := lstm.Forward(x.Permute(2, 0, 1), nil)
		return out.Permute(1, 2, 0)
	}
	_, err := converter.New(model, batchFeatureTime(2, 8, 5)).
		CheckpointDir(t.TempDir()).Run()
	require.Error(t, err)
	var unsupported *nn.UnsupportedConfigurationError
	assert.ErrorAs(t, err, &unsupported)
	assert.Contains(t, err.Error(), string(converter.StageGraphCapture))
}

func TestConvertPermuteOnlyModel(t *testing.T) {
	// Axis reorderings alone lower to a bare copy graph: the output binds to the
	// input node and the backend must reproduce the eager permutation.
	model := func(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
		_ = resolver.NN(resolve)
		return x.Permute(2, 0, 1)
	}
	input := batchFeatureTime(2, 8, 5)
	res, err := converter.New(model, input).CheckpointDir(t.TempDir()).Run()
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2, 8}, res.BackendOutput.Shape().Dimensions)
	assert.True(t, res.BackendOutput.Equal(input.Transpose(2, 0, 1)))
}

func TestConvertInputValidation(t *testing.T) {
	_, err := converter.New(lstmModel, tensors.FromShape(shapes.Make(dtypes.Float32, 2, 16))).Run()
	require.Error(t, err)
	_, err = converter.New(nil, batchFeatureTime(2, 16, 4)).Run()
	require.Error(t, err)
}
