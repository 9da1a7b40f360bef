package naming_test

import (
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// recModule is a minimal lowerable module for engine tests.
type recModule struct {
	nOut int
}

func (m *recModule) TypeTag() string      { return "rec" }
func (m *recModule) ConfigString() string { return "rec()" }

func (m *recModule) CheckLayer(layer *netdict.Layer) {}

func (m *recModule) ImportParams(nodeName string, layer *netdict.Layer, params map[string]*tensors.Tensor, store naming.ParamStore) error {
	for name, value := range params {
		if err := store.SetVariable(nodeName+"/"+name, value); err != nil {
			return err
		}
	}
	return nil
}

// plainModule has no lowering protocol and is not a container.
type plainModule struct{}

func (m *plainModule) TypeTag() string      { return "plain" }
func (m *plainModule) ConfigString() string { return "plain()" }

func TestSessionExclusive(t *testing.T) {
	sess, err := naming.Begin(naming.Options{})
	require.NoError(t, err)
	_, err = naming.Begin(naming.Options{})
	require.Error(t, err)
	var tracingErr *naming.TracingError
	require.ErrorAs(t, err, &tracingErr)
	sess.Close()
	sess2, err := naming.Begin(naming.Options{})
	require.NoError(t, err)
	sess2.Close()
	sess2.Close() // Idempotent.
}

func TestRegisterModulePaths(t *testing.T) {
	sess, err := naming.Begin(naming.Options{})
	require.NoError(t, err)
	defer sess.Close()

	a, b := &recModule{nOut: 4}, &recModule{nOut: 8}
	assert.Equal(t, "/rec", sess.RegisterModule(a, nil, "").Path)
	assert.Equal(t, "/rec_1", sess.RegisterModule(b, nil, "").Path)

	child := &recModule{nOut: 2}
	assert.Equal(t, "/rec/0", sess.RegisterModule(child, a, "0").Path)

	// Explicit child names collide loudly.
	dup := &recModule{nOut: 2}
	exception := exceptions.Try(func() { sess.RegisterModule(dup, a, "0") })
	require.NotNil(t, exception)
	_, ok := exception.(*naming.TracingError)
	assert.True(t, ok, "want *TracingError, got %T", exception)
}

func TestBeginCallRequiresLowerable(t *testing.T) {
	sess, err := naming.Begin(naming.Options{BackedByGraph: true})
	require.NoError(t, err)
	defer sess.Close()

	m := &plainModule{}
	sess.RegisterModule(m, nil, "")
	exception := exceptions.Try(func() { sess.BeginCall(m, nil) })
	require.NotNil(t, exception)
	_, ok := exception.(*naming.TracingError)
	assert.True(t, ok, "want *TracingError, got %T", exception)
}

func TestEmitNodeNamesAndReuse(t *testing.T) {
	sess, err := naming.Begin(naming.Options{BackedByGraph: true})
	require.NoError(t, err)
	defer sess.Close()

	m := &recModule{nOut: 4}
	sess.RegisterModule(m, nil, "")

	input := &naming.TensorRecord{Dims: []int{2, 3, 5}, DType: dtypes.Float32}
	sess.RegisterInput(input, naming.ShapeSpec{BatchAxis: 0, FeatureAxis: 1, TimeAxis: 2, FeatureDim: 3})
	assert.Equal(t, "data", input.NodeName)
	assert.Equal(t, []int{0, 2, 1}, input.BackendToOrigin)

	emit := func() *naming.TensorRecord {
		call := sess.BeginCall(m, []*naming.TensorRecord{input})
		layer := &netdict.Layer{Class: netdict.ClassRec, Unit: netdict.UnitRNNTanh, From: netdict.FromList{input.NodeName}, NOut: 4}
		out := sess.EmitNode(call, layer, dtypes.Float32, []int{2, 4, 5}, []int{0, 2, 1})
		sess.EndCall(call, []*naming.TensorRecord{out}, nil, nil)
		return out
	}
	first := emit()
	second := emit()
	assert.Equal(t, "rec", first.NodeName)
	assert.Equal(t, "rec.1", second.NodeName)
	assert.Equal(t, "rec", second.Producer.Layer.ReuseParams)

	sess.RegisterOutput(second)
	net := sess.DumpAsNetDict()
	require.NoError(t, net.Validate())
	assert.Len(t, net, 3)
	assert.Equal(t, netdict.ClassCopy, net[netdict.OutputNode].Class)
	assert.Equal(t, netdict.FromList{"rec.1"}, net[netdict.OutputNode].From)
}

func TestPermuteTensorMapping(t *testing.T) {
	sess, err := naming.Begin(naming.Options{BackedByGraph: true})
	require.NoError(t, err)
	defer sess.Close()

	input := &naming.TensorRecord{Dims: []int{2, 16, 10}, DType: dtypes.Float32}
	sess.RegisterInput(input, naming.ShapeSpec{BatchAxis: 0, FeatureAxis: 1, TimeAxis: 2, FeatureDim: 16})

	// (batch, feature, time) -> (time, batch, feature).
	permuted := sess.PermuteTensor(input, []int{2, 0, 1})
	assert.Equal(t, []int{10, 2, 16}, permuted.Dims)
	assert.Equal(t, []int{1, 0, 2}, permuted.BackendToOrigin)
	assert.Equal(t, input.NodeName, permuted.NodeName)
	assert.Equal(t, input.Producer, permuted.Producer)
}

func TestAxisMappingInverse(t *testing.T) {
	mapping := []int{1, 0, 2}
	assert.Equal(t, []int{1, 0, 2}, naming.InverseAxisMapping(mapping))
	assert.Equal(t, []int{0, 2, 1}, naming.InverseAxisMapping([]int{0, 2, 1}))
	assert.Equal(t, []int{0, 1, 2}, naming.IdentityAxisMapping(3))
}

func TestImportParamsAcrossSessions(t *testing.T) {
	prior, err := naming.Begin(naming.Options{})
	require.NoError(t, err)
	m1 := &recModule{nOut: 4}
	prior.RegisterModule(m1, nil, "")
	captured := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	prior.AddParameter(m1, "w", captured.Shape(), captured)
	prior.Close()

	sess, err := naming.Begin(naming.Options{ImportParamsFrom: prior})
	require.NoError(t, err)
	defer sess.Close()
	m2 := &recModule{nOut: 4}
	sess.RegisterModule(m2, nil, "")
	fresh := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2))
	p := sess.AddParameter(m2, "w", fresh.Shape(), fresh)
	assert.True(t, p.Value.Equal(captured))
	// The value was copied in place into the module's own tensor.
	assert.Same(t, fresh, p.Value)
}

func TestImportParamsFromActiveSessionFails(t *testing.T) {
	prior, err := naming.Begin(naming.Options{})
	require.NoError(t, err)
	defer prior.Close()
	_, err = naming.Begin(naming.Options{ImportParamsFrom: prior})
	require.Error(t, err)
}

func TestDumpHierarchy(t *testing.T) {
	sess, err := naming.Begin(naming.Options{})
	require.NoError(t, err)
	defer sess.Close()

	parent := &recModule{nOut: 4}
	sess.RegisterModule(parent, nil, "")
	child := &recModule{nOut: 2}
	sess.RegisterModule(child, parent, "0")

	var sb strings.Builder
	sess.Dump(&sb)
	out := sb.String()
	assert.Contains(t, out, "/rec: rec() calls=0 params=0")
	assert.Contains(t, out, "  /rec/0: rec() calls=0 params=0")
}
