// Package converter is the verification orchestrator: it runs the same
// model-construction function through up to four execution modes and adjudicates
// their numeric agreement, turning eager model code into a verified declarative
// graph plus a parameter checkpoint.
//
// Stages (each depends on state produced by the previous one, so execution is
// strictly sequential):
//
//   - reference: untraced eager run with a fixed seed; records the reference output.
//   - shadow-eager: identical run through the traced shims; must reproduce the
//     reference bit-for-bit (a divergence here is a bug in the interception layer,
//     not in the conversion). Captures the module hierarchy and numeric parameters.
//   - graph-capture: the run now builds a symbolic graph; parameters are imported
//     from the shadow-eager session, the graph is realized and executed on the
//     backend, and the output -- transposed back into the origin axis order -- must
//     match the reference within the absolute tolerance.
//   - standalone: the graph is rebuilt purely from its JSON form, the checkpoint
//     reloaded, and the replayed output must agree with the graph-capture output
//     exactly.
//
// The common case is the one-liner:
//
//	result, err := converter.Convert(model, input)
//
// with input in (batch, feature, time) axis order. The builder form configures the
// run: converter.New(model, input).SkipReference().CheckpointDir(dir).Run().
package converter

import (
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/eager2graph/backend"
	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/nn"
	"github.com/gomlx/eager2graph/resolver"
	"github.com/gomlx/eager2graph/types/tensors"
)

// ModelFunc is the model-construction callback: it receives the import resolver of
// the current stage and the (possibly symbolic) input tensor, and returns the model
// output. The same function runs unchanged in every stage.
type ModelFunc func(resolve resolver.Func, x *nn.Tensor) *nn.Tensor

// Stage identifies one execution mode of the pipeline.
type Stage string

const (
	StageReference    Stage = "reference"
	StageShadowEager  Stage = "shadow-eager"
	StageGraphCapture Stage = "graph-capture"
	StageStandalone   Stage = "standalone"
)

// Seed is the fixed parameter-initialization seed every stage runs with.
const Seed = 42

// DefaultAtol is the absolute tolerance of the graph-backend comparison. Relative
// tolerance is always zero, because outputs may legitimately be near zero.
const DefaultAtol = 1e-4

// Result is what a successful conversion exposes.
type Result struct {
	// Reference is the adjudicated reference output (stage reference, or
	// shadow-eager when the reference stage was skipped), in origin axis order.
	Reference *tensors.Tensor

	// Net is the captured declarative graph and NetJSON its serialized form.
	Net     netdict.Net
	NetJSON []byte

	// OutputMapping is the axis mapping of the registered output:
	// OutputMapping[a] is the origin axis of backend axis a.
	OutputMapping []int

	// BackendOutput is the graph backend's output transposed back into the origin
	// framework's axis order; BackendSeqLens is the sequence-length side channel.
	BackendOutput  *tensors.Tensor
	BackendSeqLens []int

	// CheckpointPath is the path prefix of the saved parameter checkpoint, empty if
	// the graph-capture stage did not persist one.
	CheckpointPath string

	// Trace is the closed shadow-eager session: module hierarchy, captured
	// parameters and, when requested, per-call IO snapshots.
	Trace *naming.Session
}

// Converter configures one verification run. Build it with New, chain the options
// and call Run.
type Converter struct {
	modelFn ModelFunc
	input   *tensors.Tensor

	skipReference      bool
	skipStandalone     bool
	keepIntermediateIO bool
	checkpointDir      string
	atol               float64
	onStageDone        func(stage Stage, res *Result)
}

// New starts configuring a conversion of modelFn applied to input. input must have
// rank 3, in (batch, feature, time) axis order.
func New(modelFn ModelFunc, input *tensors.Tensor) *Converter {
	return &Converter{modelFn: modelFn, input: input, atol: DefaultAtol}
}

// SkipReference drops the untraced reference stage; the shadow-eager output becomes
// the reference.
func (c *Converter) SkipReference() *Converter {
	c.skipReference = true
	return c
}

// SkipStandalone drops the final replay-from-JSON stage.
func (c *Converter) SkipStandalone() *Converter {
	c.skipStandalone = true
	return c
}

// KeepIntermediateIO retains per-call numeric input/output snapshots on the
// shadow-eager trace.
func (c *Converter) KeepIntermediateIO() *Converter {
	c.keepIntermediateIO = true
	return c
}

// CheckpointDir sets where the parameter checkpoint is written. Default is a
// generated temporary directory.
func (c *Converter) CheckpointDir(dir string) *Converter {
	c.checkpointDir = dir
	return c
}

// Atol overrides the absolute tolerance of the graph-backend comparison.
func (c *Converter) Atol(atol float64) *Converter {
	c.atol = atol
	return c
}

// OnStageDone installs an observer called after each completed stage with the
// result populated so far.
func (c *Converter) OnStageDone(fn func(stage Stage, res *Result)) *Converter {
	c.onStageDone = fn
	return c
}

// Convert runs the whole pipeline with default configuration.
func Convert(modelFn ModelFunc, input *tensors.Tensor) (*Result, error) {
	return New(modelFn, input).Run()
}

// Run executes the configured stages in order. Any error aborts the pipeline.
func (c *Converter) Run() (*Result, error) {
	if c.modelFn == nil || c.input == nil {
		return nil, errors.Errorf("converter requires a model function and an input tensor")
	}
	if c.input.Rank() != 3 {
		return nil, errors.Errorf("converter input must have rank 3 (batch, feature, time), got shape %s",
			c.input.Shape())
	}
	res := &Result{}

	if !c.skipReference {
		var out *tensors.Tensor
		if err := exceptions.TryCatch[error](func() { out = c.runReference() }); err != nil {
			return nil, errors.WithMessagef(err, "stage %s", StageReference)
		}
		res.Reference = out
		c.stageDone(StageReference, res)
	}

	var trace *naming.Session
	var shadowOut *tensors.Tensor
	if err := exceptions.TryCatch[error](func() { trace, shadowOut = c.runShadowEager() }); err != nil {
		return nil, errors.WithMessagef(err, "stage %s", StageShadowEager)
	}
	if res.Reference == nil {
		res.Reference = shadowOut
	} else if err := compareTensors(StageShadowEager, res.Reference, shadowOut, 0); err != nil {
		return nil, err
	}
	res.Trace = trace
	c.stageDone(StageShadowEager, res)

	if err := c.runGraphCapture(res, trace); err != nil {
		return nil, err
	}
	c.stageDone(StageGraphCapture, res)

	if !c.skipStandalone {
		if err := c.runStandalone(res); err != nil {
			return nil, err
		}
		c.stageDone(StageStandalone, res)
	}
	return res, nil
}

func (c *Converter) stageDone(stage Stage, res *Result) {
	klog.V(1).Infof("converter: stage %s done", stage)
	if c.onStageDone != nil {
		c.onStageDone(stage, res)
	}
}

// runReference runs the model untraced and eagerly.
func (c *Converter) runReference() *tensors.Tensor {
	nn.ManualSeed(Seed)
	svc := resolver.NewService(resolver.PassThrough, nil)
	out := c.modelFn(svc.Func(), nn.InputTensor(nil, c.input))
	if out == nil || out.Value() == nil {
		panic(naming.TracingErrorf("model function returned no numeric output"))
	}
	return out.Value()
}

// runShadowEager runs the model through the traced eager shims, returning the closed
// session (hierarchy + captured parameters) and the numeric output.
func (c *Converter) runShadowEager() (*naming.Session, *tensors.Tensor) {
	sess, err := naming.Begin(naming.Options{KeepIntermediateIO: c.keepIntermediateIO})
	if err != nil {
		panic(err)
	}
	defer sess.Close()
	nn.ManualSeed(Seed)
	svc := resolver.NewService(resolver.ShadowEager, sess)
	out := c.modelFn(svc.Func(), nn.InputTensor(sess, c.input))
	if out == nil || out.Value() == nil {
		panic(naming.TracingErrorf("model function returned no numeric output"))
	}
	return sess, out.Value()
}

// runGraphCapture replays the model symbolically, realizes the captured graph on the
// backend with the shadow-eager parameters, executes it and compares against the
// reference.
func (c *Converter) runGraphCapture(res *Result, prior *naming.Session) error {
	featureDim := c.input.Shape().Dim(1)
	var sess *naming.Session
	err := exceptions.TryCatch[error](func() {
		var beginErr error
		sess, beginErr = naming.Begin(naming.Options{BackedByGraph: true, ImportParamsFrom: prior})
		if beginErr != nil {
			panic(beginErr)
		}
		defer sess.Close()
		nn.ManualSeed(Seed)
		svc := resolver.NewService(resolver.ShadowGraph, sess)
		in := nn.InputTensor(sess, c.input)
		sess.RegisterInput(in.Record(), naming.ShapeSpec{
			BatchAxis:   0,
			FeatureAxis: 1,
			TimeAxis:    2,
			FeatureDim:  featureDim,
		})
		out := c.modelFn(svc.Func(), in)
		if out == nil || out.Record() == nil {
			panic(naming.TracingErrorf("model function returned no traced output"))
		}
		handle := sess.RegisterOutput(out.Record())
		res.OutputMapping = handle.AxisMapping()
		sess.VerifyLoweredLayers()
		res.Net = sess.DumpAsNetDict()
	})
	if err != nil {
		return errors.WithMessagef(err, "stage %s", StageGraphCapture)
	}
	netJSON, err := res.Net.ToJSON()
	if err != nil {
		return errors.WithMessagef(err, "stage %s", StageGraphCapture)
	}
	res.NetJSON = netJSON

	bsess := backend.OpenSession()
	defer bsess.Close()
	if err := bsess.Construct(res.Net, c.externSpec()); err != nil {
		return errors.WithMessagef(err, "stage %s", StageGraphCapture)
	}
	if err := sess.ImportParamsInto(bsess); err != nil {
		return errors.WithMessagef(err, "stage %s: importing parameters", StageGraphCapture)
	}
	out, seqLens, err := bsess.Run(netdict.OutputNode, backend.Feed{Data: c.input})
	if err != nil {
		return errors.WithMessagef(err, "stage %s", StageGraphCapture)
	}
	aligned := out.Transpose(naming.InverseAxisMapping(res.OutputMapping)...)
	if err := compareTensors(StageGraphCapture, res.Reference, aligned, c.atol); err != nil {
		return err
	}
	res.BackendOutput = aligned
	res.BackendSeqLens = seqLens

	dir := c.checkpointDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "eager2graph-"+uuid.NewString())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "stage %s: creating checkpoint directory", StageGraphCapture)
	}
	path := filepath.Join(dir, "model")
	if err := bsess.SaveCheckpoint(path); err != nil {
		return errors.WithMessagef(err, "stage %s", StageGraphCapture)
	}
	res.CheckpointPath = path
	return nil
}

// runStandalone rebuilds the graph purely from its JSON form, reloads the checkpoint
// and requires the replayed output to agree with the graph-capture output exactly.
func (c *Converter) runStandalone(res *Result) error {
	net, err := netdict.FromJSON(res.NetJSON)
	if err != nil {
		return errors.WithMessagef(err, "stage %s", StageStandalone)
	}
	bsess := backend.OpenSession()
	defer bsess.Close()
	if err := bsess.Construct(net, c.externSpec()); err != nil {
		return errors.WithMessagef(err, "stage %s", StageStandalone)
	}
	if err := bsess.LoadCheckpoint(res.CheckpointPath); err != nil {
		return errors.WithMessagef(err, "stage %s", StageStandalone)
	}
	out, _, err := bsess.Run(netdict.OutputNode, backend.Feed{Data: c.input})
	if err != nil {
		return errors.WithMessagef(err, "stage %s", StageStandalone)
	}
	aligned := out.Transpose(naming.InverseAxisMapping(res.OutputMapping)...)
	return compareTensors(StageStandalone, res.BackendOutput, aligned, 0)
}

// externSpec declares the library entry point's fixed input convention to the
// backend: axis order (batch, feature, time).
func (c *Converter) externSpec() backend.ExternSpec {
	return backend.ExternSpec{
		BatchAxis:   0,
		TimeAxis:    2,
		FeatureAxis: 1,
		FeatureDim:  c.input.Shape().Dim(1),
	}
}
