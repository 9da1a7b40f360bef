// eager2graph-demo converts a single-layer LSTM model from eager execution to a
// declarative graph and verifies the conversion stage by stage.
//
// The model consumes a (batch=2, feature=16, time=10) input, permutes it to
// time-major, runs LSTM(16, 32) and permutes the result back to (batch, hidden,
// time).
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/eager2graph/converter"
	"github.com/gomlx/eager2graph/naming"
	"github.com/gomlx/eager2graph/nn"
	"github.com/gomlx/eager2graph/resolver"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

var (
	flagCheckpointDir = flag.String("checkpoint_dir", "",
		"Directory for the saved parameter checkpoint. Default is a generated temporary directory.")
	flagSkipStandalone = flag.Bool("skip_standalone", false,
		"Skip the final replay-from-JSON stage.")
)

func model(resolve resolver.Func, x *nn.Tensor) *nn.Tensor {
	ns := resolver.NN(resolve)
	lstm := ns.LSTM(16, 32)
	out, _ := lstm.Forward(x.Permute(2, 0, 1), nil)
	return out.Permute(1, 2, 0)
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	input := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 16, 10))
	rng := rand.New(rand.NewSource(7))
	flat := tensors.MutableFlatData[float32](input)
	for ii := range flat {
		flat[ii] = rng.Float32()*2 - 1
	}

	bar := progressbar.NewOptions(4,
		progressbar.OptionSetDescription("converting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)
	cv := converter.New(model, input).
		CheckpointDir(*flagCheckpointDir).
		OnStageDone(func(stage converter.Stage, _ *converter.Result) {
			bar.Describe(string(stage))
			_ = bar.Add(1)
		})
	if *flagSkipStandalone {
		cv = cv.SkipStandalone()
	}
	res := must.M1(cv.Run())
	must.M(bar.Finish())
	fmt.Println()

	fmt.Printf("reference output:  %s\n", res.Reference.Shape())
	fmt.Printf("backend output:    %s (seq lens %v)\n", res.BackendOutput.Shape(), res.BackendSeqLens)
	fmt.Printf("parameters:        %s\n", humanize.Bytes(paramBytes(res.Trace)))
	fmt.Printf("checkpoint:        %s.{json,bin}\n", res.CheckpointPath)
	fmt.Printf("captured graph:\n%s\n", res.NetJSON)
}

// paramBytes sums the memory of every captured parameter in the trace.
func paramBytes(trace *naming.Session) uint64 {
	var total uint64
	var walk func(mr *naming.ModuleRecord)
	walk = func(mr *naming.ModuleRecord) {
		for _, p := range mr.Params {
			total += uint64(p.Shape.Memory())
		}
		for _, child := range mr.Children {
			walk(child)
		}
	}
	for _, root := range trace.Roots() {
		walk(root)
	}
	return total
}
