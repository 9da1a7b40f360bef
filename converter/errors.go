package converter

import (
	"fmt"

	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// NumericDivergenceError reports a cross-stage comparison failure: either the
// compared outputs have different shapes, or a value exceeded the tolerance. It names
// the stage, both shapes and the first diverging flat index and values -- never a
// silent pass.
type NumericDivergenceError struct {
	Stage      Stage
	WantShape  shapes.Shape
	GotShape   shapes.Shape
	Divergence tensors.Divergence
	Tolerance  float64

	shapeMismatchOnly bool
}

// Error implements error.
func (e *NumericDivergenceError) Error() string {
	if e.shapeMismatchOnly {
		return fmt.Sprintf("stage %s: output shape %s diverges from reference shape %s",
			e.Stage, e.GotShape, e.WantShape)
	}
	return fmt.Sprintf("stage %s: output diverges from reference beyond atol=%g at flat index %d: want %g, got %g",
		e.Stage, e.Tolerance, e.Divergence.FlatIdx, e.Divergence.Want, e.Divergence.Got)
}

// compareTensors checks got against want within the absolute tolerance (relative
// tolerance is always zero: outputs may legitimately be near zero). atol 0 demands
// exact agreement.
func compareTensors(stage Stage, want, got *tensors.Tensor, atol float64) error {
	if !want.Shape().EqualDimensions(got.Shape()) {
		return &NumericDivergenceError{
			Stage:             stage,
			WantShape:         want.Shape(),
			GotShape:          got.Shape(),
			shapeMismatchOnly: true,
		}
	}
	ok, div := want.AllClose(got, atol)
	if ok {
		return nil
	}
	return &NumericDivergenceError{
		Stage:      stage,
		WantShape:  want.Shape(),
		GotShape:   got.Shape(),
		Divergence: div,
		Tolerance:  atol,
	}
}
