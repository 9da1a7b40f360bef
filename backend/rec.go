package backend

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/eager2graph/netdict"
	"github.com/gomlx/eager2graph/types/shapes"
	"github.com/gomlx/eager2graph/types/tensors"
)

// Variable layouts per recurrent unit, for a node with input dimension in and output
// width H:
//
//   - nativelstm2: W (in+H, 4H) with gate blocks (cell proposal, input, forget,
//     output), b (4H).
//   - gru: W_ih (in, 3H), W_hh (H, 3H), b_ih (3H), b_hh (3H), gate blocks (reset,
//     update, candidate). The biases stay separate because the reset gate applies to
//     the recurrent candidate term only.
//   - rnn_tanh / rnn_relu: W (in+H, H), b (H).
func (s *Session) allocRecVariables(path, unit string, in, h int) error {
	alloc := func(name string, dims ...int) {
		s.variables[path+"/"+name] = tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	}
	switch unit {
	case netdict.UnitNativeLSTM:
		alloc("W", in+h, 4*h)
		alloc("b", 4*h)
	case netdict.UnitGRU:
		alloc("W_ih", in, 3*h)
		alloc("W_hh", h, 3*h)
		alloc("b_ih", 3*h)
		alloc("b_hh", 3*h)
	case netdict.UnitRNNTanh, netdict.UnitRNNReLU:
		alloc("W", in+h, h)
		alloc("b", h)
	default:
		return errorf("rec node %q declares unknown unit %q", path, unit)
	}
	return nil
}

// recState is the numeric state threaded through one recurrence: hidden always,
// cell only for the native LSTM unit.
type recState struct {
	h []float32
	c []float32
}

// runRec executes one recurrent node over the full time range. x is (time, batch,
// in) flat, the result is (time, batch, h) flat. varPath resolves the node's
// variables (already redirected for reuse_params).
func (s *Session) runRec(varPath, unit string, x []float32, seqLen, batch, in, h int, init recState) ([]float32, error) {
	state := recState{h: init.h, c: init.c}
	if state.h == nil {
		state.h = make([]float32, batch*h)
	}
	if state.c == nil {
		state.c = make([]float32, batch*h)
	}
	out := make([]float32, seqLen*batch*h)
	var step func(xt []float32) error
	switch unit {
	case netdict.UnitNativeLSTM:
		w, b, err := s.combinedVars(varPath, in+h, 4*h)
		if err != nil {
			return nil, err
		}
		step = func(xt []float32) error {
			lstmStep(xt, state.h, state.c, w, b, batch, in, h)
			return nil
		}
	case netdict.UnitGRU:
		wIH := s.variables[varPath+"/W_ih"]
		wHH := s.variables[varPath+"/W_hh"]
		bIH := s.variables[varPath+"/b_ih"]
		bHH := s.variables[varPath+"/b_hh"]
		if wIH == nil || wHH == nil || bIH == nil || bHH == nil {
			return nil, errorf("gru node %q is missing variables", varPath)
		}
		step = func(xt []float32) error {
			gruStep(xt, state.h,
				tensors.ConstFlatData[float32](wIH), tensors.ConstFlatData[float32](wHH),
				tensors.ConstFlatData[float32](bIH), tensors.ConstFlatData[float32](bHH),
				batch, in, h)
			return nil
		}
	case netdict.UnitRNNTanh, netdict.UnitRNNReLU:
		w, b, err := s.combinedVars(varPath, in+h, h)
		if err != nil {
			return nil, err
		}
		relu := unit == netdict.UnitRNNReLU
		step = func(xt []float32) error {
			rnnStep(xt, state.h, w, b, batch, in, h, relu)
			return nil
		}
	default:
		return nil, errorf("rec node %q declares unknown unit %q", varPath, unit)
	}
	for t := 0; t < seqLen; t++ {
		xt := x[t*batch*in : (t+1)*batch*in]
		if err := step(xt); err != nil {
			return nil, err
		}
		copy(out[t*batch*h:(t+1)*batch*h], state.h)
	}
	return out, nil
}

// combinedVars fetches the combined weight and bias of a node, checking dimensions.
func (s *Session) combinedVars(varPath string, rows, cols int) (w, b []float32, err error) {
	wT := s.variables[varPath+"/W"]
	bT := s.variables[varPath+"/b"]
	if wT == nil || bT == nil {
		return nil, nil, errorf("rec node %q is missing variables", varPath)
	}
	if wT.Shape().Dim(0) != rows || wT.Shape().Dim(1) != cols {
		return nil, nil, errorf("rec node %q variable W has shape %s, expected (%d, %d)",
			varPath, wT.Shape(), rows, cols)
	}
	return tensors.ConstFlatData[float32](wT), tensors.ConstFlatData[float32](bT), nil
}

// lstmStep advances the native LSTM one step in place. w is ((in+h), 4h) flat with
// gate blocks (cell proposal, input, forget, output).
func lstmStep(xt, h0, c0, w, b []float32, batch, in, h int) {
	cols := 4 * h
	g := make([]float32, batch*cols)
	augMatMul(g, xt, h0, w, b, batch, in, h, cols)
	for bi := 0; bi < batch; bi++ {
		for j := 0; j < h; j++ {
			cell := tanh32(g[bi*cols+j])
			gateIn := sigmoid32(g[bi*cols+h+j])
			gateForget := sigmoid32(g[bi*cols+2*h+j])
			gateOut := sigmoid32(g[bi*cols+3*h+j])
			c0[bi*h+j] = gateForget*c0[bi*h+j] + gateIn*cell
			h0[bi*h+j] = gateOut * tanh32(c0[bi*h+j])
		}
	}
}

// gruStep advances the GRU one step in place; gate blocks (reset, update, candidate).
func gruStep(xt, h0, wIH, wHH, bIH, bHH []float32, batch, in, h int) {
	cols := 3 * h
	gi := make([]float32, batch*cols)
	gh := make([]float32, batch*cols)
	matMulRight(gi, xt, wIH, bIH, batch, in, cols)
	matMulRight(gh, h0, wHH, bHH, batch, h, cols)
	for bi := 0; bi < batch; bi++ {
		for j := 0; j < h; j++ {
			reset := sigmoid32(gi[bi*cols+j] + gh[bi*cols+j])
			update := sigmoid32(gi[bi*cols+h+j] + gh[bi*cols+h+j])
			candidate := tanh32(gi[bi*cols+2*h+j] + reset*gh[bi*cols+2*h+j])
			h0[bi*h+j] = (1-update)*candidate + update*h0[bi*h+j]
		}
	}
}

// rnnStep advances the plain RNN one step in place.
func rnnStep(xt, h0, w, b []float32, batch, in, h int, relu bool) {
	g := make([]float32, batch*h)
	augMatMul(g, xt, h0, w, b, batch, in, h, h)
	for ii, v := range g {
		if relu {
			h0[ii] = max(v, 0)
		} else {
			h0[ii] = tanh32(v)
		}
	}
}

// augMatMul computes out = [x, h]·w + b for the (batch, in+h) augmented input against
// a ((in+h), cols) weight.
func augMatMul(out, x, h0, w, b []float32, batch, in, h, cols int) {
	for bi := 0; bi < batch; bi++ {
		row := out[bi*cols : (bi+1)*cols]
		copy(row, b[:cols])
		for f := 0; f < in; f++ {
			xf := x[bi*in+f]
			if xf == 0 {
				continue
			}
			wRow := w[f*cols : (f+1)*cols]
			for j, wv := range wRow {
				row[j] += xf * wv
			}
		}
		for k := 0; k < h; k++ {
			hk := h0[bi*h+k]
			if hk == 0 {
				continue
			}
			wRow := w[(in+k)*cols : (in+k+1)*cols]
			for j, wv := range wRow {
				row[j] += hk * wv
			}
		}
	}
}

// matMulRight computes out = x·w + b for x (batch, in) against w (in, cols).
func matMulRight(out, x, w, b []float32, batch, in, cols int) {
	for bi := 0; bi < batch; bi++ {
		row := out[bi*cols : (bi+1)*cols]
		copy(row, b[:cols])
		for f := 0; f < in; f++ {
			xf := x[bi*in+f]
			if xf == 0 {
				continue
			}
			wRow := w[f*cols : (f+1)*cols]
			for j, wv := range wRow {
				row[j] += xf * wv
			}
		}
	}
}

func sigmoid32(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func tanh32(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}
