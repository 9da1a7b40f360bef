// Package netdict defines the declarative graph description produced by the tracing
// engine and consumed by the graph execution backend.
//
// A Net maps node names to Layer records. Each Layer has a class tag, the names of the
// nodes it consumes ("from"), and class-specific fields. A Net must have a node named
// "output", the designated output of the (sub)network. The special name "data" refers
// to the network input, which is not itself a Layer.
//
// Nets serialize to/from JSON losslessly: this is what makes standalone replay (build
// the network from the Net alone, reload a checkpoint, re-execute) possible.
package netdict

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/eager2graph/internal/xslices"
)

// Layer class tags.
const (
	ClassRec        = "rec"        // Recurrent layer: fields Unit, NOut, InitialState.
	ClassCopy       = "copy"       // Pass-through alias of its single "from" node.
	ClassSubnetwork = "subnetwork" // Nested Net with its own "output" node.
	ClassConstant   = "constant"   // Constant source: fields Values, Dims.
)

// Recurrent unit tags for ClassRec layers.
const (
	UnitNativeLSTM = "nativelstm2"
	UnitGRU        = "gru"
	UnitRNNTanh    = "rnn_tanh"
	UnitRNNReLU    = "rnn_relu"
)

// DataNode is the reserved name referring to the (sub)network input.
const DataNode = "data"

// OutputNode is the required name of the designated output node of a Net.
const OutputNode = "output"

// FromList is the ordered list of input node names of a Layer. It marshals to a plain
// string when it holds exactly one name, and accepts both forms when unmarshalling.
type FromList []string

// MarshalJSON implements json.Marshaler.
func (f FromList) MarshalJSON() ([]byte, error) {
	if len(f) == 1 {
		return json.Marshal(f[0])
	}
	return json.Marshal([]string(f))
}

// UnmarshalJSON implements json.Unmarshaler, accepting a string or a list of strings.
func (f *FromList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*f = FromList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

// Layer is one declarative graph node.
type Layer struct {
	Class string   `json:"class"`
	From  FromList `json:"from,omitempty"`

	// ClassRec fields.
	Unit string `json:"unit,omitempty"`
	NOut int    `json:"n_out,omitempty"`

	// InitialState names the node(s) providing the initial recurrent state: one entry
	// (hidden) or, for LSTM units, two entries (hidden, cell).
	InitialState []string `json:"initial_state,omitempty"`

	// ReuseParams names an earlier node whose parameters this node shares. Used when
	// the same traced module is invoked more than once.
	ReuseParams string `json:"reuse_params,omitempty"`

	// ClassSubnetwork field.
	Subnetwork Net `json:"subnetwork,omitempty"`

	// ClassConstant fields: flat values plus dimensions.
	Values []float32 `json:"values,omitempty"`
	Dims   []int     `json:"dims,omitempty"`
}

// Clone returns a deep copy of the layer.
func (l *Layer) Clone() *Layer {
	clone := *l
	clone.From = append(FromList(nil), l.From...)
	clone.InitialState = append([]string(nil), l.InitialState...)
	clone.Values = append([]float32(nil), l.Values...)
	clone.Dims = append([]int(nil), l.Dims...)
	clone.Subnetwork = l.Subnetwork.Clone()
	return &clone
}

// Net is a full declarative graph: a mapping from node name to Layer. See the package
// documentation for the required "output" node and the reserved "data" name.
type Net map[string]*Layer

// Clone returns a deep copy of the net.
func (n Net) Clone() Net {
	if n == nil {
		return nil
	}
	clone := make(Net, len(n))
	for name, layer := range n {
		clone[name] = layer.Clone()
	}
	return clone
}

// references returns every node name the layer consumes, including initial states.
func (l *Layer) references() []string {
	refs := append([]string(nil), l.From...)
	refs = append(refs, l.InitialState...)
	if l.ReuseParams != "" {
		refs = append(refs, l.ReuseParams)
	}
	return refs
}

// Validate checks structural well-formedness: the "output" node exists, every
// reference resolves to a node of the net (or "data"), and there are no reference
// cycles. Subnetworks are validated recursively.
func (n Net) Validate() error {
	if _, found := n[OutputNode]; !found {
		return errors.Errorf("net dict with %d nodes has no %q node", len(n), OutputNode)
	}
	for _, name := range xslices.SortedKeys(n) {
		layer := n[name]
		if name == DataNode {
			return errors.Errorf("node name %q is reserved for the network input", DataNode)
		}
		if layer.Class == "" {
			return errors.Errorf("node %q has no class tag", name)
		}
		for _, ref := range layer.references() {
			if ref == DataNode {
				continue
			}
			if _, found := n[ref]; !found {
				return errors.Errorf("node %q references unknown node %q", name, ref)
			}
		}
		if layer.Class == ClassSubnetwork {
			if err := layer.Subnetwork.Validate(); err != nil {
				return errors.WithMessagef(err, "subnetwork %q", name)
			}
		}
	}
	if _, err := n.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns the node names sorted so that every node appears after all
// nodes it references. It fails on reference cycles.
func (n Net) TopologicalOrder() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(n))
	order := make([]string, 0, len(n))
	var visit func(name string) error
	visit = func(name string) error {
		if name == DataNode {
			return nil
		}
		switch state[name] {
		case done:
			return nil
		case visiting:
			return errors.Errorf("net dict has a reference cycle through node %q", name)
		}
		layer, found := n[name]
		if !found {
			return errors.Errorf("reference to unknown node %q", name)
		}
		state[name] = visiting
		for _, ref := range layer.references() {
			if err := visit(ref); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}
	for _, name := range xslices.SortedKeys(n) {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// ToJSON serializes the net with indentation, suitable for dumping and for standalone
// replay.
func (n Net) ToJSON() ([]byte, error) {
	data, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "netdict.Net.ToJSON")
	}
	return data, nil
}

// FromJSON parses a net serialized with ToJSON and validates it.
func FromJSON(data []byte) (Net, error) {
	var n Net
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, errors.Wrap(err, "netdict.FromJSON")
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return n, nil
}

// String implements fmt.Stringer with a compact single-line summary.
func (n Net) String() string {
	return fmt.Sprintf("netdict.Net{%d nodes}", len(n))
}
