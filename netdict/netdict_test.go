package netdict_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/eager2graph/netdict"
)

func lstmNet() netdict.Net {
	return netdict.Net{
		"lstm": &netdict.Layer{
			Class: netdict.ClassRec,
			Unit:  netdict.UnitNativeLSTM,
			From:  netdict.FromList{"data"},
			NOut:  32,
		},
		"output": &netdict.Layer{
			Class: netdict.ClassCopy,
			From:  netdict.FromList{"lstm"},
		},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, lstmNet().Validate())

	missingOutput := netdict.Net{
		"lstm": &netdict.Layer{Class: netdict.ClassRec, From: netdict.FromList{"data"}},
	}
	assert.Error(t, missingOutput.Validate(), "net without output node must fail")

	dangling := lstmNet()
	dangling["output"].From = netdict.FromList{"nonexistent"}
	assert.Error(t, dangling.Validate())

	cyclic := lstmNet()
	cyclic["lstm"].From = netdict.FromList{"output"}
	assert.Error(t, cyclic.Validate())
}

func TestTopologicalOrder(t *testing.T) {
	n := lstmNet()
	n["norm"] = &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{"lstm"}}
	n["output"].From = netdict.FromList{"norm"}
	order, err := n.TopologicalOrder()
	require.NoError(t, err)
	pos := make(map[string]int, len(order))
	for ii, name := range order {
		pos[name] = ii
	}
	assert.Less(t, pos["lstm"], pos["norm"])
	assert.Less(t, pos["norm"], pos["output"])
}

func TestJSONRoundTrip(t *testing.T) {
	n := netdict.Net{
		"sub": &netdict.Layer{
			Class: netdict.ClassSubnetwork,
			From:  netdict.FromList{"data"},
			Subnetwork: netdict.Net{
				"layer0": &netdict.Layer{
					Class: netdict.ClassRec, Unit: netdict.UnitNativeLSTM,
					From: netdict.FromList{"data"}, NOut: 8,
				},
				"layer1": &netdict.Layer{
					Class: netdict.ClassRec, Unit: netdict.UnitNativeLSTM,
					From: netdict.FromList{"layer0"}, NOut: 8,
				},
				"output": &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{"layer1"}},
			},
		},
		"h0": &netdict.Layer{Class: netdict.ClassConstant, Values: []float32{0, 0}, Dims: []int{1, 2, 1}},
		"output": &netdict.Layer{Class: netdict.ClassCopy, From: netdict.FromList{"sub"}},
	}
	require.NoError(t, n.Validate())

	data, err := n.ToJSON()
	require.NoError(t, err)
	parsed, err := netdict.FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, n, parsed, "JSON round-trip must be lossless for topology")
}

func TestFromListSingleElementAsString(t *testing.T) {
	n := lstmNet()
	data, err := n.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"from": "data"`,
		"single-entry from lists serialize as a plain string")
	parsed, err := netdict.FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, n, parsed)
}
