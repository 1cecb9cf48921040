package stratum

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubscribeParams(t *testing.T) {
	coins, opts, err := parseSubscribeParams(json.RawMessage(`["BHD","BURST"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"BHD", "BURST"}, coins)
	assert.Nil(t, opts)

	coins, opts, err = parseSubscribeParams(json.RawMessage(`[{"minerName":"rig","threads":4},"BHD"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"BHD"}, coins)
	assert.Equal(t, "rig", opts["minerName"])
	assert.Equal(t, float64(4), opts["threads"])

	for _, bad := range []string{
		`{"coins":["BHD"]}`,
		`"BHD"`,
		`[]`,
		`[""]`,
		`[{"a":1}]`,
		`["BHD",{"a":1},{"b":2}]`,
		`["BHD",null]`,
		`["BHD",[1]]`,
	} {
		_, _, err := parseSubscribeParams(json.RawMessage(bad))
		assert.Error(t, err, bad)
	}
}

func TestSubscribeParamsRoundTrip(t *testing.T) {
	raw, err := json.Marshal(subscribeParams([]string{"BHD"}, map[string]interface{}{"minerName": "rig"}))
	require.NoError(t, err)
	assert.JSONEq(t, `["BHD",{"minerName":"rig"}]`, string(raw))

	raw, err = json.Marshal(subscribeParams([]string{"BHD", "BURST"}, nil))
	require.NoError(t, err)
	assert.JSONEq(t, `["BHD","BURST"]`, string(raw))
}

func TestInvalidCoinsMessage(t *testing.T) {
	msg := invalidCoinsError([]string{"XYZ", "ABC"})
	assert.Equal(t, "Invalid coins: XYZ, ABC", msg)

	coins, ok := parseInvalidCoins(msg)
	require.True(t, ok)
	assert.Equal(t, []string{"XYZ", "ABC"}, coins)

	_, ok = parseInvalidCoins("Invalid subscription format")
	assert.False(t, ok)
}

func TestMinerID(t *testing.T) {
	assert.Equal(t, "10.0.0.1/rig", minerID("10.0.0.1", map[string]interface{}{"minerName": "rig"}))
	assert.Equal(t, "10.0.0.1/", minerID("10.0.0.1", nil))
	assert.Equal(t, "10.0.0.1/", minerID("10.0.0.1", map[string]interface{}{"minerName": 7}))
}
