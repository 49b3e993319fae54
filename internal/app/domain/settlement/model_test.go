package settlement

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashHexRoundTrip(t *testing.T) {
	h, err := HashFromHex("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), h[0])
	assert.Equal(t, byte(0x20), h[31])

	parsed, err := HashFromHex(h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	// Bare hex without the prefix parses too.
	bare, err := HashFromHex(h.Hex()[2:])
	require.NoError(t, err)
	assert.Equal(t, h, bare)
}

func TestHashFromBytesLength(t *testing.T) {
	_, err := HashFromBytes(make([]byte, 31))
	require.Error(t, err)
	_, err = HashFromBytes(make([]byte, 33))
	require.Error(t, err)

	h, err := HashFromBytes(make([]byte, 32))
	require.NoError(t, err)
	assert.True(t, h.IsZero())
}

func TestHashJSON(t *testing.T) {
	h, err := HashFromHex("0xffeeddccbbaa99887766554433221100ffeeddccbbaa99887766554433221100")
	require.NoError(t, err)

	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `"`+h.Hex()+`"`, string(data))

	var back Hash
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, h, back)

	require.Error(t, json.Unmarshal([]byte(`"0xnothex"`), &back))
}

func TestBytesReturnsCopy(t *testing.T) {
	h, err := HashFromHex("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	require.NoError(t, err)

	b := h.Bytes()
	b[0] = 0xff
	assert.Equal(t, byte(0x01), h[0])
}

func TestStateAuthorization(t *testing.T) {
	s := NewState("owner-addr")
	assert.True(t, s.IsAuthorized("owner-addr"))
	assert.False(t, s.IsAuthorized("executor-1"))

	s.AuthorizedExecutors["executor-1"] = true
	assert.True(t, s.IsAuthorized("executor-1"))

	delete(s.AuthorizedExecutors, "executor-1")
	assert.False(t, s.IsAuthorized("executor-1"))
}
