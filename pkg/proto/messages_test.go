package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeType(t *testing.T) {
	data, err := Encode(NewAnnounce("node-1", 7946))
	require.NoError(t, err)

	typ, err := DecodeType(data)
	require.NoError(t, err)
	assert.Equal(t, TypeAnnounce, typ)
}

func TestDecodeType_MissingType(t *testing.T) {
	_, err := DecodeType([]byte(`{"hash":"abc"}`))
	assert.Error(t, err)
}

func TestDecodeAnnounce(t *testing.T) {
	data, err := Encode(NewAnnounce("node-1", 7946))
	require.NoError(t, err)

	msg, err := DecodeAnnounce(data)
	require.NoError(t, err)
	assert.Equal(t, "node-1", msg.NodeID)
	assert.Equal(t, 7946, msg.MeshPort)
}

func TestDecodeAnnounce_InvalidPort(t *testing.T) {
	_, err := DecodeAnnounce([]byte(`{"type":"announce","node_id":"x","mesh_port":0}`))
	assert.Error(t, err)
}

func TestDecodeQuery_RoundTrip(t *testing.T) {
	req := json.RawMessage(`{"prompt":"hello"}`)
	data, err := Encode(NewQuery("deadbeef", req))
	require.NoError(t, err)

	msg, err := DecodeQuery(data)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", msg.Hash)
	assert.JSONEq(t, `{"prompt":"hello"}`, string(msg.Request))
}

func TestDecodeResponse_MissingHash(t *testing.T) {
	_, err := DecodeResponse([]byte(`{"type":"response","response":{}}`))
	assert.Error(t, err)
}
