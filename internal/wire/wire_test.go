package wire_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topicmesh/broker/internal/wire"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	cmd := &wire.Lookup{RequestID: 42, Topic: "persistent://a/b/c/d", Authoritative: true}
	require.NoError(t, wire.WriteFrame(&buf, wire.CmdLookup, cmd, nil))

	cmdType, cmdBytes, payload, err := wire.ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, wire.CmdLookup, cmdType)
	assert.Empty(t, payload)

	decoded, err := wire.DecodeCommand(cmdType, cmdBytes)
	require.NoError(t, err)
	got, ok := decoded.(*wire.Lookup)
	require.True(t, ok)
	assert.Equal(t, cmd.RequestID, got.RequestID)
	assert.Equal(t, cmd.Topic, got.Topic)
	assert.Equal(t, cmd.Authoritative, got.Authoritative)
}

func TestWriteReadFrameWithPayload(t *testing.T) {
	var buf bytes.Buffer
	cmd := &wire.Send{ProducerID: 1, SequenceID: 5, NumMessages: 1}
	payload := []byte("hello, bundle")
	require.NoError(t, wire.WriteFrame(&buf, wire.CmdSend, cmd, payload))

	cmdType, cmdBytes, gotPayload, err := wire.ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, wire.CmdSend, cmdType)
	assert.Equal(t, payload, gotPayload)

	decoded, err := wire.DecodeCommand(cmdType, cmdBytes)
	require.NoError(t, err)
	got := decoded.(*wire.Send)
	assert.Equal(t, cmd.SequenceID, got.SequenceID)
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	header[0] = 0xFF
	header[1] = 0xFF
	header[2] = 0xFF
	header[3] = 0xFF
	buf.Write(header)

	_, _, _, err := wire.ReadFrame(bufio.NewReader(&buf))
	require.Error(t, err)
}

func TestDecodeCommandRejectsUnknownType(t *testing.T) {
	_, err := wire.DecodeCommand(wire.CommandType(999), []byte{})
	require.Error(t, err)
}

func TestMultipleFramesSequentially(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, wire.CmdFlow, &wire.Flow{ConsumerID: 1, Permits: 10}, nil))
	require.NoError(t, wire.WriteFrame(&buf, wire.CmdAck, &wire.Ack{ConsumerID: 1, MessageIDs: []string{"1:0"}}, nil))

	r := bufio.NewReader(&buf)
	t1, _, _, err := wire.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, wire.CmdFlow, t1)

	t2, _, _, err := wire.ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, wire.CmdAck, t2)
}
