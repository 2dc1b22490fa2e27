package service

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	messages := []Message{
		{Type: MessageTypeRun, Payload: []byte(`{"command":"true"}`)},
		{Type: MessageTypeInput, Payload: []byte("hello")},
		{Type: MessageTypeExit, Payload: []byte(`{"code":0}`)},
		{Type: MessageTypeStop},
	}
	for _, message := range messages {
		require.NoError(t, WriteMessage(&buf, message))
	}
	for _, want := range messages {
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Payload, got.Payload)
	}
	_, err := ReadMessage(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestReadMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Type: MessageTypeList}))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeList, got.Type)
	assert.Empty(t, got.Payload)
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var header [messageHeaderLength]byte
	header[0] = MessageTypeInput
	binary.BigEndian.PutUint32(header[1:5], maxPayloadLength+1)
	_, err := ReadMessage(bytes.NewReader(header[:]))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, Message{Type: MessageTypeInput, Payload: []byte("full payload")}))
	truncated := buf.Bytes()[:buf.Len()-4]
	_, err := ReadMessage(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}
