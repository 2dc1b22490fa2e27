// Package service implements the daemon's control channel: a framed
// binary protocol spoken over a local unix socket. Run sessions are
// bidirectional streams; stop/list/status are single request/response
// exchanges on their own connections.
package service

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message type constants for the control channel wire format. Each
// message is a 5-byte header (1 byte type + 4 byte big-endian payload
// length) followed by the payload.
const (
	// MessageTypeRun opens a run session. Payload is a JSON RunRequest.
	// Exactly one Run message starts each session.
	MessageTypeRun byte = 0x01

	// MessageTypeInput carries raw stdin bytes, client to daemon.
	// Chunk boundaries are chosen by the client and forwarded
	// unmodified.
	MessageTypeInput byte = 0x02

	// MessageTypeStdout and MessageTypeStderr carry raw output bytes,
	// daemon to client, in generation order per stream.
	MessageTypeStdout byte = 0x03
	MessageTypeStderr byte = 0x04

	// MessageTypeExit is the terminal chunk of a run session. Payload
	// is a JSON ExitStatus.
	MessageTypeExit byte = 0x05

	// MessageTypeStop / MessageTypeStopAck terminate a sandbox by id.
	MessageTypeStop    byte = 0x06
	MessageTypeStopAck byte = 0x07

	// MessageTypeList / MessageTypeListResult enumerate sandboxes.
	MessageTypeList       byte = 0x08
	MessageTypeListResult byte = 0x09

	// MessageTypeStatus / MessageTypeStatusResult query one sandbox.
	MessageTypeStatus       byte = 0x0A
	MessageTypeStatusResult byte = 0x0B

	// MessageTypeError carries a JSON ErrorMessage. Terminal for the
	// exchange it answers.
	MessageTypeError byte = 0x0C

	// MessageTypeInputEOF marks the end of the client's stdin. The
	// client keeps its connection open afterwards; a bare transport
	// EOF at any point therefore always means the client went away.
	MessageTypeInputEOF byte = 0x0D
)

// messageHeaderLength is the fixed header size: 1 byte type + 4 bytes
// payload length.
const messageHeaderLength = 5

// maxPayloadLength bounds a single frame. Far beyond any sane stdin or
// output chunk; protects the daemon from a garbage length prefix.
const maxPayloadLength = 16 * 1024 * 1024

// Message is a single control channel frame.
type Message struct {
	Type    byte
	Payload []byte
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, message Message) error {
	var header [messageHeaderLength]byte
	header[0] = message.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(message.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if len(message.Payload) > 0 {
		if _, err := w.Write(message.Payload); err != nil {
			return fmt.Errorf("write message payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	var header [messageHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("read message header: %w", err)
	}
	messageType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Message{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	var payload []byte
	if payloadLength > 0 {
		payload = make([]byte, payloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, fmt.Errorf("read message payload: %w", err)
		}
	}
	return Message{Type: messageType, Payload: payload}, nil
}
