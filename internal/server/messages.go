// Package server exposes streaming recognition over websockets: each
// connection owns one recurrent encoder state and receives encoder frames
// as audio or features arrive.
package server

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Message types on the wire.
const (
	TypeAudio    = "audio"
	TypeFeatures = "features"
	TypeReset    = "reset"
	TypeStop     = "stop"

	TypeReady    = "ready"
	TypeEncoding = "encoding"
	TypeError    = "error"
)

// Reasons attached to a reset reply.
const (
	ResetClient   = "client"
	ResetEndpoint = "endpoint"
)

// ClientMessage is a binary msgpack frame sent by the client.
type ClientMessage struct {
	Type string `msgpack:"type"`
	// PCM holds raw audio for TypeAudio.
	PCM      []byte `msgpack:"pcm,omitempty"`
	Encoding string `msgpack:"encoding,omitempty"`
	// SampleRate of PCM; 0 uses the server's configured input rate.
	SampleRate int `msgpack:"sample_rate,omitempty"`
	// Frames holds precomputed features [T][bins] for TypeFeatures.
	Frames [][]float64 `msgpack:"frames,omitempty"`
}

// ServerMessage is a binary msgpack frame sent to the client.
type ServerMessage struct {
	Type      string      `msgpack:"type"`
	SessionID string      `msgpack:"session_id,omitempty"`
	Seq       int         `msgpack:"seq"`
	Frames    [][]float64 `msgpack:"frames,omitempty"`
	Reason    string      `msgpack:"reason,omitempty"`
	Message   string      `msgpack:"message,omitempty"`
}

// Encode serializes m.
func (m ServerMessage) Encode() ([]byte, error) { return msgpack.Marshal(&m) }

// Encode serializes m.
func (m ClientMessage) Encode() ([]byte, error) { return msgpack.Marshal(&m) }

// DecodeClientMessage parses one client frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	err := msgpack.Unmarshal(data, &m)
	return m, err
}

// DecodeServerMessage parses one server frame.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	err := msgpack.Unmarshal(data, &m)
	return m, err
}
