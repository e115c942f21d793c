// Package wire defines the weft WebSocket protocol: the message envelope,
// the typed payloads exchanged between clients, workers, and the server,
// and the chunked transport for payloads above the configured chunk size.
//
// Every frame on the wire is a single JSON envelope. The payload is an
// opaque json.RawMessage until the receiver knows the type tag, at which
// point DecodePayload unmarshals it into the matching struct.
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/weft/errors"
)

// Envelope is the frame every weft message travels in. ID is a UUID unique
// per message, Timestamp is Unix milliseconds at send time. Chunk frames
// additionally carry ChunkInfo; all other frames leave it nil.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	ChunkInfo *ChunkInfo      `json:"chunk_info,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope of the given type around payload. A nil payload
// produces an envelope with no payload field, which is valid for signal
// messages like ping and no_job.
func New(msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "marshaling %s payload", msgType)
		}
		env.Payload = raw
	}

	return env, nil
}

// MustNew is New for payloads that cannot fail to marshal (our own structs).
// It panics on error, which only happens for types encoding/json rejects.
func MustNew(msgType string, payload interface{}) *Envelope {
	env, err := New(msgType, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s envelope", e.Type)
	}
	return raw, nil
}

// Decode parses a wire frame into an envelope. The payload stays raw.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "decoding envelope")
	}
	if env.Type == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "envelope missing type")
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into T. An empty payload
// yields the zero value, so signal messages decode cleanly into struct{}.
func DecodePayload[T any](env *Envelope) (T, error) {
	var payload T
	if len(env.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, errors.Wrapf(err, "decoding %s payload", env.Type)
	}
	return payload, nil
}
