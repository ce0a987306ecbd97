package streamrpc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind tags an `Envelope`.
//
// Either side of a connection can send any kind in any order, but only
// NOTIFY alone, and REQUEST answered by exactly one RESPONSE, make sense.
type Kind string

const (
	KindNotify   Kind = "NOTIFY"
	KindRequest  Kind = "REQUEST"
	KindResponse Kind = "RESPONSE"
)

// Envelope is one protocol message.
//
// NOTIFY and REQUEST carry `Method` and `Args`. RESPONSE carries exactly
// one of `Data` or `Error`. Envelopes are treated as immutable once built.
type Envelope struct {
	Kind         Kind
	FromDeviceID string
	EnvelopeID   string

	Method string
	Args   Args

	// Data is the JSON encoded result of a REQUEST. A nil Data means
	// absent, while a method returning nothing answers with JSON null.
	Data json.RawMessage
	// Error is the description of a failed REQUEST. Nil means absent.
	Error *string
}

type wireEnvelope struct {
	Kind         Kind              `json:"kind"`
	FromDeviceID string            `json:"fromDeviceId"`
	EnvelopeID   string            `json:"envelopeId"`
	Method       string            `json:"method,omitempty"`
	Args         *[]json.RawMessage `json:"args,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Error        *string           `json:"error,omitempty"`
}

// NewEnvelopeID returns a random id, unique with overwhelming probability.
func NewEnvelopeID() string {
	return uuid.NewString()
}

func newNotify(from, method string, args Args) *Envelope {
	return &Envelope{
		Kind:         KindNotify,
		FromDeviceID: from,
		EnvelopeID:   NewEnvelopeID(),
		Method:       method,
		Args:         args,
	}
}

func newRequest(from, method string, args Args) *Envelope {
	return &Envelope{
		Kind:         KindRequest,
		FromDeviceID: from,
		EnvelopeID:   NewEnvelopeID(),
		Method:       method,
		Args:         args,
	}
}

func newResponseData(from, envelopeID string, data json.RawMessage) *Envelope {
	if data == nil {
		data = json.RawMessage("null")
	}
	return &Envelope{
		Kind:         KindResponse,
		FromDeviceID: from,
		EnvelopeID:   envelopeID,
		Data:         data,
	}
}

func newResponseError(from, envelopeID string, failure error) *Envelope {
	msg := failure.Error()
	return &Envelope{
		Kind:         KindResponse,
		FromDeviceID: from,
		EnvelopeID:   envelopeID,
		Error:        &msg,
	}
}

// Validate checks the structural invariants of the envelope.
func (env *Envelope) Validate() error {
	if env.EnvelopeID == "" {
		return fmt.Errorf("%w: envelope without id", ErrProtocolViolation)
	}
	switch env.Kind {
	case KindNotify, KindRequest:
		if env.Method == "" {
			return fmt.Errorf("%w: %s without method", ErrProtocolViolation, env.Kind)
		}
	case KindResponse:
		hasData, hasErr := env.Data != nil, env.Error != nil
		if hasData && hasErr {
			return fmt.Errorf("%w: response with both data and error", ErrProtocolViolation)
		}
		if !hasData && !hasErr {
			return fmt.Errorf("%w: response with neither data nor error", ErrProtocolViolation)
		}
	default:
		return fmt.Errorf("%w: unknown envelope kind %q", ErrProtocolViolation, env.Kind)
	}
	return nil
}

func (env *Envelope) MarshalJSON() ([]byte, error) {
	wire := wireEnvelope{
		Kind:         env.Kind,
		FromDeviceID: env.FromDeviceID,
		EnvelopeID:   env.EnvelopeID,
	}
	switch env.Kind {
	case KindNotify, KindRequest:
		args := []json.RawMessage(env.Args)
		if args == nil {
			args = []json.RawMessage{}
		}
		wire.Method = env.Method
		wire.Args = &args
	case KindResponse:
		if env.Data != nil && env.Error != nil {
			return nil, fmt.Errorf("%w: response with both data and error", ErrProtocolViolation)
		}
		wire.Data = env.Data
		wire.Error = env.Error
	default:
		return nil, fmt.Errorf("%w: unknown envelope kind %q", ErrProtocolViolation, env.Kind)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON only checks the JSON shape; semantic problems are left to
// `Validate` so the receiver decides how to report them.
func (env *Envelope) UnmarshalJSON(buf []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(buf, &wire); err != nil {
		return err
	}
	*env = Envelope{
		Kind:         wire.Kind,
		FromDeviceID: wire.FromDeviceID,
		EnvelopeID:   wire.EnvelopeID,
		Method:       wire.Method,
		Data:         wire.Data,
		Error:        wire.Error,
	}
	if wire.Args != nil {
		env.Args = *wire.Args
	}
	return nil
}

// DecodeBatch decodes a JSON array of envelopes, as exchanged by the HTTP
// transports.
func DecodeBatch(buf []byte) ([]*Envelope, error) {
	var envs []*Envelope
	if err := json.Unmarshal(buf, &envs); err != nil {
		return nil, fmt.Errorf("%w: expected an array of envelopes: %w", ErrProtocolViolation, err)
	}
	if envs == nil {
		return nil, fmt.Errorf("%w: expected an array of envelopes", ErrProtocolViolation)
	}
	for i, env := range envs {
		if env == nil {
			return nil, fmt.Errorf("%w: null envelope at index %d", ErrProtocolViolation, i)
		}
	}
	return envs, nil
}

// EncodeBatch encodes envelopes as a JSON array, never as null.
func EncodeBatch(envs []*Envelope) ([]byte, error) {
	if envs == nil {
		envs = []*Envelope{}
	}
	return json.Marshal(envs)
}
