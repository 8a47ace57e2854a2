// Package wire owns the executor-facing message contract.
//
// Ownership boundary:
// - tagged message variants (register, registered, command, response)
// - decode + validation before any relay state is touched
// - encode helpers for both directions
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// MessageType tags one wire message variant.
type MessageType string

const (
	TypeRegister   MessageType = "register"
	TypeRegistered MessageType = "registered"
	TypeCommand    MessageType = "command"
	TypeResponse   MessageType = "response"
)

const (
	keyType          = "type"
	keyIdentity      = "identity"
	keyCorrelationID = "correlation_id"
	keyCorrelationJS = "correlationId"
	keyPayload       = "payload"

	// MaxMessageBytes bounds one inbound frame.
	MaxMessageBytes = 1 << 20
)

var (
	ErrMalformed    = errors.New("wire: malformed message")
	ErrUnknownType  = errors.New("wire: unknown message type")
	ErrTooLarge     = errors.New("wire: message too large")
	ErrWrongChannel = errors.New("wire: message type not accepted in this direction")
)

var codec = sonic.ConfigStd

// Message is the decoded form of every variant. Fields not used by a variant stay zero.
type Message struct {
	Type          MessageType
	Identity      string
	CorrelationID string
	Payload       json.RawMessage
}

// Validate enforces per-variant required fields.
func (m Message) Validate() error {
	switch m.Type {
	case TypeRegister:
		if strings.TrimSpace(m.Identity) == "" {
			return fmt.Errorf("%w: register missing identity", ErrMalformed)
		}
	case TypeRegistered:
	case TypeCommand:
		if strings.TrimSpace(m.CorrelationID) == "" {
			return fmt.Errorf("%w: command missing correlation_id", ErrMalformed)
		}
	case TypeResponse:
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
	return nil
}

// DecodeInbound parses one executor->relay frame. Only register and response are accepted.
func DecodeInbound(raw []byte) (Message, error) {
	msg, err := decode(raw)
	if err != nil {
		return Message{}, err
	}
	if msg.Type != TypeRegister && msg.Type != TypeResponse {
		return Message{}, fmt.Errorf("%w: %q", ErrWrongChannel, msg.Type)
	}
	return msg, nil
}

// DecodeOutbound parses one relay->executor frame. Only registered and command are accepted.
func DecodeOutbound(raw []byte) (Message, error) {
	msg, err := decode(raw)
	if err != nil {
		return Message{}, err
	}
	if msg.Type != TypeRegistered && msg.Type != TypeCommand {
		return Message{}, fmt.Errorf("%w: %q", ErrWrongChannel, msg.Type)
	}
	return msg, nil
}

func decode(raw []byte) (Message, error) {
	if len(raw) > MaxMessageBytes {
		return Message{}, ErrTooLarge
	}
	var fields map[string]json.RawMessage
	if err := codec.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	var msg Message
	var err error
	var typ string
	if typ, err = stringField(fields, keyType); err != nil {
		return Message{}, err
	}
	msg.Type = MessageType(strings.TrimSpace(typ))

	switch msg.Type {
	case TypeRegister:
		if msg.Identity, err = stringField(fields, keyIdentity); err != nil {
			return Message{}, err
		}
		msg.Identity = strings.TrimSpace(msg.Identity)
	case TypeCommand:
		if msg.CorrelationID, err = correlationField(fields); err != nil {
			return Message{}, err
		}
		msg.Payload = fields[keyPayload]
	case TypeResponse:
		if msg.CorrelationID, err = correlationField(fields); err != nil {
			return Message{}, err
		}
		delete(fields, keyType)
		delete(fields, keyCorrelationID)
		delete(fields, keyCorrelationJS)
		body, err := codec.Marshal(fields)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		msg.Payload = body
	}

	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func correlationField(fields map[string]json.RawMessage) (string, error) {
	id, err := stringField(fields, keyCorrelationID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		if id, err = stringField(fields, keyCorrelationJS); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(id), nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var out string
	if err := codec.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrMalformed, key)
	}
	return out, nil
}

// EncodeRegister builds the executor handshake frame.
func EncodeRegister(identity string) ([]byte, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, fmt.Errorf("%w: register missing identity", ErrMalformed)
	}
	return codec.Marshal(map[string]string{
		keyType:     string(TypeRegister),
		keyIdentity: identity,
	})
}

// EncodeRegistered builds the relay handshake reply.
func EncodeRegistered() ([]byte, error) {
	return codec.Marshal(map[string]string{keyType: string(TypeRegistered)})
}

// EncodeCommand builds one relay->executor command frame. The payload is carried as-is.
func EncodeCommand(correlationID string, payload json.RawMessage) ([]byte, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, fmt.Errorf("%w: command missing correlation_id", ErrMalformed)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return codec.Marshal(map[string]json.RawMessage{
		keyType:          quote(string(TypeCommand)),
		keyCorrelationID: quote(correlationID),
		keyPayload:       payload,
	})
}

// EncodeResponse builds one executor->relay response frame. Object payload keys are
// spread at the top level; any other payload is nested under "payload".
func EncodeResponse(correlationID string, payload json.RawMessage) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(payload) > 0 {
		if err := codec.Unmarshal(payload, &fields); err != nil || fields == nil {
			fields = map[string]json.RawMessage{keyPayload: payload}
		}
	}
	delete(fields, keyCorrelationJS)
	fields[keyType] = quote(string(TypeResponse))
	if id := strings.TrimSpace(correlationID); id != "" {
		fields[keyCorrelationID] = quote(id)
	} else {
		delete(fields, keyCorrelationID)
	}
	return codec.Marshal(fields)
}

func quote(s string) json.RawMessage {
	out, _ := codec.Marshal(s)
	return out
}
