package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

type EnvelopeType string

const (
	TypeNewItem      EnvelopeType = "new_item"
	TypeUpdateItem   EnvelopeType = "update_item"
	TypeDeleteItem   EnvelopeType = "delete_item"
	TypeTyping       EnvelopeType = "typing"
	TypeNotification EnvelopeType = "notification"
)

// Envelope is the only unit exchanged over a live connection. Scope carries
// the room or identity id so one physical connection can serve several
// synchronizers.
type Envelope struct {
	Type    EnvelopeType    `json:"type"`
	Scope   string          `json:"scope,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(typ EnvelopeType, scope string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Scope: strings.TrimSpace(scope), Payload: data}, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	return json.Unmarshal(e.Payload, v)
}

const envelopeSchemaURL = "https://relaysync.local/schemas/envelope.json"

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "payload"],
  "properties": {
    "type": {"enum": ["new_item", "update_item", "delete_item", "typing", "notification"]},
    "scope": {"type": "string", "maxLength": 256},
    "payload": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"const": "delete_item"}}},
      "then": {"properties": {"payload": {"required": ["id"], "properties": {"id": {"type": "string", "minLength": 1}}}}}
    },
    {
      "if": {"properties": {"type": {"enum": ["update_item"]}}},
      "then": {"properties": {"payload": {"required": ["id"]}}}
    }
  ]
}`

type EnvelopeValidator struct {
	schema *jsonschema.Schema
}

func NewEnvelopeValidator() (*EnvelopeValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("parse envelope schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return &EnvelopeValidator{schema: schema}, nil
}

func (v *EnvelopeValidator) Validate(data []byte) error {
	if v == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// ParseEnvelope decodes one inbound frame. A nil validator only checks that
// the frame is JSON with a non-empty type.
func ParseEnvelope(data []byte, v *EnvelopeValidator) (Envelope, error) {
	if err := v.Validate(data); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(string(env.Type)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return env, nil
}
