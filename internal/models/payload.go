package models

import "encoding/json"

// Payload is an opaque JSON-like entity representation. The sync core never
// interprets entity schemas beyond the identity and version fields and the
// configured quantity fields.
type Payload map[string]any

// DecodePayload parses a JSON document into a Payload. Empty input yields nil.
func DecodePayload(raw string) (Payload, error) {
	if raw == "" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode serializes the payload to JSON for storage. Nil encodes to "".
func (p Payload) Encode() (string, error) {
	if p == nil {
		return "", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Clone returns a shallow copy safe to mutate field-by-field.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func (p Payload) GetString(key string) string {
	if p == nil {
		return ""
	}
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// GetFloat returns the numeric value under key. JSON decoding produces
// float64 for all numbers, but values set in-process may be typed ints.
func (p Payload) GetFloat(key string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Version returns the optimistic-concurrency token carried by the entity, or
// 0 when the payload has none.
func (p Payload) Version() int64 {
	f, ok := p.GetFloat(FieldVersion)
	if !ok {
		return 0
	}
	return int64(f)
}
