package domain

import "encoding/json"

// Payload is an opaque JSON document with typed accessor helpers.
// Event data and intent data are schemaless at this layer; schema validation
// happens at the edge via the event type registry.
type Payload map[string]interface{}

// GetString returns the string value at key, or "" when absent or mistyped.
func (p Payload) GetString(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// GetFloat returns the numeric value at key. JSON numbers decode as float64;
// integer values stored by Go code are converted.
func (p Payload) GetFloat(key string) (float64, bool) {
	switch v := p[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetBool returns the boolean value at key.
func (p Payload) GetBool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// GetMap returns the nested object at key, or nil.
func (p Payload) GetMap(key string) Payload {
	switch v := p[key].(type) {
	case map[string]interface{}:
		return Payload(v)
	case Payload:
		return v
	default:
		return nil
	}
}

// GetSlice returns the array value at key, or nil.
func (p Payload) GetSlice(key string) []interface{} {
	v, _ := p[key].([]interface{})
	return v
}

// Has reports whether key is present (even with a null value).
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Clone returns a shallow copy. Handlers merge computed flags into a clone so
// the caller's payload is never mutated.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a clone of p with the entries of other laid over it.
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}
