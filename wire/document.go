package wire

import (
	"encoding/base64"
	"encoding/json"
	"math"
)

// document is a decoded message before schema checks. Data messages are
// decoded this way because metadata carries open-ended telemetry keys and
// chunk payloads arrive in several encodings.
type document map[string]any

func decodeDocument(codec Codec, payload []byte, what string) (document, error) {
	var doc map[string]any
	if err := codec.Unmarshal(payload, &doc); err != nil {
		return nil, syntaxError("failed to decode "+what, err)
	}
	if doc == nil {
		return nil, schemaError("%s is not an object", what)
	}
	return document(doc), nil
}

func (d document) has(key string) bool {
	_, ok := d[key]
	return ok
}

// requiredString returns a non-empty string field.
func (d document) requiredString(key string) (string, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return "", schemaError("missing field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", schemaError("field %q is %T, want string", key, v)
	}
	if s == "" {
		return "", schemaError("field %q is empty", key)
	}
	return s, nil
}

// optionalString returns a string field, or "" when absent or null.
func (d document) optionalString(key string) (string, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", schemaError("field %q is %T, want string", key, v)
	}
	return s, nil
}

// integer returns an integral numeric field and whether it was present.
func (d document) integer(key string) (int64, bool, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, true, schemaError("field %q is not an integer", key)
	}
	return n, true, nil
}

// requiredInteger returns an integral field, failing when absent.
func (d document) requiredInteger(key string) (int64, error) {
	n, present, err := d.integer(key)
	if err != nil {
		return 0, err
	}
	if !present {
		return 0, schemaError("missing field %q", key)
	}
	return n, nil
}

// payload returns a byte field encoded as base64 text, a byte-value
// array, or raw bin.
func (d document) payload(key string) ([]byte, error) {
	v, ok := d[key]
	if !ok || v == nil {
		return nil, schemaError("missing field %q", key)
	}
	switch p := v.(type) {
	case []byte:
		return p, nil
	case string:
		b, err := base64.StdEncoding.DecodeString(p)
		if err != nil {
			return nil, &DecodeError{Kind: DecodeErrorSchema, Msg: "field " + key + " is not valid base64", Err: err}
		}
		return b, nil
	case []any:
		b := make([]byte, len(p))
		for i, e := range p {
			n, ok := toInt64(e)
			if !ok || n < 0 || n > 255 {
				return nil, schemaError("field %q element %d is not a byte", key, i)
			}
			b[i] = byte(n)
		}
		return b, nil
	default:
		return nil, schemaError("field %q is %T, want bytes", key, v)
	}
}

// toInt64 converts any integral number produced by the JSON or msgpack
// decoders. Fractional values are rejected.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt64(f)
	case float64:
		return floatToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return uintToInt64(n)
	default:
		return 0, false
	}
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func uintToInt64(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

// toFloat64 converts any numeric value. Non-numbers report false.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		i, ok := toInt64(v)
		return float64(i), ok
	}
}
