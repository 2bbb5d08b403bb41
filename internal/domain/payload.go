package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// CanonicalPayload returns p in the form it has after a JSON round trip:
// objects are map[string]any, arrays []any, integral numbers int64 and other
// numbers float64. Results are kept in this form so a stored result reads back
// equal to the one the dispatcher produced.
func CanonicalPayload(p map[string]any) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON: %w", err)
	}
	var out map[string]any
	if err := decodeNumbers(data, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// DecodeResult reads a result written with encoding/json, keeping number
// classes the way CanonicalPayload does.
func DecodeResult(data []byte) (InvocationResult, error) {
	var r InvocationResult
	err := decodeNumbers(data, &r)
	return r, err
}

func decodeNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	switch t := v.(type) {
	case *map[string]any:
		*t = numbers(*t).(map[string]any)
	case *InvocationResult:
		if t.Payload != nil {
			t.Payload = numbers(t.Payload).(map[string]any)
		}
	}
	return nil
}

func numbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = numbers(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = numbers(e)
		}
		return t
	}
	return v
}
