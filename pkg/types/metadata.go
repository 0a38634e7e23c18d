package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Metadata is an ordered, string-keyed map of loosely typed values attached
// to an invoice by the extraction step. Key order is preserved through JSON
// round-trips so that field-mapping evaluation is deterministic.
type Metadata struct {
	keys   []string
	values map[string]interface{}
}

// NewMetadata builds Metadata from alternating key/value pairs.
func NewMetadata(pairs ...interface{}) Metadata {
	var m Metadata
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		m.Set(key, pairs[i+1])
	}
	return m
}

// Set stores value under key, keeping the original position of existing keys.
func (m *Metadata) Set(key string, value interface{}) {
	if m.values == nil {
		m.values = make(map[string]interface{})
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Keys returns the keys in insertion order.
func (m Metadata) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of keys.
func (m Metadata) Len() int {
	return len(m.keys)
}

// Raw returns the stored value for key without normalisation.
func (m Metadata) Raw(key string) (interface{}, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Lookup returns the value for key rendered as a string. Absent keys, null
// values and empty strings are all reported as not found.
func (m Metadata) Lookup(key string) (string, bool) {
	v, ok := m.values[key]
	if !ok || v == nil {
		return "", false
	}
	s := stringify(v)
	if strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// Strings returns every non-empty value rendered as a string, in key order.
func (m Metadata) Strings() []string {
	out := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		if s, ok := m.Lookup(k); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep-enough copy (values are shared, ordering is not).
func (m Metadata) Clone() Metadata {
	var out Metadata
	for _, k := range m.keys {
		out.Set(k, m.values[k])
	}
	return out
}

// MarshalJSON encodes the map preserving key order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving key order. A JSON null
// yields empty Metadata.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	*m = Metadata{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("metadata: expected JSON object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("metadata: expected string key")
		}
		var value interface{}
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		m.Set(key, value)
	}

	_, err = dec.Token()
	return err
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
