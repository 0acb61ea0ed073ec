package hemis

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// LogRecord is one Hemis admin audit-log entry. Every field is optional on the
// wire: a missing or null value decodes to the zero value, and numeric fields
// also accept numeric strings.
type LogRecord struct {
	ID        int64
	AdminName string
	CreatedAt int64 // UNIX seconds; 0 when absent
	Message   string
	Action    string
	Query     string
	Post      Fields
	Get       Fields
	IP        string
}

type wireRecord struct {
	ID        flexInt    `json:"id"`
	AdminName flexString `json:"admin_name"`
	CreatedAt flexInt    `json:"created_at"`
	Message   flexString `json:"message"`
	Action    flexString `json:"action"`
	Query     flexString `json:"query"`
	Post      Fields     `json:"post"`
	Get       Fields     `json:"get"`
	IP        flexString `json:"ip"`
}

// UnmarshalJSON decodes one record object. Only a value that is not a JSON
// object at all is rejected.
func (r *LogRecord) UnmarshalJSON(data []byte) error {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = LogRecord{
		ID:        int64(w.ID),
		AdminName: string(w.AdminName),
		CreatedAt: int64(w.CreatedAt),
		Message:   string(w.Message),
		Action:    string(w.Action),
		Query:     string(w.Query),
		Post:      w.Post,
		Get:       w.Get,
		IP:        string(w.IP),
	}
	if r.Post == nil {
		r.Post = Fields{}
	}
	if r.Get == nil {
		r.Get = Fields{}
	}
	return nil
}

// Fields holds the POST or GET parameters captured with a log entry.
//
// Hemis serialises an empty parameter set as [] and occasionally a positional
// list, so arrays decode into index keys "0", "1", ... and MarshalJSON turns
// such maps back into arrays.
type Fields map[string]any

// UnmarshalJSON accepts an object, an array, null or a bare scalar.
func (f *Fields) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}

	out := Fields{}
	switch t := v.(type) {
	case nil:
	case map[string]any:
		for k, val := range t {
			out[k] = val
		}
	case []any:
		for i, val := range t {
			out[strconv.Itoa(i)] = val
		}
	default:
		out["0"] = t
	}
	*f = out
	return nil
}

// MarshalJSON renders the fields without HTML escaping. An empty set renders
// as [] and a set keyed 0..n-1 renders as an array.
func (f Fields) MarshalJSON() ([]byte, error) {
	if len(f) == 0 {
		return []byte("[]"), nil
	}
	if list, ok := f.asList(); ok {
		return encodeNoEscape(list)
	}
	return encodeNoEscape(map[string]any(f))
}

func (f Fields) asList() ([]any, bool) {
	list := make([]any, len(f))
	for i := range list {
		v, ok := f[strconv.Itoa(i)]
		if !ok {
			return nil, false
		}
		list[i] = v
	}
	return list, true
}

func encodeNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// flexInt decodes a JSON number, a numeric string or null into an int64.
// Anything else decodes to 0.
type flexInt int64

func (n *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if unq, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unq)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = flexInt(i)
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*n = flexInt(int64(f))
		return nil
	}
	*n = 0
	return nil
}

// flexString decodes a JSON string, number, bool or null into a string.
// Objects and arrays keep their compact JSON text.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*s = ""
	case len(trimmed) > 0 && trimmed[0] == '"':
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		*s = flexString(str)
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return err
		}
		*s = flexString(buf.String())
	}
	return nil
}
