package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrAlreadyExists    = errors.New("document already exists")
	ErrAborted          = errors.New("transaction aborted")
	ErrUnavailable      = errors.New("store unavailable")
	ErrDeadlineExceeded = errors.New("deadline-exceeded")
)

// SystemActor is the identity recorded for mutations made by background work.
const SystemActor = "system"

// Document is a versioned record in a collection.
type Document struct {
	Collection   string         `json:"collection"`
	ID           string         `json:"id"`
	Data         map[string]any `json:"data"`
	Version      int64          `json:"_version"`
	LastModified time.Time      `json:"_lastModified"`
	ModifiedBy   string         `json:"_modifiedBy"`
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Data = CloneData(d.Data)
	return &out
}

// Field returns the value at a dotted path inside Data.
func (d *Document) Field(path string) (any, bool) {
	return Lookup(d.Data, path)
}

// GetString returns a string field or "".
func (d *Document) GetString(path string) string {
	v, _ := d.Field(path)
	s, _ := v.(string)
	return s
}

// GetNumber returns a numeric field as float64 or 0.
func (d *Document) GetNumber(path string) float64 {
	v, _ := d.Field(path)
	n, _ := ToFloat(v)
	return n
}

// Lookup resolves a dotted path inside a nested map.
func Lookup(data map[string]any, path string) (any, bool) {
	if data == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// CloneData deep copies a data map through its JSON form so every backend
// observes the same value types (numbers become float64).
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		out := make(map[string]any, len(data))
		for k, v := range data {
			out[k] = v
		}
		return out
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}

// Merge overlays patch onto a copy of base.
func Merge(base, patch map[string]any) map[string]any {
	out := CloneData(base)
	for k, v := range CloneData(patch) {
		out[k] = v
	}
	return out
}

// Encode converts a struct into document data.
func Encode(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}

// Decode fills v from document data.
func Decode(data map[string]any, v any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// ToFloat converts JSON-ish numeric values to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
