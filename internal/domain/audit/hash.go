package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// hashPayload fixes the field order of the canonical form. Nested maps are
// serialized with sorted keys by encoding/json.
type hashPayload struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	UserID       string         `json:"userId"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	OldData      any            `json:"oldData"`
	NewData      any            `json:"newData"`
	Metadata     map[string]any `json:"metadata"`
}

func buildHashPayload(e *Event) hashPayload {
	return hashPayload{
		ID:           e.ID,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		UserID:       e.UserID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		OldData:      normalize(e.OldData),
		NewData:      normalize(e.NewData),
		Metadata:     e.Metadata,
	}
}

// CanonicalJSON returns the bytes the event hash is computed over.
func CanonicalJSON(e *Event) ([]byte, error) {
	return json.Marshal(buildHashPayload(e))
}

// ComputeHash returns hex(SHA-256(canonical JSON)).
func ComputeHash(e *Event) (string, error) {
	data, err := CanonicalJSON(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the hash and compares it with the stored one.
func Verify(e *Event) (bool, error) {
	if e.Hash == "" {
		return false, nil
	}
	expected, err := ComputeHash(e)
	if err != nil {
		return false, err
	}
	return expected == e.Hash, nil
}

// normalize round-trips a value through JSON so in-memory and reloaded
// snapshots hash identically.
func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
