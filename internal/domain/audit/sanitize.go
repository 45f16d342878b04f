package audit

// RedactedMarker replaces the value of every sensitive key.
const RedactedMarker = "[REDACTED]"

// sensitiveKeys are matched case-sensitively against map keys at any depth.
var sensitiveKeys = map[string]struct{}{
	"password":   {},
	"token":      {},
	"secret":     {},
	"key":        {},
	"ssn":        {},
	"creditCard": {},
}

// IsSensitiveKey reports whether a map key is redacted.
func IsSensitiveKey(k string) bool {
	_, ok := sensitiveKeys[k]
	return ok
}

// Sanitize returns a JSON-normalized copy of v with sensitive keys redacted
// recursively through maps and slices.
func Sanitize(v any) any {
	return redact(normalize(v))
}

func redact(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			if IsSensitiveKey(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = redact(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = redact(val)
		}
		return out
	default:
		return v
	}
}
