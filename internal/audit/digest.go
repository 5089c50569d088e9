package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
)

const redacted = "[REDACTED]"

// Redaction rules compiled once at package init.
var (
	reSecretKey   = regexp.MustCompile(`(?i)(password|passwd|secret|token|credential|private[_-]?key|api[_-]?key)`)
	reBearer      = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]+=*`)
	reJWT         = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	reConnCredsIn = regexp.MustCompile(`://[^:/@\s]+:[^@\s]+@`)
)

// Digest returns a stable SHA-256 over the canonical JSON of payload after
// secret-looking values have been redacted. Map keys are sorted by
// encoding/json, so equal payloads always produce equal digests.
func Digest(payload any) string {
	if payload == nil {
		return ""
	}
	canonical, err := Canonical(payload)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%T", payload))
	}
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%x", sum)
}

// Canonical returns the redacted canonical JSON encoding of payload.
func Canonical(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode audit payload: %w", err)
	}
	return json.Marshal(redact(generic))
}

func redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if reSecretKey.MatchString(k) {
				out[k] = redacted
				continue
			}
			out[k] = redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = redact(inner)
		}
		return out
	case string:
		return redactString(val)
	default:
		return val
	}
}

func redactString(s string) string {
	s = reBearer.ReplaceAllString(s, "Bearer "+redacted)
	s = reJWT.ReplaceAllString(s, redacted)
	s = reConnCredsIn.ReplaceAllString(s, "://"+redacted+"@")
	return s
}
