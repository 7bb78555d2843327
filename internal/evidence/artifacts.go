package evidence

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrCredentialInArtifacts is returned when an artifact payload contains a
// key that looks like credential material.
var ErrCredentialInArtifacts = errors.New("artifacts contain credential-shaped key")

// Artifacts is the structured payload attached to a control. Values are
// arbitrary JSON-compatible data; JSON encoding sorts map keys, which keeps
// serialized payloads deterministic.
type Artifacts map[string]any

// credentialKeys lists payload keys that are never allowed in artifacts.
var credentialKeys = map[string]bool{
	"access_token":          true,
	"refresh_token":         true,
	"id_token":              true,
	"token":                 true,
	"client_secret":         true,
	"authorization":         true,
	"password":              true,
	"code":                  true,
	"private_key":           true,
	"encrypted_private_key": true,
}

// Normalize round-trips a through JSON so that typed values become plain
// maps, slices, strings, float64s and bools, then rejects credential-shaped
// keys at any depth. A nil payload normalizes to an empty one.
func Normalize(a Artifacts) (Artifacts, error) {
	if a == nil {
		return Artifacts{}, nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifacts: %w", err)
	}
	var out Artifacts
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	if key, found := findCredentialKey(map[string]any(out)); found {
		return nil, fmt.Errorf("%w: %q", ErrCredentialInArtifacts, key)
	}
	return out, nil
}

func findCredentialKey(v any) (string, bool) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if credentialKeys[strings.ToLower(k)] {
				return k, true
			}
			if key, found := findCredentialKey(child); found {
				return key, true
			}
		}
	case Artifacts:
		return findCredentialKey(map[string]any(t))
	case []any:
		for _, child := range t {
			if key, found := findCredentialKey(child); found {
				return key, true
			}
		}
	}
	return "", false
}

// Merge returns a new payload holding base overlaid with extra.
func Merge(base, extra Artifacts) Artifacts {
	out := make(Artifacts, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// MarshalIndent encodes v with two-space indentation, sorted map keys and
// no HTML escaping.
func MarshalIndent(v any) ([]byte, error) {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(sb.String(), "\n")), nil
}
