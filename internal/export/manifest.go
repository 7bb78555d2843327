package export

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Outer pack entry names.
const (
	BundleName       = "evidence-pack.zip"
	ReportName       = "report.md"
	PackManifestName = "pack_manifest.json"
	PackSigName      = "pack_manifest.sig"
)

// PackManifest is pack_manifest.json. It is signed in canonical form.
type PackManifest struct {
	AppVersion   string            `json:"app_version"`
	CreatedAtUTC string            `json:"created_at_utc"`
	ExportID     string            `json:"export_id"`
	Hashes       map[string]string `json:"hashes"`
	Mode         string            `json:"mode"`
	PublicKeyB64 *string           `json:"public_key_b64"`
	RunID        string            `json:"run_id"`
}

// Canonicalize encodes a JSON value with sorted object keys, no insignificant
// whitespace, no HTML escaping and a trailing newline. Numbers are kept as
// written. Any field present in v is covered, including ones this version
// does not know about.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-encodes raw JSON canonically.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}
