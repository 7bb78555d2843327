package export

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
)

// Bundle entry names.
const (
	BundleManifestName = "manifest.json"
	artifactDir        = "artifacts/"
)

// ControlRecord is one control's evidence as written into the bundle. A
// control with no row has a nil CollectedAt.
type ControlRecord struct {
	Artifacts   evidence.Artifacts `json:"artifacts"`
	CollectedAt *string            `json:"collected_at"`
	ControlKey  string             `json:"control_key"`
	Notes       string             `json:"notes"`
	Status      evidence.Status    `json:"status"`
}

// BundleFile lists one artifact file and its digest.
type BundleFile struct {
	ControlKey string `json:"control_key"`
	Filename   string `json:"filename"`
	SHA256     string `json:"sha256"`
}

// BundleManifest is manifest.json inside evidence-pack.zip.
type BundleManifest struct {
	AppVersion     string       `json:"app_version"`
	Files          []BundleFile `json:"files"`
	GeneratedAtUTC string       `json:"generated_at_utc"`
	RunID          string       `json:"run_id"`
	UserID         string       `json:"user_id"`
}

// HashMismatch reports a file whose digest differs from its manifest entry.
type HashMismatch struct {
	Filename string `json:"filename"`
	Expected string `json:"expected"`
	Got      string `json:"got"`
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// buildBundle writes the inner evidence bundle. Records are written in the
// order given and every entry carries modTime, so identical input yields
// identical bytes.
func buildBundle(records []ControlRecord, manifest BundleManifest, modTime time.Time) ([]byte, *BundleManifest, error) {
	type entry struct {
		name string
		data []byte
	}
	entries := make([]entry, 0, len(records)+1)
	manifest.Files = make([]BundleFile, 0, len(records))

	for _, rec := range records {
		data, err := evidence.MarshalIndent(rec)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode %s: %w", rec.ControlKey, err)
		}
		name := artifactDir + rec.ControlKey + ".json"
		entries = append(entries, entry{name: name, data: data})
		manifest.Files = append(manifest.Files, BundleFile{ControlKey: rec.ControlKey, Filename: name, SHA256: sha256Hex(data)})
	}

	manifestData, err := evidence.MarshalIndent(manifest)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode bundle manifest: %w", err)
	}
	entries = append([]entry{{name: BundleManifestName, data: manifestData}}, entries...)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		if err := writeEntry(zw, e.name, e.data, modTime); err != nil {
			return nil, nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to finish bundle: %w", err)
	}
	return buf.Bytes(), &manifest, nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, modTime time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modTime.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// readEntries opens a zip and returns its entries by name.
func readEntries(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out[f.Name] = b
	}
	return out, nil
}

// checkBundle validates an evidence bundle against its own manifest.
func checkBundle(data []byte) (missing []string, mismatches []HashMismatch, err error) {
	entries, err := readEntries(data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	raw, ok := entries[BundleManifestName]
	if !ok {
		return nil, nil, fmt.Errorf("bundle has no %s", BundleManifestName)
	}
	var manifest BundleManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, nil, fmt.Errorf("failed to decode bundle manifest: %w", err)
	}

	missing = []string{}
	mismatches = []HashMismatch{}
	for _, f := range manifest.Files {
		if f.Filename == "" || f.SHA256 == "" {
			continue
		}
		b, ok := entries[f.Filename]
		if !ok {
			missing = append(missing, f.Filename)
			continue
		}
		if got := sha256Hex(b); got != f.SHA256 {
			mismatches = append(mismatches, HashMismatch{Filename: f.Filename, Expected: f.SHA256, Got: got})
		}
	}
	return missing, mismatches, nil
}
