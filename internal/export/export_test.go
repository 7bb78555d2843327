package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/signing"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/vault"
)

type fixture struct {
	repo    *evidence.InMemoryRepository
	store   *exportstore.FileStore
	builder *Builder
}

func newFixture(t *testing.T, forceHMAC bool) *fixture {
	t.Helper()
	key, err := vault.GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	cipher, err := vault.NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	f := &fixture{
		repo:  evidence.NewInMemoryRepository(),
		store: exportstore.NewFileStore(t.TempDir()),
	}
	f.builder = NewBuilder(Config{
		Repository: f.repo,
		Store:      f.store,
		Signer:     signing.NewManager(signing.Config{StateDir: t.TempDir(), Cipher: cipher, ForceHMAC: forceHMAC}),
	})
	return f
}

// seedRun writes a finished run holding rows for the given keys.
func (f *fixture) seedRun(t *testing.T, keys []string) *evidence.Run {
	t.Helper()
	ctx := context.Background()
	started := time.Date(2025, 5, 1, 9, 30, 0, 0, time.UTC)
	run, err := f.repo.CreateRun(ctx, "acct", started)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	for _, key := range keys {
		c, _ := evidence.Lookup(key)
		artifacts := evidence.Artifacts{"sample": key}
		if key == evidence.KeyGHBranchProtection {
			artifacts["per_repo"] = []any{map[string]any{"repo": "acme/api", "protected": true, "visibility": "private", "error": nil}}
		}
		if _, err := f.repo.AddEvidence(ctx, &evidence.ControlEvidence{
			AccountID:   "acct",
			RunID:       run.ID,
			ControlKey:  key,
			Provider:    c.Provider,
			Status:      evidence.StatusPass,
			Artifacts:   artifacts,
			Notes:       "ok",
			CollectedAt: started.Add(time.Second),
		}); err != nil {
			t.Fatalf("AddEvidence: %v", err)
		}
	}
	if err := f.repo.FinishRun(ctx, "acct", run.ID, evidence.RunSuccess, nil, started.Add(2*time.Second)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	return run
}

// rewrite rebuilds a zip after applying edit to its entries.
func rewrite(t *testing.T, data []byte, edit func(map[string][]byte)) []byte {
	t.Helper()
	entries, err := readEntries(data)
	if err != nil {
		t.Fatalf("readEntries: %v", err)
	}
	edit(entries)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, b := range entries {
		if err := writeEntry(zw, name, b, time.Unix(0, 0)); err != nil {
			t.Fatalf("writeEntry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return buf.Bytes()
}

func TestExport_NoEvidence(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.builder.Export(context.Background(), "acct"); !errors.Is(err, ErrNoEvidence) {
		t.Errorf("expected ErrNoEvidence, got %v", err)
	}
}

func TestExport_BuildsAndVerifies(t *testing.T) {
	f := newFixture(t, false)
	run := f.seedRun(t, evidence.Keys())
	ctx := context.Background()

	pack, err := f.builder.Export(ctx, "acct")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(pack.ID) != 32 || !exportstore.ValidID(pack.ID) {
		t.Errorf("export id %q is not 32 hex chars", pack.ID)
	}
	if pack.RunID != run.ID || pack.Manifest.Mode != signing.ModeEd25519 || pack.Manifest.PublicKeyB64 == nil {
		t.Errorf("unexpected manifest %+v", pack.Manifest)
	}

	entries, err := readEntries(pack.Bytes)
	if err != nil {
		t.Fatalf("readEntries: %v", err)
	}
	for _, name := range []string{ReportName, BundleName, PackManifestName, PackSigName} {
		if _, ok := entries[name]; !ok {
			t.Errorf("pack missing %s", name)
		}
	}
	if !bytes.HasSuffix(entries[PackManifestName], []byte("\n")) || !bytes.HasSuffix(entries[PackSigName], []byte("\n")) {
		t.Error("manifest and signature must end with a newline")
	}

	inner, err := readEntries(entries[BundleName])
	if err != nil {
		t.Fatalf("inner readEntries: %v", err)
	}
	if len(inner) != len(evidence.Controls)+1 {
		t.Errorf("inner bundle has %d entries, want %d", len(inner), len(evidence.Controls)+1)
	}

	stored, err := f.store.Get(ctx, "acct", pack.ID)
	if err != nil || !bytes.Equal(stored, pack.Bytes) {
		t.Fatalf("stored pack differs: %v", err)
	}

	check, err := f.repo.LatestExportCheck(ctx, "acct")
	if err != nil {
		t.Fatalf("LatestExportCheck: %v", err)
	}
	if check.Status != evidence.StatusPass || check.ExportID != pack.ID || check.Notes != "Export manifest validated." {
		t.Errorf("unexpected self-check %+v", check)
	}

	res, err := f.builder.Verify(ctx, "acct", pack.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified || !res.SignatureValid || res.Mode != signing.SchemeAsymmetric {
		t.Errorf("unexpected verify result %+v", res)
	}
	if len(res.MissingFiles) != 0 || len(res.HashMismatches) != 0 {
		t.Errorf("unexpected findings %+v", res)
	}

	list, err := f.builder.List(ctx, "acct")
	if err != nil || len(list) != 1 || list[0].ID != pack.ID {
		t.Errorf("List = %+v, %v", list, err)
	}
}

func TestExport_IdempotentHashes(t *testing.T) {
	f := newFixture(t, false)
	f.seedRun(t, evidence.Keys())

	a, err := f.builder.Export(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	b, err := f.builder.Export(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if a.ID == b.ID {
		t.Error("export ids must differ")
	}
	for _, name := range []string{BundleName, ReportName} {
		if a.Manifest.Hashes[name] != b.Manifest.Hashes[name] {
			t.Errorf("%s hash changed between exports of the same evidence", name)
		}
	}
}

func TestExport_MissingControlsAreUnknown(t *testing.T) {
	f := newFixture(t, false)
	f.seedRun(t, []string{evidence.KeyGHBranchProtection})

	pack, err := f.builder.Export(context.Background(), "acct")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	entries, _ := readEntries(pack.Bytes)
	inner, _ := readEntries(entries[BundleName])
	got := string(inner["artifacts/"+evidence.KeyMSSecurityDefaults+".json"])
	for _, want := range []string{`"status": "unknown"`, `"notes": "No evidence."`, `"collected_at": null`, `"artifacts": {}`} {
		if !strings.Contains(got, want) {
			t.Errorf("artifact file missing %s:\n%s", want, got)
		}
	}
	report := string(entries[ReportName])
	if !strings.Contains(report, "- Unknown: 11") || !strings.Contains(report, "| acme/api | yes |") {
		t.Errorf("unexpected report:\n%s", report)
	}
}

func TestExport_IgnoresUnfinishedAndFailedRuns(t *testing.T) {
	f := newFixture(t, false)
	done := f.seedRun(t, evidence.Keys())
	ctx := context.Background()

	failed, err := f.repo.CreateRun(ctx, "acct", done.StartedAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := f.repo.FinishRun(ctx, "acct", failed.ID, evidence.RunFailed, nil, done.StartedAt.Add(2*time.Hour)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if _, err := f.repo.CreateRun(ctx, "acct", done.StartedAt.Add(3*time.Hour)); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	pack, err := f.builder.Export(ctx, "acct")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if pack.RunID != done.ID {
		t.Errorf("export used run %s, want finished run %s", pack.RunID, done.ID)
	}
	entries, _ := readEntries(pack.Bytes)
	inner, _ := readEntries(entries[BundleName])
	got := string(inner["artifacts/"+evidence.KeyGHBranchProtection+".json"])
	if !strings.Contains(got, `"status": "pass"`) {
		t.Errorf("artifact lost finished evidence:\n%s", got)
	}
}

func TestExport_OnlyUnfinishedRun(t *testing.T) {
	f := newFixture(t, false)
	if _, err := f.repo.CreateRun(context.Background(), "acct", time.Now()); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := f.builder.Export(context.Background(), "acct"); !errors.Is(err, ErrNoEvidence) {
		t.Errorf("expected ErrNoEvidence, got %v", err)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	target := "artifacts/" + evidence.KeyGHBranchProtection + ".json"

	tests := []struct {
		name         string
		edit         func(t *testing.T, entries map[string][]byte)
		wantMissing  []string
		wantMismatch []string
		wantSigValid bool
	}{
		{
			name: "artifact byte flip",
			edit: func(t *testing.T, entries map[string][]byte) {
				entries[BundleName] = rewrite(t, entries[BundleName], func(inner map[string][]byte) {
					b := bytes.Clone(inner[target])
					b[len(b)/2] ^= 0x01
					inner[target] = b
				})
			},
			wantMismatch: []string{BundleName, target},
			wantSigValid: true,
		},
		{
			name: "artifact deleted",
			edit: func(t *testing.T, entries map[string][]byte) {
				entries[BundleName] = rewrite(t, entries[BundleName], func(inner map[string][]byte) {
					delete(inner, target)
				})
			},
			wantMissing:  []string{target},
			wantMismatch: []string{BundleName},
			wantSigValid: true,
		},
		{
			name: "report deleted",
			edit: func(t *testing.T, entries map[string][]byte) {
				delete(entries, ReportName)
			},
			wantMissing:  []string{ReportName},
			wantSigValid: true,
		},
		{
			name: "manifest field added",
			edit: func(t *testing.T, entries map[string][]byte) {
				m := entries[PackManifestName]
				entries[PackManifestName] = append([]byte(`{"extra":1,`), m[1:]...)
			},
			wantSigValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			f.seedRun(t, evidence.Keys())
			ctx := context.Background()
			pack, err := f.builder.Export(ctx, "acct")
			if err != nil {
				t.Fatalf("Export: %v", err)
			}

			tampered := rewrite(t, pack.Bytes, func(entries map[string][]byte) { tt.edit(t, entries) })
			if err := f.store.Put(ctx, "acct", pack.ID, tampered); err != nil {
				t.Fatalf("Put: %v", err)
			}

			res, err := f.builder.Verify(ctx, "acct", pack.ID)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if res.Verified {
				t.Fatal("tampered pack verified")
			}
			if res.SignatureValid != tt.wantSigValid {
				t.Errorf("SignatureValid = %v, want %v", res.SignatureValid, tt.wantSigValid)
			}
			for _, name := range tt.wantMissing {
				if !containsString(res.MissingFiles, name) {
					t.Errorf("missing_files %v lacks %s", res.MissingFiles, name)
				}
			}
			var mismatched []string
			for _, m := range res.HashMismatches {
				mismatched = append(mismatched, m.Filename)
			}
			for _, name := range tt.wantMismatch {
				if !containsString(mismatched, name) {
					t.Errorf("hash_mismatches %v lacks %s", mismatched, name)
				}
			}
		})
	}
}

func TestVerify_NotFoundAndMalformed(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	res, err := f.builder.Verify(ctx, "acct", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Verified || res.Error != VerifyErrNotFound || res.Mode != signing.SchemeUnknown {
		t.Errorf("unexpected result %+v", res)
	}

	if err := f.store.Put(ctx, "acct", "0123456789abcdef0123456789abcdef", []byte("not a zip")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	res, err = f.builder.Verify(ctx, "acct", "0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Verified || res.Error != VerifyErrFailed || res.ErrorType != "InvalidArchive" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestExport_HMACMode(t *testing.T) {
	f := newFixture(t, true)
	f.seedRun(t, evidence.Keys())
	ctx := context.Background()

	pack, err := f.builder.Export(ctx, "acct")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if pack.Manifest.Mode != signing.ModeHMAC || pack.Manifest.PublicKeyB64 != nil {
		t.Errorf("unexpected manifest %+v", pack.Manifest)
	}
	entries, _ := readEntries(pack.Bytes)
	if !strings.Contains(string(entries[PackManifestName]), `"public_key_b64":null`) {
		t.Errorf("hmac manifest must carry a null public key: %s", entries[PackManifestName])
	}

	res, err := f.builder.Verify(ctx, "acct", pack.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Verified || res.Mode != signing.SchemeSymmetric {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCanonicalizeJSON(t *testing.T) {
	got, err := CanonicalizeJSON([]byte(`{ "b": 1.50, "a": {"y": "<x>", "x": null} }`))
	if err != nil {
		t.Fatalf("CanonicalizeJSON: %v", err)
	}
	want := `{"a":{"x":null,"y":"<x>"},"b":1.50}` + "\n"
	if string(got) != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
