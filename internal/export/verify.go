package export

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/exportstore"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/signing"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// Verification error codes.
const (
	VerifyErrNotFound = "not_found"
	VerifyErrFailed   = "verify_failed"
)

// VerifyResult reports the integrity of a stored pack. Verified holds only
// when the signature is valid and no file is missing or altered.
type VerifyResult struct {
	Verified       bool           `json:"verified"`
	Mode           string         `json:"mode"`
	ExportID       string         `json:"export_id,omitempty"`
	SignatureValid bool           `json:"signature_valid"`
	MissingFiles   []string       `json:"missing_files"`
	HashMismatches []HashMismatch `json:"hash_mismatches"`
	Error          string         `json:"error,omitempty"`
	ErrorType      string         `json:"error_type,omitempty"`
}

// verifyError is a structural failure with a stable type tag.
type verifyError struct {
	kind string
	err  error
}

func (e *verifyError) Error() string { return e.kind + ": " + e.err.Error() }

func (e *verifyError) Unwrap() error { return e.err }

func failed(kind string, err error) error {
	return &verifyError{kind: kind, err: err}
}

// Verify checks a stored pack against this instance's signing material.
// Missing packs and malformed packs are reported in the result; only store
// failures are returned as errors.
func (b *Builder) Verify(ctx context.Context, accountID, exportID string) (result *VerifyResult, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "export.verify")
	tracing.SetAttributes(ctx, attribute.String("export.id", exportID))
	defer func() {
		endSpan(err)
		switch {
		case err != nil:
			b.metrics.observeVerify("error")
		case result.Error == VerifyErrNotFound:
			b.metrics.observeVerify("not_found")
		case result.Verified:
			b.metrics.observeVerify("verified")
		default:
			b.metrics.observeVerify("failed")
		}
	}()

	data, err := b.store.Get(ctx, accountID, exportID)
	if errors.Is(err, exportstore.ErrNotFound) || errors.Is(err, exportstore.ErrInvalidID) {
		return &VerifyResult{Mode: signing.SchemeUnknown, Error: VerifyErrNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pack: %w", err)
	}

	res, verr := b.verifyPack(ctx, data)
	if verr != nil {
		var ve *verifyError
		kind := "Error"
		if errors.As(verr, &ve) {
			kind = ve.kind
		}
		b.logger.WarnContext(ctx, "export verification failed", "export_id", exportID, "error_type", kind)
		return &VerifyResult{Mode: signing.SchemeUnknown, Error: VerifyErrFailed, ErrorType: kind}, nil
	}
	res.ExportID = exportID
	return res, nil
}

func (b *Builder) verifyPack(ctx context.Context, data []byte) (*VerifyResult, error) {
	entries, err := readEntries(data)
	if err != nil {
		return nil, failed("InvalidArchive", err)
	}
	manifestBytes, ok := entries[PackManifestName]
	if !ok {
		return nil, failed("MissingEntry", fmt.Errorf("%s not found", PackManifestName))
	}
	sigText, ok := entries[PackSigName]
	if !ok {
		return nil, failed("MissingEntry", fmt.Errorf("%s not found", PackSigName))
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(sigText)))
	if err != nil {
		return nil, failed("InvalidSignatureEncoding", err)
	}

	var manifest struct {
		Hashes map[string]string `json:"hashes"`
	}
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, failed("InvalidManifest", err)
	}
	canonical, err := CanonicalizeJSON(manifestBytes)
	if err != nil {
		return nil, failed("InvalidManifest", err)
	}

	res := &VerifyResult{MissingFiles: []string{}, HashMismatches: []HashMismatch{}}

	names := make([]string, 0, len(manifest.Hashes))
	for name := range manifest.Hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		expected := manifest.Hashes[name]
		got, ok := entries[name]
		if !ok {
			res.MissingFiles = append(res.MissingFiles, name)
			continue
		}
		if h := sha256Hex(got); h != expected {
			res.HashMismatches = append(res.HashMismatches, HashMismatch{Filename: name, Expected: expected, Got: h})
		}
	}

	// The inner bundle is checked too so a tampered artifact is named.
	if bundle, ok := entries[BundleName]; ok {
		if missing, mismatches, err := checkBundle(bundle); err == nil {
			res.MissingFiles = append(res.MissingFiles, missing...)
			res.HashMismatches = append(res.HashMismatches, mismatches...)
		}
	}

	material, err := b.signer.Material(ctx)
	if err != nil {
		return nil, failed("SigningUnavailable", err)
	}
	res.Mode = material.Scheme()
	res.SignatureValid = material.Verify(canonical, sig)
	res.Verified = res.SignatureValid && len(res.MissingFiles) == 0 && len(res.HashMismatches) == 0
	return res, nil
}
