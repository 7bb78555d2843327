// Package audit records account-level actions (collections, exports,
// provider connections, wipes) in a per-account hash-chained log.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"time"
)

// Actions recorded by the service.
const (
	ActionCollectNow      = "collect_now"
	ActionExportPack      = "export_pack"
	ActionVerifyExport    = "verify_export"
	ActionConnectProvider = "connect_provider"
	ActionForgetProvider  = "forget_provider"
	ActionWipeAll         = "wipe_all"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is one audit record. PreviousHash is the Hash of the account's
// preceding event, empty for the first.
type Event struct {
	ID           string
	AccountID    string
	Action       string
	Outcome      string
	Metadata     map[string]any
	RequestID    string
	IPAddress    string
	CreatedAt    time.Time
	PreviousHash string
}

// Entry is the input for recording an event.
type Entry struct {
	AccountID string
	Action    string
	Outcome   string
	Metadata  map[string]any
	RequestID string
	IPAddress string
}

// Hash returns the hex SHA-256 digest linking e into the chain. Every
// field is length-prefixed so adjacent values cannot run together.
func (e *Event) Hash() string {
	h := sha256.New()
	for _, field := range []string{
		e.ID,
		e.AccountID,
		e.Action,
		e.Outcome,
		e.RequestID,
		e.IPAddress,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PreviousHash,
	} {
		writeField(h, field)
	}
	meta, _ := json.Marshal(e.Metadata)
	writeField(h, string(meta))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	fmt.Fprintf(h, "%d:%s;", len(s), s)
}

// VerifyChain reports whether events, oldest first, form an unbroken chain.
func VerifyChain(events []*Event) bool {
	prev := ""
	for _, e := range events {
		if e.PreviousHash != prev {
			return false
		}
		prev = e.Hash()
	}
	return true
}
