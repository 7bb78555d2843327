// Package evidence holds the control catalogue, evidence runs and control
// evidence rows, and the aggregation rules that reduce raw provider facts
// into one status per control.
package evidence

import (
	"time"
)

// Status is the outcome of a single control.
type Status string

const (
	StatusPass    Status = "pass"
	StatusWarn    Status = "warn"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPass, StatusWarn, StatusFail, StatusUnknown:
		return true
	}
	return false
}

// Provider tags the platform a control belongs to.
type Provider string

const (
	ProviderGitHub    Provider = "github"
	ProviderMicrosoft Provider = "microsoft"
	ProviderPack      Provider = "pack"
)

// RunStatus is the lifecycle state of an evidence run.
type RunStatus string

const (
	// RunStarted is the only non-terminal state.
	RunStarted RunStatus = "started"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// Exportable reports whether a run's evidence can back an export.
func (s RunStatus) Exportable() bool {
	return s == RunSuccess || s == RunPartial
}

// Run is one collection attempt for one account.
type Run struct {
	ID           string
	AccountID    string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorSummary *string
}

// ControlEvidence is the result of one control within one run.
// Rows are written once and never updated.
type ControlEvidence struct {
	ID          string
	AccountID   string
	RunID       string
	ControlKey  string
	Provider    Provider
	Status      Status
	Artifacts   Artifacts
	Notes       string
	CollectedAt time.Time
}

// Draft is evidence produced by a collector before it is bound to a run.
type Draft struct {
	ControlKey string
	Provider   Provider
	Status     Status
	Artifacts  Artifacts
	Notes      string
}

// ExportCheck records the integrity self-check performed after an export
// pack is built. It lives beside run evidence so runs stay immutable.
type ExportCheck struct {
	ExportID  string
	AccountID string
	RunID     string
	Status    Status
	Artifacts Artifacts
	Notes     string
	CheckedAt time.Time
}

// TimeLayout renders timestamps the way they appear in artifacts and packs.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
