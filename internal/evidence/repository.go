package evidence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository errors.
var (
	// ErrRunNotFound is returned when a run does not exist for the account.
	ErrRunNotFound = errors.New("evidence run not found")

	// ErrRunFinished is returned when writing to or finishing a run that
	// already reached a terminal state.
	ErrRunFinished = errors.New("evidence run already finished")

	// ErrDuplicateEvidence is returned when a run already holds a row for
	// the control key.
	ErrDuplicateEvidence = errors.New("evidence already recorded for control in run")

	// ErrUnknownControl is returned for keys outside the control catalogue.
	ErrUnknownControl = errors.New("unknown control key")

	// ErrInvalidStatus is returned for statuses outside pass/warn/fail/unknown.
	ErrInvalidStatus = errors.New("invalid evidence status")

	// ErrExportCheckNotFound is returned when no export self-check exists.
	ErrExportCheckNotFound = errors.New("export check not found")
)

// Repository persists evidence runs, control evidence and export checks.
// Every method is scoped to one account.
type Repository interface {
	// CreateRun opens a run in the started state.
	CreateRun(ctx context.Context, accountID string, startedAt time.Time) (*Run, error)

	// FinishRun moves a started run to a terminal state.
	FinishRun(ctx context.Context, accountID, runID string, status RunStatus, errorSummary *string, finishedAt time.Time) error

	// GetRun returns one run.
	GetRun(ctx context.Context, accountID, runID string) (*Run, error)

	// LatestCompletedRun returns the most recently started run that finished
	// as success or partial. Started and failed runs are skipped.
	LatestCompletedRun(ctx context.Context, accountID string) (*Run, error)

	// AddEvidence writes one row. The ID is assigned by the repository and
	// artifacts are normalized and screened for credential material.
	AddEvidence(ctx context.Context, ev *ControlEvidence) (*ControlEvidence, error)

	// RunEvidence returns every row of a run in catalogue order.
	RunEvidence(ctx context.Context, accountID, runID string) ([]*ControlEvidence, error)

	// LatestEvidence returns the newest row per control key across runs.
	LatestEvidence(ctx context.Context, accountID string) (map[string]*ControlEvidence, error)

	// RecordExportCheck stores an export self-check result.
	RecordExportCheck(ctx context.Context, check *ExportCheck) error

	// LatestExportCheck returns the newest export self-check.
	LatestExportCheck(ctx context.Context, accountID string) (*ExportCheck, error)

	// DeleteAccount removes runs, evidence and export checks for the account.
	DeleteAccount(ctx context.Context, accountID string) error
}

// PrepareEvidence validates ev and returns a normalized copy ready to be
// written. Shared by every Repository implementation.
func PrepareEvidence(ev *ControlEvidence) (*ControlEvidence, error) {
	if _, ok := Lookup(ev.ControlKey); !ok {
		return nil, ErrUnknownControl
	}
	if !ev.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	artifacts, err := Normalize(ev.Artifacts)
	if err != nil {
		return nil, err
	}
	out := *ev
	out.ID = uuid.New().String()
	out.Artifacts = artifacts
	if out.CollectedAt.IsZero() {
		out.CollectedAt = time.Now().UTC()
	}
	return &out, nil
}

// SortByCatalogue orders rows by their control's catalogue position.
func SortByCatalogue(rows []*ControlEvidence) {
	pos := make(map[string]int, len(Controls))
	for i, c := range Controls {
		pos[c.Key] = i
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return pos[rows[i].ControlKey] < pos[rows[j].ControlKey]
	})
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	runOrder []string
	evidence []*ControlEvidence
	checks   []*ExportCheck
}

// NewInMemoryRepository creates an empty in-memory evidence repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		runs: make(map[string]*Run),
	}
}

// CreateRun opens a run in the started state.
func (r *InMemoryRepository) CreateRun(_ context.Context, accountID string, startedAt time.Time) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		AccountID: accountID,
		StartedAt: startedAt.UTC(),
		Status:    RunStarted,
	}

	r.mu.Lock()
	r.runs[run.ID] = run
	r.runOrder = append(r.runOrder, run.ID)
	r.mu.Unlock()

	runCopy := *run
	return &runCopy, nil
}

// FinishRun moves a started run to a terminal state.
func (r *InMemoryRepository) FinishRun(_ context.Context, accountID, runID string, status RunStatus, errorSummary *string, finishedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok || run.AccountID != accountID {
		return ErrRunNotFound
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}
	finished := finishedAt.UTC()
	run.Status = status
	run.FinishedAt = &finished
	if errorSummary != nil {
		summary := *errorSummary
		run.ErrorSummary = &summary
	}
	return nil
}

// GetRun returns one run.
func (r *InMemoryRepository) GetRun(_ context.Context, accountID, runID string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.runs[runID]
	if !ok || run.AccountID != accountID {
		return nil, ErrRunNotFound
	}
	runCopy := *run
	return &runCopy, nil
}

// LatestCompletedRun returns the most recently started success or partial run.
func (r *InMemoryRepository) LatestCompletedRun(_ context.Context, accountID string) (*Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Run
	for _, id := range r.runOrder {
		run := r.runs[id]
		if run.AccountID != accountID || !run.Status.Exportable() {
			continue
		}
		if latest == nil || !run.StartedAt.Before(latest.StartedAt) {
			latest = run
		}
	}
	if latest == nil {
		return nil, ErrRunNotFound
	}
	runCopy := *latest
	return &runCopy, nil
}

// AddEvidence writes one row.
func (r *InMemoryRepository) AddEvidence(_ context.Context, ev *ControlEvidence) (*ControlEvidence, error) {
	row, err := PrepareEvidence(ev)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[row.RunID]
	if !ok || run.AccountID != row.AccountID {
		return nil, ErrRunNotFound
	}
	if run.Status.Terminal() {
		return nil, ErrRunFinished
	}
	for _, existing := range r.evidence {
		if existing.RunID == row.RunID && existing.ControlKey == row.ControlKey {
			return nil, ErrDuplicateEvidence
		}
	}
	r.evidence = append(r.evidence, row)

	rowCopy := *row
	return &rowCopy, nil
}

// RunEvidence returns every row of a run in catalogue order.
func (r *InMemoryRepository) RunEvidence(_ context.Context, accountID, runID string) ([]*ControlEvidence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []*ControlEvidence
	for _, ev := range r.evidence {
		if ev.AccountID == accountID && ev.RunID == runID {
			evCopy := *ev
			rows = append(rows, &evCopy)
		}
	}
	SortByCatalogue(rows)
	return rows, nil
}

// LatestEvidence returns the newest row per control key across runs.
func (r *InMemoryRepository) LatestEvidence(_ context.Context, accountID string) (map[string]*ControlEvidence, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	latest := make(map[string]*ControlEvidence)
	for _, ev := range r.evidence {
		if ev.AccountID != accountID {
			continue
		}
		if cur, ok := latest[ev.ControlKey]; ok && ev.CollectedAt.Before(cur.CollectedAt) {
			continue
		}
		evCopy := *ev
		latest[ev.ControlKey] = &evCopy
	}
	return latest, nil
}

// RecordExportCheck stores an export self-check result.
func (r *InMemoryRepository) RecordExportCheck(_ context.Context, check *ExportCheck) error {
	artifacts, err := Normalize(check.Artifacts)
	if err != nil {
		return err
	}
	checkCopy := *check
	checkCopy.Artifacts = artifacts

	r.mu.Lock()
	r.checks = append(r.checks, &checkCopy)
	r.mu.Unlock()
	return nil
}

// LatestExportCheck returns the newest export self-check.
func (r *InMemoryRepository) LatestExportCheck(_ context.Context, accountID string) (*ExportCheck, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *ExportCheck
	for _, c := range r.checks {
		if c.AccountID != accountID {
			continue
		}
		if latest == nil || !c.CheckedAt.Before(latest.CheckedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrExportCheckNotFound
	}
	checkCopy := *latest
	return &checkCopy, nil
}

// DeleteAccount removes runs, evidence and export checks for the account.
func (r *InMemoryRepository) DeleteAccount(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order := r.runOrder[:0]
	for _, id := range r.runOrder {
		if r.runs[id].AccountID == accountID {
			delete(r.runs, id)
			continue
		}
		order = append(order, id)
	}
	r.runOrder = order

	evidence := r.evidence[:0]
	for _, ev := range r.evidence {
		if ev.AccountID != accountID {
			evidence = append(evidence, ev)
		}
	}
	r.evidence = evidence

	checks := r.checks[:0]
	for _, c := range r.checks {
		if c.AccountID != accountID {
			checks = append(checks, c)
		}
	}
	r.checks = checks
	return nil
}
