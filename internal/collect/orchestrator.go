// Package collect runs evidence collection for an account: one immutable
// run holding exactly one row per catalogue control.
package collect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/evidence"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/provider"
	"github.com/giselleevita/dk-procurement-security-pack-generator/internal/tracing"
)

// ConnectionChecker reports whether a provider credential is stored.
type ConnectionChecker interface {
	Connected(ctx context.Context, accountID, provider string) (bool, error)
}

// Summary is the outcome of one run.
type Summary struct {
	RunID  string             `json:"run_id"`
	Status evidence.RunStatus `json:"status"`
	Errors []string           `json:"errors"`
}

// Config configures an Orchestrator.
type Config struct {
	Repository  evidence.Repository
	Sources     []provider.Source
	Connections ConnectionChecker
	Metrics     *Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// Orchestrator creates runs and fans out to provider sources.
type Orchestrator struct {
	repo        evidence.Repository
	sources     []provider.Source
	connections ConnectionChecker
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		repo:        cfg.Repository,
		sources:     cfg.Sources,
		connections: cfg.Connections,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Collect performs one evidence run. Provider faults never fail the run;
// they become unknown rows and mark it partial. A storage failure finishes
// the run as failed and is returned.
func (o *Orchestrator) Collect(ctx context.Context, accountID string) (summary *Summary, err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "collect.run")
	defer func() { endSpan(err) }()

	started := o.now().UTC()
	run, err := o.repo.CreateRun(ctx, accountID, started)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	tracing.SetAttributes(ctx, attribute.String("run.id", run.ID))
	logger := o.logger.With("account_id", accountID, "run_id", run.ID)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		errs     = make([]string, len(o.sources))
		writeErr error
	)
	for i, src := range o.sources {
		wg.Add(1)
		go func(i int, src provider.Source) {
			defer wg.Done()
			tag, err := o.collectSource(ctx, run.ID, accountID, src)
			mu.Lock()
			defer mu.Unlock()
			errs[i] = tag
			if err != nil && writeErr == nil {
				writeErr = err
			}
		}(i, src)
	}
	wg.Wait()

	if writeErr == nil {
		writeErr = o.writeHygiene(ctx, run.ID, accountID)
	}

	var errorTags []string
	for _, tag := range errs {
		if tag != "" {
			errorTags = append(errorTags, tag)
		}
	}

	status := evidence.RunSuccess
	var errorSummary *string
	switch {
	// Any lost row fails the whole run so it is never picked for export.
	case writeErr != nil:
		status = evidence.RunFailed
		msg := "evidence write failed"
		errorSummary = &msg
	case len(errorTags) > 0:
		status = evidence.RunPartial
		joined := strings.Join(errorTags, "; ")
		errorSummary = &joined
	}

	finishErr := o.repo.FinishRun(ctx, accountID, run.ID, status, errorSummary, o.now().UTC())
	if o.metrics != nil {
		o.metrics.ObserveRun(string(status), o.now().Sub(started).Seconds())
	}
	if writeErr != nil {
		logger.ErrorContext(ctx, "evidence run failed", "error", writeErr)
		return nil, errors.Join(fmt.Errorf("failed to write evidence: %w", writeErr), finishErr)
	}
	if finishErr != nil {
		return nil, fmt.Errorf("failed to finish run: %w", finishErr)
	}

	logger.InfoContext(ctx, "evidence run finished", "status", status, "errors", len(errorTags))
	if errorTags == nil {
		errorTags = []string{}
	}
	return &Summary{RunID: run.ID, Status: status, Errors: errorTags}, nil
}

// collectSource runs one source and writes its rows. It returns the run
// error tag ("" when the provider did not error) and any storage error.
func (o *Orchestrator) collectSource(ctx context.Context, runID, accountID string, src provider.Source) (string, error) {
	p := src.Provider()
	ctx, endSpan := tracing.StartSpan(ctx, "collect."+string(p))

	result := o.safeCollect(ctx, accountID, src)
	drafts := result.Drafts
	tag := ""
	if !result.IsOk() {
		drafts = evidence.Placeholders(p, result.Failure.Artifacts, result.Failure.Notes)
		if result.Failure.Err != nil {
			errType := provider.ErrorType(result.Failure.Err)
			tag = string(p) + ": " + errType
			if o.metrics != nil {
				o.metrics.IncProviderFailure(string(p), errType)
			}
		}
	}
	drafts = o.complete(ctx, p, drafts)

	var err error
	for _, d := range drafts {
		if err = o.write(ctx, runID, accountID, d); err != nil {
			break
		}
	}
	if result.Failure != nil && result.Failure.Err != nil {
		endSpan(result.Failure.Err)
	} else {
		endSpan(err)
	}
	return tag, err
}

// safeCollect recovers a panicking source into a whole-provider failure.
func (o *Orchestrator) safeCollect(ctx context.Context, accountID string, src provider.Source) (result evidence.Result) {
	p := src.Provider()
	defer func() {
		if r := recover(); r != nil {
			o.logger.ErrorContext(ctx, "provider source panicked", "provider", p, "panic", fmt.Sprint(r))
			result = evidence.Failed(p, wholeProviderFailure(p, fmt.Errorf("%s source panic: %v", p, r)))
		}
	}()
	return src.Collect(ctx, accountID)
}

// wholeProviderFailure is the failure written when a source cannot run at all.
func wholeProviderFailure(p evidence.Provider, err error) evidence.Failure {
	notes := "GitHub evidence collection failed; reconnect or check permissions."
	if p == evidence.ProviderMicrosoft {
		notes = "Microsoft evidence collection failed; reconnect or check permissions/admin consent."
	}
	return evidence.Failure{
		Artifacts: evidence.Artifacts{"error": string(p) + "_collection_failed", "error_type": provider.ErrorType(err)},
		Notes:     notes,
		Err:       err,
	}
}

// complete keeps one draft per provider key in catalogue order, dropping
// foreign or duplicate keys and filling gaps with unknown placeholders.
func (o *Orchestrator) complete(ctx context.Context, p evidence.Provider, drafts []evidence.Draft) []evidence.Draft {
	byKey := make(map[string]evidence.Draft, len(drafts))
	for _, d := range drafts {
		if c, ok := evidence.Lookup(d.ControlKey); !ok || c.Provider != p {
			o.logger.WarnContext(ctx, "dropping draft for foreign control", "provider", p, "control_key", d.ControlKey)
			continue
		}
		if _, dup := byKey[d.ControlKey]; dup {
			continue
		}
		d.Provider = p
		byKey[d.ControlKey] = d
	}

	out := make([]evidence.Draft, 0, len(evidence.KeysFor(p)))
	for _, key := range evidence.KeysFor(p) {
		d, ok := byKey[key]
		if !ok {
			d = evidence.Draft{
				ControlKey: key,
				Provider:   p,
				Status:     evidence.StatusUnknown,
				Artifacts:  evidence.Artifacts{"error": string(p) + "_collection_failed", "error_type": "MissingControl"},
				Notes:      wholeProviderFailure(p, nil).Notes,
			}
		}
		out = append(out, d)
	}
	return out
}

func (o *Orchestrator) writeHygiene(ctx context.Context, runID, accountID string) error {
	rows, err := o.repo.RunEvidence(ctx, accountID, runID)
	if err != nil {
		return err
	}
	gh := o.connected(ctx, accountID, string(evidence.ProviderGitHub))
	ms := o.connected(ctx, accountID, string(evidence.ProviderMicrosoft))
	for _, d := range hygieneDrafts(rows, gh, ms, o.now().UTC()) {
		if err := o.write(ctx, runID, accountID, d); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) connected(ctx context.Context, accountID, p string) bool {
	if o.connections == nil {
		return false
	}
	ok, err := o.connections.Connected(ctx, accountID, p)
	if err != nil {
		o.logger.WarnContext(ctx, "connection lookup failed", "provider", p, "error", err)
		return false
	}
	return ok
}

func (o *Orchestrator) write(ctx context.Context, runID, accountID string, d evidence.Draft) error {
	_, err := o.repo.AddEvidence(ctx, &evidence.ControlEvidence{
		AccountID:   accountID,
		RunID:       runID,
		ControlKey:  d.ControlKey,
		Provider:    d.Provider,
		Status:      d.Status,
		Artifacts:   d.Artifacts,
		Notes:       d.Notes,
		CollectedAt: o.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", d.ControlKey, err)
	}
	return nil
}
