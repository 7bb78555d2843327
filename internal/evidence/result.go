package evidence

// Result is what a provider source hands to the orchestrator: either the
// drafts it produced, or a failure that degrades every control the
// provider owns to unknown.
type Result struct {
	Provider Provider
	Drafts   []Draft
	Failure  *Failure
}

// Failure describes why a provider produced no per-control evidence.
type Failure struct {
	// Artifacts is copied onto every placeholder row.
	Artifacts Artifacts
	// Notes is the human-readable reason shown on every placeholder row.
	Notes string
	// Err is set when the provider errored. A failure without Err (for
	// example a provider that is simply not connected) does not mark the
	// run partial.
	Err error
}

// Ok wraps drafts produced by a provider.
func Ok(p Provider, drafts []Draft) Result {
	return Result{Provider: p, Drafts: drafts}
}

// Failed wraps a provider failure.
func Failed(p Provider, f Failure) Result {
	return Result{Provider: p, Failure: &f}
}

// IsOk reports whether the provider produced drafts.
func (r Result) IsOk() bool {
	return r.Failure == nil
}

// Placeholders returns one unknown draft per control the provider owns.
func Placeholders(p Provider, artifacts Artifacts, notes string) []Draft {
	keys := KeysFor(p)
	drafts := make([]Draft, 0, len(keys))
	for _, key := range keys {
		drafts = append(drafts, Draft{
			ControlKey: key,
			Provider:   p,
			Status:     StatusUnknown,
			Artifacts:  artifacts,
			Notes:      notes,
		})
	}
	return drafts
}
