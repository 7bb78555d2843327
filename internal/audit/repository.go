package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository stores audit events.
type Repository interface {
	// Append assigns the event's ID and links it to the account's last
	// event. Appends for one account are serialized.
	Append(ctx context.Context, entry Entry, createdAt time.Time) (*Event, error)

	// List returns the account's events, oldest first. Limit 0 means no limit;
	// a positive limit keeps the newest events.
	List(ctx context.Context, accountID string, limit int) ([]*Event, error)

	// LastHash returns the Hash of the account's newest event, or "".
	LastHash(ctx context.Context, accountID string) (string, error)

	// DeleteAccount removes every event of the account.
	DeleteAccount(ctx context.Context, accountID string) error
}

// NewEvent builds the event appended after prevHash. Shared by every
// Repository implementation. CreatedAt is kept at microsecond precision so
// the hash survives a round trip through SQL timestamp columns.
func NewEvent(entry Entry, createdAt time.Time, prevHash string) *Event {
	return &Event{
		ID:           uuid.New().String(),
		AccountID:    entry.AccountID,
		Action:       entry.Action,
		Outcome:      entry.Outcome,
		Metadata:     entry.Metadata,
		RequestID:    entry.RequestID,
		IPAddress:    entry.IPAddress,
		CreatedAt:    createdAt.UTC().Truncate(time.Microsecond),
		PreviousHash: prevHash,
	}
}

// InMemoryRepository is an in-memory implementation of Repository.
// Used for testing and development. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu     sync.RWMutex
	events map[string][]*Event
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		events: make(map[string][]*Event),
	}
}

// Append records an event.
func (r *InMemoryRepository) Append(_ context.Context, entry Entry, createdAt time.Time) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := ""
	if chain := r.events[entry.AccountID]; len(chain) > 0 {
		prev = chain[len(chain)-1].Hash()
	}
	event := NewEvent(entry, createdAt, prev)
	r.events[entry.AccountID] = append(r.events[entry.AccountID], event)

	eventCopy := *event
	return &eventCopy, nil
}

// List returns the account's events, oldest first.
func (r *InMemoryRepository) List(_ context.Context, accountID string, limit int) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.events[accountID]
	if limit > 0 && len(chain) > limit {
		chain = chain[len(chain)-limit:]
	}
	out := make([]*Event, len(chain))
	for i, e := range chain {
		eventCopy := *e
		out[i] = &eventCopy
	}
	return out, nil
}

// LastHash returns the Hash of the account's newest event.
func (r *InMemoryRepository) LastHash(_ context.Context, accountID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.events[accountID]
	if len(chain) == 0 {
		return "", nil
	}
	return chain[len(chain)-1].Hash(), nil
}

// DeleteAccount removes every event of the account.
func (r *InMemoryRepository) DeleteAccount(_ context.Context, accountID string) error {
	r.mu.Lock()
	delete(r.events, accountID)
	r.mu.Unlock()
	return nil
}
