package circuit

import (
	"context"
	"errors"
	"sync"
)

// ErrStateNotInitialized is returned by Load before Init has run
var ErrStateNotInitialized = errors.New("circuit breaker state not initialized")

// StateStore persists the breaker record and its audit trail
type StateStore interface {
	// Init stores rec only if no record exists; reports whether it did
	Init(ctx context.Context, rec Record) (bool, error)
	Load(ctx context.Context) (*Record, error)
	// Update applies fn atomically to the stored record. An error from fn aborts the write.
	Update(ctx context.Context, fn func(*Record) error) (*Record, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	// History returns up to limit entries, newest first
	History(ctx context.Context, limit int) ([]AuditEntry, error)
}

// MemoryStore keeps breaker state in process memory for single-instance runs and tests
type MemoryStore struct {
	mu      sync.Mutex
	rec     *Record
	entries []AuditEntry
	fail    error
}

var _ StateStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SetFailure makes every call return err until cleared with nil
func (m *MemoryStore) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *MemoryStore) Init(ctx context.Context, rec Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	if m.rec != nil {
		return false, nil
	}
	c := rec
	m.rec = &c
	return true, nil
}

func (m *MemoryStore) Load(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	if m.rec == nil {
		return nil, ErrStateNotInitialized
	}
	c := *m.rec
	return &c, nil
}

func (m *MemoryStore) Update(ctx context.Context, fn func(*Record) error) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	if m.rec == nil {
		return nil, ErrStateNotInitialized
	}
	next := *m.rec
	if err := fn(&next); err != nil {
		return nil, err
	}
	m.rec = &next
	c := next
	return &c, nil
}

func (m *MemoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, limit int) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make([]AuditEntry, 0, min(limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}
