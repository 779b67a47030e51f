package call

import (
	"fmt"
	"sort"
	"sync"

	"callbridge/internal/domain"
)

// Table is the registry of live sessions. A session is present from the
// moment it is created until it ends or is discarded.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[string]*Session)}
}

// Insert adds s. Inserting an id twice is an error.
func (t *Table) Insert(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[s.ID()]; ok {
		return domain.NewSubSystemError("call", "Table.Insert", domain.ErrInvalidInput,
			fmt.Sprintf("duplicate call id %s", s.ID()))
	}
	t.sessions[s.ID()] = s
	return nil
}

// Get returns the session for callID.
func (t *Table) Get(callID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[callID]
	return s, ok
}

// Lookup is Get with a not-found error suitable for replying to clients.
func (t *Table) Lookup(callID string) (*Session, error) {
	if s, ok := t.Get(callID); ok {
		return s, nil
	}
	return nil, domain.NewSubSystemError("call", "Table.Lookup", domain.ErrNotFound,
		fmt.Sprintf("unknown call %q", callID))
}

// Remove deletes callID and reports whether it was present.
func (t *Table) Remove(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[callID]; !ok {
		return false
	}
	delete(t.sessions, callID)
	return true
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Sessions returns the live sessions ordered by call id, oldest first.
func (t *Table) Sessions() []*Session {
	t.mu.RLock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
