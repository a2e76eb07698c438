package registrycore

import (
	"sort"
	"sync"
	"time"
)

// EventStore is the storage contract for the append-only event log (§4.A,
// §6). Implementations are expected to be backed by an embedded document
// store or a relational server store; this package treats the interface as
// an external collaborator and ships only an in-memory reference
// implementation for tests and for embedding applications that have not
// yet wired a real backend.
type EventStore interface {
	Append(tenantID string, e *Event) error
	// AppendMany is not required to be atomic; it returns the events that
	// were actually persisted even when later elements in the batch fail.
	AppendMany(tenantID string, events []*Event) (succeeded []*Event, err error)
	Exists(tenantID, guid string) (bool, error)
	Since(tenantID string, t time.Time) ([]*Event, error)
	SincePaged(tenantID string, t time.Time, limit int) (events []*Event, nextCursor *time.Time, err error)
	All(tenantID string) ([]*Event, error)
	PromoteSyncLevel(tenantID string, guids []string, level SyncLevel) error

	GetLastLocalSync(tenantID string) (time.Time, error)
	SetLastLocalSync(tenantID string, t time.Time) error
	GetLastRemoteSync(tenantID string) (time.Time, error)
	SetLastRemoteSync(tenantID string, t time.Time) error
	GetLastPushExternalSync(tenantID string) (time.Time, error)
	SetLastPushExternalSync(tenantID string, t time.Time) error
	GetLastPullExternalSync(tenantID string) (time.Time, error)
	SetLastPullExternalSync(tenantID string, t time.Time) error

	GetPersistedRoot(tenantID string) (string, error)
	SetPersistedRoot(tenantID string, root string) error
}

// tenantEventLog is the per-tenant slice of an InMemoryEventStore.
type tenantEventLog struct {
	byGUID             map[string]*Event
	ordered            []*Event // sorted by (timestamp, guid) ascending
	lastLocalSync      time.Time
	lastRemoteSync     time.Time
	lastPushExternal   time.Time
	lastPullExternal   time.Time
	persistedRoot      string
}

// InMemoryEventStore is the reference EventStore implementation. It is the
// one the Façade uses when no external backend has been configured, and it
// is what every package test in this module is built against.
type InMemoryEventStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantEventLog
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{tenants: make(map[string]*tenantEventLog)}
}

func (s *InMemoryEventStore) tenant(id string) *tenantEventLog {
	t, ok := s.tenants[id]
	if !ok {
		t = &tenantEventLog{byGUID: make(map[string]*Event)}
		s.tenants[id] = t
	}
	return t
}

func (s *InMemoryEventStore) insertSorted(t *tenantEventLog, e *Event) {
	idx := sort.Search(len(t.ordered), func(i int) bool {
		if t.ordered[i].Timestamp.Equal(e.Timestamp) {
			return t.ordered[i].GUID >= e.GUID
		}
		return t.ordered[i].Timestamp.After(e.Timestamp)
	})
	t.ordered = append(t.ordered, nil)
	copy(t.ordered[idx+1:], t.ordered[idx:])
	t.ordered[idx] = e
}

func (s *InMemoryEventStore) Append(tenantID string, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tenant(tenantID)
	if _, exists := t.byGUID[e.GUID]; exists {
		return conflictErr("event already exists", map[string]string{"event_guid": e.GUID})
	}
	cp := *e
	t.byGUID[e.GUID] = &cp
	s.insertSorted(t, &cp)
	return nil
}

func (s *InMemoryEventStore) AppendMany(tenantID string, events []*Event) ([]*Event, error) {
	var ok []*Event
	for _, e := range events {
		if err := s.Append(tenantID, e); err != nil {
			return ok, err
		}
		ok = append(ok, e)
	}
	return ok, nil
}

func (s *InMemoryEventStore) Exists(tenantID, guid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return false, nil
	}
	_, exists := t.byGUID[guid]
	return exists, nil
}

func (s *InMemoryEventStore) Since(tenantID string, ts time.Time) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	var out []*Event
	for _, e := range t.ordered {
		if e.Timestamp.After(ts) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryEventStore) SincePaged(tenantID string, ts time.Time, limit int) ([]*Event, *time.Time, error) {
	all, err := s.Since(tenantID, ts)
	if err != nil {
		return nil, nil, err
	}
	if limit <= 0 || limit >= len(all) {
		if len(all) == 0 {
			return nil, nil, nil
		}
		cursor := all[len(all)-1].Timestamp
		return all, &cursor, nil
	}
	page := all[:limit]
	var cursor *time.Time
	if len(page) > 0 {
		c := page[len(page)-1].Timestamp
		cursor = &c
	}
	return page, cursor, nil
}

func (s *InMemoryEventStore) All(tenantID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	out := make([]*Event, len(t.ordered))
	copy(out, t.ordered)
	return out, nil
}

func (s *InMemoryEventStore) PromoteSyncLevel(tenantID string, guids []string, level SyncLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil
	}
	for _, g := range guids {
		if e, ok := t.byGUID[g]; ok && level > e.SyncLevel {
			e.SyncLevel = level
		}
	}
	return nil
}

func (s *InMemoryEventStore) GetLastLocalSync(tenantID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok {
		return t.lastLocalSync, nil
	}
	return time.Time{}, nil
}

func (s *InMemoryEventStore) SetLastLocalSync(tenantID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant(tenantID).lastLocalSync = ts
	return nil
}

func (s *InMemoryEventStore) GetLastRemoteSync(tenantID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok {
		return t.lastRemoteSync, nil
	}
	return time.Time{}, nil
}

func (s *InMemoryEventStore) SetLastRemoteSync(tenantID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant(tenantID).lastRemoteSync = ts
	return nil
}

func (s *InMemoryEventStore) GetLastPushExternalSync(tenantID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok {
		return t.lastPushExternal, nil
	}
	return time.Time{}, nil
}

func (s *InMemoryEventStore) SetLastPushExternalSync(tenantID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant(tenantID).lastPushExternal = ts
	return nil
}

func (s *InMemoryEventStore) GetLastPullExternalSync(tenantID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok {
		return t.lastPullExternal, nil
	}
	return time.Time{}, nil
}

func (s *InMemoryEventStore) SetLastPullExternalSync(tenantID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant(tenantID).lastPullExternal = ts
	return nil
}

func (s *InMemoryEventStore) GetPersistedRoot(tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok {
		return t.persistedRoot, nil
	}
	return "", nil
}

func (s *InMemoryEventStore) SetPersistedRoot(tenantID string, root string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenant(tenantID).persistedRoot = root
	return nil
}
