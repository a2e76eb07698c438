package registrycore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockTransport is an in-process Transport used by the sync engine tests. It
// lets each test script failures per chunk index and records what was
// pushed and pulled.
type mockTransport struct {
	mu          sync.Mutex
	pushed      [][]*Event
	failOnChunk int // 1-indexed; 0 means never fail
	failKind    Kind

	pullBatches [][]*Event
	pullCursors []time.Time
	pullIdx     int

	pushedAudit []*AuditEntry
	gotTokens   []string
}

func (m *mockTransport) Push(ctx context.Context, token, tenantID string, events []*Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, events)
	m.gotTokens = append(m.gotTokens, token)
	if m.failOnChunk > 0 && len(m.pushed) == m.failOnChunk {
		kind := m.failKind
		if kind == "" {
			kind = KindTransport
		}
		return newError(kind, "mock push failure", nil, nil)
	}
	return nil
}

func (m *mockTransport) Pull(ctx context.Context, token, tenantID string, since time.Time) ([]*Event, *time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotTokens = append(m.gotTokens, token)
	if m.pullIdx >= len(m.pullBatches) {
		return nil, nil, nil
	}
	batch := m.pullBatches[m.pullIdx]
	m.pullIdx++
	var next *time.Time
	if m.pullIdx < len(m.pullBatches) {
		c := m.pullCursors[m.pullIdx-1]
		next = &c
	}
	return batch, next, nil
}

func (m *mockTransport) PushAudit(ctx context.Context, token, tenantID string, entries []*AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushedAudit = append(m.pushedAudit, entries...)
	return nil
}

func newTestPipeline() (*CommandPipeline, EventStore, EntityStore, AuditStore, *DuplicateResolver) {
	events := NewInMemoryEventStore()
	entities := NewInMemoryEntityStore(0)
	audit := NewInMemoryAuditStore()
	appliers := NewApplierRegistry()
	duplicates := NewDuplicateResolver(entities, nil)
	pipeline := NewCommandPipeline(events, entities, audit, appliers, duplicates)
	return pipeline, events, entities, audit, duplicates
}

func mkEvent(guid, entityGUID, typ string, data Payload, ts time.Time) *Event {
	return &Event{GUID: guid, EntityGUID: entityGUID, Type: typ, Data: data, Timestamp: ts, UserID: "tester"}
}

// authedTokens returns a TokenStorage preloaded with a valid opaque token
// under the "default" provider, for tests that need a SyncEngine past its
// §6 currentToken check.
func authedTokens() TokenStorage {
	s := NewInMemoryTokenStorage()
	_ = s.Set("default", "test-bearer-token")
	return s
}

// TestSyncPushPromotesSyncLevel covers S6: a 30-event push with chunk size
// 10 and a permanent failure on the second chunk should land the first 10
// events at REMOTE and leave the rest at LOCAL, with last_local_sync pinned
// to the last event of the last successful chunk.
func TestSyncPushPromotesSyncLevel(t *testing.T) {
	pipeline, events, _, audit, duplicates := newTestPipeline()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		e := mkEvent(guidFor(i), guidFor(i), EventCreateIndividual, Payload{"name": "n"}, ts)
		if _, err := pipeline.Submit("tenant1", e); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	transport := &mockTransport{failOnChunk: 2}
	engine := NewSyncEngine(events, audit, pipeline, duplicates, transport).
		WithChunkSize(10).
		WithRetryPolicy(RetryPolicy{MaxAttempts: 1}).
		WithAuth(authedTokens(), "default")

	err := engine.Sync(context.Background(), "tenant1")
	if err == nil {
		t.Fatal("expected sync to surface the permanent push failure")
	}

	all, _ := events.All("tenant1")
	for i, e := range all {
		want := SyncLevelLocal
		if i < 10 {
			want = SyncLevelRemote
		}
		if e.SyncLevel != want {
			t.Fatalf("event %d: got sync level %v, want %v", i, e.SyncLevel, want)
		}
	}

	lastLocal, _ := events.GetLastLocalSync("tenant1")
	if !lastLocal.Equal(all[9].Timestamp) {
		t.Fatalf("last_local_sync = %v, want %v", lastLocal, all[9].Timestamp)
	}
}

func guidFor(i int) string {
	return fmt.Sprintf("evt-%d", i)
}

// TestSyncPullAppliesThroughPipeline covers property 5: a pulled event is
// applied through the Command Pipeline and lands at sync-level REMOTE.
func TestSyncPullAppliesThroughPipeline(t *testing.T) {
	pipeline, events, entities, audit, duplicates := newTestPipeline()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	remoteEvent := mkEvent("remote-1", "entity-1", EventCreateIndividual, Payload{"name": "Remote"}, ts)

	transport := &mockTransport{
		pullBatches: [][]*Event{{remoteEvent}},
	}
	engine := NewSyncEngine(events, audit, pipeline, duplicates, transport).WithAuth(authedTokens(), "default")

	if err := engine.Sync(context.Background(), "tenant1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	pair, err := entities.Get("tenant1", "entity-1")
	if err != nil || pair == nil || pair.Modified == nil {
		t.Fatalf("expected entity-1 to exist after pull, got pair=%v err=%v", pair, err)
	}
	if pair.Modified.Name != "Remote" {
		t.Fatalf("expected name Remote, got %q", pair.Modified.Name)
	}

	stored, _ := events.Exists("tenant1", "remote-1")
	if !stored {
		t.Fatal("expected pulled event to be persisted locally")
	}
	all, _ := events.All("tenant1")
	if all[0].SyncLevel != SyncLevelRemote {
		t.Fatalf("expected pulled event at REMOTE, got %v", all[0].SyncLevel)
	}

	for _, got := range transport.gotTokens {
		if got != "test-bearer-token" {
			t.Fatalf("expected bearer token to be attached to transport call, got %q", got)
		}
	}
}

// TestSyncPushIncludesAudit covers §6: a push cycle also ships any audit
// entries recorded since the last push, over the same Transport.
func TestSyncPushIncludesAudit(t *testing.T) {
	pipeline, events, _, audit, duplicates := newTestPipeline()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := pipeline.Submit("tenant1", mkEvent("e1", "G1", EventCreateIndividual, Payload{"name": "Ann"}, ts)); err != nil {
		t.Fatalf("submit: %v", err)
	}

	transport := &mockTransport{}
	engine := NewSyncEngine(events, audit, pipeline, duplicates, transport).WithAuth(authedTokens(), "default")

	if err := engine.Sync(context.Background(), "tenant1"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(transport.pushedAudit) == 0 {
		t.Fatal("expected audit entries to be pushed alongside the event chunk")
	}
}

// TestSyncRequiresAuth covers §6: a sync cycle with no token storage
// attached, or no token loaded under the configured provider, aborts with
// Unauthorized before touching the transport.
func TestSyncRequiresAuth(t *testing.T) {
	pipeline, events, _, audit, duplicates := newTestPipeline()
	transport := &mockTransport{}
	engine := NewSyncEngine(events, audit, pipeline, duplicates, transport)

	if err := engine.Sync(context.Background(), "tenant1"); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected Unauthorized with no token storage attached, got %v", err)
	}
	if len(transport.pushed) != 0 {
		t.Fatal("expected no push before a token is attached")
	}

	engine.WithAuth(NewInMemoryTokenStorage(), "default")
	if err := engine.Sync(context.Background(), "tenant1"); KindOf(err) != KindUnauthorized {
		t.Fatalf("expected Unauthorized with an empty token storage, got %v", err)
	}
}

// TestSyncBlockedByPendingDuplicates covers the §4.G pre-check.
func TestSyncBlockedByPendingDuplicates(t *testing.T) {
	pipeline, events, entities, audit, duplicates := newTestPipeline()
	_ = pipeline
	if err := entities.SaveDuplicate("tenant1", DuplicatePair{EntityGUID: "a", DuplicateGUID: "b"}); err != nil {
		t.Fatalf("save duplicate: %v", err)
	}

	transport := &mockTransport{}
	engine := NewSyncEngine(events, audit, pipeline, duplicates, transport).WithAuth(authedTokens(), "default")

	err := engine.Sync(context.Background(), "tenant1")
	if KindOf(err) != KindDuplicatesPending {
		t.Fatalf("expected DuplicatesPending, got %v", err)
	}
}

// TestSyncIsSyncingLatch covers the single-bit latch: a second concurrent
// call for the same tenant returns immediately without running the cycle.
func TestSyncIsSyncingLatch(t *testing.T) {
	pipeline, events, _, audit, duplicates := newTestPipeline()
	transport := &mockTransport{}
	engine := NewSyncEngine(events, audit, pipeline, duplicates, transport).WithAuth(authedTokens(), "default")

	engine.mu.Lock()
	engine.syncing["tenant1"] = true
	engine.mu.Unlock()

	if err := engine.Sync(context.Background(), "tenant1"); err != nil {
		t.Fatalf("expected latched call to no-op, got %v", err)
	}
	if len(transport.pushed) != 0 {
		t.Fatal("expected no push while latch held")
	}
}
