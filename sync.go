package registrycore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// SyncEngine drives the two-phase push/pull cycle of §4.G against a single
// Transport. One SyncEngine is shared by every tenant; the is_syncing latch
// is per-tenant so that syncing tenant A never blocks tenant B.
type SyncEngine struct {
	events     EventStore
	audit      AuditStore
	pipeline   *CommandPipeline
	duplicates *DuplicateResolver
	transport  Transport
	retry      RetryPolicy
	chunkSize  int

	tokens       TokenStorage
	authProvider string

	mu      sync.Mutex
	syncing map[string]bool
}

func NewSyncEngine(events EventStore, audit AuditStore, pipeline *CommandPipeline, duplicates *DuplicateResolver, transport Transport) *SyncEngine {
	return &SyncEngine{
		events:     events,
		audit:      audit,
		pipeline:   pipeline,
		duplicates: duplicates,
		transport:  transport,
		retry:      RetryPolicy{}.orDefaults(),
		chunkSize:  10,
		syncing:    make(map[string]bool),
	}
}

// WithChunkSize overrides the default push chunk size (10) and returns the
// engine for chaining.
func (s *SyncEngine) WithChunkSize(n int) *SyncEngine {
	if n > 0 {
		s.chunkSize = n
	}
	return s
}

// WithRetryPolicy overrides the default retry policy (3 attempts, 1s base).
func (s *SyncEngine) WithRetryPolicy(p RetryPolicy) *SyncEngine {
	s.retry = p.orDefaults()
	return s
}

// WithAuth attaches the token storage and provider key a sync cycle draws
// its bearer token from (§6). Without it, Sync aborts every cycle with
// Unauthorized rather than push or pull unauthenticated.
func (s *SyncEngine) WithAuth(tokens TokenStorage, provider string) *SyncEngine {
	s.tokens = tokens
	s.authProvider = provider
	return s
}

// currentToken loads the bearer token lazily at sync start, per §6, failing
// fast with Unauthorized before any network call when it is absent, expired,
// or no token storage was ever attached.
func (s *SyncEngine) currentToken(tenantID string) (string, error) {
	if s.tokens == nil {
		return "", unauthorizedErr("sync engine has no token storage configured", map[string]string{"tenant": tenantID})
	}
	return bearerToken(s.tokens, s.authProvider)
}

func (s *SyncEngine) acquire(tenantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing[tenantID] {
		return false
	}
	s.syncing[tenantID] = true
	return true
}

func (s *SyncEngine) release(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.syncing, tenantID)
}

// Sync runs the pre-check, push, and pull phases in order. A concurrent call
// for the same tenant while one is already in flight returns immediately
// without error (the is_syncing latch of §4.G).
func (s *SyncEngine) Sync(ctx context.Context, tenantID string) error {
	if !s.acquire(tenantID) {
		return nil
	}
	defer s.release(tenantID)

	token, err := s.currentToken(tenantID)
	if err != nil {
		return err
	}

	pending, err := s.duplicates.HasPending(tenantID)
	if err != nil {
		return err
	}
	if pending {
		return duplicatesPendingErr(map[string]string{"tenant": tenantID})
	}

	if err := s.push(ctx, token, tenantID); err != nil {
		return err
	}
	return s.pull(ctx, token, tenantID)
}

// push implements the push phase of §4.G: read events newer than
// last_local_sync, chunk them, send each chunk with retry, and promote
// sync-level only for chunks that actually landed.
func (s *SyncEngine) push(ctx context.Context, token, tenantID string) error {
	lastSync, err := s.events.GetLastLocalSync(tenantID)
	if err != nil {
		return err
	}
	pending, err := s.events.Since(tenantID, lastSync)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var lastPushedTimestamp time.Time
	for start := 0; start < len(pending); start += s.chunkSize {
		select {
		case <-ctx.Done():
			return s.abortPush(tenantID, lastPushedTimestamp, ctx.Err())
		default:
		}

		end := start + s.chunkSize
		if end > len(pending) {
			end = len(pending)
		}
		chunk := pending[start:end]

		if err := s.pushChunkWithRetry(ctx, token, tenantID, chunk); err != nil {
			return s.abortPush(tenantID, lastPushedTimestamp, err)
		}

		guids := make([]string, len(chunk))
		for i, e := range chunk {
			guids[i] = e.GUID
		}
		if err := s.events.PromoteSyncLevel(tenantID, guids, SyncLevelRemote); err != nil {
			return err
		}
		lastPushedTimestamp = chunk[len(chunk)-1].Timestamp
	}

	if err := s.pushAudit(ctx, token, tenantID, lastSync); err != nil {
		return s.abortPush(tenantID, lastPushedTimestamp, err)
	}

	return s.events.SetLastLocalSync(tenantID, time.Now())
}

// pushAudit ships the audit entries produced since the last successful push
// alongside the event chunks, per §6's separate audit-push endpoint. A
// failure here does not roll back the event push already committed; it
// surfaces so the caller can retry the whole cycle.
func (s *SyncEngine) pushAudit(ctx context.Context, token, tenantID string, since time.Time) error {
	entries, err := s.audit.Since(tenantID, since)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := s.transport.PushAudit(ctx, token, tenantID, entries); err != nil {
		return transportErr("audit push failed", err, map[string]string{"tenant": tenantID})
	}
	return nil
}

// abortPush records last_local_sync at the last successful chunk boundary
// and surfaces the definitive error, per §4.G's "on definitive failure"
// paragraph and §5's cancellation paragraph.
func (s *SyncEngine) abortPush(tenantID string, lastPushedTimestamp time.Time, cause error) error {
	if !lastPushedTimestamp.IsZero() {
		if err := s.events.SetLastLocalSync(tenantID, lastPushedTimestamp); err != nil {
			return err
		}
	}
	return cause
}

func (s *SyncEngine) pushChunkWithRetry(ctx context.Context, token, tenantID string, chunk []*Event) error {
	var lastErr error
	for attempt := 1; attempt <= s.retry.MaxAttempts; attempt++ {
		err := s.transport.Push(ctx, token, tenantID, chunk)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetriable(err) {
			return err
		}
		if attempt == s.retry.MaxAttempts {
			break
		}
		delay := s.retry.BaseDelay * time.Duration(attempt)
		logger.Printf("sync: tenant %s push attempt %d/%d failed (%v), retrying in %s", tenantID, attempt, s.retry.MaxAttempts, err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// pull implements the pull phase of §4.G: cursor-paginated fetch, applied
// batch by batch through the Command Pipeline, with the cursor advancing
// only after a batch fully applies.
func (s *SyncEngine) pull(ctx context.Context, token, tenantID string) error {
	cursor, err := s.events.GetLastRemoteSync(tenantID)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, next, err := s.transport.Pull(ctx, token, tenantID, cursor)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if next == nil {
				return nil
			}
			cursor = *next
			continue
		}

		sort.Slice(batch, func(i, j int) bool { return batch[i].Timestamp.Before(batch[j].Timestamp) })

		if err := s.applyPulledBatch(tenantID, batch); err != nil {
			return err
		}

		cursor = batch[len(batch)-1].Timestamp
		if err := s.events.SetLastRemoteSync(tenantID, cursor); err != nil {
			return err
		}

		if next == nil {
			return nil
		}
	}
}

func (s *SyncEngine) applyPulledBatch(tenantID string, batch []*Event) error {
	for _, e := range batch {
		e.SyncLevel = SyncLevelRemote
		exists, err := s.events.Exists(tenantID, e.GUID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.pipeline.Submit(tenantID, e); err != nil {
			return err
		}
	}
	return nil
}
