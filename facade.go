package registrycore

import (
	"context"
	"time"
)

// Config selects the knobs the Façade exposes over the defaults its
// sub-components otherwise apply on their own.
type Config struct {
	PushChunkSize        int           // default 10
	RetryAttempts        int           // default 3
	RetryBaseDelay       time.Duration // default 1s
	EntityCacheSize      int           // default 1024 (used when 0), a negative value disables caching
	DuplicateMatchFields []string      // default ["name"]
	AuthProvider         string        // default "default"
}

func (c Config) orDefaults() Config {
	if c.PushChunkSize <= 0 {
		c.PushChunkSize = 10
	}
	if c.EntityCacheSize == 0 {
		c.EntityCacheSize = 1024
	}
	if c.AuthProvider == "" {
		c.AuthProvider = "default"
	}
	return c
}

// Registry is the single façade (component J) an embedding application
// talks to. It owns every sub-component and wires them together exactly as
// the component table's dataflow describes: a command enters the pipeline,
// which writes the event log, updates the Merkle index, and calls the
// applier registry; the sync engine reads the event/entity/audit stores on
// push and writes through the pipeline on pull.
type Registry struct {
	Events     EventStore
	Entities   EntityStore
	Audit      AuditStore
	Appliers   *ApplierRegistry
	Duplicates *DuplicateResolver
	Pipeline   *CommandPipeline
	Sync       *SyncEngine
	External   *ExternalSyncManager
	Tokens     TokenStorage

	config Config
}

// NewRegistry wires an in-memory reference deployment: in-memory event,
// entity, and audit stores, the built-in applier registry, a bloom-filter
// backed duplicate resolver, and a sync engine bound to transport. transport
// may be nil when the embedding application only needs the local engine
// (no server sync configured yet).
func NewRegistry(transport Transport, cfg Config) *Registry {
	cfg = cfg.orDefaults()

	events := NewInMemoryEventStore()
	entities := NewInMemoryEntityStore(cfg.EntityCacheSize)
	audit := NewInMemoryAuditStore()
	appliers := NewApplierRegistry()
	duplicates := NewDuplicateResolver(entities, cfg.DuplicateMatchFields)
	pipeline := NewCommandPipeline(events, entities, audit, appliers, duplicates)

	tokens := NewInMemoryTokenStorage()

	r := &Registry{
		Events:     events,
		Entities:   entities,
		Audit:      audit,
		Appliers:   appliers,
		Duplicates: duplicates,
		Pipeline:   pipeline,
		Tokens:     tokens,
		config:     cfg,
	}

	if transport != nil {
		engine := NewSyncEngine(events, audit, pipeline, duplicates, transport).
			WithChunkSize(cfg.PushChunkSize).
			WithRetryPolicy(RetryPolicy{MaxAttempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}).
			WithAuth(tokens, cfg.AuthProvider)
		r.Sync = engine
	}

	return r
}

// Submit is the mutation entry point: create/update/delete individuals and
// groups, add/remove members, resolve duplicates, all flow through here.
func (r *Registry) Submit(tenantID string, event *Event) (*EntitySnapshot, error) {
	return r.Pipeline.Submit(tenantID, event)
}

// Get returns an entity pair by GUID, or nil if absent.
func (r *Registry) Get(tenantID, guid string) (*EntityPair, error) {
	return r.Entities.Get(tenantID, guid)
}

// Search runs a field-predicate query over the tenant's entities.
func (r *Registry) Search(tenantID string, criteria SearchCriteria) ([]*EntityPair, error) {
	return r.Entities.Search(tenantID, criteria)
}

// AuditTrail returns the chronological audit entries for one entity.
func (r *Registry) AuditTrail(tenantID, entityGUID string) ([]*AuditEntry, error) {
	return r.Audit.ByEntity(tenantID, entityGUID)
}

// MerkleRoot exposes the tenant's current integrity root.
func (r *Registry) MerkleRoot(tenantID string) (string, error) {
	return r.Pipeline.MerkleRoot(tenantID)
}

// PendingDuplicates lists unresolved duplicate pairs for a tenant.
func (r *Registry) PendingDuplicates(tenantID string) ([]DuplicatePair, error) {
	return r.Duplicates.List(tenantID)
}

// SyncNow runs the Internal Sync Engine's push/pull cycle. It requires a
// Transport to have been supplied at construction; callers expecting
// external-system sync should call SyncExternal instead.
func (r *Registry) SyncNow(ctx context.Context, tenantID string) error {
	if r.Sync == nil {
		return storageErr("sync engine not configured (no transport)", nil, map[string]string{"tenant": tenantID})
	}
	return r.Sync.Sync(ctx, tenantID)
}

// ConfigureExternal attaches an External Sync Manager for a third-party
// adapter; SyncExternal becomes usable once this has been called.
func (r *Registry) ConfigureExternal(adapter ExternalAdapter, convert func(Payload) (*Event, error)) {
	r.External = NewExternalSyncManager(adapter, convert, r.Events, r.Pipeline)
}

func (r *Registry) SyncExternal(ctx context.Context, tenantID string, credentials map[string]string) error {
	if r.External == nil {
		return storageErr("external sync manager not configured", nil, map[string]string{"tenant": tenantID})
	}
	return r.External.Sync(ctx, tenantID, credentials)
}
