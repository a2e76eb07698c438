package registrycore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// CommandPipeline is the single entry point for mutation (§4.F). It
// validates, detects duplicates, dispatches to the applier registry,
// persists the event and the resulting state, and appends an audit entry.
//
// The pipeline holds the one mutex per engine instance that the
// concurrency model (§5) requires: Submit and the recursive follow-up calls
// it makes are the only writers, and they run one at a time.
type CommandPipeline struct {
	events     EventStore
	entities   EntityStore
	audit      AuditStore
	appliers   *ApplierRegistry
	duplicates *DuplicateResolver

	mu      sync.Mutex
	merkles map[string]*MerkleIndex
}

func NewCommandPipeline(events EventStore, entities EntityStore, audit AuditStore, appliers *ApplierRegistry, duplicates *DuplicateResolver) *CommandPipeline {
	return &CommandPipeline{
		events:     events,
		entities:   entities,
		audit:      audit,
		appliers:   appliers,
		duplicates: duplicates,
		merkles:    make(map[string]*MerkleIndex),
	}
}

// MerkleRoot returns the current root for a tenant without requiring a
// submit. It is synchronous but not non-blocking: it takes the pipeline
// mutex, so it waits for any in-flight Submit (including its follow-ups) to
// finish, and on first touch for a tenant it builds the index from the
// event log.
func (p *CommandPipeline) MerkleRoot(tenantID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.merkleForLocked(tenantID)
	if err != nil {
		return "", err
	}
	return idx.Root(), nil
}

// Proof exposes the Merkle index's inclusion proof for an already-persisted
// event.
func (p *CommandPipeline) Proof(tenantID string, event *Event) ([]ProofElement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := p.merkleForLocked(tenantID)
	if err != nil {
		return nil, err
	}
	return idx.Proof(event)
}

// merkleForLocked lazily builds (or rebuilds, on first touch) the tenant's
// Merkle index from the persisted event log, logging and overwriting the
// persisted root on divergence (§4.B persistence paragraph). Callers must
// hold p.mu.
func (p *CommandPipeline) merkleForLocked(tenantID string) (*MerkleIndex, error) {
	if idx, ok := p.merkles[tenantID]; ok {
		return idx, nil
	}
	idx := NewMerkleIndex()
	events, err := p.events.All(tenantID)
	if err != nil {
		return nil, storageErr("load events for merkle rebuild", err, map[string]string{"tenant": tenantID})
	}
	if err := idx.Rebuild(events); err != nil {
		return nil, integrityErr("rebuild merkle tree: "+err.Error(), map[string]string{"tenant": tenantID})
	}
	recomputed := idx.Root()
	persisted, err := p.events.GetPersistedRoot(tenantID)
	if err != nil {
		return nil, storageErr("load persisted merkle root", err, map[string]string{"tenant": tenantID})
	}
	if persisted != "" && persisted != recomputed {
		logger.Printf("integrity warning: tenant %s persisted merkle root %s does not match recomputed root %s; adopting recomputed root", tenantID, persisted, recomputed)
	}
	if err := p.events.SetPersistedRoot(tenantID, recomputed); err != nil {
		return nil, storageErr("persist merkle root", err, map[string]string{"tenant": tenantID})
	}
	p.merkles[tenantID] = idx
	return idx, nil
}

// Submit is the public entry point. It serializes against every other
// Submit call (and the follow-ups it triggers) on this pipeline instance.
func (p *CommandPipeline) Submit(tenantID string, event *Event) (*EntitySnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitLocked(tenantID, event)
}

func (p *CommandPipeline) submitLocked(tenantID string, event *Event) (*EntitySnapshot, error) {
	if event == nil || event.GUID == "" {
		return nil, validationErr("event must carry a guid", nil)
	}
	event.TenantID = tenantID

	// Step 1: idempotency.
	exists, err := p.events.Exists(tenantID, event.GUID)
	if err != nil {
		return nil, storageErr("check event existence", err, map[string]string{"event_guid": event.GUID})
	}
	if exists {
		pair, err := p.entities.Get(tenantID, event.EntityGUID)
		if err != nil {
			return nil, storageErr("load entity after idempotent replay", err, map[string]string{"entity_guid": event.EntityGUID})
		}
		if pair == nil {
			return nil, nil
		}
		return pair.Modified, nil
	}

	// Step 2: look up the applier.
	applierFn, ok := p.appliers.Lookup(event.Type)
	if !ok {
		return nil, withCode(newError(KindValidation, fmt.Sprintf("unknown event type %q", event.Type), nil, map[string]string{"event_guid": event.GUID}), CodeUnknownEventType)
	}

	// Step 3: load current pair (nil for a creation).
	currentPair, err := p.entities.Get(tenantID, event.EntityGUID)
	if err != nil {
		return nil, storageErr("load current entity", err, map[string]string{"entity_guid": event.EntityGUID})
	}
	var current *EntitySnapshot
	if currentPair != nil {
		current = currentPair.Modified
	}

	// Step 4: duplicate detection (creation only).
	isCreation := current == nil && (event.Type == EventCreateIndividual || event.Type == EventCreateGroup)
	var variant EntityVariant
	if event.Type == EventCreateIndividual {
		variant = VariantIndividual
	} else {
		variant = VariantGroup
	}
	var newDuplicates []DuplicatePair
	if isCreation && p.duplicates != nil {
		matches, err := p.duplicates.Detect(tenantID, variant, event.Data)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			newDuplicates = append(newDuplicates, DuplicatePair{EntityGUID: event.EntityGUID, DuplicateGUID: m.GUID})
		}
	}

	// Step 5: invoke the applier. Nothing has been written to the event log
	// or the entity store yet, so an applier error leaves both untouched.
	// The exception is resolve-duplicate, whose applier removes pairs from
	// the duplicate set directly (see ApplierContext); pairs it already
	// removed are not restored when it fails.
	ctx := &ApplierContext{TenantID: tenantID, store: p.entities, resolver: p.duplicates}
	result, err := applierFn(ctx, current, event)
	if err != nil {
		return nil, err
	}

	// Step 6: append the event to the log.
	prevRoot, err := p.rootForSignatureLocked(tenantID)
	if err != nil {
		return nil, err
	}
	if err := p.events.Append(tenantID, event); err != nil {
		return nil, err
	}
	idx, err := p.merkleForLocked(tenantID)
	if err != nil {
		return nil, err
	}
	all, err := p.events.All(tenantID)
	if err != nil {
		return nil, storageErr("reload events after append", err, map[string]string{"tenant": tenantID})
	}
	if err := idx.Rebuild(all); err != nil {
		return nil, integrityErr("rebuild merkle tree after append: "+err.Error(), map[string]string{"tenant": tenantID})
	}
	if err := p.events.SetPersistedRoot(tenantID, idx.Root()); err != nil {
		return nil, storageErr("persist merkle root after append", err, map[string]string{"tenant": tenantID})
	}

	// Step 5b/7: write the resulting state.
	if result.Deleted {
		if err := p.entities.Delete(tenantID, event.EntityGUID); err != nil {
			return nil, storageErr("delete entity", err, map[string]string{"entity_guid": event.EntityGUID})
		}
	} else if result.Snapshot != nil {
		pair := &EntityPair{Modified: result.Snapshot}
		if currentPair != nil && currentPair.Initial != nil {
			pair.Initial = currentPair.Initial
		} else {
			pair.Initial = result.Snapshot
		}
		if err := p.entities.Save(tenantID, pair); err != nil {
			return nil, storageErr("save entity", err, map[string]string{"entity_guid": event.EntityGUID})
		}
		if p.duplicates != nil {
			p.duplicates.Observe(tenantID, result.Snapshot.Data)
		}
	}

	// Step 7: audit entry.
	changes := result.Changes
	if changes == nil {
		changes = event.Data
	}
	entry := &AuditEntry{
		GUID:       newGUID(),
		Timestamp:  event.Timestamp,
		UserID:     event.UserID,
		Action:     event.Type,
		EventGUID:  event.GUID,
		EntityGUID: event.EntityGUID,
		Changes:    changes,
		Signature:  auditSignature(event, prevRoot),
		SyncLevel:  event.SyncLevel,
	}
	if err := p.audit.Append(tenantID, entry); err != nil {
		return nil, storageErr("append audit entry", err, map[string]string{"event_guid": event.GUID})
	}

	// Persist newly detected duplicate pairs.
	for _, dup := range newDuplicates {
		if err := p.duplicates.Save(tenantID, dup); err != nil {
			return nil, storageErr("save duplicate pair", err, map[string]string{"entity_guid": dup.EntityGUID})
		}
	}

	// Step 5c: recursively submit follow-up events so each gets its own
	// event-log entry and audit trail.
	for _, followup := range result.Followups {
		if followup.Timestamp.IsZero() {
			followup.Timestamp = event.Timestamp
		}
		if _, err := p.submitLocked(tenantID, followup); err != nil {
			return nil, err
		}
	}

	if result.Deleted {
		return nil, nil
	}
	return result.Snapshot, nil
}

// rootForSignatureLocked returns the pre-append root used by the audit
// signature (§9 open question). Callers must hold p.mu.
func (p *CommandPipeline) rootForSignatureLocked(tenantID string) (string, error) {
	idx, err := p.merkleForLocked(tenantID)
	if err != nil {
		return "", err
	}
	return idx.Root(), nil
}

func auditSignature(event *Event, prevRoot string) string {
	canon, err := canonicalJSON(event)
	if err != nil {
		canon = []byte(event.GUID)
	}
	h := sha256.New()
	h.Write(canon)
	h.Write([]byte(prevRoot))
	return hex.EncodeToString(h.Sum(nil))
}
