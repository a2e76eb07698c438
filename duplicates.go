package registrycore

import (
	"fmt"
	"sync"
)

// DuplicateResolver owns the persistence and lifecycle of the duplicate
// pair set (§4.I). Detection itself runs from inside the Command Pipeline
// at creation time (§4.F step 4); the resolver's job is to record pairs,
// list them, and remove them on resolve-duplicate, plus the bloom-filter
// prefilter that lets the pipeline skip the backend search when a
// match-field value was never seen before.
type DuplicateResolver struct {
	store  EntityStore
	fields []string // DuplicateMatchFields, default ["name"]

	mu      sync.Mutex
	filters map[string]*bloomFilter // tenantID -> filter over match-field values
}

// NewDuplicateResolver builds a resolver over the given entity store. An
// empty matchFields defaults to ["name"] per spec §9's open question.
func NewDuplicateResolver(store EntityStore, matchFields []string) *DuplicateResolver {
	if len(matchFields) == 0 {
		matchFields = []string{"name"}
	}
	return &DuplicateResolver{
		store:   store,
		fields:  matchFields,
		filters: make(map[string]*bloomFilter),
	}
}

func (r *DuplicateResolver) filterFor(tenantID string) *bloomFilter {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.filters[tenantID]
	if !ok {
		f = newBloomFilter(1024, 10)
		r.filters[tenantID] = f
	}
	return f
}

// matchKey derives the bloom-filter / equality key from a payload using the
// configured match fields, concatenated so that two payloads sharing all
// match-field values collide on the same key.
func (r *DuplicateResolver) matchKey(data Payload) (string, bool) {
	key := ""
	any := false
	for _, field := range r.fields {
		v, ok := data.Get(field)
		if !ok {
			continue
		}
		any = true
		key += field + "=" + fmt.Sprint(v) + "\x1f"
	}
	return key, any
}

// Observe records a saved entity's match-key in the tenant's bloom filter
// (the pipeline calls it on creation and on every later save, so a value
// introduced by an update is covered too) so future detections can skip
// entities that could not possibly match.
func (r *DuplicateResolver) Observe(tenantID string, data Payload) {
	key, ok := r.matchKey(data)
	if !ok {
		return
	}
	r.filterFor(tenantID).add(key)
}

// Detect searches existing entities of the given variant for one whose
// match-field values exactly equal candidate's, skipping the search
// entirely when the bloom filter proves no such value was ever observed.
func (r *DuplicateResolver) Detect(tenantID string, variant EntityVariant, candidate Payload) ([]*EntitySnapshot, error) {
	key, ok := r.matchKey(candidate)
	if !ok {
		return nil, nil
	}
	if !r.filterFor(tenantID).mayContain(key) {
		return nil, nil
	}

	all, err := r.store.All(tenantID)
	if err != nil {
		return nil, storageErr("list entities for duplicate detection", err, nil)
	}
	var matches []*EntitySnapshot
	for _, pair := range all {
		if pair.Modified == nil || pair.Modified.Variant != variant {
			continue
		}
		existingKey, ok := r.matchKey(pair.Modified.Data)
		if !ok || existingKey != key {
			continue
		}
		matches = append(matches, pair.Modified)
	}
	return matches, nil
}

func (r *DuplicateResolver) Save(tenantID string, pair DuplicatePair) error {
	return r.store.SaveDuplicate(tenantID, pair)
}

func (r *DuplicateResolver) List(tenantID string) ([]DuplicatePair, error) {
	return r.store.ListDuplicates(tenantID)
}

func (r *DuplicateResolver) Resolve(tenantID string, pair DuplicatePair) error {
	return r.store.ResolveDuplicate(tenantID, pair)
}

// HasPending reports whether the tenant has any unresolved duplicate pairs,
// used by the Internal Sync Engine's pre-check (§4.G).
func (r *DuplicateResolver) HasPending(tenantID string) (bool, error) {
	pairs, err := r.List(tenantID)
	if err != nil {
		return false, err
	}
	return len(pairs) > 0, nil
}
