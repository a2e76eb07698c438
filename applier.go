package registrycore

import (
	"fmt"
)

// ApplierContext gives an applier read access to other entities (e.g.
// add-member checking whether a referenced GUID already exists) without
// handing it a writable handle to the entity store — entity writes flow
// back through ApplierResult so the Command Pipeline stays the single
// writer. Duplicate-pair resolution is the one exception: it has no
// version to bump and no audit-relevant snapshot of its own, so
// resolve-duplicate calls back into the resolver directly.
type ApplierContext struct {
	TenantID string
	store    EntityStore
	resolver *DuplicateResolver
}

func (c *ApplierContext) GetEntity(guid string) (*EntityPair, error) {
	return c.store.Get(c.TenantID, guid)
}

func (c *ApplierContext) ResolveDuplicatePair(pair DuplicatePair) error {
	if c.resolver == nil {
		return nil
	}
	return c.resolver.Resolve(c.TenantID, pair)
}

// ApplierResult is what an applier hands back to the Command Pipeline
// instead of writing to the store itself (§9 design note): the pipeline
// appends the event, executes the direct write, appends the audit entry,
// and then re-enters itself for each follow-up event, so nested saves get
// their own event-log entry and audit trail. These steps are not
// transactional: if a later step fails, the earlier ones are not rolled
// back (an event already appended stays in the log).
type ApplierResult struct {
	// Snapshot is the new state of event.EntityGUID. Nil together with
	// Deleted=true means the entity was removed from the state store.
	Snapshot *EntitySnapshot
	Deleted  bool
	// Changes summarizes the mutation for the audit entry; defaults to the
	// event payload when left nil.
	Changes Payload
	// Followups are additional events the pipeline must recursively
	// submit after this applier's direct write commits.
	Followups []*Event
}

// ApplierFunc is a pure transformation from (current entity, event) plus a
// read-only context to a result. It must be deterministic given the same
// inputs and entity state (§4.E).
type ApplierFunc func(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error)

// ApplierRegistry maps an event-type tag to its applier (§4.E).
type ApplierRegistry struct {
	appliers map[string]ApplierFunc
}

func NewApplierRegistry() *ApplierRegistry {
	r := &ApplierRegistry{appliers: make(map[string]ApplierFunc)}
	r.Register(EventCreateIndividual, applyCreateIndividual)
	r.Register(EventCreateGroup, applyCreateGroup)
	r.Register(EventUpdateIndividual, applyUpdateIndividual)
	r.Register(EventUpdateGroup, applyUpdateGroup)
	r.Register(EventAddMember, applyAddMember)
	r.Register(EventRemoveMember, applyRemoveMember)
	r.Register(EventDeleteEntity, applyDeleteEntity)
	r.Register(EventResolveDuplicate, applyResolveDuplicate)
	return r
}

// Register adds or overrides the applier for tag. Callers may register
// their own event types beyond the built-ins.
func (r *ApplierRegistry) Register(tag string, fn ApplierFunc) {
	r.appliers[tag] = fn
}

func (r *ApplierRegistry) Lookup(tag string) (ApplierFunc, bool) {
	fn, ok := r.appliers[tag]
	return fn, ok
}

func invalidOp(msg string, ctx map[string]string) error {
	return newError(KindValidation, "invalid operation: "+msg, nil, ctx)
}

func applyCreateIndividual(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	if current != nil {
		return nil, invalidOp("entity already exists", map[string]string{"entity_guid": event.EntityGUID})
	}
	snap := &EntitySnapshot{
		GUID:        event.EntityGUID,
		Variant:     VariantIndividual,
		Version:     1,
		Data:        event.Data.Clone(),
		LastUpdated: event.Timestamp,
	}
	if name, ok := event.Data["name"]; ok {
		snap.Name = fmt.Sprint(name)
	}
	return &ApplierResult{Snapshot: snap, Changes: event.Data}, nil
}

func applyCreateGroup(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	if current != nil {
		return nil, invalidOp("entity already exists", map[string]string{"entity_guid": event.EntityGUID})
	}
	data := event.Data.Clone()
	delete(data, "members")
	snap := &EntitySnapshot{
		GUID:        event.EntityGUID,
		Variant:     VariantGroup,
		Version:     1,
		Data:        data,
		LastUpdated: event.Timestamp,
		MemberIDs:   []string{},
	}
	if name, ok := event.Data["name"]; ok {
		snap.Name = fmt.Sprint(name)
	}

	result := &ApplierResult{Snapshot: snap, Changes: event.Data}

	membersRaw, ok := event.Data["members"]
	if !ok {
		return result, nil
	}
	members, ok := membersRaw.([]any)
	if !ok {
		return result, nil
	}
	for _, m := range members {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		memberGUID, _ := mm["guid"].(string)
		if memberGUID == "" {
			memberGUID = newGUID()
		}
		createPayload := Payload{}
		for k, v := range mm {
			if k != "guid" {
				createPayload[k] = v
			}
		}
		result.Followups = append(result.Followups, &Event{
			GUID:       newGUID(),
			EntityGUID: memberGUID,
			Type:       EventCreateIndividual,
			Data:       createPayload,
			UserID:     event.UserID,
			Timestamp:  event.Timestamp,
			SyncLevel:  event.SyncLevel,
			TenantID:   event.TenantID,
		})
		result.Followups = append(result.Followups, &Event{
			GUID:       newGUID(),
			EntityGUID: event.EntityGUID,
			Type:       EventAddMember,
			Data:       Payload{"members": []any{map[string]any{"guid": memberGUID}}},
			UserID:     event.UserID,
			Timestamp:  event.Timestamp,
			SyncLevel:  event.SyncLevel,
			TenantID:   event.TenantID,
		})
	}
	return result, nil
}

func applyUpdateIndividual(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	if current == nil {
		return nil, notFoundErr("entity not found", map[string]string{"entity_guid": event.EntityGUID})
	}
	if current.Variant != VariantIndividual {
		return nil, invalidOp("update-individual applied to a non-individual entity", map[string]string{"entity_guid": event.EntityGUID})
	}
	snap := current.Clone()
	snap.Data = snap.Data.Merge(event.Data)
	snap.Version++
	snap.LastUpdated = event.Timestamp
	if name, ok := event.Data["name"]; ok {
		snap.Name = fmt.Sprint(name)
	}
	return &ApplierResult{Snapshot: snap, Changes: event.Data}, nil
}

func applyUpdateGroup(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	if current == nil {
		return nil, notFoundErr("entity not found", map[string]string{"entity_guid": event.EntityGUID})
	}
	if current.Variant != VariantGroup {
		return nil, invalidOp("update-group applied to a non-group entity", map[string]string{"entity_guid": event.EntityGUID})
	}
	snap := current.Clone()
	data := event.Data.Clone()
	if rawIDs, ok := data["member_ids"]; ok {
		delete(data, "member_ids")
		snap.MemberIDs = toStringSlice(rawIDs)
	}
	snap.Data = snap.Data.Merge(data)
	snap.Version++
	snap.LastUpdated = event.Timestamp
	if name, ok := event.Data["name"]; ok {
		snap.Name = fmt.Sprint(name)
	}
	return &ApplierResult{Snapshot: snap, Changes: event.Data}, nil
}

func applyAddMember(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	if current == nil {
		return nil, notFoundErr("entity not found", map[string]string{"entity_guid": event.EntityGUID})
	}
	if current.Variant != VariantGroup {
		return nil, invalidOp("add-member applied to a non-group entity", map[string]string{"entity_guid": event.EntityGUID})
	}
	membersRaw, _ := event.Data["members"].([]any)
	snap := current.Clone()
	existing := make(map[string]bool, len(snap.MemberIDs))
	for _, id := range snap.MemberIDs {
		existing[id] = true
	}

	result := &ApplierResult{Changes: event.Data}
	for _, m := range membersRaw {
		mm, ok := m.(map[string]any)
		if !ok {
			continue
		}
		memberGUID, _ := mm["guid"].(string)
		if memberGUID == "" {
			continue
		}
		pair, err := ctx.GetEntity(memberGUID)
		if err != nil {
			return nil, storageErr("lookup member entity", err, map[string]string{"entity_guid": memberGUID})
		}
		if pair == nil || pair.Modified == nil {
			createPayload := Payload{}
			for k, v := range mm {
				if k != "guid" {
					createPayload[k] = v
				}
			}
			result.Followups = append(result.Followups, &Event{
				GUID:       newGUID(),
				EntityGUID: memberGUID,
				Type:       EventCreateIndividual,
				Data:       createPayload,
				UserID:     event.UserID,
				Timestamp:  event.Timestamp,
				SyncLevel:  event.SyncLevel,
				TenantID:   event.TenantID,
			})
		}
		if !existing[memberGUID] {
			snap.MemberIDs = append(snap.MemberIDs, memberGUID)
			existing[memberGUID] = true
		}
	}
	snap.Version++
	snap.LastUpdated = event.Timestamp
	result.Snapshot = snap
	return result, nil
}

func applyRemoveMember(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	if current == nil {
		return nil, notFoundErr("entity not found", map[string]string{"entity_guid": event.EntityGUID})
	}
	if current.Variant != VariantGroup {
		return nil, invalidOp("remove-member applied to a non-group entity", map[string]string{"entity_guid": event.EntityGUID})
	}
	memberID, _ := event.Data["memberId"].(string)
	snap := current.Clone()
	filtered := snap.MemberIDs[:0]
	for _, id := range snap.MemberIDs {
		if id != memberID {
			filtered = append(filtered, id)
		}
	}
	snap.MemberIDs = filtered
	snap.Version++
	snap.LastUpdated = event.Timestamp
	return &ApplierResult{Snapshot: snap, Changes: event.Data}, nil
}

func applyDeleteEntity(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	if current == nil {
		return nil, notFoundErr("entity not found", map[string]string{"entity_guid": event.EntityGUID})
	}
	return &ApplierResult{Deleted: true, Changes: event.Data}, nil
}

func applyResolveDuplicate(ctx *ApplierContext, current *EntitySnapshot, event *Event) (*ApplierResult, error) {
	result := &ApplierResult{Snapshot: current, Changes: event.Data}
	shouldDelete, _ := event.Data["shouldDelete"].(bool)
	dupsRaw, _ := event.Data["duplicates"].([]any)
	seen := make(map[string]bool)
	for _, d := range dupsRaw {
		dm, ok := d.(map[string]any)
		if !ok {
			continue
		}
		entityGUID, _ := dm["entityGuid"].(string)
		duplicateGUID, _ := dm["duplicateGuid"].(string)
		if entityGUID == "" || duplicateGUID == "" {
			continue
		}
		if err := ctx.ResolveDuplicatePair(DuplicatePair{EntityGUID: entityGUID, DuplicateGUID: duplicateGUID}); err != nil {
			return nil, storageErr("resolve duplicate pair", err, map[string]string{"entity_guid": entityGUID, "duplicate_guid": duplicateGUID})
		}
		if shouldDelete && !seen[duplicateGUID] {
			seen[duplicateGUID] = true
			result.Followups = append(result.Followups, &Event{
				GUID:       newGUID(),
				EntityGUID: duplicateGUID,
				Type:       EventDeleteEntity,
				Data:       Payload{},
				UserID:     event.UserID,
				Timestamp:  event.Timestamp,
				SyncLevel:  event.SyncLevel,
				TenantID:   event.TenantID,
			})
		}
	}
	return result, nil
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
