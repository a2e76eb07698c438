package registrycore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ExternalAdapter is the §4.H adapter contract. An adapter may implement
// Authenticate, PushData, and PullData independently, or satisfy the
// unifiedAdapter interface below with a single Sync call; the manager
// prefers the unified path when both are available.
type ExternalAdapter interface {
	Authenticate(ctx context.Context, credentials map[string]string) error
	PushData(ctx context.Context, since time.Time, events []*Event) error
	PullData(ctx context.Context, since time.Time) ([]Payload, error)
}

// unifiedAdapter lets an adapter collapse authenticate/push/pull into one
// call; ExternalSyncManager type-asserts for it before falling back to the
// three-method path.
type unifiedAdapter interface {
	Sync(ctx context.Context, credentials map[string]string, since time.Time, events []*Event) ([]Payload, error)
}

// ExternalSyncManager orchestrates one ExternalAdapter: authenticate, push,
// pull, per §4.H. The pulled payloads are converted to events by the
// convert function passed to NewExternalSyncManager and submitted through
// the Command Pipeline at sync-level EXTERNAL.
type ExternalSyncManager struct {
	adapter  ExternalAdapter
	convert  func(Payload) (*Event, error)
	events   EventStore
	pipeline *CommandPipeline
}

func NewExternalSyncManager(adapter ExternalAdapter, convert func(Payload) (*Event, error), events EventStore, pipeline *CommandPipeline) *ExternalSyncManager {
	return &ExternalSyncManager{adapter: adapter, convert: convert, events: events, pipeline: pipeline}
}

// Sync authenticates, pushes events newer than last_push_external_sync, and
// pulls + applies payloads newer than last_pull_external_sync.
func (m *ExternalSyncManager) Sync(ctx context.Context, tenantID string, credentials map[string]string) error {
	if u, ok := m.adapter.(unifiedAdapter); ok {
		since, err := m.events.GetLastPushExternalSync(tenantID)
		if err != nil {
			return err
		}
		pending, err := m.events.Since(tenantID, since)
		if err != nil {
			return err
		}
		pullSince, err := m.events.GetLastPullExternalSync(tenantID)
		if err != nil {
			return err
		}
		payloads, err := u.Sync(ctx, credentials, pullSince, pending)
		if err != nil {
			return transportErr("unified external sync", err, map[string]string{"tenant": tenantID})
		}
		if len(pending) > 0 {
			if err := m.promotePushed(tenantID, pending); err != nil {
				return err
			}
		}
		return m.applyPulled(tenantID, payloads)
	}

	if err := m.adapter.Authenticate(ctx, credentials); err != nil {
		return unauthorizedErr("external authenticate failed: "+err.Error(), map[string]string{"tenant": tenantID})
	}
	if err := m.push(ctx, tenantID); err != nil {
		return err
	}
	return m.pull(ctx, tenantID)
}

func (m *ExternalSyncManager) push(ctx context.Context, tenantID string) error {
	since, err := m.events.GetLastPushExternalSync(tenantID)
	if err != nil {
		return err
	}
	pending, err := m.events.Since(tenantID, since)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if err := m.adapter.PushData(ctx, since, pending); err != nil {
		return transportErr("external push failed", err, map[string]string{"tenant": tenantID})
	}
	return m.promotePushed(tenantID, pending)
}

func (m *ExternalSyncManager) promotePushed(tenantID string, pending []*Event) error {
	guids := make([]string, len(pending))
	for i, e := range pending {
		guids[i] = e.GUID
	}
	if err := m.events.PromoteSyncLevel(tenantID, guids, SyncLevelExternal); err != nil {
		return err
	}
	return m.events.SetLastPushExternalSync(tenantID, pending[len(pending)-1].Timestamp)
}

func (m *ExternalSyncManager) pull(ctx context.Context, tenantID string) error {
	since, err := m.events.GetLastPullExternalSync(tenantID)
	if err != nil {
		return err
	}
	payloads, err := m.adapter.PullData(ctx, since)
	if err != nil {
		return transportErr("external pull failed", err, map[string]string{"tenant": tenantID})
	}
	return m.applyPulled(tenantID, payloads)
}

func (m *ExternalSyncManager) applyPulled(tenantID string, payloads []Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	var last time.Time
	for _, p := range payloads {
		e, err := m.convert(p)
		if err != nil {
			return validationErr("convert external payload: "+err.Error(), map[string]string{"tenant": tenantID})
		}
		e.SyncLevel = SyncLevelExternal
		if _, err := m.pipeline.Submit(tenantID, e); err != nil {
			return err
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return m.events.SetLastPullExternalSync(tenantID, last)
}

// NoopAdapter is the required built-in mock adapter (§4.H), useful for
// tests and for tenants with no external system configured.
type NoopAdapter struct{}

func (NoopAdapter) Authenticate(ctx context.Context, credentials map[string]string) error { return nil }
func (NoopAdapter) PushData(ctx context.Context, since time.Time, events []*Event) error   { return nil }
func (NoopAdapter) PullData(ctx context.Context, since time.Time) ([]Payload, error)       { return nil, nil }

// HTTPBatchAdapter is the required built-in HTTP-batching adapter (§4.H):
// API-key authenticated, pushes in batches of BatchSize (default 100).
type HTTPBatchAdapter struct {
	BaseURL   string
	APIKey    string
	BatchSize int
	Client    *http.Client
}

func NewHTTPBatchAdapter(baseURL, apiKey string) *HTTPBatchAdapter {
	return &HTTPBatchAdapter{BaseURL: baseURL, APIKey: apiKey, BatchSize: 100, Client: http.DefaultClient}
}

func (a *HTTPBatchAdapter) batchSize() int {
	if a.BatchSize <= 0 {
		return 100
	}
	return a.BatchSize
}

func (a *HTTPBatchAdapter) Authenticate(ctx context.Context, credentials map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL+"/auth/verify", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", a.APIKey)
	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("auth verify returned %d", resp.StatusCode)
	}
	return nil
}

func (a *HTTPBatchAdapter) PushData(ctx context.Context, since time.Time, events []*Event) error {
	size := a.batchSize()
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		if err := a.pushBatch(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (a *HTTPBatchAdapter) pushBatch(ctx context.Context, batch []*Event) error {
	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/external/push", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", a.APIKey)
	resp, err := a.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("external push returned %d", resp.StatusCode)
	}
	return nil
}

func (a *HTTPBatchAdapter) PullData(ctx context.Context, since time.Time) ([]Payload, error) {
	url := fmt.Sprintf("%s/external/pull?since=%s", a.BaseURL, since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", a.APIKey)
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("external pull returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Records []Payload `json:"records"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return parsed.Records, nil
}
