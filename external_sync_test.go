package registrycore

import (
	"context"
	"testing"
	"time"
)

// recordingAdapter implements ExternalAdapter with scriptable pull data, for
// exercising the authenticate -> push -> pull orchestration.
type recordingAdapter struct {
	authenticated bool
	pushed        []*Event
	pullResponse  []Payload
	authErr       error
}

func (a *recordingAdapter) Authenticate(ctx context.Context, credentials map[string]string) error {
	if a.authErr != nil {
		return a.authErr
	}
	a.authenticated = true
	return nil
}

func (a *recordingAdapter) PushData(ctx context.Context, since time.Time, events []*Event) error {
	a.pushed = append(a.pushed, events...)
	return nil
}

func (a *recordingAdapter) PullData(ctx context.Context, since time.Time) ([]Payload, error) {
	return a.pullResponse, nil
}

func TestExternalSyncOrchestration(t *testing.T) {
	pipeline, events, entities, _, _ := newTestPipeline()
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := pipeline.Submit("t1", mkEvent("e1", "G1", EventCreateIndividual, Payload{"name": "Ann"}, ts)); err != nil {
		t.Fatalf("seed create: %v", err)
	}

	adapter := &recordingAdapter{
		pullResponse: []Payload{
			{"guid": "e-ext-1", "entityGuid": "G2", "type": EventCreateIndividual, "data": map[string]any{"name": "External"}, "timestamp": ts.Add(time.Hour).Format(time.RFC3339)},
		},
	}
	convert := func(p Payload) (*Event, error) {
		ets, _ := time.Parse(time.RFC3339, p["timestamp"].(string))
		data, _ := p["data"].(map[string]any)
		return &Event{
			GUID:       p["guid"].(string),
			EntityGUID: p["entityGuid"].(string),
			Type:       p["type"].(string),
			Data:       Payload(data),
			Timestamp:  ets,
		}, nil
	}
	manager := NewExternalSyncManager(adapter, convert, events, pipeline)

	if err := manager.Sync(context.Background(), "t1", map[string]string{"apiKey": "k"}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !adapter.authenticated {
		t.Fatal("expected adapter to be authenticated")
	}
	if len(adapter.pushed) != 1 || adapter.pushed[0].GUID != "e1" {
		t.Fatalf("expected e1 to be pushed, got %+v", adapter.pushed)
	}

	pair, err := entities.Get("t1", "G2")
	if err != nil || pair == nil {
		t.Fatalf("expected G2 from pulled payload to exist, got pair=%v err=%v", pair, err)
	}
	if pair.Modified.Name != "External" {
		t.Fatalf("expected name External, got %q", pair.Modified.Name)
	}

	all, _ := events.All("t1")
	for _, e := range all {
		if e.GUID == "e-ext-1" && e.SyncLevel != SyncLevelExternal {
			t.Fatalf("expected pulled external event at EXTERNAL, got %v", e.SyncLevel)
		}
	}

	pushCursor, _ := events.GetLastPushExternalSync("t1")
	if pushCursor.IsZero() {
		t.Fatal("expected last_push_external_sync to advance")
	}
	pullCursor, _ := events.GetLastPullExternalSync("t1")
	if pullCursor.IsZero() {
		t.Fatal("expected last_pull_external_sync to advance")
	}
}

func TestExternalSyncAuthFailureAborts(t *testing.T) {
	pipeline, events, _, _, _ := newTestPipeline()
	adapter := &recordingAdapter{authErr: errAuthFailed{}}
	manager := NewExternalSyncManager(adapter, nil, events, pipeline)

	err := manager.Sync(context.Background(), "t1", nil)
	if KindOf(err) != KindUnauthorized {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if len(adapter.pushed) != 0 {
		t.Fatal("expected push to be skipped after auth failure")
	}
}

type errAuthFailed struct{}

func (errAuthFailed) Error() string { return "bad credentials" }

func TestNoopAdapterIsANoop(t *testing.T) {
	pipeline, events, _, _, _ := newTestPipeline()
	manager := NewExternalSyncManager(NoopAdapter{}, func(Payload) (*Event, error) { return nil, nil }, events, pipeline)
	if err := manager.Sync(context.Background(), "t1", nil); err != nil {
		t.Fatalf("expected noop adapter sync to succeed, got %v", err)
	}
}
