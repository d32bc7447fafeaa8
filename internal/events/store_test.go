package events

import (
	"testing"
	"time"

	"github.com/wardenbox/warden/internal/model"
)

func requestEvent(id string, status model.RequestStatus) model.WebhookEvent {
	return model.WebhookEvent{
		EventType: model.EventNetworkRequest,
		AppID:     "app-1",
		Timestamp: time.Now().UTC(),
		Data: model.NetworkEventData{
			RequestID: id,
			Method:    "GET",
			URL:       "https://api.example.com/v1",
			Host:      "api.example.com",
			Status:    status,
			Source:    "agent",
		},
	}
}

func TestApplyCreatesThenUpdatesWithoutLosingFields(t *testing.T) {
	s := NewStore()
	s.Apply("app-1", requestEvent("req-1", model.RequestAllowed))

	s.Apply("app-1", model.WebhookEvent{
		EventType: model.EventNetworkResponse,
		AppID:     "app-1",
		Timestamp: time.Now().UTC(),
		Data: model.NetworkEventData{
			RequestID:  "req-1",
			Status:     model.RequestCompleted,
			StatusCode: 200,
			LatencyMs:  42,
			SizeBytes:  512,
		},
	})

	recs := s.List("app-1")
	if len(recs) != 1 {
		t.Fatalf("List() len = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Method != "GET" || rec.Host != "api.example.com" {
		t.Fatalf("response event erased request fields: %+v", rec)
	}
	if rec.Status != model.RequestCompleted || rec.StatusCode != 200 || rec.LatencyMs != 42 {
		t.Fatalf("response metadata not applied: %+v", rec)
	}
}

func TestPendingIndexFollowsStatus(t *testing.T) {
	s := NewStore()
	s.Apply("app-1", requestEvent("req-1", model.RequestPending))

	if ids := s.PendingIDs("app-1"); len(ids) != 1 || ids[0] != "req-1" {
		t.Fatalf("PendingIDs() = %v, want [req-1]", ids)
	}

	s.Apply("app-1", requestEvent("req-1", model.RequestDenied))
	if ids := s.PendingIDs("app-1"); len(ids) != 0 {
		t.Fatalf("PendingIDs() after denial = %v, want empty", ids)
	}
}

func TestSubscriberFailureDoesNotBlockOthers(t *testing.T) {
	s := NewStore()

	var got []string
	unsubBad := s.Subscribe("app-1", func(model.NetworkRequest) {
		panic("boom")
	})
	defer unsubBad()
	unsub := s.Subscribe("app-1", func(rec model.NetworkRequest) {
		got = append(got, rec.ID)
	})
	defer unsub()

	s.Apply("app-1", requestEvent("req-1", model.RequestAllowed))
	s.Apply("app-1", requestEvent("req-2", model.RequestAllowed))

	if len(got) != 2 {
		t.Fatalf("healthy subscriber saw %d updates, want 2", len(got))
	}
}

func TestClearDropsStateButKeepsSubscribers(t *testing.T) {
	s := NewStore()
	var seen int
	unsub := s.Subscribe("app-1", func(model.NetworkRequest) { seen++ })
	defer unsub()

	s.Apply("app-1", requestEvent("req-1", model.RequestPending))
	s.Clear("app-1")

	if len(s.List("app-1")) != 0 || len(s.PendingIDs("app-1")) != 0 {
		t.Fatalf("Clear() left state behind")
	}

	s.Apply("app-1", requestEvent("req-2", model.RequestAllowed))
	if seen != 2 {
		t.Fatalf("subscriber did not survive Clear(), saw %d updates", seen)
	}
}

func TestInstancesAreIsolated(t *testing.T) {
	s := NewStore()
	s.Apply("app-1", requestEvent("req-1", model.RequestAllowed))

	if len(s.List("app-2")) != 0 {
		t.Fatalf("records leaked across instances")
	}
}
