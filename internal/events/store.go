// Package events keeps the queryable per-instance state fed by the
// gateway's webhook stream. Records are keyed by request id; the first event
// for an id creates the record, later events update fields in place.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wardenbox/warden/internal/model"
)

// Subscriber receives every record update for an instance. Delivery is
// synchronous; a panicking subscriber is dropped so it cannot block the
// rest.
type Subscriber func(model.NetworkRequest)

type instanceState struct {
	requests map[string]*model.NetworkRequest
	order    []string
	pending  map[string]struct{}
	subs     map[string]Subscriber
}

// Store holds per-instance network request state. One store serves one
// control-plane process; it is constructed at startup and passed by
// reference, never ambient.
type Store struct {
	mu        sync.Mutex
	instances map[string]*instanceState
}

func NewStore() *Store {
	return &Store{instances: make(map[string]*instanceState)}
}

func (s *Store) state(appID string) *instanceState {
	st, ok := s.instances[appID]
	if !ok {
		st = &instanceState{
			requests: make(map[string]*model.NetworkRequest),
			pending:  make(map[string]struct{}),
			subs:     make(map[string]Subscriber),
		}
		s.instances[appID] = st
	}
	return st
}

// Apply ingests one webhook event, creating or updating the record for its
// request id, and notifies subscribers with the updated snapshot.
func (s *Store) Apply(appID string, ev model.WebhookEvent) model.NetworkRequest {
	s.mu.Lock()
	st := s.state(appID)

	rec, ok := st.requests[ev.Data.RequestID]
	if !ok {
		rec = &model.NetworkRequest{
			ID:        ev.Data.RequestID,
			Timestamp: ev.Timestamp,
		}
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now().UTC()
		}
		st.requests[rec.ID] = rec
		st.order = append(st.order, rec.ID)
	}
	mergeEvent(rec, ev.Data)

	if rec.Status == model.RequestPending {
		st.pending[rec.ID] = struct{}{}
	} else {
		delete(st.pending, rec.ID)
	}

	snapshot := *rec
	subs := make([]Subscriber, 0, len(st.subs))
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		notify(sub, snapshot)
	}
	return snapshot
}

// mergeEvent updates only the fields the event carries, so a response event
// never erases request-time fields.
func mergeEvent(rec *model.NetworkRequest, d model.NetworkEventData) {
	if d.Method != "" {
		rec.Method = d.Method
	}
	if d.URL != "" {
		rec.URL = d.URL
	}
	if d.Host != "" {
		rec.Host = d.Host
	}
	if d.Status != "" {
		rec.Status = d.Status
	}
	if d.Source != "" {
		rec.Source = d.Source
	}
	if d.MatchedPattern != "" {
		rec.MatchedPattern = d.MatchedPattern
	}
	if d.StatusCode != 0 {
		rec.StatusCode = d.StatusCode
	}
	if d.LatencyMs != 0 {
		rec.LatencyMs = d.LatencyMs
	}
	if d.SizeBytes != 0 {
		rec.SizeBytes = d.SizeBytes
	}
	if d.IsLLMProvider {
		rec.IsLLMProvider = true
	}
	if len(d.Headers) > 0 {
		rec.Headers = d.Headers
	}
}

func notify(sub Subscriber, rec model.NetworkRequest) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Warn("event subscriber panicked", "component", "event_store", "panic", r)
		}
	}()
	sub(rec)
}

// List returns the instance's records in arrival order.
func (s *Store) List(appID string) []model.NetworkRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[appID]
	if !ok {
		return nil
	}
	out := make([]model.NetworkRequest, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, *st.requests[id])
	}
	return out
}

// PendingIDs returns the ids of requests still awaiting a decision.
func (s *Store) PendingIDs(appID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[appID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.pending))
	for id := range st.pending {
		out = append(out, id)
	}
	return out
}

// Subscribe registers a live subscriber and returns an unsubscribe func.
// Existing records are not replayed; callers List first if they need
// history.
func (s *Store) Subscribe(appID string, sub Subscriber) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.state(appID).subs[id] = sub
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if st, ok := s.instances[appID]; ok {
			delete(st.subs, id)
		}
		s.mu.Unlock()
	}
}

// Clear discards all request state for an instance at the start of a new
// run. Subscribers survive the clear.
func (s *Store) Clear(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.instances[appID]
	if !ok {
		return
	}
	st.requests = make(map[string]*model.NetworkRequest)
	st.order = nil
	st.pending = make(map[string]struct{})
}
