package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
)

func newTestEngine(snap *PolicySnapshot) *Engine {
	return NewEngine(snap, nil)
}

func askSnapshot(timeout int) *PolicySnapshot {
	return &PolicySnapshot{
		AppID:                  "app-1",
		UnknownAction:          model.UnknownAsk,
		ApprovalTimeoutSeconds: timeout,
	}
}

func TestDecideAllowAllShortCircuits(t *testing.T) {
	e := newTestEngine(&PolicySnapshot{
		AppID:           "app-1",
		AllowAllNetwork: true,
		UnknownAction:   model.UnknownAsk,
	})

	d := e.Decide("GET", "https://totally-unknown.example/x", "totally-unknown.example", "agent", nil)
	if !d.Allowed || d.MatchedPattern != model.MatchedAllowAll {
		t.Fatalf("Decide() = %+v, want allowed via %q", d, model.MatchedAllowAll)
	}
	if len(e.Pending()) != 0 {
		t.Fatalf("allow_all must not create pending requests")
	}
}

func TestDecideLLMProviderBypassesAllowlist(t *testing.T) {
	e := newTestEngine(askSnapshot(1))

	d := e.Decide("POST", "https://api.anthropic.com/v1/messages", "api.anthropic.com", "agent", nil)
	if !d.Allowed || d.MatchedPattern != model.MatchedLLMProvider || !d.IsLLMProvider {
		t.Fatalf("Decide() = %+v, want llm_provider match", d)
	}
}

func TestDecideAllowlistMatch(t *testing.T) {
	snap := askSnapshot(1)
	snap.UserPatterns = []policy.Pattern{
		{Pattern: "api.example.com", Type: policy.PatternExact, Source: policy.SourceUser},
	}
	e := newTestEngine(snap)

	d := e.Decide("GET", "https://api.example.com/data", "api.example.com", "agent", nil)
	if !d.Allowed || d.MatchedPattern != "api.example.com" {
		t.Fatalf("Decide() = %+v, want allowlist match", d)
	}
}

func TestDecideUnknownDeny(t *testing.T) {
	snap := askSnapshot(1)
	snap.UnknownAction = model.UnknownDeny
	e := newTestEngine(snap)

	d := e.Decide("GET", "https://unknown.example/", "unknown.example", "agent", nil)
	if d.Allowed || d.Status != model.RequestDenied {
		t.Fatalf("Decide() = %+v, want denied", d)
	}
}

func TestAskTimesOutAsDenied(t *testing.T) {
	e := newTestEngine(askSnapshot(1))

	start := time.Now()
	d := e.Decide("GET", "https://unknown.example/", "unknown.example", "agent", nil)
	if d.Allowed || d.Status != model.RequestDenied {
		t.Fatalf("Decide() = %+v, want timeout denial", d)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("Decide() returned after %v, expected to block for the timeout", elapsed)
	}
	if len(e.Pending()) != 0 {
		t.Fatalf("timed-out request still pending")
	}
}

func TestApproveUnblocksAndCommitsPattern(t *testing.T) {
	e := newTestEngine(askSnapshot(10))

	type result struct {
		d Decision
	}
	results := make(chan result, 1)
	go func() {
		d := e.Decide("GET", "https://new.example.com/api", "new.example.com", "agent", nil)
		results <- result{d}
	}()

	// Wait for the request to show up, then approve with a pattern.
	var pending []PendingRequest
	for i := 0; i < 50; i++ {
		pending = e.Pending()
		if len(pending) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatalf("request never became pending")
	}

	resolved, err := e.Approve(pending[0].RequestID, "new.example.com", policy.PatternExact)
	if err != nil || !resolved {
		t.Fatalf("Approve() = %v, %v", resolved, err)
	}

	r := <-results
	if !r.d.Allowed || r.d.Status != model.RequestAllowed {
		t.Fatalf("approved request resolved as %+v", r.d)
	}

	// The committed pattern makes the next request pass without asking.
	d := e.Decide("GET", "https://new.example.com/other", "new.example.com", "agent", nil)
	if !d.Allowed || d.MatchedPattern != "new.example.com" {
		t.Fatalf("repeat request after approval = %+v, want silent allow", d)
	}
	if len(e.Pending()) != 0 {
		t.Fatalf("repeat request created a pending entry")
	}
}

func TestApproveWithInvalidPatternLeavesRequestPending(t *testing.T) {
	e := newTestEngine(askSnapshot(10))

	done := make(chan Decision, 1)
	go func() {
		done <- e.Decide("GET", "https://x.example/", "x.example", "agent", nil)
	}()

	var pending []PendingRequest
	for i := 0; i < 50; i++ {
		pending = e.Pending()
		if len(pending) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 1 {
		t.Fatalf("request never became pending")
	}

	if _, err := e.Approve(pending[0].RequestID, "regex:[broken", policy.PatternRegex); err == nil {
		t.Fatalf("Approve() with invalid pattern should fail")
	}
	if len(e.Pending()) != 1 {
		t.Fatalf("failed approve must not resolve the request")
	}

	// Clean resolution still works afterwards.
	if !e.Deny(pending[0].RequestID) {
		t.Fatalf("Deny() after failed approve = false")
	}
	d := <-done
	if d.Allowed {
		t.Fatalf("denied request resolved as allowed")
	}
}

func TestConcurrentAsksResolveIndependently(t *testing.T) {
	e := newTestEngine(askSnapshot(2))

	var wg sync.WaitGroup
	decisions := make([]Decision, 2)
	for i, host := range []string{"a.example", "b.example"} {
		wg.Add(1)
		go func(i int, host string) {
			defer wg.Done()
			decisions[i] = e.Decide("GET", "https://"+host+"/", host, "agent", nil)
		}(i, host)
	}

	var pending []PendingRequest
	for i := 0; i < 100; i++ {
		pending = e.Pending()
		if len(pending) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending requests, got %d", len(pending))
	}

	// Resolve one; the other runs out its timeout.
	var approveID string
	for _, p := range pending {
		if p.Host == "a.example" {
			approveID = p.RequestID
		}
	}
	if resolved, err := e.Approve(approveID, "", ""); err != nil || !resolved {
		t.Fatalf("Approve() = %v, %v", resolved, err)
	}

	wg.Wait()
	var approved, denied int
	for _, d := range decisions {
		if d.Allowed {
			approved++
		} else {
			denied++
		}
	}
	if approved != 1 || denied != 1 {
		t.Fatalf("decisions = %+v, want one approved and one timed out", decisions)
	}
}

func TestDecidePassthroughForTrustedHosts(t *testing.T) {
	snap := askSnapshot(1)
	snap.UserPatterns = []policy.Pattern{
		{Pattern: "pypi.org", Type: policy.PatternExact, Source: policy.SourceUser},
		{Pattern: "api.example.com", Type: policy.PatternExact, Source: policy.SourceUser},
	}
	e := newTestEngine(snap)

	d := e.Decide("POST", "https://api.anthropic.com/v1/messages", "api.anthropic.com", "agent", nil)
	if !d.Allowed || !d.Passthrough {
		t.Fatalf("llm provider decision = %+v, want passthrough", d)
	}

	d = e.Decide("CONNECT", "pypi.org:443", "pypi.org", "agent", nil)
	if !d.Allowed || !d.Passthrough {
		t.Fatalf("package registry decision = %+v, want passthrough", d)
	}

	d = e.Decide("CONNECT", "api.example.com:443", "api.example.com", "agent", nil)
	if !d.Allowed || d.Passthrough {
		t.Fatalf("ordinary allowlisted host decision = %+v, want interceptable", d)
	}
}

func TestDecideAllowAllIsPassthrough(t *testing.T) {
	e := newTestEngine(&PolicySnapshot{
		AppID:           "app-1",
		AllowAllNetwork: true,
		UnknownAction:   model.UnknownAsk,
	})

	d := e.Decide("CONNECT", "anything.example:443", "anything.example", "agent", nil)
	if !d.Allowed || !d.Passthrough {
		t.Fatalf("allow_all decision = %+v, want passthrough", d)
	}
}

func TestPendingEventCarriesRedactedHeaders(t *testing.T) {
	events := make(chan model.WebhookEvent, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev model.WebhookEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode webhook event: %v", err)
		}
		events <- ev
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewEngine(askSnapshot(1), NewReporter(srv.URL, "app-1"))

	headers := http.Header{}
	headers.Set("Authorization", "Bearer super-secret")
	headers.Set("Cookie", "session=abc")
	headers.Set("Accept", "application/json")
	headers.Set(sourceHeader, "mcp:fetch")

	d := e.Decide("GET", "https://unknown.example/", "unknown.example", "mcp:fetch", headers)
	if d.Allowed {
		t.Fatalf("unanswered ask resolved as allowed")
	}

	var pending *model.WebhookEvent
	deadline := time.After(2 * time.Second)
	for pending == nil {
		select {
		case ev := <-events:
			if ev.Data.Status == model.RequestPending && ev.EventType == model.EventApprovalRequired {
				pending = &ev
			}
		case <-deadline:
			t.Fatalf("approval_required event never delivered")
		}
	}

	h := pending.Data.Headers
	if h["Authorization"] != "[redacted]" || h["Cookie"] != "[redacted]" {
		t.Fatalf("credential headers not masked: %v", h)
	}
	if h["Accept"] != "application/json" {
		t.Fatalf("benign header lost: %v", h)
	}
	if _, ok := h[sourceHeader]; ok {
		t.Fatalf("routing header leaked into event: %v", h)
	}
	for _, v := range h {
		if v == "Bearer super-secret" {
			t.Fatalf("secret value leaked into event: %v", h)
		}
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	e := newTestEngine(askSnapshot(1))

	if resolved, err := e.Approve("nope", "", ""); err != nil || resolved {
		t.Fatalf("Approve(unknown) = %v, %v, want false", resolved, err)
	}
	if e.Deny("nope") {
		t.Fatalf("Deny(unknown) = true")
	}
}
