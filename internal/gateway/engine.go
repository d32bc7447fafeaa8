package gateway

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wardenbox/warden/internal/approval"
	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
)

// llmProviderHosts are the model API destinations that bypass the allowlist.
// Agent traffic to its own provider must never hang on an approval.
var llmProviderHosts = map[string]bool{
	"api.anthropic.com":                 true,
	"api.openai.com":                    true,
	"generativelanguage.googleapis.com": true,
}

// trustedInfraHosts are destinations whose TLS must never be intercepted:
// model APIs and package registries verify their certificates strictly, and
// an interception certificate breaks them. CONNECTs to these tunnel through
// untouched even when an interceptor is wired.
var trustedInfraHosts = map[string]bool{
	"api.anthropic.com":                 true,
	"api.openai.com":                    true,
	"generativelanguage.googleapis.com": true,
	"pypi.org":                          true,
	"files.pythonhosted.org":            true,
	"registry.npmjs.org":                true,
	"proxy.golang.org":                  true,
	"github.com":                        true,
}

func trustedInfraHost(host string) bool {
	if trustedInfraHosts[host] {
		return true
	}
	return strings.HasSuffix(host, ".githubusercontent.com")
}

// Decision is the outcome of evaluating one intercepted request.
type Decision struct {
	RequestID      string
	Allowed        bool
	Status         model.RequestStatus
	MatchedPattern string
	IsLLMProvider  bool
	// Passthrough tells the proxy to tunnel a CONNECT opaquely instead of
	// handing it to the interceptor.
	Passthrough bool
}

// Engine evaluates egress policy for the proxy. Pattern pushes and approval
// resolutions arrive concurrently from the control surface, so all state is
// behind a lock.
type Engine struct {
	mu            sync.RWMutex
	appID         string
	allowAll      bool
	unknownAction model.UnknownAction
	allowlist     *policy.Allowlist
	approvalTTL   time.Duration

	approvals *approval.Registry
	reporter  *Reporter
}

func NewEngine(snap *PolicySnapshot, reporter *Reporter) *Engine {
	list := &policy.Allowlist{}
	for _, p := range snap.UserPatterns {
		_, _ = list.AddUser(p.Pattern, p.Type, p.Source)
	}
	for _, p := range snap.AutoPatterns {
		_, _ = list.AddAuto(p.Pattern, p.Type, p.Source)
	}

	action := snap.UnknownAction
	if action == "" {
		action = model.UnknownAsk
	}

	return &Engine{
		appID:         snap.AppID,
		allowAll:      snap.AllowAllNetwork,
		unknownAction: action,
		allowlist:     list,
		approvalTTL:   snap.ApprovalTimeout(),
		approvals:     approval.NewRegistry(),
		reporter:      reporter,
	}
}

// Decide evaluates one request and blocks while an approval is pending.
// Every path reports a network_request event before returning.
func (e *Engine) Decide(method, rawURL, host, source string, headers http.Header) Decision {
	d := Decision{
		RequestID: uuid.NewString()[:8],
	}

	e.mu.RLock()
	allowAll := e.allowAll
	action := e.unknownAction
	matched := e.allowlist.Matches(rawURL)
	ttl := e.approvalTTL
	e.mu.RUnlock()

	switch {
	case allowAll:
		d.Allowed = true
		d.Status = model.RequestAllowed
		d.MatchedPattern = model.MatchedAllowAll
		d.Passthrough = true
	case llmProviderHosts[host]:
		d.Allowed = true
		d.Status = model.RequestAllowed
		d.MatchedPattern = model.MatchedLLMProvider
		d.IsLLMProvider = true
		d.Passthrough = true
	case matched != nil:
		d.Allowed = true
		d.Status = model.RequestAllowed
		d.MatchedPattern = matched.Pattern
		d.Passthrough = trustedInfraHost(host)
	case action == model.UnknownAllow:
		d.Allowed = true
		d.Status = model.RequestAllowed
		d.Passthrough = trustedInfraHost(host)
	case action == model.UnknownDeny:
		d.Allowed = false
		d.Status = model.RequestDenied
	default:
		d = e.askAndWait(d, method, rawURL, host, source, ttl, headers)
		d.Passthrough = d.Allowed && trustedInfraHost(host)
		return d
	}

	e.reporter.Report(model.EventNetworkRequest, model.NetworkEventData{
		RequestID:      d.RequestID,
		Method:         method,
		URL:            rawURL,
		Host:           host,
		Status:         d.Status,
		Source:         source,
		MatchedPattern: d.MatchedPattern,
		IsLLMProvider:  d.IsLLMProvider,
	})
	return d
}

// askAndWait registers the request for human approval and blocks the caller
// until it is resolved or times out. Timeout is a denial.
func (e *Engine) askAndWait(d Decision, method, rawURL, host, source string, ttl time.Duration, headers http.Header) Decision {
	ticket := e.approvals.Register(d.RequestID, method, rawURL, host, ttl)

	redacted := redactHeaders(headers)
	e.reporter.Report(model.EventNetworkRequest, model.NetworkEventData{
		RequestID: d.RequestID,
		Method:    method,
		URL:       rawURL,
		Host:      host,
		Status:    model.RequestPending,
		Source:    source,
		Headers:   redacted,
	})
	e.reporter.Report(model.EventApprovalRequired, model.NetworkEventData{
		RequestID: d.RequestID,
		Method:    method,
		URL:       rawURL,
		Host:      host,
		Status:    model.RequestPending,
		Source:    source,
		Headers:   redacted,
	})

	if e.approvals.Wait(ticket) {
		d.Allowed = true
		d.Status = model.RequestAllowed
	} else {
		d.Allowed = false
		d.Status = model.RequestDenied
	}

	e.reporter.Report(model.EventNetworkRequest, model.NetworkEventData{
		RequestID: d.RequestID,
		Status:    d.Status,
	})
	return d
}

// sensitiveHeaders are masked before a request's headers go into an event.
// The operator sees that a credential was sent, never its value.
var sensitiveHeaders = map[string]bool{
	"Authorization":       true,
	"Proxy-Authorization": true,
	"Cookie":              true,
	"Set-Cookie":          true,
	"X-Api-Key":           true,
}

// redactHeaders flattens request headers for event reporting. Credential
// headers are masked and the internal routing header is dropped entirely.
func redactHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key, vals := range h {
		canon := http.CanonicalHeaderKey(key)
		if canon == sourceHeader {
			continue
		}
		if sensitiveHeaders[canon] {
			out[canon] = "[redacted]"
			continue
		}
		out[canon] = strings.Join(vals, ", ")
	}
	return out
}

// ReportCompletion records response metadata for an allowed request.
func (e *Engine) ReportCompletion(requestID string, statusCode int, latency time.Duration, sizeBytes int64) {
	status := model.RequestCompleted
	if statusCode == 0 {
		status = model.RequestError
	}
	e.reporter.Report(model.EventNetworkResponse, model.NetworkEventData{
		RequestID:  requestID,
		Status:     status,
		StatusCode: statusCode,
		LatencyMs:  latency.Milliseconds(),
		SizeBytes:  sizeBytes,
	})
}

// AddPattern pushes a pattern into the live allowlist.
func (e *Engine) AddPattern(pattern string, typ policy.PatternType, source string) (*policy.Pattern, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.allowlist.AddUser(pattern, typ, source)
}

// Approve resolves a pending request positively, optionally committing a
// pattern first so later requests to the same destination pass silently. An
// invalid pattern fails the whole call; a duplicate does not.
func (e *Engine) Approve(requestID, pattern string, typ policy.PatternType) (bool, error) {
	if pattern != "" {
		if typ == "" {
			typ = policy.PatternExact
		}
		if _, err := e.AddPattern(pattern, typ, policy.SourceApproved); err != nil {
			if !errors.Is(err, policy.ErrDuplicatePattern) {
				return false, err
			}
		}
	}
	return e.approvals.Resolve(requestID, true), nil
}

// Deny resolves a pending request negatively.
func (e *Engine) Deny(requestID string) bool {
	return e.approvals.Resolve(requestID, false)
}

// PendingRequest is one approval-awaiting request on the control surface.
type PendingRequest struct {
	RequestID string    `json:"request_id"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e *Engine) Pending() []PendingRequest {
	tickets := e.approvals.ListPending()
	out := make([]PendingRequest, 0, len(tickets))
	for _, t := range tickets {
		out = append(out, PendingRequest{
			RequestID: t.ID,
			Method:    t.Method,
			URL:       t.URL,
			Host:      t.Host,
			ExpiresAt: t.Deadline,
		})
	}
	return out
}

// Status summarizes the engine for the control surface.
type Status struct {
	AppID           string              `json:"app_id"`
	AllowAllNetwork bool                `json:"allow_all_network"`
	UnknownAction   model.UnknownAction `json:"unknown_action"`
	UserPatterns    int                 `json:"user_patterns"`
	AutoPatterns    int                 `json:"auto_patterns"`
	PendingRequests int                 `json:"pending_requests"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		AppID:           e.appID,
		AllowAllNetwork: e.allowAll,
		UnknownAction:   e.unknownAction,
		UserPatterns:    len(e.allowlist.User),
		AutoPatterns:    len(e.allowlist.Auto),
		PendingRequests: len(e.approvals.ListPending()),
	}
}
