package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wardenbox/warden/internal/model"
)

func newControlRouter(t *testing.T, engine *Engine) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewControl(engine, "admin-token").RegisterRoutes(r)
	return r
}

func doControl(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestControlRequiresAdminToken(t *testing.T) {
	r := newControlRouter(t, newTestEngine(askSnapshot(1)))

	if w := doControl(r, http.MethodGet, "/status", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", w.Code)
	}
	if w := doControl(r, http.MethodGet, "/status", "wrong", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d", w.Code)
	}
	if w := doControl(r, http.MethodGet, "/status", "admin-token", ""); w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", w.Code)
	}
}

func TestControlHealthIsUnauthenticated(t *testing.T) {
	r := newControlRouter(t, newTestEngine(askSnapshot(1)))

	if w := doControl(r, http.MethodGet, "/health", "", ""); w.Code != http.StatusOK {
		t.Fatalf("health: status = %d", w.Code)
	}
}

func TestControlAddPattern(t *testing.T) {
	e := newTestEngine(askSnapshot(1))
	r := newControlRouter(t, e)

	w := doControl(r, http.MethodPost, "/add_pattern", "admin-token",
		`{"pattern":"api.example.com","pattern_type":"exact"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("add_pattern: status = %d body = %s", w.Code, w.Body.String())
	}

	d := e.Decide("GET", "https://api.example.com/", "api.example.com", "agent", nil)
	if !d.Allowed {
		t.Fatalf("pushed pattern not effective: %+v", d)
	}

	// Invalid regex and duplicates are 400s.
	w = doControl(r, http.MethodPost, "/add_pattern", "admin-token",
		`{"pattern":"regex:[broken","pattern_type":"regex"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid regex: status = %d", w.Code)
	}
	w = doControl(r, http.MethodPost, "/add_pattern", "admin-token",
		`{"pattern":"api.example.com","pattern_type":"exact"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("duplicate: status = %d", w.Code)
	}
	w = doControl(r, http.MethodPost, "/add_pattern", "admin-token", `{"pattern":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: status = %d", w.Code)
	}
}

func TestControlSuccessBodiesReportOK(t *testing.T) {
	e := newTestEngine(askSnapshot(10))
	r := newControlRouter(t, e)

	w := doControl(r, http.MethodPost, "/add_pattern", "admin-token",
		`{"pattern":"ok.example","pattern_type":"exact"}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("add_pattern: status = %d body = %s", w.Code, w.Body.String())
	}

	for _, resolve := range []string{"/approve", "/deny"} {
		done := make(chan Decision, 1)
		go func() {
			done <- e.Decide("GET", "https://blocked.example/", "blocked.example", "agent", nil)
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
			t.Fatalf("%s: request never became pending", resolve)
		}

		w = doControl(r, http.MethodPost, resolve, "admin-token",
			`{"request_id":"`+pending[0].RequestID+`"}`)
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
			t.Fatalf("%s: status = %d body = %s", resolve, w.Code, w.Body.String())
		}
		<-done
	}
}

func TestControlApproveAndDenyUnknownRequest(t *testing.T) {
	r := newControlRouter(t, newTestEngine(askSnapshot(1)))

	w := doControl(r, http.MethodPost, "/approve", "admin-token", `{"request_id":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("approve unknown: status = %d", w.Code)
	}
	w = doControl(r, http.MethodPost, "/deny", "admin-token", `{"request_id":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("deny unknown: status = %d", w.Code)
	}
}

func TestControlStatusReflectsEngine(t *testing.T) {
	snap := askSnapshot(1)
	snap.AllowAllNetwork = true
	e := newTestEngine(snap)
	r := newControlRouter(t, e)

	w := doControl(r, http.MethodGet, "/status", "admin-token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"allow_all_network":true`) {
		t.Fatalf("status missing allow_all_network: %s", body)
	}
	if !strings.Contains(body, `"unknown_action":"`+string(model.UnknownAsk)+`"`) {
		t.Fatalf("status missing unknown_action: %s", body)
	}
}
