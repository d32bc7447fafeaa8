package gateway

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wardenbox/warden/internal/model"
	"github.com/wardenbox/warden/internal/policy"
)

type recordingInterceptor struct {
	calls atomic.Int32
}

func (ri *recordingInterceptor) Intercept(w http.ResponseWriter, r *http.Request, requestID string) error {
	ri.calls.Add(1)
	w.WriteHeader(http.StatusOK)
	return nil
}

func TestProxyForwardsAllowedRequestAndStripsSource(t *testing.T) {
	var sawSource string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSource = r.Header.Get(sourceHeader)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	snap := askSnapshot(1)
	snap.UserPatterns = []policy.Pattern{
		{Pattern: hostWithoutPort(u.Host), Type: policy.PatternExact, Source: policy.SourceUser},
	}
	proxy := httptest.NewServer(NewProxy(newTestEngine(snap), nil))
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	req, _ := http.NewRequest(http.MethodGet, upstream.URL+"/data", nil)
	req.Header.Set(sourceHeader, "mcp:fetch")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("proxied request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	if sawSource != "" {
		t.Fatalf("identity header leaked upstream: %q", sawSource)
	}
}

func TestProxyDeniesUnknownDestination(t *testing.T) {
	snap := askSnapshot(1)
	snap.UnknownAction = model.UnknownDeny
	proxy := httptest.NewServer(NewProxy(newTestEngine(snap), nil))
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	resp, err := client.Get("http://blocked.example/secret")
	if err != nil {
		t.Fatalf("proxied request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatalf("denial response missing body")
	}
}

func TestProxyTunnelDenialAtConnectTime(t *testing.T) {
	snap := askSnapshot(1)
	snap.UnknownAction = model.UnknownDeny
	proxy := httptest.NewServer(NewProxy(newTestEngine(snap), nil))
	defer proxy.Close()

	proxyURL, _ := url.Parse(proxy.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}

	// CONNECT to a disallowed host fails before any bytes flow.
	_, err := client.Get("https://blocked.example/")
	if err == nil {
		t.Fatalf("expected CONNECT to be refused")
	}
}

func TestConnectTunnelsTrustedTrafficAroundInterceptor(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstream.Close()
	go func() {
		conn, err := upstream.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		_, _ = conn.Write([]byte("pong"))
	}()

	ri := &recordingInterceptor{}
	snap := &PolicySnapshot{AppID: "app-1", AllowAllNetwork: true}
	proxy := httptest.NewServer(NewProxy(newTestEngine(snap), ri))
	defer proxy.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(proxy.URL, "http://"))
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	target := upstream.Addr().String()
	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("CONNECT status = %d", resp.StatusCode)
	}

	// Bytes flow opaquely through the established tunnel.
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("tunnel write: %v", err)
	}
	reply := make([]byte, 4)
	if _, err := io.ReadFull(br, reply); err != nil {
		t.Fatalf("tunnel read: %v", err)
	}
	if string(reply) != "pong" {
		t.Fatalf("tunnel reply = %q", reply)
	}

	if n := ri.calls.Load(); n != 0 {
		t.Fatalf("interceptor invoked %d times for an allow-all tunnel", n)
	}
}

func TestConnectHandsOrdinaryHostsToInterceptor(t *testing.T) {
	ri := &recordingInterceptor{}
	snap := askSnapshot(1)
	snap.UserPatterns = []policy.Pattern{
		{Pattern: "ordinary.example", Type: policy.PatternExact, Source: policy.SourceUser},
	}
	proxy := NewProxy(newTestEngine(snap), ri)

	req := httptest.NewRequest(http.MethodConnect, "https://ordinary.example:443", nil)
	req.Host = "ordinary.example:443"
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)

	if n := ri.calls.Load(); n != 1 {
		t.Fatalf("interceptor invoked %d times for an allowlisted host, want 1", n)
	}
}

func TestProxyRejectsRelativeURI(t *testing.T) {
	proxy := NewProxy(newTestEngine(askSnapshot(1)), nil)

	req := httptest.NewRequest(http.MethodGet, "/not-absolute", nil)
	w := httptest.NewRecorder()
	proxy.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPolicySnapshotRoundTrip(t *testing.T) {
	snap := &PolicySnapshot{
		AppID:                  "app-1",
		UnknownAction:          model.UnknownAsk,
		ApprovalTimeoutSeconds: 60,
		UserPatterns: []policy.Pattern{
			{Pattern: "api.example.com", Type: policy.PatternExact, Source: policy.SourceUser},
		},
		AutoPatterns: []policy.Pattern{
			{Pattern: "pypi.org", Type: policy.PatternExact, Source: policy.SourceAuto},
		},
	}

	raw, err := MarshalPolicySnapshot(snap)
	if err != nil {
		t.Fatalf("MarshalPolicySnapshot() error = %v", err)
	}

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	loaded, err := LoadPolicySnapshot(path)
	if err != nil {
		t.Fatalf("LoadPolicySnapshot() error = %v", err)
	}
	if loaded.AppID != "app-1" || len(loaded.UserPatterns) != 1 || len(loaded.AutoPatterns) != 1 {
		t.Fatalf("snapshot lost fields: %+v", loaded)
	}
	if loaded.ApprovalTimeout().Seconds() != 60 {
		t.Fatalf("ApprovalTimeout() = %v", loaded.ApprovalTimeout())
	}
}

func TestLoadPolicySnapshotRejectsBadPattern(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := "app_id: app-1\nuser_patterns:\n  - pattern: 'regex:[broken'\n    pattern_type: regex\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if _, err := LoadPolicySnapshot(path); err == nil {
		t.Fatalf("expected invalid pattern to fail loading")
	}
}
