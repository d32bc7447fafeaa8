package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	// sourceHeader identifies which sandbox process originated a request.
	// The agent image sets it; absent means the agent itself. It is stripped
	// before the request leaves the gateway.
	sourceHeader  = "X-Warden-Source"
	defaultSource = "agent"
)

// TLSInterceptor decrypts CONNECT traffic for destinations that opted into
// inspection. The gateway itself only tunnels; interception is injected by
// the deployment when a trusted CA is provisioned.
type TLSInterceptor interface {
	Intercept(w http.ResponseWriter, r *http.Request, requestID string) error
}

// Proxy is the egress proxy the agent's HTTP_PROXY points at. Plain HTTP is
// evaluated per request; TLS is evaluated once at CONNECT time by SNI and
// then tunneled opaquely.
type Proxy struct {
	engine      *Engine
	interceptor TLSInterceptor
	transport   *http.Transport
}

func NewProxy(engine *Engine, interceptor TLSInterceptor) *Proxy {
	return &Proxy{
		engine:      engine,
		interceptor: interceptor,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleHTTP(w, r)
}

func requestSource(r *http.Request) string {
	source := r.Header.Get(sourceHeader)
	if source == "" {
		return defaultSource
	}
	return source
}

func hostWithoutPort(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// handleHTTP evaluates and forwards one plaintext request.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	logger := slog.Default().With("component", "gateway_proxy")

	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute URI", http.StatusBadRequest)
		return
	}

	source := requestSource(r)
	host := hostWithoutPort(r.URL.Host)
	rawURL := r.URL.String()

	d := p.engine.Decide(r.Method, rawURL, host, source, r.Header)
	if !d.Allowed {
		logger.Info("request denied", "request_id", d.RequestID, "host", host, "source", source)
		writeDenied(w, d.RequestID, host)
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Header.Del(sourceHeader)
	removeHopByHopHeaders(outReq.Header)

	start := time.Now()
	resp, err := p.transport.RoundTrip(outReq)
	if err != nil {
		logger.Warn("upstream request failed", "request_id", d.RequestID, "host", host, "error", err)
		p.engine.ReportCompletion(d.RequestID, 0, time.Since(start), 0)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	removeHopByHopHeaders(resp.Header)
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	p.engine.ReportCompletion(d.RequestID, resp.StatusCode, time.Since(start), written)
}

// handleConnect evaluates the tunnel destination once, then either hands the
// connection to the interceptor or relays bytes blindly.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	logger := slog.Default().With("component", "gateway_proxy")

	source := requestSource(r)
	host := hostWithoutPort(r.Host)

	d := p.engine.Decide(http.MethodConnect, r.Host, host, source, r.Header)
	if !d.Allowed {
		logger.Info("tunnel denied", "request_id", d.RequestID, "host", host, "source", source)
		writeDenied(w, d.RequestID, host)
		return
	}

	if p.interceptor != nil && !d.Passthrough {
		if err := p.interceptor.Intercept(w, r, d.RequestID); err != nil {
			logger.Warn("tls interception failed", "request_id", d.RequestID, "host", host, "error", err)
			http.Error(w, "interception failed", http.StatusBadGateway)
		}
		return
	}

	start := time.Now()
	upstream, err := net.DialTimeout("tcp", r.Host, 30*time.Second)
	if err != nil {
		logger.Warn("tunnel dial failed", "request_id", d.RequestID, "host", host, "error", err)
		p.engine.ReportCompletion(d.RequestID, 0, time.Since(start), 0)
		http.Error(w, "failed to reach destination", http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		logger.Warn("hijack failed", "request_id", d.RequestID, "error", err)
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	var sent, received int64
	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(upstream, clientConn)
		sent = n
		if tc, ok := upstream.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(clientConn, upstream)
		received = n
		done <- struct{}{}
	}()
	<-done
	<-done

	p.engine.ReportCompletion(d.RequestID, http.StatusOK, time.Since(start), sent+received)
}

func writeDenied(w http.ResponseWriter, requestID, host string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":      fmt.Sprintf("egress to %s denied by policy", host),
		"request_id": requestID,
	})
}

// removeHopByHopHeaders strips RFC 7230 connection-scoped headers before
// forwarding.
func removeHopByHopHeaders(h http.Header) {
	for _, f := range strings.Split(h.Get("Connection"), ",") {
		if f = strings.TrimSpace(f); f != "" {
			h.Del(f)
		}
	}
	for _, k := range []string{
		"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
		"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
	} {
		h.Del(k)
	}
}
