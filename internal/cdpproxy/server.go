// Package cdpproxy is the in-container authentication proxy that fronts the
// browser's CDP endpoint. It validates session tokens, pipes WebSocket frames
// between clients and the loopback browser, tracks the live-connection count
// that drives the session's READY/ACTIVE state, and shuts the container down
// once the session has been idle past its grace period.
package cdpproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/errdefs"
	"github.com/wallcrawler/sessioncore/internal/token"
)

const (
	// writeTimeout bounds how long a frame may wait on a slow peer before
	// the connection is torn down with close code 1011.
	writeTimeout = 5 * time.Second
	// closeGrace bounds the delivery of close control frames.
	closeGrace = time.Second

	// CloseUnauthorized tells WebSocket clients their token was missing,
	// malformed, or expired.
	CloseUnauthorized = 4401
	// CloseWrongSession tells WebSocket clients their token belongs to a
	// different session.
	CloseWrongSession = 4403
)

// TokenVerifier checks a presented token against this container's session.
type TokenVerifier interface {
	Verify(ctx context.Context, raw, sessionID string) (*token.Claims, error)
}

// StatusReporter receives live-connection edges. MarkActive fires on 0→1,
// MarkIdle on →0.
type StatusReporter interface {
	MarkActive(ctx context.Context)
	MarkIdle(ctx context.Context)
}

// Config carries the proxy's wiring.
type Config struct {
	// SessionID is the session this container serves; tokens must match.
	SessionID string
	// BrowserAddr is the loopback CDP endpoint, e.g. "127.0.0.1:9222".
	BrowserAddr string
	// PublicAddr is the externally advertised host:port used when
	// rewriting browser URLs in /json responses.
	PublicAddr string
}

// Proxy is the authenticated CDP front door.
type Proxy struct {
	cfg      Config
	verifier TokenVerifier
	reporter StatusReporter
	limiter  *RateLimiter
	metrics  *Metrics
	log      *logrus.Entry

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	server   *http.Server

	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
	browserWS string

	live atomic.Int64
}

// New builds a proxy. The browser-level WebSocket URL is set later via
// SetBrowserWSURL once the supervisor has it.
func New(cfg Config, verifier TokenVerifier, reporter StatusReporter, metrics *Metrics, limiter *RateLimiter, log *logrus.Entry) *Proxy {
	return &Proxy{
		cfg:      cfg,
		verifier: verifier,
		reporter: reporter,
		limiter:  limiter,
		metrics:  metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		conns:  map[*websocket.Conn]struct{}{},
	}
}

// SetBrowserWSURL records the browser-level debugger URL /cdp connects to.
func (p *Proxy) SetBrowserWSURL(u string) {
	p.mu.Lock()
	p.browserWS = u
	p.mu.Unlock()
}

// Handler returns the proxy's route table.
func (p *Proxy) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.handleHealthz)
	mux.HandleFunc("/metrics", p.handleMetrics)
	mux.HandleFunc("/json", p.handleJSON)
	mux.HandleFunc("/json/", p.handleJSON)
	mux.HandleFunc("/cdp", p.handleBrowserSocket)
	mux.HandleFunc("/devtools/", p.handleDevtools)
	return mux
}

// Start binds the listener and serves in the background.
func (p *Proxy) Start(port int) error {
	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: p.Handler(),
	}
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("cdp proxy listen: %w", err)
	}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.WithError(err).Error("cdp proxy server stopped")
		}
	}()
	p.log.WithField("port", port).Info("cdp proxy listening")
	return nil
}

// Shutdown closes every live connection with 1001 (going away) and stops the
// listener.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for conn := range p.conns {
		closeWith(conn, websocket.CloseGoingAway, "session terminating")
		conn.Close()
	}
	p.mu.Unlock()

	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

// LiveConnections reports the current client connection count.
func (p *Proxy) LiveConnections() int64 {
	return p.live.Load()
}

// handleBrowserSocket serves /cdp: the browser-level endpoint.
func (p *Proxy) handleBrowserSocket(w http.ResponseWriter, r *http.Request) {
	if !p.limiter.Allow(remoteIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if _, ok := p.authenticate(w, r); !ok {
		return
	}
	upstream, err := p.browserSocketURL(r.Context())
	if err != nil {
		p.log.WithError(err).Error("no browser debugger url")
		http.Error(w, "browser unavailable", http.StatusBadGateway)
		return
	}
	p.serveSocket(w, r, upstream)
}

// handleDevtools serves /devtools/...: page endpoints passed through by path.
func (p *Proxy) handleDevtools(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		p.handlePassthrough(w, r)
		return
	}
	if !p.limiter.Allow(remoteIP(r)) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if _, ok := p.authenticate(w, r); !ok {
		return
	}
	p.serveSocket(w, r, "ws://"+p.cfg.BrowserAddr+r.URL.Path)
}

// serveSocket upgrades the client, dials the browser, and pipes frames until
// either side closes.
func (p *Proxy) serveSocket(w http.ResponseWriter, r *http.Request, upstreamURL string) {
	client, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	upstream, resp, err := p.dialer.DialContext(r.Context(), upstreamURL, nil)
	if err != nil {
		p.metrics.DialFailures.Add(1)
		p.log.WithError(err).WithField("upstream", upstreamURL).Warn("browser dial failed")
		closeWith(client, websocket.CloseInternalServerErr, "browser unavailable")
		client.Close()
		return
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	p.metrics.TotalConnections.Add(1)
	p.track(client)
	if p.live.Add(1) == 1 {
		p.reporter.MarkActive(r.Context())
	}
	defer func() {
		p.untrack(client)
		if p.live.Add(-1) == 0 {
			p.reporter.MarkIdle(r.Context())
		}
	}()

	p.log.WithField("upstream", upstreamURL).Debug("cdp connection established")
	p.pump(client, upstream)
}

// pump runs one pipe per direction; each direction closes both conns on
// exit so its counterpart unblocks promptly.
func (p *Proxy) pump(client, upstream *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pipe(upstream, client, &p.metrics.FramesToBrowser, &p.metrics.BytesToBrowser)
		upstream.Close()
		client.Close()
	}()
	go func() {
		defer wg.Done()
		p.pipe(client, upstream, &p.metrics.FramesToClient, &p.metrics.BytesToClient)
		client.Close()
		upstream.Close()
	}()
	wg.Wait()
}

// pipe forwards frames src→dst preserving message boundaries and type. A
// write that misses its deadline gets the destination closed with 1011.
func (p *Proxy) pipe(dst, src *websocket.Conn, frames, bytes *atomic.Int64) {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return
		}
		_ = dst.SetWriteDeadline(time.Now().Add(writeTimeout))
		w, err := dst.NextWriter(mt)
		if err != nil {
			p.closeStalled(dst, err)
			return
		}
		n, err := io.Copy(w, r)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			p.closeStalled(dst, err)
			return
		}
		frames.Add(1)
		bytes.Add(n)
	}
}

func (p *Proxy) closeStalled(conn *websocket.Conn, err error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		closeWith(conn, websocket.CloseInternalServerErr, "write timeout")
	}
}

// authenticate validates the bearer token. Failed upgrade requests are
// completed and closed with 4401/4403 so WebSocket clients see the reason;
// plain requests get a JSON error. The browser is never dialed on failure.
func (p *Proxy) authenticate(w http.ResponseWriter, r *http.Request) (*token.Claims, bool) {
	claims, err := p.verify(r.Context(), r)
	if err == nil {
		return claims, true
	}

	p.metrics.AuthFailures.Add(1)
	p.log.WithError(err).WithField("path", r.URL.Path).Warn("rejected cdp request")

	if websocket.IsWebSocketUpgrade(r) {
		code := CloseUnauthorized
		if errdefs.IsForbidden(err) {
			code = CloseWrongSession
		}
		p.rejectSocket(w, r, code)
		return nil, false
	}

	status := http.StatusUnauthorized
	reason := "unauthorized"
	if errdefs.IsForbidden(err) {
		status = http.StatusForbidden
		reason = "forbidden"
	}
	writeJSON(w, status, map[string]string{"error": reason, "message": err.Error()})
	return nil, false
}

func (p *Proxy) verify(ctx context.Context, r *http.Request) (*token.Claims, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, errdefs.Unauthorized("missing token")
	}
	return p.verifier.Verify(ctx, raw, p.cfg.SessionID)
}

// rejectSocket completes the upgrade, then immediately closes with the given
// code so the client observes the close reason rather than a failed
// handshake.
func (p *Proxy) rejectSocket(w http.ResponseWriter, r *http.Request, code int) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	reason := "unauthorized"
	if code == CloseWrongSession {
		reason = "token not valid for this session"
	}
	closeWith(conn, code, reason)
	conn.Close()
}

func (p *Proxy) track(conn *websocket.Conn) {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
}

func (p *Proxy) untrack(conn *websocket.Conn) {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
}

// browserSocketURL resolves the browser-level debugger endpoint, falling
// back to a version probe when the supervisor has not recorded it.
func (p *Proxy) browserSocketURL(ctx context.Context) (string, error) {
	p.mu.Lock()
	cached := p.browserWS
	p.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	info, err := p.fetchVersion(ctx)
	if err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser reported no debugger url")
	}
	p.SetBrowserWSURL(info.WebSocketDebuggerURL)
	return info.WebSocketDebuggerURL, nil
}

// bearerToken pulls the session token from the token query parameter or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
