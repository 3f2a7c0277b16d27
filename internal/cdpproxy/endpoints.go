package cdpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var browserHTTPClient = &http.Client{Timeout: 10 * time.Second}

// PageInfo mirrors one entry of the browser's /json target list.
type PageInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	FaviconURL           string `json:"faviconUrl,omitempty"`
	Description          string `json:"description,omitempty"`
}

// VersionInfo mirrors the browser's /json/version payload.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// handleJSON serves the /json surface, rewriting debugger URLs to the
// proxy's advertised address so clients never see the loopback endpoint.
func (p *Proxy) handleJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := p.authenticate(w, r); !ok {
		return
	}

	switch r.URL.Path {
	case "/json", "/json/", "/json/list":
		pages, err := p.fetchPages(r.Context())
		if err != nil {
			p.log.WithError(err).Warn("browser page listing failed")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "browser unavailable"})
			return
		}
		for i := range pages {
			p.rewritePage(&pages[i])
		}
		writeJSON(w, http.StatusOK, pages)
	case "/json/version":
		info, err := p.fetchVersion(r.Context())
		if err != nil {
			p.log.WithError(err).Warn("browser version probe failed")
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "browser unavailable"})
			return
		}
		info.WebSocketDebuggerURL = "wss://" + p.cfg.PublicAddr + "/cdp"
		writeJSON(w, http.StatusOK, info)
	default:
		p.proxyHTTP(w, r)
	}
}

// rewritePage points a target's URLs at the proxy instead of the loopback
// browser endpoint.
func (p *Proxy) rewritePage(page *PageInfo) {
	if page.WebSocketDebuggerURL != "" {
		if u, err := url.Parse(page.WebSocketDebuggerURL); err == nil {
			page.WebSocketDebuggerURL = "wss://" + p.cfg.PublicAddr + u.Path
			page.DevtoolsFrontendURL = "/devtools/inspector.html?wss=" + p.cfg.PublicAddr + u.Path
		}
	}
}

// handlePassthrough proxies plain HTTP requests (devtools assets, /json/new
// and friends) to the browser after authentication.
func (p *Proxy) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	if _, ok := p.authenticate(w, r); !ok {
		return
	}
	p.proxyHTTP(w, r)
}

// proxyHTTP forwards the request to the loopback browser, dropping our auth
// parameter and headers on the way through.
func (p *Proxy) proxyHTTP(w http.ResponseWriter, r *http.Request) {
	target := "http://" + p.cfg.BrowserAddr + r.URL.Path
	if r.URL.RawQuery != "" {
		params, _ := url.ParseQuery(r.URL.RawQuery)
		params.Del("token")
		if len(params) > 0 {
			target += "?" + params.Encode()
		}
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusInternalServerError)
		return
	}
	for key, values := range r.Header {
		if key == "Authorization" {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := browserHTTPClient.Do(req)
	if err != nil {
		p.log.WithError(err).Warn("browser http passthrough failed")
		http.Error(w, "browser unavailable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.log.WithError(err).Debug("passthrough body copy interrupted")
	}
}

// handleMetrics serves the proxy's counters. Authenticated: the counters
// reveal session activity.
func (p *Proxy) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, ok := p.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, p.metrics.Snapshot(p.live.Load()))
}

// handleHealthz answers platform health checks without auth and without
// leaking session data.
func (p *Proxy) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if _, err := p.fetchVersion(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// fetchPages lists the browser's targets via its local /json endpoint.
func (p *Proxy) fetchPages(ctx context.Context) ([]PageInfo, error) {
	var pages []PageInfo
	if err := browserGet(ctx, p.cfg.BrowserAddr, "/json", &pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// fetchVersion probes the browser's /json/version endpoint.
func (p *Proxy) fetchVersion(ctx context.Context) (*VersionInfo, error) {
	return fetchVersionInfo(ctx, p.cfg.BrowserAddr)
}

func fetchVersionInfo(ctx context.Context, addr string) (*VersionInfo, error) {
	var info VersionInfo
	if err := browserGet(ctx, addr, "/json/version", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func browserGet(ctx context.Context, addr, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := browserHTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("browser %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
