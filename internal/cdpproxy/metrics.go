package cdpproxy

import "sync/atomic"

// Metrics are the proxy's operational counters. All fields are atomics; the
// pump goroutines update them without coordination.
type Metrics struct {
	TotalConnections atomic.Int64
	AuthFailures     atomic.Int64
	DialFailures     atomic.Int64
	FramesToBrowser  atomic.Int64
	FramesToClient   atomic.Int64
	BytesToBrowser   atomic.Int64
	BytesToClient    atomic.Int64
}

// MetricsSnapshot is the wire form served by /metrics.
type MetricsSnapshot struct {
	TotalConnections  int64 `json:"totalConnections"`
	ActiveConnections int64 `json:"activeConnections"`
	AuthFailures      int64 `json:"authFailures"`
	DialFailures      int64 `json:"dialFailures"`
	FramesToBrowser   int64 `json:"framesToBrowser"`
	FramesToClient    int64 `json:"framesToClient"`
	BytesToBrowser    int64 `json:"bytesToBrowser"`
	BytesToClient     int64 `json:"bytesToClient"`
}

// Snapshot captures the counters. The live-connection count is owned by the
// server, so it is passed in.
func (m *Metrics) Snapshot(active int64) MetricsSnapshot {
	return MetricsSnapshot{
		TotalConnections:  m.TotalConnections.Load(),
		ActiveConnections: active,
		AuthFailures:      m.AuthFailures.Load(),
		DialFailures:      m.DialFailures.Load(),
		FramesToBrowser:   m.FramesToBrowser.Load(),
		FramesToClient:    m.FramesToClient.Load(),
		BytesToBrowser:    m.BytesToBrowser.Load(),
		BytesToClient:     m.BytesToClient.Load(),
	}
}
