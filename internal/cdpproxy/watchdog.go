package cdpproxy

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// WatchdogConfig tunes the idle shutdown watchdog.
type WatchdogConfig struct {
	// Period between idle checks.
	Period time.Duration
	// IdleGrace is how long the connection count must stay at zero before
	// the session self-terminates.
	IdleGrace time.Duration
	// MinLifetime protects freshly started sessions from being culled
	// before a client ever had a chance to connect.
	MinLifetime time.Duration
	// KeepAlive disables self-termination entirely; the TTL sweep ends
	// keep-alive sessions.
	KeepAlive bool
}

// Watchdog ends the session once it has been idle past its grace period.
type Watchdog struct {
	cfg    WatchdogConfig
	live   func() int64
	onIdle func()
	log    *logrus.Entry

	now func() time.Time
}

// NewWatchdog builds a watchdog over the given live-connection gauge.
// onIdle runs at most once, from the watchdog goroutine.
func NewWatchdog(cfg WatchdogConfig, live func() int64, onIdle func(), log *logrus.Entry) *Watchdog {
	return &Watchdog{
		cfg:    cfg,
		live:   live,
		onIdle: onIdle,
		log:    log,
		now:    time.Now,
	}
}

// Run blocks until ctx is done or the idle shutdown fires.
func (w *Watchdog) Run(ctx context.Context) {
	started := w.now()
	lastBusy := started

	ticker := time.NewTicker(w.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := w.now()
		if w.live() > 0 {
			lastBusy = now
			continue
		}
		if w.cfg.KeepAlive {
			continue
		}
		if now.Sub(lastBusy) < w.cfg.IdleGrace || now.Sub(started) < w.cfg.MinLifetime {
			continue
		}

		w.log.WithField("idle", now.Sub(lastBusy).String()).Info("idle grace elapsed, ending session")
		w.onIdle()
		return
	}
}
