// The cdp-proxy binary runs inside each session container. It prepares the
// browser profile, supervises the headless browser, reports the session's
// readiness, serves the authenticated CDP proxy, and self-terminates once the
// session has been idle past its grace period.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/artifacts"
	"github.com/wallcrawler/sessioncore/internal/cdpproxy"
	"github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/logging"
	"github.com/wallcrawler/sessioncore/internal/session"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
)

const (
	// connRate/connBurst bound connection attempts per client IP. CDP
	// clients open one socket per page, so the burst is generous.
	connRate  = 10
	connBurst = 20

	// shutdownTimeout must finish inside the platform's SIGTERM→SIGKILL
	// window.
	shutdownTimeout = 20 * time.Second
)

// auditRecord is the final operational document uploaded when the container
// goes down.
type auditRecord struct {
	SessionID string                   `json:"sessionId"`
	ProjectID string                   `json:"projectId"`
	Reason    string                   `json:"reason"`
	KeepAlive bool                     `json:"keepAlive"`
	StartedAt string                   `json:"startedAt"`
	EndedAt   string                   `json:"endedAt"`
	Metrics   cdpproxy.MetricsSnapshot `json:"metrics"`
}

func main() {
	startedAt := time.Now()
	log := logging.New()
	base := logging.Component(log, "cdp-proxy")

	cfg, err := config.Load()
	if err != nil {
		base.WithError(err).Fatal("invalid configuration")
	}
	if err := cfg.RequireContainer(); err != nil {
		base.WithError(err).Fatal("invalid configuration")
	}
	base = base.WithField("sessionId", cfg.SessionID)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		base.WithError(err).Fatal("load aws config")
	}

	st := store.New(dynamodb.NewFromConfig(awsCfg), store.Tables{
		Sessions: cfg.SessionsTable,
		Projects: cfg.ProjectsTable,
		APIKeys:  cfg.APIKeysTable,
		Contexts: cfg.ContextsTable,
	}, logging.Component(log, "store"))

	var keys token.KeySource
	if cfg.TokenSigningKey != "" {
		keys = token.StaticKeySource(cfg.TokenSigningKey)
	} else {
		keys = token.NewCachedKeySource(secretsmanager.NewFromConfig(awsCfg), cfg.TokenSigningKeyRef, cfg.TokenKeyRefresh())
	}
	verifier := token.NewService(keys)

	var auditor *artifacts.Store
	if cfg.ArtifactsBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg)
		auditor = artifacts.New(
			s3Client,
			s3.NewPresignClient(s3Client),
			manager.NewUploader(s3Client),
			cfg.ArtifactsBucket,
			logging.Component(log, "artifacts"),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Preflight the injected token against the key this container fetched.
	// A mismatch means the signing key rotated mid-launch and every client
	// would be rejected with 4401.
	if cfg.SessionToken != "" {
		if _, err := verifier.Verify(ctx, cfg.SessionToken, cfg.SessionID); err != nil {
			base.WithError(err).Warn("injected session token does not verify against the signing key")
		}
	}

	profileDir := filepath.Join(os.TempDir(), "wallcrawler-profile")
	if err := cdpproxy.PrepareProfile(ctx, profileDir, cfg.ContextProfileURL); err != nil {
		base.WithError(err).Fatal("prepare browser profile")
	}

	sup := cdpproxy.NewSupervisor(cfg.BrowserCDPPort, profileDir, logging.Component(log, "supervisor"))
	if err := sup.Start(ctx); err != nil {
		// Exiting nonzero surfaces as a STOPPED task with a bad exit code,
		// which fails the session upstream.
		base.WithError(err).Fatal("browser failed to start")
	}

	reporter := cdpproxy.NewReporter(st, cfg.SessionID, cfg.KeepAlive, logging.Component(log, "reporter"))

	rec, err := reporter.AwaitAddress(ctx)
	if err != nil {
		sup.Stop()
		base.WithError(err).Fatal("public address never arrived")
	}

	metrics := &cdpproxy.Metrics{}
	proxy := cdpproxy.New(cdpproxy.Config{
		SessionID:   cfg.SessionID,
		BrowserAddr: fmt.Sprintf("127.0.0.1:%d", cfg.BrowserCDPPort),
		PublicAddr:  rec.PublicAddress,
	}, verifier, reporter, metrics, cdpproxy.NewRateLimiter(connRate, connBurst), logging.Component(log, "proxy"))
	proxy.SetBrowserWSURL(sup.BrowserWSURL())

	if err := proxy.Start(cfg.CDPProxyPort); err != nil {
		sup.Stop()
		base.WithError(err).Fatal("proxy failed to start")
	}

	if err := reporter.MarkReady(ctx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = proxy.Shutdown(shutdownCtx)
		cancel()
		sup.Stop()
		base.WithError(err).Fatal("session never became ready")
	}

	idle := make(chan struct{}, 1)
	watchdog := cdpproxy.NewWatchdog(cdpproxy.WatchdogConfig{
		Period:      cfg.WatchdogPeriod(),
		IdleGrace:   cfg.IdleGrace(),
		MinLifetime: cfg.MinLifetime(),
		KeepAlive:   cfg.KeepAlive,
	}, proxy.LiveConnections, func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	}, logging.Component(log, "watchdog"))
	go watchdog.Run(ctx)

	reason := "sigterm"
	select {
	case <-ctx.Done():
	case <-idle:
		reason = "idle_timeout"
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := reporter.MarkTerminating(shutdownCtx, reason); err != nil {
		base.WithError(err).Warn("could not flag session terminating")
	}
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		base.WithError(err).Warn("proxy shutdown")
	}

	snap := metrics.Snapshot(proxy.LiveConnections())
	base.WithFields(logrus.Fields{
		"reason":           reason,
		"totalConnections": snap.TotalConnections,
		"authFailures":     snap.AuthFailures,
		"framesToBrowser":  snap.FramesToBrowser,
		"framesToClient":   snap.FramesToClient,
	}).Info("final session audit")
	if auditor != nil {
		doc := auditRecord{
			SessionID: cfg.SessionID,
			ProjectID: cfg.ProjectID,
			Reason:    reason,
			KeepAlive: cfg.KeepAlive,
			StartedAt: session.FormatTime(startedAt),
			EndedAt:   session.FormatTime(time.Now()),
			Metrics:   snap,
		}
		if err := auditor.PutAuditRecord(shutdownCtx, cfg.SessionID, doc); err != nil {
			base.WithError(err).Warn("audit record upload failed")
		}
	}

	sup.Stop()
	base.WithField("reason", reason).Info("session container exiting")
}
