package cdpproxy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// Supervisor owns the headless browser process behind the proxy. The
// debugging port is pinned so the proxy can reach it on loopback.
type Supervisor struct {
	port       int
	profileDir string
	log        *logrus.Entry

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	browserCtx    context.Context
	wsURL         string
}

// NewSupervisor builds a supervisor serving CDP on the given loopback port.
// profileDir, when set, seeds the browser's user data dir.
func NewSupervisor(port int, profileDir string, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		port:       port,
		profileDir: profileDir,
		log:        log,
	}
}

// Start launches the browser and blocks until its CDP endpoint answers and
// targets are listable. The browser's lifetime is tied to Stop, not to ctx.
func (s *Supervisor) Start(ctx context.Context) error {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.WindowSize(1920, 1080),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(s.port)),
		chromedp.Flag("remote-debugging-address", "127.0.0.1"),
	)
	if s.profileDir != "" {
		opts = append(opts, chromedp.UserDataDir(s.profileDir))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	s.allocCancel = allocCancel
	s.browserCancel = browserCancel
	s.browserCtx = browserCtx

	if err := chromedp.Run(browserCtx); err != nil {
		s.Stop()
		return fmt.Errorf("starting browser: %w", err)
	}

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		s.Stop()
		return fmt.Errorf("listing browser targets: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"port":  s.port,
		"pages": countPages(targets),
	}).Info("browser ready")

	if err := s.resolveWSURL(ctx); err != nil {
		s.Stop()
		return err
	}
	return nil
}

// BrowserWSURL returns the browser-level debugger URL, valid after Start.
func (s *Supervisor) BrowserWSURL() string {
	return s.wsURL
}

// Healthy probes the browser's version endpoint.
func (s *Supervisor) Healthy(ctx context.Context) error {
	_, err := fetchDebuggerURL(ctx, s.port)
	return err
}

// Stop tears the browser down. Safe to call more than once and after a
// failed Start.
func (s *Supervisor) Stop() {
	if s.browserCtx != nil {
		_ = chromedp.Cancel(s.browserCtx)
		s.browserCtx = nil
	}
	if s.browserCancel != nil {
		s.browserCancel()
		s.browserCancel = nil
	}
	if s.allocCancel != nil {
		s.allocCancel()
		s.allocCancel = nil
	}
}

// resolveWSURL caches the browser-level webSocketDebuggerUrl, retrying
// briefly in case the version endpoint lags the process start.
func (s *Supervisor) resolveWSURL(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < 15; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
		u, err := fetchDebuggerURL(ctx, s.port)
		if err != nil {
			lastErr = err
			continue
		}
		s.wsURL = u
		return nil
	}
	return fmt.Errorf("browser version endpoint never answered: %w", lastErr)
}

func countPages(targets []*target.Info) int {
	n := 0
	for _, t := range targets {
		if t.Type == "page" {
			n++
		}
	}
	return n
}

func fetchDebuggerURL(ctx context.Context, port int) (string, error) {
	info, err := fetchVersionInfo(ctx, fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("browser reported no debugger url")
	}
	return info.WebSocketDebuggerURL, nil
}
