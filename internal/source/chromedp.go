package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

// ChromeConfig controls the headless-browser registry source, used
// for registries that only render dockets through JavaScript.
type ChromeConfig struct {
	// URLTemplate renders the docket URL from a case id.
	URLTemplate       string
	UserAgent         string
	NavigationTimeout time.Duration
	// RequestsPerSecond is the per-domain budget on top of the
	// harvester's own politeness interval. Zero disables it.
	RequestsPerSecond float64
}

// ChromeSource fetches registry pages through headless Chrome.
type ChromeSource struct {
	cfg     ChromeConfig
	logger  *zap.Logger
	clock   harvest.Clock
	limiter *rate.Limiter

	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browser       context.Context
	browserCancel context.CancelFunc
}

// NewChromeSource builds a ChromeSource. The browser process starts
// lazily on the first Fetch.
func NewChromeSource(cfg ChromeConfig, clock harvest.Clock, logger *zap.Logger) (*ChromeSource, error) {
	if !strings.Contains(cfg.URLTemplate, "%s") {
		return nil, fmt.Errorf("url template must contain a %%s placeholder, got %q", cfg.URLTemplate)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &ChromeSource{
		cfg:           cfg,
		logger:        logger,
		clock:         clock,
		limiter:       limiter,
		allocator:     allocCtx,
		allocCancel:   allocCancel,
		browser:       browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close tears down the browser and its allocator.
func (s *ChromeSource) Close() {
	s.mu.Lock()
	if s.browserCancel != nil {
		s.browserCancel()
	}
	s.mu.Unlock()
	s.allocCancel()
}

// Probe asks whether a docket id exists without keeping the payload.
func (s *ChromeSource) Probe(ctx context.Context, id harvest.CaseID) (bool, error) {
	_, err := s.Fetch(ctx, id)
	if err == nil {
		return true, nil
	}
	if harvest.KindOf(err) == harvest.KindNotFound {
		return false, nil
	}
	return false, err
}

// Fetch renders the docket page for one case id and classifies the
// document response.
func (s *ChromeSource) Fetch(ctx context.Context, id harvest.CaseID) (harvest.Record, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return harvest.Record{}, fmt.Errorf("fetch %s: %w", id,
				&harvest.SourceError{Kind: harvest.KindTransient, Err: err})
		}
	}

	s.mu.Lock()
	browser := s.browser
	s.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(browser)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, s.cfg.NavigationTimeout)
	defer cancel()

	meta := newDocumentMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	url := fmt.Sprintf(s.cfg.URLTemplate, id.String())
	var html string
	actions := []chromedp.Action{
		s.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		// A dead browser context stays dead until Recover rebuilds it.
		return harvest.Record{}, fmt.Errorf("fetch %s: %w", id, &harvest.SourceError{
			Kind:         harvest.KindTransient,
			SessionStale: browserDead(err),
			Err:          err,
		})
	}

	body := []byte(html)
	if err := classifyResponse(meta.status(), body); err != nil {
		return harvest.Record{}, fmt.Errorf("fetch %s: %w", id, err)
	}

	return harvest.Record{
		ID:        id,
		FetchedAt: s.clock.Now(),
		Fields:    extractFields(body),
		Raw:       body,
	}, nil
}

// Recover tears down the browser context and starts a fresh one on
// the same allocator, clearing cookies and page state.
func (s *ChromeSource) Recover(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserCancel != nil {
		s.browserCancel()
	}
	s.browser, s.browserCancel = chromedp.NewContext(s.allocator)
	s.logger.Info("browser session reset")
	return nil
}

func (s *ChromeSource) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func browserDead(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "browser closed") ||
		strings.Contains(msg, "websocket")
}

// documentMeta captures the status of the top-level document response
// from CDP network events.
type documentMeta struct {
	mu         sync.RWMutex
	statusCode int
}

func newDocumentMeta() *documentMeta {
	return &documentMeta{}
}

func (m *documentMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.statusCode = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *documentMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.statusCode == 0 {
		return 200
	}
	return m.statusCode
}
