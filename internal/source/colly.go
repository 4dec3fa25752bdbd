package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

// CollyConfig controls the plain-HTTP registry source.
type CollyConfig struct {
	// URLTemplate renders the docket URL from a case id, e.g.
	// "https://registry.example/cases/%s".
	URLTemplate string
	UserAgent   string
	Timeout     time.Duration
}

// CollySource fetches registry pages over plain HTTP. Safe for use by
// the single harvest goroutine; Recover swaps the collector under a
// lock.
type CollySource struct {
	cfg    CollyConfig
	logger *zap.Logger
	clock  harvest.Clock

	mu        sync.Mutex
	collector *colly.Collector
}

// NewCollySource builds a CollySource.
func NewCollySource(cfg CollyConfig, clock harvest.Clock, logger *zap.Logger) (*CollySource, error) {
	if !strings.Contains(cfg.URLTemplate, "%s") {
		return nil, fmt.Errorf("url template must contain a %%s placeholder, got %q", cfg.URLTemplate)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &CollySource{cfg: cfg, logger: logger, clock: clock}
	s.collector = s.newCollector()
	return s, nil
}

func (s *CollySource) newCollector() *colly.Collector {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	if s.cfg.UserAgent != "" {
		c.UserAgent = s.cfg.UserAgent
	}
	c.SetRequestTimeout(s.cfg.Timeout)
	c.WithTransport(newHTTPTransport())
	return c
}

// Probe asks whether a docket id exists without keeping the payload.
func (s *CollySource) Probe(ctx context.Context, id harvest.CaseID) (bool, error) {
	_, err := s.Fetch(ctx, id)
	if err == nil {
		return true, nil
	}
	if harvest.KindOf(err) == harvest.KindNotFound {
		return false, nil
	}
	return false, err
}

// Fetch retrieves the docket page for one case id.
func (s *CollySource) Fetch(ctx context.Context, id harvest.CaseID) (harvest.Record, error) {
	s.mu.Lock()
	collector := s.collector.Clone()
	s.mu.Unlock()

	var (
		statusCode int
		body       []byte
		fetchErr   error
	)
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
			body = append([]byte(nil), r.Body...)
		}
		fetchErr = err
	})

	url := fmt.Sprintf(s.cfg.URLTemplate, id.String())
	canceled, visitErr := s.visit(ctx, collector, url)
	if canceled {
		return harvest.Record{}, fmt.Errorf("fetch %s: %w", id,
			&harvest.SourceError{Kind: harvest.KindTransient, Err: visitErr})
	}
	if statusCode == 0 {
		// No response reached the hooks: a transport-level fault.
		err := fetchErr
		if err == nil {
			err = visitErr
		}
		if err == nil {
			err = errors.New("no response received")
		}
		return harvest.Record{}, s.wrapNetworkError(id, err)
	}
	if err := classifyResponse(statusCode, body); err != nil {
		return harvest.Record{}, fmt.Errorf("fetch %s: %w", id, err)
	}

	return harvest.Record{
		ID:        id,
		FetchedAt: s.clock.Now(),
		Fields:    extractFields(body),
		Raw:       body,
	}, nil
}

// Recover rebuilds the collector, dropping the cookie jar and any
// per-session server state with it.
func (s *CollySource) Recover(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collector = s.newCollector()
	s.logger.Info("http source session reset")
	return nil
}

// visit runs the collector, honoring cancellation. HTTP error
// statuses surface through the OnError hook; the returned error only
// matters when no response was captured at all.
func (s *CollySource) visit(ctx context.Context, collector *colly.Collector, url string) (bool, error) {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case err := <-done:
		return false, err
	}
}

func (s *CollySource) wrapNetworkError(id harvest.CaseID, err error) error {
	se := &harvest.SourceError{Kind: harvest.KindTransient, Err: err}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		se.StatusCode = http.StatusGatewayTimeout
	}
	return fmt.Errorf("fetch %s: %w", id, se)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
