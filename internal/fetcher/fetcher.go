// Package fetcher retrieves pages over HTTP with bounded concurrency,
// per-domain politeness, and transfer guards.
package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/scrapekit/emailscraper/internal/config"
)

// maxTitleLen bounds the page title stored with a result.
const maxTitleLen = 500

// Result is the outcome of fetching a single URL. Err is nil on success;
// a non-2xx status is still a successful fetch at this layer.
type Result struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Title       string
	Duration    time.Duration
	Err         error
}

// OK reports whether the fetch produced a usable 2xx HTML-or-text response.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Error kinds used for failure bookkeeping on URL records.
const (
	ErrKindTimeout      = "timeout"
	ErrKindSlowTransfer = "slow_transfer"
	ErrKindBodyTooLarge = "body_too_large"
	ErrKindConnection   = "connection"
	ErrKindHTTP         = "http_error"
	ErrKindCancelled    = "cancelled"
)

// Classify maps a result to an error kind, or "" for success.
func Classify(r Result) string {
	if r.Err != nil {
		switch {
		case errors.Is(r.Err, context.Canceled):
			return ErrKindCancelled
		case errors.Is(r.Err, ErrSlowTransfer):
			return ErrKindSlowTransfer
		case errors.Is(r.Err, ErrBodyTooLarge):
			return ErrKindBodyTooLarge
		case errors.Is(r.Err, context.DeadlineExceeded), isTimeout(r.Err):
			return ErrKindTimeout
		default:
			return ErrKindConnection
		}
	}
	if r.StatusCode >= 400 {
		return ErrKindHTTP
	}
	return ""
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryable reports whether a failure class is worth another attempt.
// Client errors other than 429 are permanent.
func retryable(r Result) bool {
	switch Classify(r) {
	case ErrKindTimeout, ErrKindSlowTransfer, ErrKindConnection:
		return true
	case ErrKindHTTP:
		return r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500
	default:
		return false
	}
}

// Fetcher fetches pages using a shared Colly collector. Each request
// runs on a clone so per-request hooks never leak between fetches.
type Fetcher struct {
	cfg           config.FetcherConfig
	log           *zap.Logger
	transport     http.RoundTripper
	baseCollector *colly.Collector

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Fetcher from configuration.
func New(cfg config.FetcherConfig, log *zap.Logger) *Fetcher {
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)

	transport := newGuardTransport(
		newHTTPTransport(),
		cfg.MaxBodyBytes,
		cfg.MinBytesPerSec,
		time.Duration(cfg.StallGraceSec)*time.Second,
	)
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		log:           log,
		transport:     transport,
		baseCollector: c,
		limiters:      make(map[string]*rate.Limiter),
	}
}

// visitState collects hook output for one Visit. Sealing it detaches
// the collector: a Visit goroutine abandoned on cancellation may still
// fire its hooks, and those writes must not land in a returned Result.
type visitState struct {
	mu     sync.Mutex
	result Result
	sealed bool
}

// seal stops further hook writes and returns what landed so far.
func (s *visitState) seal() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.result
}

// Fetch retrieves a single URL. Transport failures are reported in
// Result.Err; HTTP error statuses come back as ordinary results.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) Result {
	if err := f.waitDomain(ctx, rawURL); err != nil {
		return Result{URL: rawURL, Err: err}
	}

	start := time.Now()
	state := &visitState{result: Result{URL: rawURL}}
	collector := f.buildCollector(start, state)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	var result Result
	select {
	case <-ctx.Done():
		result = state.seal()
		result.Err = fmt.Errorf("fetch %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		result = state.seal()
		if err != nil && result.Err == nil {
			result.Err = fmt.Errorf("fetch %s: %w", rawURL, err)
		}
	}
	result.Duration = time.Since(start)

	if result.Err != nil {
		f.log.Debug("fetch failed",
			zap.String("url", rawURL),
			zap.Error(result.Err),
		)
	}
	return result
}

func (f *Fetcher) buildCollector(start time.Time, state *visitState) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(time.Duration(f.cfg.TimeoutSeconds) * time.Second)
	collector.WithTransport(f.transport)

	maxRedirects := f.cfg.MaxRedirects
	collector.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("DNT", "1")
	})

	collector.OnResponse(func(r *colly.Response) {
		body := append([]byte(nil), r.Body...)
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.sealed {
			return
		}
		state.result = Result{
			URL:         state.result.URL,
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        body,
			Title:       pageTitle(r.Headers.Get("Content-Type"), body),
			Duration:    time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.sealed {
			return
		}
		if r != nil {
			state.result.StatusCode = r.StatusCode
		}
		state.result.Err = fmt.Errorf("fetch %s: %w", state.result.URL, err)
	})

	return collector
}

// FetchAll retrieves a batch in waves of at most Concurrency URLs,
// pausing DelaySeconds between waves. Results keep input order.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))

	waveSize := f.cfg.Concurrency
	if waveSize < 1 {
		waveSize = 1
	}
	delay := time.Duration(f.cfg.DelaySeconds * float64(time.Second))

	for waveStart := 0; waveStart < len(urls); waveStart += waveSize {
		waveEnd := waveStart + waveSize
		if waveEnd > len(urls) {
			waveEnd = len(urls)
		}

		var wg sync.WaitGroup
		for i := waveStart; i < waveEnd; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = f.Fetch(ctx, urls[i])
			}(i)
		}
		wg.Wait()

		if waveEnd < len(urls) && delay > 0 {
			select {
			case <-ctx.Done():
				for i := waveEnd; i < len(urls); i++ {
					results[i] = Result{URL: urls[i], Err: ctx.Err()}
				}
				return results
			case <-time.After(delay):
			}
		}
	}
	return results
}

// FetchWithRetry fetches a URL with exponential backoff on transient
// failures, up to MaxRetries attempts in total.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string) Result {
	attempts := f.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var result Result
	for attempt := 1; attempt <= attempts; attempt++ {
		result = f.Fetch(ctx, rawURL)
		if result.OK() || !retryable(result) {
			return result
		}
		if attempt == attempts {
			break
		}

		backoff := time.Duration(math.Min(math.Pow(2, float64(attempt-1)), 10)) * time.Second
		f.log.Debug("retrying fetch",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(backoff):
		}
	}
	return result
}

// RobotsTxt fetches a domain's robots.txt. Rules are surfaced for
// operators but not enforced during fetching.
func (f *Fetcher) RobotsTxt(ctx context.Context, domain string) (string, error) {
	robotsURL := "https://" + domain + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return "", fmt.Errorf("robots request %s: %w", domain, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	client := &http.Client{
		Transport: f.transport,
		Timeout:   time.Duration(f.cfg.TimeoutSeconds) * time.Second,
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("robots fetch %s: %w", domain, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("robots fetch %s: status %d", domain, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("robots read %s: %w", domain, err)
	}
	return string(body), nil
}

// waitDomain blocks until the per-domain rate limiter admits a request.
func (f *Fetcher) waitDomain(ctx context.Context, rawURL string) error {
	if f.cfg.PerDomainRPS <= 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	domain := strings.ToLower(u.Hostname())

	f.mu.Lock()
	limiter, ok := f.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.cfg.PerDomainRPS), 1)
		f.limiters[domain] = limiter
	}
	f.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", domain, err)
	}
	return nil
}

// pageTitle extracts a document's <title>, truncated for storage.
func pageTitle(contentType string, body []byte) string {
	if !strings.Contains(contentType, "html") || len(body) == 0 {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}
	return title
}
