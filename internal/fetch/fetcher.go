// Package fetch implements the polite HTTP fetcher: per-host rate limiting
// and concurrency caps, realistic browser headers, retry with jittered
// backoff, and a per-host circuit breaker fed by block signals.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/oemwatch/oemwatch/internal/metrics"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	maxBodySize      = 20 * 1024 * 1024
	retryBaseDelay   = 500 * time.Millisecond

	// maxInlineRetryAfter bounds how long a single request waits out a 429
	// before giving up; longer Retry-After values still hold off the host.
	maxInlineRetryAfter = 2 * time.Minute

	// maxRetryAfterHoldoff caps the host-wide holdoff a server can demand.
	maxRetryAfterHoldoff = time.Hour
)

// Limits are the per-host politeness settings.
type Limits struct {
	RatePerSecond  float64
	Burst          int
	MaxConcurrency int64
}

// Options override behaviour for a single request.
type Options struct {
	Headers map[string]string
	Method  string // default GET
}

// Result is a completed fetch.
type Result struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	FinalURL   string // after redirects
	ElapsedMs  int64
}

type hostState struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	breaker *gobreaker.TwoStepCircuitBreaker

	mu        sync.Mutex
	notBefore time.Time // earliest next request, set by 429 Retry-After
}

// holdOff delays every request to the host until t, keeping the latest
// deadline when 429s overlap.
func (hs *hostState) holdOff(t time.Time) {
	hs.mu.Lock()
	if t.After(hs.notBefore) {
		hs.notBefore = t
	}
	hs.mu.Unlock()
}

func (hs *hostState) holdoffRemaining() time.Duration {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return time.Until(hs.notBefore)
}

// Fetcher issues polite HTTP requests. Safe for concurrent use.
type Fetcher struct {
	client     *http.Client
	defaults   Limits
	maxRetries int
	logger     *slog.Logger

	mu        sync.Mutex
	hosts     map[string]*hostState
	overrides map[string]Limits // by host
}

// New creates a Fetcher with the given default per-host limits.
func New(defaults Limits, timeout time.Duration, maxRetries int, logger *slog.Logger) *Fetcher {
	if defaults.RatePerSecond <= 0 {
		defaults.RatePerSecond = 1
	}
	if defaults.Burst <= 0 {
		defaults.Burst = 3
	}
	if defaults.MaxConcurrency <= 0 {
		defaults.MaxConcurrency = 2
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
		},
		defaults:   defaults,
		maxRetries: maxRetries,
		logger:     logger.With("component", "fetcher"),
		hosts:      make(map[string]*hostState),
		overrides:  make(map[string]Limits),
	}
}

// SetHostLimits installs OEM-specific politeness overrides for a host.
// Takes effect for hosts not yet seen; existing limiters are updated in
// place.
func (f *Fetcher) SetHostLimits(host string, limits Limits) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[host] = limits
	if hs, ok := f.hosts[host]; ok && limits.RatePerSecond > 0 {
		hs.limiter.SetLimit(rate.Limit(limits.RatePerSecond))
		hs.limiter.SetBurst(limits.Burst)
	}
}

// Get fetches a URL, enforcing host politeness and the retry policy.
func (f *Fetcher) Get(ctx context.Context, rawURL string, opts *Options) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url %q: %w", rawURL, err)
	}
	hs := f.host(u.Host)

	done, err := hs.breaker.Allow()
	if err != nil {
		return nil, &Error{Kind: KindBlocked, URL: rawURL, Err: fmt.Errorf("host breaker open: %w", err)}
	}

	start := time.Now()
	res, err := f.attempt(ctx, hs, rawURL, opts)
	done(KindOf(err) != KindBlocked || err == nil)

	kind := "ok"
	if err != nil {
		kind = string(KindOf(err))
	}
	metrics.FetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return res, err
}

func (f *Fetcher) attempt(ctx context.Context, hs *hostState, rawURL string, opts *Options) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(attempt)
			f.logger.Debug("retrying fetch", "url", rawURL, "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &Error{Kind: KindTimeout, URL: rawURL, Err: ctx.Err()}
			}
		}

		res, err := f.once(ctx, hs, rawURL, opts)
		if err == nil {
			return res, nil
		}
		lastErr = err

		switch KindOf(err) {
		case KindPermanent4xx:
			return nil, err
		case KindBlocked:
			// 403 never retries. A 429 gets another attempt when its
			// Retry-After is short; once() waits out the host holdoff first.
			var ra *retryAfterError
			if !errors.As(err, &ra) || ra.delay > maxInlineRetryAfter {
				return nil, err
			}
		case KindTimeout:
			if ctx.Err() != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

// retryAfterError marks a 429 whose Retry-After has not yet exhausted the
// attempt budget.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string { return "rate limited, retry after " + e.delay.String() }

func (f *Fetcher) once(ctx context.Context, hs *hostState, rawURL string, opts *Options) (*Result, error) {
	if d := hs.holdoffRemaining(); d > 0 {
		f.logger.Debug("waiting out host holdoff", "url", rawURL, "delay", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, &Error{Kind: KindTimeout, URL: rawURL, Err: ctx.Err()}
		}
	}
	if err := hs.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	if err := hs.sem.Acquire(ctx, 1); err != nil {
		return nil, &Error{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	defer hs.sem.Release(1)

	method := http.MethodGet
	if opts != nil && opts.Method != "" {
		method = opts.Method
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	f.setHeaders(req, opts)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		kind := KindTransient
		if ctx.Err() != nil || isTimeout(err) {
			kind = KindTimeout
		}
		return nil, &Error{Kind: kind, URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: rawURL, Err: fmt.Errorf("reading body: %w", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{
			StatusCode: resp.StatusCode,
			Headers:    resp.Header,
			Body:       body,
			FinalURL:   resp.Request.URL.String(),
			ElapsedMs:  elapsed,
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		delay := retryAfterDelay(resp)
		hs.holdOff(time.Now().Add(delay))
		return nil, &Error{
			Kind: KindBlocked, URL: rawURL, StatusCode: resp.StatusCode,
			Err: &retryAfterError{delay: delay},
		}
	case resp.StatusCode == http.StatusForbidden:
		return nil, &Error{Kind: KindBlocked, URL: rawURL, StatusCode: resp.StatusCode}
	case resp.StatusCode == http.StatusRequestTimeout:
		return nil, &Error{Kind: KindTransient, URL: rawURL, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &Error{Kind: KindPermanent4xx, URL: rawURL, StatusCode: resp.StatusCode}
	default:
		return nil, &Error{Kind: KindTransient, URL: rawURL, StatusCode: resp.StatusCode}
	}
}

func (f *Fetcher) setHeaders(req *http.Request, opts *Options) {
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-AU,en;q=0.9")
	if opts != nil {
		for k, v := range opts.Headers {
			req.Header.Set(k, v)
		}
	}
}

func (f *Fetcher) host(host string) *hostState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hs, ok := f.hosts[host]; ok {
		return hs
	}

	limits := f.defaults
	if o, ok := f.overrides[host]; ok {
		if o.RatePerSecond > 0 {
			limits.RatePerSecond = o.RatePerSecond
		}
		if o.Burst > 0 {
			limits.Burst = o.Burst
		}
		if o.MaxConcurrency > 0 {
			limits.MaxConcurrency = o.MaxConcurrency
		}
	}

	hs := &hostState{
		limiter: rate.NewLimiter(rate.Limit(limits.RatePerSecond), limits.Burst),
		sem:     semaphore.NewWeighted(limits.MaxConcurrency),
		breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:    host,
			Timeout: 5 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
	f.hosts[host] = hs
	return hs
}

func backoff(attempt int) time.Duration {
	d := retryBaseDelay * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}

// retryAfterDelay reads Retry-After in either seconds or HTTP-date form,
// capped at maxRetryAfterHoldoff. Missing or unparseable headers get 5s.
func retryAfterDelay(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 5 * time.Second
	}
	var delay time.Duration
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		delay = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		delay = time.Until(at)
	}
	if delay <= 0 {
		return 5 * time.Second
	}
	return min(delay, maxRetryAfterHoldoff)
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
