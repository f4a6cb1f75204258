package render

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// WaitKind selects how Navigate decides the page is ready.
type WaitKind string

const (
	WaitDOMContentLoaded WaitKind = "domContentLoaded"
	WaitNetworkIdle      WaitKind = "networkIdle"
	WaitFixedDelay       WaitKind = "fixedDelay"
)

// WaitPolicy combines a wait kind with its duration parameter (idle window
// for networkIdle, sleep for fixedDelay).
type WaitPolicy struct {
	Kind     WaitKind
	Duration time.Duration
}

// Session is one browser tab with a network observer attached for its whole
// lifetime. Not safe for concurrent use.
type Session struct {
	pool     *Pool
	browser  *managedBrowser
	page     *rod.Page
	observer *Observer
	closed   bool
}

// NewSession borrows a browser from the pool and opens a fresh stealth tab.
// Callers must Close the session to return the browser.
func (p *Pool) NewSession(ctx context.Context, maxBodySize int64) (*Session, error) {
	b, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(b.browser)
	if err != nil {
		p.release(b)
		return nil, fmt.Errorf("opening page: %w", err)
	}
	page = page.Context(ctx)

	obs, err := newObserver(page, maxBodySize)
	if err != nil {
		page.Close()
		p.release(b)
		return nil, err
	}

	return &Session{
		pool:     p,
		browser:  b,
		page:     page,
		observer: obs,
	}, nil
}

// Observer returns the session's network observer.
func (s *Session) Observer() *Observer { return s.observer }

// Navigate loads url and blocks until the wait policy is satisfied.
func (s *Session) Navigate(url string, wait WaitPolicy) error {
	var waitFn func()
	switch wait.Kind {
	case WaitNetworkIdle:
		waitFn = s.page.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	case WaitFixedDelay:
		waitFn = s.page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	default:
		waitFn = s.page.WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	}

	if err := s.page.Navigate(url); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	waitFn()

	if wait.Kind == WaitFixedDelay && wait.Duration > 0 {
		time.Sleep(wait.Duration)
	}
	return nil
}

// HTML returns the current serialised DOM.
func (s *Session) HTML() (string, error) {
	html, err := s.page.HTML()
	if err != nil {
		return "", fmt.Errorf("reading page html: %w", err)
	}
	return html, nil
}

// Evaluate runs a JavaScript expression in the page and returns the result
// as its JSON string form.
func (s *Session) Evaluate(js string) (string, error) {
	obj, err := s.page.Eval(js)
	if err != nil {
		return "", fmt.Errorf("evaluating script: %w", err)
	}
	return obj.Value.String(), nil
}

// Screenshot captures the full page as PNG.
func (s *Session) Screenshot() ([]byte, error) {
	data, err := s.page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	return data, nil
}

// Close stops the observer, closes the tab and returns the browser to the
// pool. Safe to call more than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.observer.stop()
	if err := s.page.Close(); err != nil {
		s.pool.logger.Warn("error closing page", "error", err)
	}
	s.pool.release(s.browser)
}
