// Package render drives headless browser sessions for pages that need
// JavaScript, and records all network traffic during a session so the API
// probe can mine it for JSON endpoints.
package render

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/oklog/ulid/v2"
)

var (
	// ErrPoolClosed is returned when trying to use a closed pool.
	ErrPoolClosed = errors.New("browser pool is closed")
)

const (
	browserMaxAge      = 30 * time.Minute
	browserMaxSessions = 50
)

// managedBrowser wraps a rod.Browser with recycling metadata. One session
// borrows one browser; a session drives a single tab.
type managedBrowser struct {
	id           string
	browser      *rod.Browser
	inUse        bool
	createdAt    time.Time
	lastUsedAt   time.Time
	sessionCount int
}

// Pool manages a bounded set of browser instances.
type Pool struct {
	mu       sync.RWMutex
	browsers map[string]*managedBrowser
	waiting  []chan *managedBrowser
	closed   bool

	size    int
	binPath string
	logger  *slog.Logger
}

// NewPool creates a browser pool capped at size concurrent sessions.
func NewPool(size int, binPath string, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		browsers: make(map[string]*managedBrowser),
		size:     size,
		binPath:  binPath,
		logger:   logger.With("component", "render-pool"),
	}
}

// Warmup ensures a Chromium binary is available, downloading one if needed.
func (p *Pool) Warmup() error {
	if p.binPath != "" {
		p.logger.Info("using custom browser binary", "path", p.binPath)
		return nil
	}
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return err
	}
	p.logger.Info("browser binary ready", "path", path)
	return nil
}

// acquire gets a browser, creating one if the pool has capacity, or blocks
// until one is released.
func (p *Pool) acquire(ctx context.Context) (*managedBrowser, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for _, b := range p.browsers {
		if !b.inUse && p.isHealthy(b) {
			b.inUse = true
			b.lastUsedAt = time.Now()
			p.mu.Unlock()
			return b, nil
		}
	}

	if len(p.browsers) < p.size {
		b, err := p.launch()
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.browsers[b.id] = b
		p.mu.Unlock()
		return b, nil
	}

	waitChan := make(chan *managedBrowser, 1)
	p.waiting = append(p.waiting, waitChan)
	p.mu.Unlock()

	select {
	case b, ok := <-waitChan:
		if !ok {
			return nil, ErrPoolClosed
		}
		return b, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, ch := range p.waiting {
			if ch == waitChan {
				p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// release returns a browser to the pool, recycling it when stale.
func (p *Pool) release(b *managedBrowser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.closeBrowser(b)
		return
	}

	b.inUse = false
	b.sessionCount++
	b.lastUsedAt = time.Now()

	if p.needsRecycle(b) {
		p.recycle(b)
		return
	}

	if len(p.waiting) > 0 {
		waitChan := p.waiting[0]
		p.waiting = p.waiting[1:]
		b.inUse = true
		b.lastUsedAt = time.Now()
		waitChan <- b
	}
}

// Close shuts down all browsers and rejects further sessions.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, b := range p.browsers {
		p.closeBrowser(b)
	}
	p.browsers = make(map[string]*managedBrowser)

	for _, ch := range p.waiting {
		close(ch)
	}
	p.waiting = nil
}

func (p *Pool) launch() (*managedBrowser, error) {
	l := launcher.New()
	if p.binPath != "" {
		l = l.Bin(p.binPath)
	}

	l = l.
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-background-timer-throttling").
		Set("window-size", "1920,1080").
		Set("lang", "en-AU,en")

	u, err := l.Launch()
	if err != nil {
		return nil, err
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return nil, err
	}

	id := ulid.Make().String()
	p.logger.Info("browser launched", "id", id)

	return &managedBrowser{
		id:         id,
		browser:    browser,
		inUse:      true,
		createdAt:  time.Now(),
		lastUsedAt: time.Now(),
	}, nil
}

func (p *Pool) isHealthy(b *managedBrowser) bool {
	if time.Since(b.createdAt) > browserMaxAge || b.sessionCount >= browserMaxSessions {
		return false
	}
	defer func() { recover() }()
	_, err := b.browser.Pages()
	return err == nil
}

func (p *Pool) needsRecycle(b *managedBrowser) bool {
	return time.Since(b.createdAt) > browserMaxAge || b.sessionCount >= browserMaxSessions
}

// recycle closes a stale browser and replaces it in the background.
func (p *Pool) recycle(b *managedBrowser) {
	p.logger.Info("recycling browser", "id", b.id, "age", time.Since(b.createdAt), "sessions", b.sessionCount)

	p.closeBrowser(b)
	delete(p.browsers, b.id)

	go func() {
		nb, err := p.launch()
		if err != nil {
			p.logger.Error("failed to launch replacement browser", "error", err)
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.closed {
			p.closeBrowser(nb)
			return
		}

		nb.inUse = false
		p.browsers[nb.id] = nb

		if len(p.waiting) > 0 {
			waitChan := p.waiting[0]
			p.waiting = p.waiting[1:]
			nb.inUse = true
			nb.lastUsedAt = time.Now()
			waitChan <- nb
		}
	}()
}

func (p *Pool) closeBrowser(b *managedBrowser) {
	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			p.logger.Warn("error closing browser", "id", b.id, "error", err)
		}
	}
}
