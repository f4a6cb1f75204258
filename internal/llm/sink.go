package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oemwatch/oemwatch/internal/models"
)

// InferenceStore persists inference-log rows.
type InferenceStore interface {
	Insert(ctx context.Context, log *models.InferenceLog) error
}

// Sink is the router's accounting writer: callers append log rows without
// blocking, an unbounded queue absorbs bursts, and a single goroutine drains
// it to the store. Close flushes everything before returning.
type Sink struct {
	store  InferenceStore
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*models.InferenceLog
	closed bool

	done chan struct{}
}

// NewSink creates a sink and starts its writer goroutine.
func NewSink(store InferenceStore, logger *slog.Logger) *Sink {
	s := &Sink{
		store:  store,
		logger: logger.With("component", "inference-sink"),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

// Record enqueues one log row. Never blocks. ID and CreatedAt are filled in
// when absent.
func (s *Sink) Record(row *models.InferenceLog) {
	if row.ID == "" {
		row.ID = ulid.Make().String()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("inference log dropped after sink close", "model", row.Model)
		return
	}
	s.queue = append(s.queue, row)
	s.cond.Signal()
}

// Close stops accepting rows and blocks until the queue is flushed.
func (s *Sink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	<-s.done
}

func (s *Sink) drain() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, row := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.store.Insert(ctx, row); err != nil {
				s.logger.Error("failed to persist inference log", "error", err, "model", row.Model)
			}
			cancel()
		}

		if closed && len(batch) == 0 {
			return
		}
		if closed {
			// one more pass in case Record raced Close
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		}
	}
}
