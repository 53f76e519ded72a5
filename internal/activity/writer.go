// Package activity writes the per-session audit log. Writes are queued and
// flushed by a background worker; a full queue or a failed insert drops
// the entry and never propagates to the caller.
package activity

import (
	"context"
	"sync"
	"time"

	"github.com/agentoven/agentoven/sandbox-plane/internal/metrics"
	"github.com/agentoven/agentoven/sandbox-plane/internal/store"
	"github.com/agentoven/agentoven/sandbox-plane/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the number of entries buffered before new ones are dropped.
const DefaultQueueSize = 1024

// Logger is the interface the session manager logs through.
type Logger interface {
	Log(sessionID string, typ models.ActivityType, input, output interface{})
}

// Writer is an asynchronous Logger backed by an ActivityStore.
type Writer struct {
	store store.ActivityStore
	queue chan *models.Activity
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewWriter starts a writer with the given queue size (DefaultQueueSize
// when size <= 0).
func NewWriter(s store.ActivityStore, size int) *Writer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	w := &Writer{
		store: s,
		queue: make(chan *models.Activity, size),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	go w.run()
	return w
}

// Log enqueues an activity entry. It never blocks.
func (w *Writer) Log(sessionID string, typ models.ActivityType, input, output interface{}) {
	a := &models.Activity{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      typ,
		Input:     input,
		Output:    output,
		Timestamp: w.now().UTC(),
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.drop(a, "writer closed")
		return
	}
	select {
	case w.queue <- a:
	default:
		w.drop(a, "queue full")
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for a := range w.queue {
		w.write(a)
	}
}

func (w *Writer) write(a *models.Activity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.CreateActivity(ctx, a); err != nil {
		metrics.ActivityDropped.Inc()
		log.Warn().Err(err).
			Str("session_id", a.SessionID).
			Str("activity_type", string(a.Type)).
			Msg("Failed to write session activity")
	}
}

func (w *Writer) drop(a *models.Activity, reason string) {
	metrics.ActivityDropped.Inc()
	log.Warn().
		Str("session_id", a.SessionID).
		Str("activity_type", string(a.Type)).
		Str("reason", reason).
		Msg("Dropped session activity")
}

// Close stops accepting entries and waits for the queue to drain or ctx
// to expire.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Log(string, models.ActivityType, interface{}, interface{}) {}
