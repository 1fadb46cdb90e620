package inbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox is a bounded, typed hand-off channel between two goroutines. Sends
// give up after a timeout so a stalled consumer cannot wedge the producer.
type Inbox[T any] struct {
	name    string
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64

	depthMu  sync.Mutex
	maxDepth int

	closeOnce sync.Once
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates an inbox with the given buffer size and send timeout
func New[T any](name string, bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		name:    name,
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send delivers msg, waiting at most the inbox timeout or until ctx ends.
// Returns false if the message was not delivered.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) bool {
	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.sent.Add(1)
		ib.observeDepth()
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"inbox", ib.name,
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive returns a message if one is immediately available
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			ib.received.Add(1)
		}
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message arrives, the inbox is closed, or ctx ends.
// The boolean is false in the latter two cases.
func (ib *Inbox[T]) Receive(ctx context.Context) (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			ib.received.Add(1)
		}
		return msg, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

func (ib *Inbox[T]) observeDepth() {
	depth := len(ib.ch)
	ib.depthMu.Lock()
	if depth > ib.maxDepth {
		ib.maxDepth = depth
	}
	ib.depthMu.Unlock()
}

// GetStats returns a snapshot of the inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	ib.depthMu.Lock()
	maxDepth := ib.maxDepth
	ib.depthMu.Unlock()

	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TimeoutCount:  ib.timeouts.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  maxDepth,
	}
}

// Len returns the number of buffered messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the inbox. Only the producer may call it; it is safe to call
// more than once.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() { close(ib.ch) })
}
