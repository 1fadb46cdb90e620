// Package syncer buffers operator-visible processing status updates and
// writes them to the record store on a background goroutine, so pipeline
// workers never wait on the record store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/gliderdac/internal/records"
	"github.com/livinlefevreloca/gliderdac/internal/retry"
)

// ErrBufferFull is returned when an update displaced the oldest buffered one
var ErrBufferFull = errors.New("syncer: update buffer full")

// Stats provides current syncer statistics
type Stats struct {
	BufferedUpdates int
	PendingWrites   int
}

// Syncer handles all record store status writes and their buffering
type Syncer struct {
	config Config
	store  records.Store
	logger *slog.Logger

	mu        sync.Mutex
	buffer    []records.StatusUpdate
	lastFlush time.Time
	started   bool
	closed    bool

	updates  chan records.StatusUpdate
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a syncer writing to store
func New(config Config, store records.Store, logger *slog.Logger) (*Syncer, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid syncer config: %w", err)
	}

	return &Syncer{
		config:    config,
		store:     store,
		logger:    logger,
		buffer:    make([]records.StatusUpdate, 0),
		lastFlush: time.Now(),
		updates:   make(chan records.StatusUpdate, config.ChannelSize),
		shutdown:  make(chan struct{}),
	}, nil
}

// Record buffers a status update for a deployment
func (s *Syncer) Record(deploymentID, state string, generation int64, errText string, at time.Time) error {
	return s.Buffer(records.StatusUpdate{
		UpdateID:     uuid.NewString(),
		DeploymentID: deploymentID,
		State:        state,
		Generation:   generation,
		Error:        errText,
		Timestamp:    at,
	})
}

// Buffer adds an update to the buffer, flushing once the threshold is
// reached. When the buffer is full the oldest update is dropped and
// ErrBufferFull returned.
func (s *Syncer) Buffer(update records.StatusUpdate) error {
	if update.UpdateID == "" {
		update.UpdateID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("syncer is shut down")
	}

	var err error
	if len(s.buffer) >= s.config.MaxBufferedUpdates {
		lost := s.buffer[0]
		s.buffer = s.buffer[1:]
		dropped.Inc()
		err = fmt.Errorf("%w: dropped update %s for %s", ErrBufferFull, lost.UpdateID, lost.DeploymentID)
	}
	s.buffer = append(s.buffer, update)

	if len(s.buffer) >= s.config.FlushThreshold {
		s.flushLocked()
	}
	buffered.Set(float64(len(s.buffer)))
	return err
}

// Flush hands buffered updates to the writer goroutine. Updates that do not
// fit in the channel stay buffered for the next flush.
func (s *Syncer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	buffered.Set(float64(len(s.buffer)))
	return err
}

func (s *Syncer) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	sent := 0
send:
	for _, update := range s.buffer {
		select {
		case s.updates <- update:
			sent++
		default:
			break send
		}
	}

	s.buffer = append(s.buffer[:0], s.buffer[sent:]...)
	s.lastFlush = time.Now()

	if len(s.buffer) > 0 {
		return fmt.Errorf("update channel full, %d updates buffered", len(s.buffer))
	}
	return nil
}

// Stats returns current syncer statistics
func (s *Syncer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BufferedUpdates: len(s.buffer),
		PendingWrites:   len(s.updates),
	}
}

// LastFlush returns the time of the last flush
func (s *Syncer) LastFlush() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFlush
}

// Start launches the writer and the interval flusher
func (s *Syncer) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runWriter()
	go s.runFlusher()
}

// runFlusher flushes on the interval until shutdown
func (s *Syncer) runFlusher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("failed to flush status updates", "error", err)
			}
		}
	}
}

// runWriter writes updates to the record store until the channel closes
func (s *Syncer) runWriter() {
	defer s.wg.Done()

	for update := range s.updates {
		err := retry.Do(context.Background(), s.config.WriteRetry, s.config.WriteAttempts, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
			defer cancel()
			return s.store.WriteProcessingState(ctx, update)
		})

		if err != nil {
			writes.WithLabelValues("failed").Inc()
			s.logger.Error("failed to write status update",
				"update_id", update.UpdateID,
				"deployment_id", update.DeploymentID,
				"state", update.State,
				"error", err)
		} else {
			writes.WithLabelValues("ok").Inc()
			s.logger.Debug("wrote status update",
				"update_id", update.UpdateID,
				"deployment_id", update.DeploymentID,
				"state", update.State)
		}
	}

	s.logger.Debug("status writer shut down")
}

// Shutdown performs graceful shutdown ensuring buffered updates are written
func (s *Syncer) Shutdown() error {
	s.logger.Info("starting syncer shutdown")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if !started {
		s.wg.Add(1)
		go s.runWriter()
	}

	// Stop the interval flusher before the channel closes under it
	close(s.shutdown)

	// Final flush. The writer is draining, so blocking sends make progress.
	s.mu.Lock()
	remaining := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	s.logger.Debug("performing final flush", "status_updates", len(remaining))
	for _, update := range remaining {
		s.updates <- update
	}
	buffered.Set(0)

	close(s.updates)
	s.wg.Wait()

	s.logger.Info("syncer shutdown complete")
	return nil
}
