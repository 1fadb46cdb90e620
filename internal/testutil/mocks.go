package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/records"
)

// MockRecordStore is an in-memory records.Store
type MockRecordStore struct {
	mu          sync.Mutex
	deployments map[string]records.Deployment
	excluded    map[string]bool
	updates     []records.StatusUpdate
	writeError  error
}

func NewMockRecordStore() *MockRecordStore {
	return &MockRecordStore{
		deployments: make(map[string]records.Deployment),
		excluded:    make(map[string]bool),
		updates:     make([]records.StatusUpdate, 0),
	}
}

// AddDeployment registers an active deployment
func (m *MockRecordStore) AddDeployment(id, operator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deployments[id] = records.Deployment{
		ID:          id,
		Operator:    operator,
		Active:      true,
		DelayedMode: records.IsDelayedMode(id),
		CreatedAt:   time.Now().UTC(),
	}
}

func (m *MockRecordStore) SetOperatorExcluded(operator string, excluded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excluded[operator] = excluded
}

func (m *MockRecordStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

func (m *MockRecordStore) GetDeployment(_ context.Context, id string) (records.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return records.Deployment{}, fmt.Errorf("%s: %w", id, records.ErrNotFound)
	}
	return d, nil
}

func (m *MockRecordStore) IsWatched(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return false, nil
	}
	return d.Active && !m.excluded[d.Operator], nil
}

func (m *MockRecordStore) EnsureDeployment(_ context.Context, id, operator string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deployments[id]; ok {
		return nil
	}
	m.deployments[id] = records.Deployment{
		ID:          id,
		Operator:    operator,
		Active:      true,
		DelayedMode: records.IsDelayedMode(id),
		CreatedAt:   time.Now().UTC(),
	}
	return nil
}

func (m *MockRecordStore) SetWMOID(_ context.Context, id, wmoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deployments[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, records.ErrNotFound)
	}
	d.WMOID = wmoID
	m.deployments[id] = d
	return nil
}

func (m *MockRecordStore) WriteProcessingState(_ context.Context, update records.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeError != nil {
		return m.writeError
	}

	m.updates = append(m.updates, update)
	if d, ok := m.deployments[update.DeploymentID]; ok {
		d.ProcessingState = update.State
		d.Generation = update.Generation
		d.ProcessingError = update.Error
		ts := update.Timestamp
		d.StatusUpdatedAt = &ts
		m.deployments[update.DeploymentID] = d
	}
	return nil
}

func (m *MockRecordStore) DeleteDeployment(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deployments, id)
	return nil
}

func (m *MockRecordStore) GetUpdates() []records.StatusUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]records.StatusUpdate, len(m.updates))
	copy(result, m.updates)
	return result
}

func (m *MockRecordStore) CountUpdates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates)
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

// TestLogger captures structured log records for assertions
type TestLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

func NewTestLogger() *TestLogger {
	return &TestLogger{
		entries: make([]LogEntry, 0),
	}
}

func (l *TestLogger) record(level, msg string, fields ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := LogEntry{
		Level:   level,
		Message: msg,
		Fields:  make(map[string]any),
	}

	for i := 0; i+1 < len(fields); i += 2 {
		entry.Fields[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}

	l.entries = append(l.entries, entry)
}

// FindMessage returns the entries logged with msg, in order
func (l *TestLogger) FindMessage(msg string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]LogEntry, 0)
	for _, entry := range l.entries {
		if entry.Message == msg {
			result = append(result, entry)
		}
	}
	return result
}

func (l *TestLogger) HasMessage(msg string) bool {
	return len(l.FindMessage(msg)) > 0
}

// HasWarning reports whether anything was logged at WARN
func (l *TestLogger) HasWarning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == slog.LevelWarn.String() {
			return true
		}
	}
	return false
}

// Logger returns a *slog.Logger that writes to this TestLogger
func (l *TestLogger) Logger() *slog.Logger {
	return slog.New(&testLogHandler{logger: l})
}

// testLogHandler implements slog.Handler for TestLogger
type testLogHandler struct {
	logger *TestLogger
	attrs  []slog.Attr
}

func (h *testLogHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *testLogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]any, 0, (r.NumAttrs()+len(h.attrs))*2)
	for _, attr := range h.attrs {
		fields = append(fields, attr.Key, attr.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, a.Key, a.Value.Any())
		return true
	})

	h.logger.record(r.Level.String(), r.Message, fields...)
	return nil
}

func (h *testLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &testLogHandler{logger: h.logger, attrs: merged}
}

// WithGroup is a no-op; captured field keys stay flat
func (h *testLogHandler) WithGroup(_ string) slog.Handler {
	return h
}

// WaitFor polls condition until it holds or timeout elapses
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...any) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		<-ticker.C
	}
	return true
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
}
