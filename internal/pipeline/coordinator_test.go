package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/inbox"
	"github.com/livinlefevreloca/gliderdac/internal/publish"
	"github.com/livinlefevreloca/gliderdac/internal/qc"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
	"github.com/livinlefevreloca/gliderdac/internal/records"
	"github.com/livinlefevreloca/gliderdac/internal/retry"
	"github.com/livinlefevreloca/gliderdac/internal/testutil"
	"github.com/livinlefevreloca/gliderdac/internal/validator"
	"github.com/livinlefevreloca/gliderdac/internal/watcher"
)

const (
	testOperator   = "usf"
	testDeployment = "usf-2024-06"
)

var fixtureStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const testBattery = `
temperature:
  qartod:
    gross_range_test:
      fail_span: [-5, 40]
      suspect_span: [0, 30]
`

type statusRecord struct {
	DeploymentID string
	State        string
	Generation   int64
	Error        string
}

type recordingSink struct {
	mu      sync.Mutex
	updates []statusRecord
}

func (s *recordingSink) Record(deploymentID, state string, generation int64, errText string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, statusRecord{deploymentID, state, generation, errText})
	return nil
}

func (s *recordingSink) last() statusRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return statusRecord{}
	}
	return s.updates[len(s.updates)-1]
}

// flakyStorage fails writes while failWrites is set
type flakyStorage struct {
	aggregator.OSStorage
	failWrites atomic.Bool
	onWrite    func()
}

func (s *flakyStorage) WriteFile(path string, data []byte) error {
	if s.onWrite != nil {
		s.onWrite()
	}
	if s.failWrites.Load() {
		return errors.New("no space left on device")
	}
	return s.OSStorage.WriteFile(path, data)
}

type fixture struct {
	db       *db.DB
	queue    *queue.Queue
	agg      *aggregator.Aggregator
	coord    *Coordinator
	status   *recordingSink
	recorder *StateRecorder
	logger   *testutil.TestLogger
	storage  *flakyStorage
	upload   string
	flags    map[string]string
}

func newFixture(t *testing.T, mutate ...func(*queue.Config, *Config)) *fixture {
	t.Helper()
	tl := testutil.NewTestLogger()
	logger := tl.Logger()

	database := testutil.NewTestDB(t)
	testutil.SeedDeployment(t, database, testOperator, testDeployment)

	qConfig := queue.DefaultConfig()
	qConfig.Backoff = retry.Policy{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	config := DefaultConfig()
	for _, m := range mutate {
		m(&qConfig, &config)
	}

	q, err := queue.New(database, qConfig, logger)
	require.NoError(t, err)

	storage := &flakyStorage{}
	aggConfig := aggregator.DefaultConfig()
	aggConfig.DatasetRoot = t.TempDir()
	agg, err := aggregator.New(aggConfig, database, logger, aggregator.WithStorage(storage))
	require.NoError(t, err)

	flagsRoot := t.TempDir()
	flags := map[string]string{
		publish.TargetERDDAP:  filepath.Join(flagsRoot, "erddap"),
		publish.TargetTHREDDS: filepath.Join(flagsRoot, "thredds"),
	}
	pubConfig := publish.DefaultConfig()
	pubConfig.Targets = []publish.Target{
		{Name: publish.TargetERDDAP, FlagsDir: flags[publish.TargetERDDAP]},
		{Name: publish.TargetTHREDDS, FlagsDir: flags[publish.TargetTHREDDS]},
	}
	signaler, err := publish.New(pubConfig, database, logger)
	require.NoError(t, err)

	batteryDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(batteryDir, "temperature.yml"), []byte(testBattery), 0o644))
	battery, err := qc.LoadBattery(batteryDir)
	require.NoError(t, err)

	status := &recordingSink{}
	recorder := NewStateRecorder()
	coord, err := New(config, Deps{
		DB:         database,
		Queue:      q,
		Records:    records.NewSQLStore(database),
		Validator:  validator.New(validator.DefaultVocabulary()),
		Aggregator: agg,
		Signaler:   signaler,
		Status:     status,
		QC:         qc.DefaultConfig(),
		Battery:    battery,
	}, logger, WithRecorder(recorder))
	require.NoError(t, err)

	return &fixture{
		db:       database,
		queue:    q,
		agg:      agg,
		coord:    coord,
		status:   status,
		recorder: recorder,
		logger:   tl,
		storage:  storage,
		upload:   t.TempDir(),
		flags:    flags,
	}
}

// upload writes a profile file and returns the event the watcher would emit
func (f *fixture) uploadProfile(t *testing.T, name string, p testutil.Profile) watcher.Event {
	t.Helper()
	path := testutil.WriteProfile(t, filepath.Join(f.upload, testOperator, testDeployment, name), p)
	info, err := os.Stat(path)
	require.NoError(t, err)
	return watcher.Event{
		Kind:         watcher.EventProfile,
		Path:         path,
		Operator:     testOperator,
		DeploymentID: testDeployment,
		DetectedAt:   time.Now(),
		ModTime:      info.ModTime(),
		Size:         info.Size(),
	}
}

// drain runs queued jobs of every kind until none are claimable
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	for pass := 0; pass < 50; pass++ {
		claimed := false
		for _, kind := range queue.Kinds {
			job, err := f.queue.Claim(ctx, kind, "test-worker")
			if errors.Is(err, queue.ErrEmpty) {
				continue
			}
			require.NoError(t, err)
			claimed = true

			switch kind {
			case queue.KindIngest:
				f.coord.ProcessIngest(ctx, job)
			case queue.KindQC:
				f.coord.QC().Process(ctx, job)
			case queue.KindPublish:
				f.coord.ProcessPublish(ctx, job)
			}
		}
		if !claimed {
			return
		}
	}
	t.Fatal("queue never drained")
}

func (f *fixture) state(t *testing.T) *db.DeploymentState {
	t.Helper()
	st, err := f.db.GetDeploymentState(context.Background(), testDeployment)
	require.NoError(t, err)
	return st
}

func (f *fixture) flagContent(t *testing.T, target string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.flags[target], testDeployment))
	require.NoError(t, err)
	return string(data)
}

func TestNew_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.IngestWorkers = 0
	_, err := New(config, Deps{}, testutil.NewTestLogger().Logger())
	assert.Error(t, err)

	_, err = New(DefaultConfig(), Deps{}, testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}

func TestPipeline_ValidFileIsPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	f.drain(t)

	st := f.state(t)
	assert.Equal(t, StatePublished, st.State)
	assert.Equal(t, int64(1), st.Generation)
	assert.Empty(t, st.LastError)
	require.NotNil(t, st.LastFileTime)

	assert.Equal(t, []string{
		StatePending, StateValidating, StateAggregating, StateQCPending, StateQCDone, StatePublished,
	}, f.recorder.Path())

	ds, err := f.db.GetDataset(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ds.Generation)
	assert.Equal(t, int64(1), ds.QCGeneration)
	assert.Equal(t, 1, ds.ProfileCount)

	for target := range f.flags {
		assert.True(t, strings.HasPrefix(f.flagContent(t, target), "generation=1\n"), "target %s", target)
	}

	assert.Equal(t, statusRecord{testDeployment, StatePublished, 1, ""}, f.status.last())

	sf, diags, err := f.db.LatestValidation(ctx, testDeployment)
	require.NoError(t, err)
	assert.True(t, sf.Passed)
	assert.NotEmpty(t, sf.ProfileKey)
	for _, d := range diags {
		assert.NotEqual(t, string(validator.SeverityError), d.Severity)
	}
}

func TestPipeline_CorrectedFileBumpsGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	original := testutil.Profile{ModTime: fixtureStart.Add(24 * time.Hour)}
	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", original)))
	f.drain(t)

	corrected := testutil.Profile{
		Temperatures: []float32{13.1, 13.0, 12.8, 12.5},
		ModTime:      fixtureStart.Add(48 * time.Hour),
	}
	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", corrected)))
	f.drain(t)

	st := f.state(t)
	assert.Equal(t, StatePublished, st.State)
	assert.Equal(t, int64(2), st.Generation)

	ds, err := f.db.GetDataset(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ds.Generation)
	assert.Equal(t, 1, ds.ProfileCount)

	n, err := f.db.CountPublishSignals(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, 2*len(f.flags), n)
	assert.True(t, strings.HasPrefix(f.flagContent(t, publish.TargetERDDAP), "generation=2\n"))
}

func TestPipeline_UnchangedRevisionRepublishesSameGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.uploadProfile(t, "p1.nc", testutil.Profile{})
	require.NoError(t, f.coord.HandleEvent(ctx, ev))
	f.drain(t)

	// Same content under a second name aggregates to the same profile
	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1-copy.nc", testutil.Profile{ModTime: ev.ModTime.Add(-time.Hour)})))
	f.drain(t)

	st := f.state(t)
	assert.Equal(t, StatePublished, st.State)
	assert.Equal(t, int64(1), st.Generation)

	n, err := f.db.CountPublishSignals(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, len(f.flags), n)
}

func TestPipeline_MalformedFileStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "bad.nc", testutil.Profile{Omit: []string{"time"}})))
	f.drain(t)

	st := f.state(t)
	assert.Equal(t, StatePending, st.State)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, int64(0), st.Generation)

	_, err := f.db.GetDataset(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err), "expected no dataset, got %v", err)

	sf, diags, err := f.db.LatestValidation(ctx, testDeployment)
	require.NoError(t, err)
	assert.False(t, sf.Passed)
	assert.NotEmpty(t, diags)

	depths, err := f.queue.Depths(ctx)
	require.NoError(t, err)
	for _, d := range depths {
		assert.NotEqual(t, string(queue.KindQC), d.Kind, "no qc job expected")
	}
	assert.True(t, f.logger.HasMessage("profile failed validation"))
}

func TestPipeline_StorageFailureRetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t, func(q *queue.Config, _ *Config) { q.MaxAttempts = 2 })
	ctx := context.Background()
	f.storage.failWrites.Store(true)

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))

	job, err := f.queue.Claim(ctx, queue.KindIngest, "test-worker")
	require.NoError(t, err)
	f.coord.ProcessIngest(ctx, job)

	row, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobQueued, row.State)
	assert.Contains(t, row.LastError, "no space left on device")

	var retried queue.Job
	require.True(t, testutil.WaitFor(t, func() bool {
		retried, err = f.queue.Claim(ctx, queue.KindIngest, "test-worker")
		return err == nil
	}, time.Second, "retry never became claimable"))
	assert.Equal(t, 2, retried.Attempt)
	f.coord.ProcessIngest(ctx, retried)

	row, err = f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobDead, row.State)

	dead, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "no space left on device")

	st := f.state(t)
	assert.Equal(t, StatePending, st.State)
	assert.Contains(t, st.LastError, "no space left on device")
}

func TestPipeline_CorruptLayoutMovesToErrorAndGatesJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	f.drain(t)

	// Replace the current link with a plain file
	current := f.agg.Layout().CurrentPath(testDeployment)
	require.NoError(t, os.Remove(current))
	require.NoError(t, os.WriteFile(current, []byte("not a link"), 0o644))

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p2.nc", testutil.Profile{Start: fixtureStart.Add(time.Hour)})))
	f.drain(t)

	st := f.state(t)
	assert.Equal(t, StateError, st.State)
	assert.Contains(t, st.LastError, "corrupt")
	assert.Equal(t, StateError, f.status.last().State)

	// New files stay queued behind the error and are dead-lettered
	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p3.nc", testutil.Profile{Start: fixtureStart.Add(2 * time.Hour)})))
	assert.Equal(t, StateError, f.state(t).State)
	f.drain(t)

	dead, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	reasons := make([]string, 0, len(dead))
	for _, d := range dead {
		reasons = append(reasons, d.Reason)
	}
	assert.Contains(t, reasons, ErrDeploymentInError.Error())
	assert.Equal(t, StateError, f.state(t).State)
}

func TestPipeline_ResetLeavesErrorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.coord.fail(ctx, testDeployment, errors.New("boom"), f.coord.logger)
	require.Equal(t, StateError, f.state(t).State)

	require.NoError(t, f.coord.Reset(ctx, testDeployment))
	st := f.state(t)
	assert.Equal(t, StatePending, st.State)
	assert.Empty(t, st.LastError)

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	f.drain(t)
	assert.Equal(t, StatePublished, f.state(t).State)
}

func TestReset_Offline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	store := testutil.NewMockRecordStore()
	store.AddDeployment(testDeployment, testOperator)
	now := fixtureStart.Add(time.Hour)

	err := Reset(ctx, f.db, store, testDeployment, now)
	assert.True(t, db.IsNotFound(err), "expected not found, got %v", err)

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	err = Reset(ctx, f.db, store, testDeployment, now)
	assert.ErrorIs(t, err, ErrNotInError)

	f.coord.fail(ctx, testDeployment, errors.New("boom"), f.coord.logger)
	require.NoError(t, Reset(ctx, f.db, store, testDeployment, now))

	assert.Equal(t, StatePending, f.state(t).State)
	updates := store.GetUpdates()
	require.Len(t, updates, 1)
	assert.Equal(t, StatePending, updates[0].State)
	assert.True(t, updates[0].Timestamp.Equal(now))
}

func TestPipeline_UnwatchedDeploymentIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.uploadProfile(t, "p1.nc", testutil.Profile{})
	require.NoError(t, f.coord.HandleEvent(ctx, ev))

	require.NoError(t, f.db.SetDeploymentActive(ctx, testDeployment, false))
	f.drain(t)

	_, err := f.db.GetDataset(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err), "expected no dataset, got %v", err)
	assert.Equal(t, StatePending, f.state(t).State)

	// Events for inactive deployments enqueue nothing
	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p2.nc", testutil.Profile{Start: fixtureStart.Add(time.Hour)})))
	_, err = f.queue.Claim(ctx, queue.KindIngest, "test-worker")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestPipeline_AutoRegistersKnownOperator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := watcher.Event{
		Kind:         watcher.EventDeploymentCreated,
		Path:         filepath.Join(f.upload, testOperator, "usf-2024-07"),
		Operator:     testOperator,
		DeploymentID: "usf-2024-07",
	}
	require.NoError(t, f.coord.HandleEvent(ctx, ev))
	_, err := f.db.GetDeployment(ctx, "usf-2024-07")
	require.NoError(t, err)

	ev.Operator, ev.DeploymentID = "nobody", "nobody-2024-07"
	require.NoError(t, f.coord.HandleEvent(ctx, ev))
	_, err = f.db.GetDeployment(ctx, "nobody-2024-07")
	assert.True(t, db.IsNotFound(err))
	assert.True(t, f.logger.HasMessage("deployment directory for unknown operator"))
}

func TestPipeline_RetireRemovesDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	f.drain(t)

	// A queued revision is superseded by the removal
	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p2.nc", testutil.Profile{Start: fixtureStart.Add(time.Hour)})))

	require.NoError(t, f.coord.HandleEvent(ctx, watcher.Event{
		Kind:         watcher.EventDeploymentRemoved,
		Operator:     testOperator,
		DeploymentID: testDeployment,
	}))

	_, err := f.db.GetDeploymentState(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err))
	_, err = f.db.GetDataset(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err))
	_, err = f.db.GetDeployment(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err))
	_, err = os.Stat(f.agg.Layout().DeploymentDir(testDeployment))
	assert.True(t, os.IsNotExist(err))

	_, err = f.queue.Claim(ctx, queue.KindIngest, "test-worker")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestPipeline_MetadataChangeRefreshesFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	f.drain(t)
	before := f.flagContent(t, publish.TargetERDDAP)

	attrs := filepath.Join(f.upload, testOperator, testDeployment, "extra_atts.json")
	require.NoError(t, os.WriteFile(attrs, []byte(`{"title": "USF glider"}`), 0o644))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, f.coord.HandleEvent(ctx, watcher.Event{
		Kind:         watcher.EventExtraAttrs,
		Path:         attrs,
		Operator:     testOperator,
		DeploymentID: testDeployment,
	}))
	f.drain(t)

	after := f.flagContent(t, publish.TargetERDDAP)
	assert.True(t, strings.HasPrefix(after, "generation=1\n"))
	assert.NotEqual(t, before, after)
	assert.Equal(t, StatePublished, f.state(t).State)

	n, err := f.db.CountPublishSignals(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, len(f.flags), n)
}

func TestPipeline_WMOIDEventUpdatesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	path := filepath.Join(f.upload, testOperator, testDeployment, "wmoid.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("4801234\n"), 0o644))

	require.NoError(t, f.coord.HandleEvent(ctx, watcher.Event{
		Kind:         watcher.EventWMOID,
		Path:         path,
		Operator:     testOperator,
		DeploymentID: testDeployment,
	}))

	d, err := f.db.GetDeployment(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, "4801234", d.WMOID)
}

func TestPipeline_StaleRevisionIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := f.uploadProfile(t, "p1.nc", testutil.Profile{})
	require.NoError(t, f.coord.HandleEvent(ctx, ev))
	require.NoError(t, os.Remove(ev.Path))
	f.drain(t)

	_, err := f.db.GetDataset(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err))
	dead, err := f.queue.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestPipeline_ProfileTimeDecoding(t *testing.T) {
	tests := []struct {
		name      string
		profile   testutil.Profile
		wantState string
		wantCode  string
	}{
		{
			name:      "space separated epoch with zone",
			profile:   testutil.Profile{TimeUnits: "seconds since 1970-01-01 00:00:00 UTC"},
			wantState: StatePublished,
		},
		{
			name:      "unparsable epoch",
			profile:   testutil.Profile{TimeUnits: "seconds since launch"},
			wantState: StatePending,
			wantCode:  validator.CodeInvalidTimeUnits,
		},
		{
			name:      "all times missing",
			profile:   testutil.Profile{MissingTimes: true},
			wantState: StatePending,
			wantCode:  validator.CodeEmptyTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", tt.profile)))
			f.drain(t)

			assert.Equal(t, tt.wantState, f.state(t).State)

			sf, diags, err := f.db.LatestValidation(ctx, testDeployment)
			require.NoError(t, err)

			dead, err := f.queue.DeadLetters(ctx)
			require.NoError(t, err)
			assert.Empty(t, dead)

			if tt.wantCode == "" {
				assert.True(t, sf.Passed)
				return
			}
			assert.False(t, sf.Passed)
			assert.NotEmpty(t, f.state(t).LastError)
			codes := make([]string, 0, len(diags))
			for _, d := range diags {
				codes = append(codes, d.Code)
			}
			assert.Contains(t, codes, tt.wantCode)

			_, err = f.db.GetDataset(ctx, testDeployment)
			assert.True(t, db.IsNotFound(err), "expected no dataset, got %v", err)
		})
	}
}

func TestRejectProfileTime(t *testing.T) {
	passed := validator.Result{Passed: true}

	empty := rejectProfileTime(passed, fmt.Errorf("decode: %w", aggregator.ErrNoProfileTime))
	assert.False(t, empty.Passed)
	require.Len(t, empty.Errors(), 1)
	assert.Equal(t, validator.CodeEmptyTime, empty.Diagnostics[0].Code)
	assert.Equal(t, "profile_time", empty.Diagnostics[0].Field)

	units := rejectProfileTime(passed, errors.New("time: unknown epoch"))
	assert.False(t, units.Passed)
	assert.Equal(t, validator.CodeInvalidTimeUnits, units.Diagnostics[0].Code)
	assert.Equal(t, "time: unknown epoch", units.Summary())
}

func TestPipeline_SupersededIngestDoesNotAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	job, err := f.queue.Claim(ctx, queue.KindIngest, "test-worker")
	require.NoError(t, err)

	n, err := f.queue.Supersede(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	f.coord.ProcessIngest(ctx, job)

	_, err = f.db.GetDataset(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err), "expected no dataset, got %v", err)
	_, err = f.queue.Claim(ctx, queue.KindQC, "test-worker")
	assert.ErrorIs(t, err, queue.ErrEmpty)
	assert.NotEqual(t, StateQCPending, f.state(t).State)

	row, err := f.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobSuperseded, row.State)
	assert.True(t, f.logger.HasMessage("job abandoned"))
}

func TestPipeline_SupersededIngestAbandonsStagedRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))
	job, err := f.queue.Claim(ctx, queue.KindIngest, "test-worker")
	require.NoError(t, err)

	// Supersede once the revision is being written
	var once sync.Once
	f.storage.onWrite = func() {
		once.Do(func() {
			_, err := f.queue.Supersede(ctx, testDeployment)
			assert.NoError(t, err)
		})
	}

	f.coord.ProcessIngest(ctx, job)

	_, err = f.db.GetDataset(ctx, testDeployment)
	assert.True(t, db.IsNotFound(err), "expected no dataset, got %v", err)
	_, err = f.queue.Claim(ctx, queue.KindQC, "test-worker")
	assert.ErrorIs(t, err, queue.ErrEmpty)
	assert.NotEqual(t, StateQCPending, f.state(t).State)
}

func TestPipeline_SupersededPublishSendsNoSignals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coord.HandleEvent(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))

	ingest, err := f.queue.Claim(ctx, queue.KindIngest, "test-worker")
	require.NoError(t, err)
	f.coord.ProcessIngest(ctx, ingest)
	check, err := f.queue.Claim(ctx, queue.KindQC, "test-worker")
	require.NoError(t, err)
	f.coord.QC().Process(ctx, check)
	require.Equal(t, StateQCDone, f.state(t).State)

	job, err := f.queue.Claim(ctx, queue.KindPublish, "test-worker")
	require.NoError(t, err)
	_, err = f.queue.Supersede(ctx, testDeployment)
	require.NoError(t, err)

	f.coord.ProcessPublish(ctx, job)

	n, err := f.db.CountPublishSignals(ctx, testDeployment)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StateQCDone, f.state(t).State)
	for target, dir := range f.flags {
		_, err := os.Stat(filepath.Join(dir, testDeployment))
		assert.True(t, os.IsNotExist(err), "target %s", target)
	}
}

func TestCoordinator_RunProcessesEvents(t *testing.T) {
	f := newFixture(t, func(q *queue.Config, c *Config) {
		q.PollInterval = 10 * time.Millisecond
		c.IngestWorkers = 2
		c.PublishWorkers = 1
		c.MaintenanceInterval = 20 * time.Millisecond
	})
	events := inbox.New[watcher.Event]("events", 10, time.Second, f.coord.logger)
	f.coord.events = events

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx) }()

	require.True(t, events.Send(ctx, f.uploadProfile(t, "p1.nc", testutil.Profile{})))

	ok := testutil.WaitFor(t, func() bool {
		st, err := f.db.GetDeploymentState(context.Background(), testDeployment)
		return err == nil && st.State == StatePublished
	}, 5*time.Second, "deployment never published")
	assert.True(t, ok)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"plain", errors.New("disk"), ClassTransient},
		{"superseded", queue.ErrSuperseded, ClassConsistency},
		{"lease lost", queue.ErrLeaseLost, ClassConsistency},
		{"layout corrupt", aggregator.ErrLayoutCorrupt, ClassFatal},
		{"wrapped fatal", Fatal(errors.New("bad payload")), ClassFatal},
		{"conflict", aggregator.ErrConflict, ClassTransient},
		{"input", Invalid(errors.New("no payload")), ClassInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestStateFromName(t *testing.T) {
	for _, name := range []string{StatePending, StateValidating, StateAggregating, StateQCPending, StateQCDone, StatePublished, StateError} {
		if got := stateFromName(name).Name(); got != name {
			t.Errorf("expected %s, got %s", name, got)
		}
	}
	if got := stateFromName("bogus").Name(); got != StatePending {
		t.Errorf("expected unknown names to restart at %s, got %s", StatePending, got)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ingest workers", func(c *Config) { c.IngestWorkers = 0 }},
		{"publish workers", func(c *Config) { c.PublishWorkers = -1 }},
		{"job timeout", func(c *Config) { c.JobTimeout = 0 }},
		{"maintenance interval", func(c *Config) { c.MaintenanceInterval = 0 }},
		{"event buffer", func(c *Config) { c.EventBufferSize = 0 }},
		{"event send timeout", func(c *Config) { c.EventSendTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			if err := validateConfig(config); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
	if err := validateConfig(DefaultConfig()); err != nil {
		t.Errorf("expected default config to be valid, got %v", err)
	}
}
