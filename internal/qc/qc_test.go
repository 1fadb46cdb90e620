package qc

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/netcdf"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
	"github.com/livinlefevreloca/gliderdac/internal/testutil"
)

const testDeployment = "bass-20240601T0000"

var profileStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func series(values ...float64) Series {
	s := Series{Values: values, Times: make([]float64, len(values)), Missing: make([]bool, len(values))}
	for i, x := range values {
		s.Times[i] = float64(i) * 10
		s.Missing[i] = math.IsNaN(x)
	}
	return s
}

func TestFlagWorst(t *testing.T) {
	tests := []struct {
		a, b, expected Flag
	}{
		{FlagPass, FlagSuspect, FlagSuspect},
		{FlagFail, FlagSuspect, FlagFail},
		{FlagNotEvaluated, FlagPass, FlagNotEvaluated},
		{FlagFail, FlagMissing, FlagMissing},
	}
	for _, tt := range tests {
		if got := Worst(tt.a, tt.b); got != tt.expected {
			t.Errorf("Worst(%v, %v): expected %v, got %v", tt.a, tt.b, tt.expected, got)
		}
	}
}

func TestGrossRange(t *testing.T) {
	suspect := [2]float64{0, 30}
	test := &GrossRange{FailSpan: [2]float64{-5, 40}, SuspectSpan: &suspect}

	got := test.Run(series(12, -1, 41, math.NaN(), -6))
	expected := []Flag{FlagPass, FlagSuspect, FlagFail, FlagMissing, FlagFail}
	assert.Equal(t, expected, got)

	noSuspect := &GrossRange{FailSpan: [2]float64{-5, 40}}
	assert.Equal(t, []Flag{FlagPass, FlagPass}, noSuspect.Run(series(-1, 35)))
}

func TestSpike(t *testing.T) {
	test := &Spike{SuspectThreshold: 1, FailThreshold: 3}

	got := test.Run(series(10, 10, 12, 10, 15, 10, math.NaN(), 10))
	expected := []Flag{
		FlagNotEvaluated, // first value
		FlagPass,
		FlagSuspect,
		FlagFail,
		FlagFail,
		FlagNotEvaluated, // next to a gap
		FlagMissing,
		FlagNotEvaluated, // last value
	}
	assert.Equal(t, expected, got)
}

func TestFlatLine(t *testing.T) {
	test := &FlatLine{Tolerance: 0.01, SuspectThreshold: 15, FailThreshold: 25}

	got := test.Run(series(12, 12, 12.005, 12, 13))
	expected := []Flag{FlagPass, FlagPass, FlagSuspect, FlagFail, FlagPass}
	assert.Equal(t, expected, got)
}

func TestTestValidation(t *testing.T) {
	tests := []struct {
		name string
		test interface{ validate() error }
	}{
		{"decreasing fail span", &GrossRange{FailSpan: [2]float64{40, -5}}},
		{"spike fail below suspect", &Spike{SuspectThreshold: 3, FailThreshold: 1}},
		{"spike zero suspect", &Spike{FailThreshold: 1}},
		{"flat line negative tolerance", &FlatLine{Tolerance: -1, SuspectThreshold: 1, FailThreshold: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.test.validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func writeBattery(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

const temperatureBattery = `
temperature:
  qartod:
    gross_range_test:
      fail_span: [-5, 40]
      suspect_span: [0, 30]
    spike_test:
      suspect_threshold: 2
      fail_threshold: 4
`

func TestLoadBattery(t *testing.T) {
	dir := writeBattery(t, map[string]string{
		"temperature.yml": temperatureBattery,
		"salinity.yaml": `
salinity:
  qartod:
    gross_range_test:
      fail_span: [0, 45]
`,
		CommonFile: `
flat_line_test:
  tolerance: 0.001
  suspect_threshold: 3600
  fail_threshold: 7200
gross_range_test:
  fail_span: [-100, 100]
`,
		"README.md": "ignored",
	})

	battery, err := LoadBattery(dir)
	require.NoError(t, err)
	require.Len(t, battery.Variables, 2)

	assert.Equal(t, "salinity", battery.Variables[0].Variable)
	assert.Equal(t, "temperature", battery.Variables[1].Variable)
	assert.Equal(t, []string{
		"salinity:flat_line_test",
		"salinity:gross_range_test",
		"temperature:flat_line_test",
		"temperature:gross_range_test",
		"temperature:spike_test",
	}, battery.TestNames())

	// The common gross range overrides the variable's own
	gr, ok := battery.Variables[1].Tests[1].(*GrossRange)
	require.True(t, ok)
	assert.Equal(t, [2]float64{-100, 100}, gr.FailSpan)
	assert.Nil(t, gr.SuspectSpan)
}

func TestLoadBattery_Errors(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
	}{
		{
			name:  "unknown test",
			files: map[string]string{"temperature.yml": "temperature:\n  qartod:\n    climatology_test: {}\n"},
		},
		{
			name:  "variable does not match file",
			files: map[string]string{"temperature.yml": "salinity:\n  qartod:\n    gross_range_test:\n      fail_span: [0, 1]\n"},
		},
		{
			name:  "invalid settings",
			files: map[string]string{"temperature.yml": "temperature:\n  qartod:\n    spike_test:\n      suspect_threshold: 5\n      fail_threshold: 1\n"},
		},
		{
			name:  "malformed common file",
			files: map[string]string{CommonFile: "gross_range_test: [", "temperature.yml": temperatureBattery},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBattery(writeBattery(t, tt.files))
			assert.Error(t, err)
		})
	}
}

func TestLoadBattery_MissingDirectory(t *testing.T) {
	_, err := LoadBattery(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func profileBytes(t *testing.T, p testutil.Profile) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, netcdf.Encode(&buf, testutil.ProfileDataset(p)))
	return buf.Bytes()
}

func loadTestBattery(t *testing.T) *Battery {
	t.Helper()
	battery, err := LoadBattery(writeBattery(t, map[string]string{"temperature.yml": temperatureBattery}))
	require.NoError(t, err)
	return battery
}

func TestApply_AddsFlagVariables(t *testing.T) {
	battery := loadTestBattery(t)
	data := profileBytes(t, testutil.Profile{Temperatures: []float32{12.1, 12.0, -999, 11.8, 45}})

	out, counts, err := battery.Apply(data)
	require.NoError(t, err)

	f, err := netcdf.Parse(out)
	require.NoError(t, err)

	qcVar := f.Var("temperature_qc")
	require.NotNil(t, qcVar)
	assert.Equal(t, netcdf.Byte, qcVar.Type)
	assert.Equal(t, []string{"time"}, qcVar.Dims)
	assert.Equal(t, "gross_range_test,spike_test", qcVar.Attrs.Text("qartod_tests"))
	assert.Equal(t, "PASS NOT_EVALUATED SUSPECT FAIL MISSING", qcVar.Attrs.Text("flag_meanings"))

	flags, err := f.Float64s("temperature_qc")
	require.NoError(t, err)
	// 12.1 is an end point; 12.0 and 11.8 sit next to the fill value
	assert.Equal(t, []float64{2, 2, 9, 2, 4}, flags)

	assert.Equal(t, "temperature_qc", f.Var("temperature").Attrs.Text("ancillary_variables"))
	assert.Nil(t, f.Var("salinity_qc"))

	assert.Equal(t, 3, counts["temperature"][FlagNotEvaluated])
	assert.Equal(t, 1, counts["temperature"][FlagMissing])
	assert.Equal(t, 1, counts["temperature"][FlagFail])
}

func TestApply_Idempotent(t *testing.T) {
	battery := loadTestBattery(t)
	data := profileBytes(t, testutil.Profile{})

	once, _, err := battery.Apply(data)
	require.NoError(t, err)
	twice, _, err := battery.Apply(once)
	require.NoError(t, err)

	f, err := netcdf.Parse(twice)
	require.NoError(t, err)
	ancillary := 0
	for _, a := range f.Var("temperature").Attrs {
		if a.Name == "ancillary_variables" {
			ancillary++
		}
	}
	assert.Equal(t, 1, ancillary)

	flags, err := f.Float64s("temperature_qc")
	require.NoError(t, err)
	assert.Len(t, flags, 4)
}

func TestApply_NoConfiguredVariables(t *testing.T) {
	data := profileBytes(t, testutil.Profile{})

	out, counts, err := (&Battery{}).Apply(data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Empty(t, counts)
}

func TestApply_MalformedInput(t *testing.T) {
	_, _, err := loadTestBattery(t).Apply([]byte("not netcdf"))
	assert.Error(t, err)
}

// recordingReporter captures pool callbacks
type recordingReporter struct {
	mu        sync.Mutex
	admitErr  error
	completed []Summary
	failed    []error
}

func (r *recordingReporter) AdmitQC(_ context.Context, _ queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitErr
}

func (r *recordingReporter) QCCompleted(_ context.Context, _ string, _ int64, s Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, s)
	return nil
}

func (r *recordingReporter) QCFailed(_ context.Context, _ string, _ int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

type poolFixture struct {
	db       *db.DB
	queue    *queue.Queue
	agg      *aggregator.Aggregator
	pool     *Pool
	reporter *recordingReporter
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	logger := testutil.NewTestLogger().Logger()

	database := testutil.NewTestDB(t)
	testutil.SeedDeployment(t, database, "usf", testDeployment)

	q, err := queue.New(database, queue.DefaultConfig(), logger)
	require.NoError(t, err)

	aggConfig := aggregator.DefaultConfig()
	aggConfig.DatasetRoot = t.TempDir()
	agg, err := aggregator.New(aggConfig, database, logger)
	require.NoError(t, err)

	reporter := &recordingReporter{}
	pool, err := NewPool(DefaultConfig(), loadTestBattery(t), q, agg.Layout(), reporter, logger)
	require.NoError(t, err)

	return &poolFixture{db: database, queue: q, agg: agg, pool: pool, reporter: reporter}
}

func (f *poolFixture) aggregate(t *testing.T, start time.Time) int64 {
	t.Helper()
	res, err := f.agg.Aggregate(context.Background(), aggregator.Input{
		DeploymentID: testDeployment,
		Path:         "/upload/usf/" + testDeployment + "/" + start.Format("150405") + ".nc",
		ModTime:      start.Add(time.Hour),
		Data:         profileBytes(t, testutil.Profile{Start: start, Temperatures: []float32{12.1, 12.0, 35, 11.8}}),
	})
	require.NoError(t, err)
	return res.Dataset.Generation
}

func (f *poolFixture) claim(t *testing.T, generation int64) queue.Job {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, queue.NewQCJob(testDeployment, generation))
	require.NoError(t, err)
	job, err := f.queue.Claim(ctx, queue.KindQC, "test-worker")
	require.NoError(t, err)
	return job
}

func (f *poolFixture) jobState(t *testing.T, id string) string {
	t.Helper()
	row, err := f.db.GetJob(context.Background(), id)
	require.NoError(t, err)
	return row.State
}

func TestNewPool_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Workers = 0
	_, err := NewPool(config, &Battery{}, nil, nil, &recordingReporter{}, testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}

func TestPool_CommitsFlagsForGeneration(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	f.aggregate(t, profileStart)
	gen := f.aggregate(t, profileStart.Add(time.Hour))
	require.Equal(t, int64(2), gen)

	before, _, err := f.agg.Layout().Load(ctx, testDeployment)
	require.NoError(t, err)

	job := f.claim(t, gen)
	f.pool.Process(ctx, job)

	assert.Equal(t, db.JobDone, f.jobState(t, job.ID))

	ds, manifest, err := f.agg.Layout().Load(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, gen, ds.Generation)
	assert.Equal(t, gen, ds.QCGeneration)
	assert.Equal(t, gen, manifest.QCGeneration)
	assert.NotEqual(t, before.CurrentVersion, ds.CurrentVersion)
	require.Len(t, manifest.Profiles, 2)

	for _, p := range manifest.Profiles {
		data, err := f.agg.Layout().ReadProfile(testDeployment, ds.CurrentVersion, p)
		require.NoError(t, err)
		file, err := netcdf.Parse(data)
		require.NoError(t, err)
		flags, err := file.Float64s("temperature_qc")
		require.NoError(t, err)
		assert.Equal(t, []float64{2, 4, 4, 2}, flags, "profile %s", p.Key)
	}

	require.Len(t, f.reporter.completed, 1)
	summary := f.reporter.completed[0]
	assert.Equal(t, gen, summary.Generation)
	assert.Equal(t, ds.CurrentVersion, summary.Version)
	assert.Equal(t, 2, summary.Profiles)
	assert.False(t, summary.Redelivered)
	assert.Equal(t, 4, summary.Flags["temperature"][FlagFail])
}

func TestPool_RedeliveredGenerationIsNotReflagged(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	gen := f.aggregate(t, profileStart)
	f.pool.Process(ctx, f.claim(t, gen))

	flagged, _, err := f.agg.Layout().Load(ctx, testDeployment)
	require.NoError(t, err)

	job := f.claim(t, gen)
	f.pool.Process(ctx, job)

	ds, _, err := f.agg.Layout().Load(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, flagged.CurrentVersion, ds.CurrentVersion)
	assert.Equal(t, db.JobDone, f.jobState(t, job.ID))

	require.Len(t, f.reporter.completed, 2)
	assert.True(t, f.reporter.completed[1].Redelivered)
}

func TestPool_DiscardsStaleGeneration(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	stale := f.aggregate(t, profileStart)
	current := f.aggregate(t, profileStart.Add(time.Hour))

	job := f.claim(t, stale)
	f.pool.Process(ctx, job)

	assert.Equal(t, db.JobDone, f.jobState(t, job.ID))
	assert.Empty(t, f.reporter.completed)
	assert.Empty(t, f.reporter.failed)

	ds, _, err := f.agg.Layout().Load(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, current, ds.Generation)
	assert.Equal(t, int64(0), ds.QCGeneration)
}

func TestPool_AdmitDecisions(t *testing.T) {
	t.Run("skip acknowledges", func(t *testing.T) {
		f := newPoolFixture(t)
		f.reporter.admitErr = ErrSkip
		gen := f.aggregate(t, profileStart)

		job := f.claim(t, gen)
		f.pool.Process(context.Background(), job)

		assert.Equal(t, db.JobDone, f.jobState(t, job.ID))
		assert.Empty(t, f.reporter.completed)
	})

	t.Run("refusal dead-letters", func(t *testing.T) {
		f := newPoolFixture(t)
		f.reporter.admitErr = errors.New("deployment is in ERROR")
		gen := f.aggregate(t, profileStart)

		job := f.claim(t, gen)
		f.pool.Process(context.Background(), job)

		assert.Equal(t, db.JobDead, f.jobState(t, job.ID))
		letters, err := f.queue.DeadLetters(context.Background())
		require.NoError(t, err)
		require.Len(t, letters, 1)
		assert.Equal(t, "deployment is in ERROR", letters[0].Reason)
	})
}

func TestPool_CorruptLayoutDeadLetters(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	gen := f.aggregate(t, profileStart)
	ds, _, err := f.agg.Layout().Load(ctx, testDeployment)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.agg.Layout().VersionDir(testDeployment, ds.CurrentVersion), aggregator.ManifestFile)))

	job := f.claim(t, gen)
	f.pool.Process(ctx, job)

	assert.Equal(t, db.JobDead, f.jobState(t, job.ID))
	require.Len(t, f.reporter.failed, 1)
	assert.ErrorIs(t, f.reporter.failed[0], aggregator.ErrLayoutCorrupt)
}

func TestPool_SupersededJobIsDropped(t *testing.T) {
	f := newPoolFixture(t)
	ctx := context.Background()

	gen := f.aggregate(t, profileStart)
	job := f.claim(t, gen)
	_, err := f.queue.Supersede(ctx, testDeployment)
	require.NoError(t, err)

	f.pool.Process(ctx, job)

	assert.Equal(t, db.JobSuperseded, f.jobState(t, job.ID))
	assert.Empty(t, f.reporter.completed)

	ds, _, err := f.agg.Layout().Load(ctx, testDeployment)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ds.QCGeneration)
}

func TestPool_RunStopsOnCancel(t *testing.T) {
	f := newPoolFixture(t)
	gen := f.aggregate(t, profileStart)
	_, _, err := f.queue.Enqueue(context.Background(), queue.NewQCJob(testDeployment, gen))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	testutil.WaitFor(t, func() bool {
		ds, _, err := f.agg.Layout().Load(context.Background(), testDeployment)
		return err == nil && ds.QCGeneration == gen
	}, 5*time.Second, "qc generation never committed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancel")
	}
}

func TestLoadBattery_ShippedDefaults(t *testing.T) {
	battery, err := LoadBattery(filepath.Join("..", "..", DefaultConfig().BatteryDir))
	require.NoError(t, err)
	assert.Len(t, battery.Variables, 3)
}
