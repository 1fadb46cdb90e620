package records_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/records"
	"github.com/livinlefevreloca/gliderdac/internal/testutil"
)

func TestIsDelayedMode(t *testing.T) {
	assert.True(t, records.IsDelayedMode("ru29-20240601T0000-delayed"))
	assert.False(t, records.IsDelayedMode("ru29-20240601T0000"))
	assert.False(t, records.IsDelayedMode("delayed-ru29"))
}

func TestSQLStore_IsWatched(t *testing.T) {
	database := testutil.NewTestDB(t)
	store := records.NewSQLStore(database)
	ctx := context.Background()

	testutil.SeedDeployment(t, database, "usf", "bass-20240601T0000")

	watched, err := store.IsWatched(ctx, "bass-20240601T0000")
	require.NoError(t, err)
	assert.True(t, watched)

	watched, err = store.IsWatched(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, watched, "unknown deployments are not watched")

	require.NoError(t, database.SetDeploymentActive(ctx, "bass-20240601T0000", false))
	watched, err = store.IsWatched(ctx, "bass-20240601T0000")
	require.NoError(t, err)
	assert.False(t, watched, "inactive deployments are not watched")

	require.NoError(t, database.SetDeploymentActive(ctx, "bass-20240601T0000", true))
	require.NoError(t, database.SetOperatorExcluded(ctx, "usf", true))
	watched, err = store.IsWatched(ctx, "bass-20240601T0000")
	require.NoError(t, err)
	assert.False(t, watched, "deployments of excluded operators are not watched")
}

func TestSQLStore_EnsureDeployment(t *testing.T) {
	database := testutil.NewTestDB(t)
	store := records.NewSQLStore(database)
	ctx := context.Background()

	err := store.EnsureDeployment(ctx, "ru29-20240601T0000", "rutgers")
	assert.True(t, errors.Is(err, records.ErrUnknownOperator), "expected ErrUnknownOperator, got %v", err)

	require.NoError(t, database.CreateOperator(ctx, &db.Operator{Name: "rutgers"}))
	require.NoError(t, store.EnsureDeployment(ctx, "ru29-20240601T0000-delayed", "rutgers"))

	d, err := store.GetDeployment(ctx, "ru29-20240601T0000-delayed")
	require.NoError(t, err)
	assert.Equal(t, "rutgers", d.Operator)
	assert.True(t, d.Active)
	assert.True(t, d.DelayedMode)

	// A second discovery leaves the record alone
	require.NoError(t, store.SetWMOID(ctx, d.ID, "4801234"))
	require.NoError(t, store.EnsureDeployment(ctx, d.ID, "rutgers"))
	d, err = store.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "4801234", d.WMOID)
}

func TestSQLStore_SetWMOID(t *testing.T) {
	database := testutil.NewTestDB(t)
	store := records.NewSQLStore(database)
	ctx := context.Background()

	testutil.SeedDeployment(t, database, "usf", "bass")

	require.NoError(t, store.SetWMOID(ctx, "bass", "  4801234\n"))
	d, err := store.GetDeployment(ctx, "bass")
	require.NoError(t, err)
	assert.Equal(t, "4801234", d.WMOID)

	err = store.SetWMOID(ctx, "missing", "1")
	assert.True(t, errors.Is(err, records.ErrNotFound))
}

func TestSQLStore_WriteProcessingStateIgnoresOlderWrites(t *testing.T) {
	database := testutil.NewTestDB(t)
	store := records.NewSQLStore(database)
	ctx := context.Background()

	testutil.SeedDeployment(t, database, "usf", "bass")
	t0 := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.WriteProcessingState(ctx, records.StatusUpdate{
		DeploymentID: "bass",
		State:        "PUBLISHED",
		Generation:   2,
		Timestamp:    t0.Add(time.Minute),
	}))
	require.NoError(t, store.WriteProcessingState(ctx, records.StatusUpdate{
		DeploymentID: "bass",
		State:        "AGGREGATING",
		Generation:   1,
		Timestamp:    t0,
	}))

	d, err := store.GetDeployment(ctx, "bass")
	require.NoError(t, err)
	assert.Equal(t, "PUBLISHED", d.ProcessingState)
	assert.Equal(t, int64(2), d.Generation)
	require.NotNil(t, d.StatusUpdatedAt)
	assert.True(t, d.StatusUpdatedAt.Equal(t0.Add(time.Minute)))

	err = store.WriteProcessingState(ctx, records.StatusUpdate{DeploymentID: "missing", State: "PENDING", Timestamp: t0})
	assert.True(t, errors.Is(err, records.ErrNotFound))
}

func TestSQLStore_DeleteDeployment(t *testing.T) {
	database := testutil.NewTestDB(t)
	store := records.NewSQLStore(database)
	ctx := context.Background()

	testutil.SeedDeployment(t, database, "usf", "bass")
	require.NoError(t, store.DeleteDeployment(ctx, "bass"))
	require.NoError(t, store.DeleteDeployment(ctx, "bass"), "deleting twice is not an error")

	_, err := store.GetDeployment(ctx, "bass")
	assert.True(t, errors.Is(err, records.ErrNotFound))

	list, err := store.ListDeployments(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}
