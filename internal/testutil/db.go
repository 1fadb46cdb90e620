package testutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/gliderdac/internal/db"
)

// NewTestDB creates a migrated in-memory SQLite database private to the test
func NewTestDB(t testing.TB) *db.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	database, err := db.OpenWithConfig(db.Config{Driver: "sqlite3", DSN: dsn, MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := database.Migrate(context.Background()); err != nil {
		database.Close()
		t.Fatalf("failed to initialize test schema: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// SeedDeployment creates an operator (if missing) and an active deployment
func SeedDeployment(t testing.TB, database *db.DB, operator, id string) {
	t.Helper()
	ctx := context.Background()

	if err := database.CreateOperator(ctx, &db.Operator{Name: operator}); err != nil && !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("failed to seed operator: %v", err)
	}
	if err := database.CreateDeployment(ctx, &db.Deployment{ID: id, Operator: operator, Active: true}); err != nil {
		t.Fatalf("failed to seed deployment: %v", err)
	}
}
