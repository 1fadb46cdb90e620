// Package records is the pipeline's view of the deployment record store: the
// records the registration front end owns, plus the processing status columns
// the pipeline is allowed to write.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/db"
)

var (
	// ErrNotFound is returned for unknown deployments
	ErrNotFound = errors.New("records: deployment not found")

	// ErrUnknownOperator is returned when auto-registration names an
	// operator the front end never created
	ErrUnknownOperator = errors.New("records: unknown operator")
)

// delayedSuffix marks delayed-mode (recovered data) deployments
const delayedSuffix = "-delayed"

// Deployment is the subset of a deployment record the pipeline reads
type Deployment struct {
	ID              string
	Operator        string
	Active          bool
	DelayedMode     bool
	WMOID           string
	ProcessingState string
	Generation      int64
	ProcessingError string
	StatusUpdatedAt *time.Time
	CreatedAt       time.Time
}

// StatusUpdate is one operator-visible processing status write
type StatusUpdate struct {
	UpdateID     string
	DeploymentID string
	State        string
	Generation   int64
	Error        string
	Timestamp    time.Time
}

// Store is the record store contract consumed and produced by the pipeline
type Store interface {
	GetDeployment(ctx context.Context, id string) (Deployment, error)
	IsWatched(ctx context.Context, id string) (bool, error)
	EnsureDeployment(ctx context.Context, id, operator string) error
	SetWMOID(ctx context.Context, id, wmoID string) error
	WriteProcessingState(ctx context.Context, update StatusUpdate) error
	DeleteDeployment(ctx context.Context, id string) error
}

// IsDelayedMode reports whether a deployment name marks delayed-mode data
func IsDelayedMode(id string) bool {
	return strings.HasSuffix(id, delayedSuffix)
}

// SQLStore implements Store on the service database
type SQLStore struct {
	db *db.DB
}

// NewSQLStore creates a store backed by database
func NewSQLStore(database *db.DB) *SQLStore {
	return &SQLStore{db: database}
}

// GetDeployment reads a deployment record
func (s *SQLStore) GetDeployment(ctx context.Context, id string) (Deployment, error) {
	d, err := s.db.GetDeployment(ctx, id)
	if db.IsNotFound(err) {
		return Deployment{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Deployment{}, err
	}
	return fromRow(d), nil
}

// ListDeployments reads every deployment record
func (s *SQLStore) ListDeployments(ctx context.Context) ([]Deployment, error) {
	rows, err := s.db.ListDeployments(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Deployment, 0, len(rows))
	for _, d := range rows {
		out = append(out, fromRow(d))
	}
	return out, nil
}

// IsWatched reports whether files for a deployment should be processed
func (s *SQLStore) IsWatched(ctx context.Context, id string) (bool, error) {
	return s.db.IsDeploymentWatched(ctx, id)
}

// EnsureDeployment registers a deployment discovered on disk. Existing
// deployments are left untouched.
func (s *SQLStore) EnsureDeployment(ctx context.Context, id, operator string) error {
	if _, err := s.db.GetOperator(ctx, operator); err != nil {
		if db.IsNotFound(err) {
			return fmt.Errorf("%s: %w", operator, ErrUnknownOperator)
		}
		return err
	}

	err := s.db.CreateDeployment(ctx, &db.Deployment{
		ID:          id,
		Operator:    operator,
		Active:      true,
		DelayedMode: IsDelayedMode(id),
	})
	if db.IsDuplicate(err) {
		return nil
	}
	return err
}

// SetWMOID records the WMO identifier uploaded alongside a deployment
func (s *SQLStore) SetWMOID(ctx context.Context, id, wmoID string) error {
	err := s.db.SetWMOID(ctx, id, strings.TrimSpace(wmoID))
	if db.IsNotFound(err) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return err
}

// WriteProcessingState writes the pipeline status columns. Writes older than
// the stored status are ignored.
func (s *SQLStore) WriteProcessingState(ctx context.Context, u StatusUpdate) error {
	err := s.db.UpdateProcessingStatus(ctx, u.DeploymentID, u.State, u.Generation, u.Error, u.Timestamp)
	if db.IsNotFound(err) {
		return fmt.Errorf("%s: %w", u.DeploymentID, ErrNotFound)
	}
	return err
}

// DeleteDeployment removes a deployment record
func (s *SQLStore) DeleteDeployment(ctx context.Context, id string) error {
	err := s.db.DeleteDeployment(ctx, id)
	if db.IsNotFound(err) {
		return nil
	}
	return err
}

func fromRow(d *db.Deployment) Deployment {
	return Deployment{
		ID:              d.ID,
		Operator:        d.Operator,
		Active:          d.Active,
		DelayedMode:     d.DelayedMode,
		WMOID:           d.WMOID,
		ProcessingState: d.ProcessingState,
		Generation:      d.ProcessingGeneration,
		ProcessingError: d.ProcessingError,
		StatusUpdatedAt: d.StatusUpdatedAt,
		CreatedAt:       d.CreatedAt,
	}
}
