package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/db"
)

// Kind is the closed set of job variants
type Kind string

const (
	KindIngest  Kind = "ingest"
	KindQC      Kind = "qc"
	KindPublish Kind = "publish"
)

// Kinds lists every job kind
var Kinds = []Kind{KindIngest, KindQC, KindPublish}

// IngestPayload names one stabilized file revision
type IngestPayload struct {
	Path    string    `json:"path"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// QCPayload names the dataset generation to flag
type QCPayload struct {
	Generation int64 `json:"generation"`
}

// PublishPayload names the dataset generation to announce
type PublishPayload struct {
	Generation int64  `json:"generation"`
	Reason     string `json:"reason,omitempty"`
}

// Payload carries exactly one variant, matching the job's Kind
type Payload struct {
	Ingest  *IngestPayload  `json:"ingest,omitempty"`
	QC      *QCPayload      `json:"qc,omitempty"`
	Publish *PublishPayload `json:"publish,omitempty"`
}

// Job is a unit of pipeline work. Retries keep the ID and bump Attempt.
type Job struct {
	ID             string
	Kind           Kind
	DeploymentID   string
	Attempt        int
	EnqueuedAt     time.Time
	Payload        Payload
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string
}

// NewIngestJob builds an ingest job for a stabilized file
func NewIngestJob(deploymentID string, p IngestPayload) Job {
	return Job{Kind: KindIngest, DeploymentID: deploymentID, Payload: Payload{Ingest: &p}}
}

// NewQCJob builds a QC job for a dataset generation
func NewQCJob(deploymentID string, generation int64) Job {
	return Job{Kind: KindQC, DeploymentID: deploymentID, Payload: Payload{QC: &QCPayload{Generation: generation}}}
}

// NewPublishJob builds a publish job for a dataset generation
func NewPublishJob(deploymentID string, generation int64, reason string) Job {
	return Job{
		Kind:         KindPublish,
		DeploymentID: deploymentID,
		Payload:      Payload{Publish: &PublishPayload{Generation: generation, Reason: reason}},
	}
}

// Generation returns the dataset generation a QC or publish job targets
func (j Job) Generation() int64 {
	switch {
	case j.Payload.QC != nil:
		return j.Payload.QC.Generation
	case j.Payload.Publish != nil:
		return j.Payload.Publish.Generation
	default:
		return 0
	}
}

// validate checks the payload variant matches the kind
func (j Job) validate() error {
	if j.DeploymentID == "" {
		return fmt.Errorf("job has no deployment id")
	}
	var ok bool
	switch j.Kind {
	case KindIngest:
		ok = j.Payload.Ingest != nil && j.Payload.QC == nil && j.Payload.Publish == nil
	case KindQC:
		ok = j.Payload.QC != nil && j.Payload.Ingest == nil && j.Payload.Publish == nil
	case KindPublish:
		ok = j.Payload.Publish != nil && j.Payload.Ingest == nil && j.Payload.QC == nil
	default:
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	if !ok {
		return fmt.Errorf("payload does not match job kind %q", j.Kind)
	}
	return nil
}

// dedupKey identifies a job among live jobs of the same deployment and kind.
// Two ingest events for the same revision, or two QC requests for the same
// generation, collapse into one job.
func (j Job) dedupKey() string {
	switch j.Kind {
	case KindIngest:
		return fmt.Sprintf("ingest:%s@%d", j.Payload.Ingest.Path, j.Payload.Ingest.ModTime.UnixNano())
	case KindQC:
		return fmt.Sprintf("qc:%d", j.Payload.QC.Generation)
	default:
		return fmt.Sprintf("publish:%d", j.Payload.Publish.Generation)
	}
}

func toRow(j Job) (*db.Job, error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return &db.Job{
		ID:           j.ID,
		Kind:         string(j.Kind),
		DeploymentID: j.DeploymentID,
		DedupKey:     j.dedupKey(),
		Payload:      string(payload),
		Attempt:      j.Attempt,
		EnqueuedAt:   j.EnqueuedAt,
		AvailableAt:  j.EnqueuedAt,
	}, nil
}

func fromRow(row *db.Job) (Job, error) {
	j := Job{
		ID:           row.ID,
		Kind:         Kind(row.Kind),
		DeploymentID: row.DeploymentID,
		Attempt:      row.Attempt,
		EnqueuedAt:   row.EnqueuedAt,
		LeaseOwner:   row.LeaseOwner,
		LastError:    row.LastError,
	}
	if row.LeaseExpiresAt != nil {
		j.LeaseExpiresAt = *row.LeaseExpiresAt
	}
	if err := json.Unmarshal([]byte(row.Payload), &j.Payload); err != nil {
		return Job{}, fmt.Errorf("decoding payload of job %s: %w", row.ID, err)
	}
	return j, nil
}
