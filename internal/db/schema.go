package db

import "time"

// Job states
const (
	JobQueued     = "queued"
	JobClaimed    = "claimed"
	JobDone       = "done"
	JobDead       = "dead"
	JobSuperseded = "superseded"
)

// Operator is an uploading user or institution
type Operator struct {
	Name      string
	Excluded  bool
	CreatedAt time.Time
}

// Deployment is a glider deployment record. Processing* fields are the only
// ones the pipeline writes.
type Deployment struct {
	ID                   string
	Operator             string
	Active               bool
	DelayedMode          bool
	WMOID                string
	ProcessingState      string
	ProcessingGeneration int64
	ProcessingError      string
	StatusUpdatedAt      *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DeploymentState is the pipeline's authoritative per-deployment state
type DeploymentState struct {
	DeploymentID string
	State        string
	Generation   int64
	LastFileTime *time.Time
	LastError    string
	UpdatedAt    time.Time
}

// SourceFile is one validated revision of an uploaded file
type SourceFile struct {
	ID           string
	DeploymentID string
	Path         string
	ContentHash  string
	ModTime      time.Time
	Size         int64
	ProfileKey   string
	Passed       bool
	ValidatedAt  time.Time
}

// Diagnostic is one validator finding attached to a SourceFile
type Diagnostic struct {
	Seq      int
	Code     string
	Severity string
	Field    string
	Message  string
}

// Job is a persisted queue entry
type Job struct {
	ID             string
	Kind           string
	DeploymentID   string
	DedupKey       string
	Payload        string // JSON
	State          string
	Attempt        int
	EnqueuedAt     time.Time
	AvailableAt    time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	UpdatedAt      time.Time
}

// DeadLetter records a job that exhausted its attempts
type DeadLetter struct {
	ID           string
	JobID        string
	Kind         string
	DeploymentID string
	Attempts     int
	Reason       string
	CreatedAt    time.Time
	RequeuedAt   *time.Time
}

// Dataset is the index row for a deployment's aggregated dataset.
// CurrentVersion names the version directory the dataset's current link
// points at and is the compare-and-swap token for commits.
type Dataset struct {
	DeploymentID   string
	Generation     int64
	CurrentVersion string
	QCGeneration   int64
	Path           string
	ProfileCount   int
	AggregatedAt   time.Time
	UpdatedAt      time.Time
}

// PublishSignal is a ledger entry for an emitted flag artifact
type PublishSignal struct {
	DeploymentID string
	Generation   int64
	Target       string
	FlagPath     string
	EmittedAt    time.Time
	ConfirmedAt  *time.Time
}
