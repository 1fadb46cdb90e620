package pipeline

// State is a deployment's position in the pipeline. Transitions are methods
// on the concrete state types, so only legal moves compile.
type State interface {
	Name() string
}

// State names as persisted and reported
const (
	StatePending     = "PENDING"
	StateValidating  = "VALIDATING"
	StateAggregating = "AGGREGATING"
	StateQCPending   = "QC_PENDING"
	StateQCDone      = "QC_DONE"
	StatePublished   = "PUBLISHED"
	StateError       = "ERROR"
)

// PendingState - new work is queued, or the last file failed validation
type PendingState struct{}

func (s *PendingState) Name() string { return StatePending }
func (s *PendingState) ToValidating() *ValidatingState {
	return &ValidatingState{}
}
func (s *PendingState) ToError() *ErrorState {
	return &ErrorState{}
}

// ValidatingState - an ingest worker is checking a file
type ValidatingState struct{}

func (s *ValidatingState) Name() string { return StateValidating }
func (s *ValidatingState) ToAggregating() *AggregatingState {
	return &AggregatingState{}
}
func (s *ValidatingState) ToPending() *PendingState {
	return &PendingState{}
}
func (s *ValidatingState) ToError() *ErrorState {
	return &ErrorState{}
}

// AggregatingState - a validated file is being merged into the dataset
type AggregatingState struct{}

func (s *AggregatingState) Name() string { return StateAggregating }
func (s *AggregatingState) ToQCPending() *QCPendingState {
	return &QCPendingState{}
}
func (s *AggregatingState) ToPending() *PendingState {
	return &PendingState{}
}
func (s *AggregatingState) ToError() *ErrorState {
	return &ErrorState{}
}

// QCPendingState - a dataset generation awaits QC flags
type QCPendingState struct{}

func (s *QCPendingState) Name() string { return StateQCPending }
func (s *QCPendingState) ToQCDone() *QCDoneState {
	return &QCDoneState{}
}
func (s *QCPendingState) ToPending() *PendingState {
	return &PendingState{}
}
func (s *QCPendingState) ToError() *ErrorState {
	return &ErrorState{}
}

// QCDoneState - flags committed, publish signal pending
type QCDoneState struct{}

func (s *QCDoneState) Name() string { return StateQCDone }
func (s *QCDoneState) ToPublished() *PublishedState {
	return &PublishedState{}
}
func (s *QCDoneState) ToPending() *PendingState {
	return &PendingState{}
}
func (s *QCDoneState) ToError() *ErrorState {
	return &ErrorState{}
}

// PublishedState - serving systems were asked to rescan the generation
type PublishedState struct{}

func (s *PublishedState) Name() string { return StatePublished }
func (s *PublishedState) ToPending() *PendingState {
	return &PendingState{}
}
func (s *PublishedState) ToError() *ErrorState {
	return &ErrorState{}
}

// ErrorState - processing stopped until an operator resets the deployment.
// It deliberately has no ToPending: new files do not leave ERROR.
type ErrorState struct{}

func (s *ErrorState) Name() string { return StateError }
func (s *ErrorState) Reset() *PendingState {
	return &PendingState{}
}

// Capabilities shared by several states
type (
	pendingCapable interface{ ToPending() *PendingState }
	errorCapable   interface{ ToError() *ErrorState }
)

// stateFromName restores a persisted state. Unknown names restart at PENDING.
func stateFromName(name string) State {
	switch name {
	case StateValidating:
		return &ValidatingState{}
	case StateAggregating:
		return &AggregatingState{}
	case StateQCPending:
		return &QCPendingState{}
	case StateQCDone:
		return &QCDoneState{}
	case StatePublished:
		return &PublishedState{}
	case StateError:
		return &ErrorState{}
	default:
		return &PendingState{}
	}
}

// StateRecorder tracks state transitions for testing
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}
