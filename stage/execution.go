// Package stage is the stage-execution substrate: it persists submitted
// stage runs, hands them to registered handlers on a worker pool, and
// notifies subscribers on every status change.
package stage

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/metis/errors"
)

// Status represents the current state of a stage execution
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition will happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Parameter keys understood by the stage handlers. Values are always strings.
const (
	ParamDatasetID           = "dataset_id"
	ParamSourceExecutionID   = "source_execution_id"
	ParamSourceExecutionName = "source_execution_name"
	ParamTargetExecutionID   = "target_execution_id"
	ParamEndpoint            = "endpoint"
	ParamSetSpec             = "set_spec"
	ParamMetadataPrefix      = "metadata_prefix"
	ParamStepSize            = "step_size"
	ParamJobSubType          = "job_sub_type"
	ParamOverrideJobID       = "override_job_id"
)

// Progress represents execution progress information
type Progress struct {
	Current int `json:"current,omitempty"`
	Total   int `json:"total,omitempty"`
}

// Percentage calculates progress as a percentage (0-100)
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Current) / float64(p.Total) * 100
}

// Execution is one submitted run of a stage.
type Execution struct {
	ID          string            `json:"id"`
	StageType   string            `json:"stage_type"`
	DatasetID   string            `json:"dataset_id"`
	Parameters  map[string]string `json:"parameters"`
	Status      Status            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Progress    Progress          `json:"progress,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewExecution creates a queued execution. override_job_id, when present,
// replaces the generated run identifier.
func NewExecution(stageType string, params map[string]string) (*Execution, error) {
	if stageType == "" {
		return nil, errors.NewInvalidRequestError("stage type cannot be empty")
	}
	datasetID := params[ParamDatasetID]
	if datasetID == "" {
		return nil, errors.NewInvalidRequestError("parameter %s is required", ParamDatasetID)
	}

	id := params[ParamOverrideJobID]
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	return &Execution{
		ID:         id,
		StageType:  stageType,
		DatasetID:  datasetID,
		Parameters: cloneParams(params),
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// OutputExecutionID is the execution id written into the records this run
// produces: target_execution_id when given, otherwise the run id.
func (e *Execution) OutputExecutionID() string {
	if id := e.Parameters[ParamTargetExecutionID]; id != "" {
		return id
	}
	return e.ID
}

// Param returns a launch parameter, empty when absent.
func (e *Execution) Param(key string) string {
	return e.Parameters[key]
}

// Start marks the execution as running
func (e *Execution) Start() {
	now := time.Now().UTC()
	e.Status = StatusRunning
	e.StartedAt = &now
	e.UpdatedAt = now
}

// Complete marks the execution as completed
func (e *Execution) Complete() {
	now := time.Now().UTC()
	e.Status = StatusCompleted
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// Fail marks the execution as failed with an error message
func (e *Execution) Fail(err error) {
	now := time.Now().UTC()
	e.Status = StatusFailed
	e.Error = err.Error()
	e.CompletedAt = &now
	e.UpdatedAt = now
}

// UpdateProgress updates the execution's progress
func (e *Execution) UpdateProgress(current, total int) {
	e.Progress = Progress{Current: current, Total: total}
	e.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand to another goroutine.
func (e *Execution) Clone() *Execution {
	cp := *e
	cp.Parameters = cloneParams(e.Parameters)
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Handle is the caller's view of a submitted execution.
type Handle struct {
	ID         string
	StageType  string
	DatasetID  string
	Parameters map[string]string
	Status     Status
}

// Handle snapshots e.
func (e *Execution) Handle() Handle {
	return Handle{
		ID:         e.ID,
		StageType:  e.StageType,
		DatasetID:  e.DatasetID,
		Parameters: cloneParams(e.Parameters),
		Status:     e.Status,
	}
}

// OutputExecutionID mirrors Execution.OutputExecutionID for a handle. The
// next stage of a chain reads from this id.
func (h Handle) OutputExecutionID() string {
	if id := h.Parameters[ParamTargetExecutionID]; id != "" {
		return id
	}
	return h.ID
}

func cloneParams(params map[string]string) map[string]string {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return cp
}
