package errors

import "net/http"

// Pipeline error classes. Callers mark concrete errors with these so that
// errors.Is keeps working across Wrap and WithDetail layers.
var (
	// ErrConfiguration is non-retryable: unknown stage type, unknown workflow
	// classification, or the reporting-only DEBIAS path sent through the
	// general composer.
	ErrConfiguration = New("configuration error")

	// ErrSubmissionRejected means the execution substrate has no capacity.
	// The caller may retry later; nothing retries internally.
	ErrSubmissionRejected = New("submission rejected")

	// ErrInterrupted means a wait was abandoned because its context was
	// cancelled. The submitted stage keeps running.
	ErrInterrupted = New("wait interrupted")

	// ErrDeadlineExceeded means the configured completion deadline elapsed
	// before the stage reached a terminal status.
	ErrDeadlineExceeded = New("completion deadline exceeded")

	// ErrRemoval wraps every failed dataset removal. The transaction has
	// been rolled back when this is returned.
	ErrRemoval = New("dataset removal failed")

	// ErrDatasetBusy means a stage for the dataset is still queued or running.
	ErrDatasetBusy = New("dataset has an active stage execution")
)

// NewConfigurationError creates an error marked as ErrConfiguration.
func NewConfigurationError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrConfiguration)
}

// NewSubmissionRejected creates an error marked as ErrSubmissionRejected.
func NewSubmissionRejected(format string, args ...interface{}) error {
	err := Mark(Newf(format, args...), ErrSubmissionRejected)
	return WithHint(err, "the stage substrate is at capacity, retry the submission later")
}

// WrapRemoval wraps cause as a removal failure for datasetID.
func WrapRemoval(cause error, datasetID string) error {
	err := Mark(Wrapf(cause, "remove dataset %s", datasetID), ErrRemoval)
	return WithDetailf(err, "Dataset ID: %s", datasetID)
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return err != nil && IsAny(err, ErrSubmissionRejected, ErrDatasetBusy)
}

// IsInterrupted reports whether err came from an abandoned wait.
func IsInterrupted(err error) bool {
	return err != nil && Is(err, ErrInterrupted)
}

// HTTPStatus maps an orchestration error to an HTTP status class.
// Stage terminal failures never reach here; they live in persisted stage state.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsConfiguration(err), IsInvalidRequestError(err):
		return http.StatusBadRequest
	case Is(err, ErrSubmissionRejected):
		return http.StatusTooManyRequests
	case Is(err, ErrDatasetBusy), Is(err, ErrConflict):
		return http.StatusConflict
	case IsNotFoundError(err):
		return http.StatusNotFound
	case IsInterrupted(err), Is(err, ErrDeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Process exit codes used by the CLI.
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitConfiguration = 2
	ExitTempFail      = 75 // EX_TEMPFAIL
)

// ExitCode maps an error to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsConfiguration(err), IsInvalidRequestError(err):
		return ExitConfiguration
	case IsRetryable(err):
		return ExitTempFail
	default:
		return ExitFailure
	}
}
