package dispatch

import (
	"time"

	"github.com/BaSui01/dataforge/types"
)

// TaskState tracks a task through the dispatch state machine:
//
//	Queued → Admitted → InFlight → {Succeeded | Queued (retryable) | Failed}
//
// Succeeded and Failed are terminal.
type TaskState int

const (
	TaskQueued TaskState = iota
	TaskAdmitted
	TaskInFlight
	TaskSucceeded
	TaskFailed
)

// String implements fmt.Stringer.
func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskAdmitted:
		return "admitted"
	case TaskInFlight:
		return "in_flight"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// Task is one dispatch attempt series for a single row. TaskID equals the
// row's OriginalRowIdx. The wire payload is rebuilt per attempt series, not
// per retry; accumulated attempt errors survive retries.
type Task struct {
	TaskID         int
	GenericRequest types.GenericRequest
	WireRequest    []byte
	TokenEstimate  int

	State    TaskState
	Attempts int
	// Errors accumulates every failed attempt's message in order.
	Errors []string

	CreatedAt time.Time
}

// newTask creates a queued task for one request.
func newTask(req types.GenericRequest, wire []byte, tokenEstimate int) *Task {
	return &Task{
		TaskID:         req.OriginalRowIdx,
		GenericRequest: req,
		WireRequest:    wire,
		TokenEstimate:  tokenEstimate,
		State:          TaskQueued,
		CreatedAt:      time.Now().UTC(),
	}
}

// failedResponse builds the terminal response for a task that exhausted its
// retries: a nil message with the accumulated errors.
func (t *Task) failedResponse(finishedAt time.Time) types.GenericResponse {
	return types.GenericResponse{
		ResponseMessage: nil,
		ResponseErrors:  t.Errors,
		RawRequest:      t.WireRequest,
		GenericRequest:  t.GenericRequest,
		CreatedAt:       t.CreatedAt,
		FinishedAt:      finishedAt,
	}
}
