package businessflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/orochi-dispatch/models"
)

// Worker exit codes
const (
	ExitCodeOK            = 0
	ExitCodeInternal      = 1
	ExitCodeInvalidParams = 2
	ExitCodeNoRecipients  = 3
	ExitCodeNoAccounts    = 4
	ExitCodeTerminated    = 5
)

// WorkerEventType enumerates the messages a worker sends its orchestrator
type WorkerEventType string

const (
	WorkerEventProgress WorkerEventType = "progress"
	WorkerEventError    WorkerEventType = "error"
	WorkerEventExit     WorkerEventType = "exit"
)

// WorkerEvent is one message on a worker's event channel.
// Processed and Total are set on progress events; Err on error events; ExitCode on exit.
type WorkerEvent struct {
	Type      WorkerEventType
	Processed int
	Total     int
	Err       error
	ExitCode  int
}

// WorkerHandle controls one running worker.
// Events is closed after the exit event has been delivered.
type WorkerHandle interface {
	Pause()
	Resume()
	Terminate()
	Events() <-chan WorkerEvent
}

// WorkerLauncher starts a worker for a job that has just entered running
type WorkerLauncher interface {
	Launch(ctx context.Context, job *models.Job) (WorkerHandle, error)
}

// ExitError carries the exit code a worker should report for a fatal setup error
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError wraps err with a worker exit code
func NewExitError(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// ExitCodeOf maps a worker result to its exit code
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitCodeOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch {
	case IsInvalidJobParams(err) || IsInvalidContent(err) || IsCampaignNotFound(err) || IsCampaignArchived(err):
		return ExitCodeInvalidParams
	case IsNoRecipients(err):
		return ExitCodeNoRecipients
	case IsNoAccountAvailable(err):
		return ExitCodeNoAccounts
	case errors.Is(err, context.Canceled):
		return ExitCodeTerminated
	}
	return ExitCodeInternal
}

// CampaignLocker guards a campaign against concurrent dispatch across instances
type CampaignLocker interface {
	Acquire(ctx context.Context, campaignID uint, owner string) (bool, error)
	Refresh(ctx context.Context, campaignID uint, owner string) (bool, error)
	Release(ctx context.Context, campaignID uint, owner string) error
}
