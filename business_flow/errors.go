// Package businessflow contains the core dispatch logic: recipient filtering, account
// selection, job orchestration, progress fan-out and engagement tracking
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Job errors
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidJobType    = errors.New("invalid job type")
	ErrInvalidJobParams  = errors.New("invalid job params")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrJobStillActive    = errors.New("job is still active")

	// Duplicate execution guard
	ErrCampaignAlreadyRunning = errors.New("campaign already has an active job")

	// Campaign errors
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrCampaignArchived = errors.New("campaign is archived")
	ErrCampaignRunning  = errors.New("campaign is running")
	ErrInvalidContent   = errors.New("invalid message content")
	ErrNoRecipients     = errors.New("no eligible recipients")

	// Sender account errors
	ErrNoAccountAvailable   = errors.New("no sender account available")
	ErrAccountNotFound      = errors.New("sender account not found")
	ErrAccountExists        = errors.New("sender account already exists")
	ErrAccountNotSendable   = errors.New("sender account is not sendable")
	ErrDailyLimitReached    = errors.New("sender account reached its daily limit")
	ErrInvalidAccountStatus = errors.New("invalid sender account status change")

	// Progress hub errors
	ErrTooManyTrackedJobs = errors.New("too many jobs with live subscribers")
	ErrTooManySubscribers = errors.New("too many subscribers for job")

	// Continuous worker errors
	ErrWorkerNotFound       = errors.New("worker not found")
	ErrWorkerAlreadyRunning = errors.New("worker is already running")
	ErrAccountNotStartable  = errors.New("sender account cannot run a worker")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsJobNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound)
}

func IsInvalidJobType(err error) bool {
	return errors.Is(err, ErrInvalidJobType)
}

func IsInvalidJobParams(err error) bool {
	return errors.Is(err, ErrInvalidJobParams)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsJobStillActive(err error) bool {
	return errors.Is(err, ErrJobStillActive)
}

func IsCampaignAlreadyRunning(err error) bool {
	return errors.Is(err, ErrCampaignAlreadyRunning)
}

func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

func IsCampaignArchived(err error) bool {
	return errors.Is(err, ErrCampaignArchived)
}

func IsCampaignRunning(err error) bool {
	return errors.Is(err, ErrCampaignRunning)
}

func IsInvalidContent(err error) bool {
	return errors.Is(err, ErrInvalidContent)
}

func IsNoRecipients(err error) bool {
	return errors.Is(err, ErrNoRecipients)
}

func IsNoAccountAvailable(err error) bool {
	return errors.Is(err, ErrNoAccountAvailable)
}

func IsAccountNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

func IsAccountExists(err error) bool {
	return errors.Is(err, ErrAccountExists)
}

func IsAccountNotSendable(err error) bool {
	return errors.Is(err, ErrAccountNotSendable)
}

func IsDailyLimitReached(err error) bool {
	return errors.Is(err, ErrDailyLimitReached)
}

func IsInvalidAccountStatus(err error) bool {
	return errors.Is(err, ErrInvalidAccountStatus)
}

func IsProgressHubFull(err error) bool {
	return errors.Is(err, ErrTooManyTrackedJobs) || errors.Is(err, ErrTooManySubscribers)
}

func IsWorkerNotFound(err error) bool {
	return errors.Is(err, ErrWorkerNotFound)
}

func IsWorkerAlreadyRunning(err error) bool {
	return errors.Is(err, ErrWorkerAlreadyRunning)
}

func IsAccountNotStartable(err error) bool {
	return errors.Is(err, ErrAccountNotStartable)
}
