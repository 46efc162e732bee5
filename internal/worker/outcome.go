package worker

import "github.com/JakeFAU/mediascrape/internal/media"

// Status classifies the result of executing one job.
type Status int

// Outcome statuses.
const (
	StatusSucceeded Status = iota
	StatusRetryable
	StatusTerminal
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusRetryable:
		return "retryable"
	case StatusTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Outcome is the typed result of Execute. References is set only on success;
// Err only on failure.
type Outcome struct {
	Status     Status
	References []media.Reference
	Err        error
}
