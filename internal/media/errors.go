package media

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned by Claim once the queue stopped handing out work.
	ErrQueueClosed = errors.New("queue closed")
	// ErrTerminal marks failures that must not be retried.
	ErrTerminal = errors.New("terminal job failure")
)

// Terminal wraps err so the queue fails the job without scheduling a retry.
func Terminal(err error) error {
	if err == nil {
		return ErrTerminal
	}
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// IsTerminal reports whether err was produced by Terminal.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// FetchError reports a transport failure or a non-2xx upstream response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a response body that cannot be treated as an HTML document.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError reports a failed bulk insert of a flushed batch.
type PersistenceError struct {
	Records int
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d records: %v", e.Records, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
