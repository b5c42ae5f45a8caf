package billing

import (
	"errors"
	"fmt"
)

// RemoteError wraps a failure of the remote provider (network, timeout,
// provider-side 5xx). Remote failures are retryable up to the dispatch
// attempt ceiling; everything else is not.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("billing: remote %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Remote wraps err as a retryable remote failure.
func Remote(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteError{Op: op, Err: err}
}

// IsRetryable reports whether err stems from the remote provider and may
// succeed on a later attempt.
func IsRetryable(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}
