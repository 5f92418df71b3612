package topic

import "errors"

// Error kinds from spec.md §7. State-guard errors are programmer
// errors and are raised synchronously; transport errors propagate for
// the caller to retry.
var (
	ErrAlreadyStarting = errors.New("topic: start already in progress")
	ErrAlreadyStreaming = errors.New("topic: streaming already in progress")
	ErrStopped          = errors.New("topic: stopped")
	ErrNotReady         = errors.New("topic: setter not ready")
)
