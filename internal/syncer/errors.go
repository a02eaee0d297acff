package syncer

import "errors"

var (
	// ErrUnauthorized means the registry refused the device secret. The run
	// stops and the device should be registered again.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTierExceeded means the registry definitively rejected events over
	// the device's tier limits.
	ErrTierExceeded = errors.New("tier_exceeded")
	// ErrTransient covers timeouts, connection failures, 429 and 5xx. The
	// cursor is left in place and the next run retries.
	ErrTransient = errors.New("transient_failure")
	// ErrRejected is any other 4xx. The batch will not succeed on retry.
	ErrRejected = errors.New("rejected")
	ErrLocked   = errors.New("sync_in_progress")
)
