package sim

import "errors"

// The error kinds visible at the simulator boundary form a closed set.
// Anything else escaping a simulated thread is treated as a bug in the code
// under test: the run loop logs a severe event and kills the process.
var (
	// ErrIOError is a transient, injectable disk error. Callers retry.
	ErrIOError = errors.New("io_error")
	// ErrIOTimeout is a transient, injectable disk timeout. Callers retry.
	ErrIOTimeout = errors.New("io_timeout")
	// ErrConnectionFailed reports a closed or randomly dropped connection.
	ErrConnectionFailed = errors.New("connection_failed")
	// ErrFileNotFound maps the host ENOENT at open time.
	ErrFileNotFound = errors.New("file_not_found")
	// ErrActorCancelled resolves every suspension owned by a killed process.
	ErrActorCancelled = errors.New("actor_cancelled")
	// ErrBrokenPromise reports a signal whose producer died before firing it.
	ErrBrokenPromise = errors.New("broken_promise")
	// ErrAttributeNotFound is a transient probe result: the polled worker
	// does not expose the requested scalar yet.
	ErrAttributeNotFound = errors.New("attribute_not_found")
	// ErrTooManyFiles is the hard open-file exhaustion limit.
	ErrTooManyFiles = errors.New("too_many_files")
)

// isKnownError reports whether err belongs to the closed simulator error set.
// Unknown errors returned by simulated threads get the process killed.
func isKnownError(err error) bool {
	for _, known := range []error{
		ErrIOError, ErrIOTimeout, ErrConnectionFailed, ErrFileNotFound,
		ErrActorCancelled, ErrBrokenPromise, ErrAttributeNotFound, ErrTooManyFiles,
	} {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
