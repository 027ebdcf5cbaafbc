package tlog

import "errors"

// Failure classes shared between the coordinator and the log servers. The
// transport wraps these; callers compare with errors.Is.
var (
	// ErrMasterTLogFailed means a log server the current epoch depends on
	// failed or was locked out from under the coordinator. The coordinator
	// cannot continue; a new epoch must be recovered.
	ErrMasterTLogFailed = errors.New("tlog: master terminating because a tlog failed")

	// ErrMasterRecoveryFailed means recruiting or initializing a new epoch
	// failed or did not finish in time.
	ErrMasterRecoveryFailed = errors.New("tlog: master recovery failed")

	// ErrTLogStopped is returned by a server that has been locked and will
	// accept no further commits.
	ErrTLogStopped = errors.New("tlog: tlog stopped")

	// ErrBrokenPromise means the remote end went away without answering.
	ErrBrokenPromise = errors.New("tlog: broken promise")

	// ErrInternal flags a state that should be unreachable, such as a
	// corrupt coordinated-state record.
	ErrInternal = errors.New("tlog: internal error")
)
