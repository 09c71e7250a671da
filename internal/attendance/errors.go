package attendance

import "errors"

var (
	// ErrRegistryUnavailable means no reference identities could be loaded from
	// the snapshot, the reference images or the remote roster.
	ErrRegistryUnavailable = errors.New("identity registry unavailable")

	// ErrCameraUnavailable means the capture device could not be opened or
	// failed repeatedly.
	ErrCameraUnavailable = errors.New("camera unavailable")

	// ErrSyncTransport means the remote attendance service was unreachable or
	// answered with a failure. Items stay unsynced and are retried.
	ErrSyncTransport = errors.New("sync transport failure")

	// ErrSessionAlreadyActive rejects a start command while a session runs.
	ErrSessionAlreadyActive = errors.New("session already active")

	// ErrNoActiveSession is returned by operations that need a running session.
	ErrNoActiveSession = errors.New("no active session")

	// ErrStoreUnavailable wraps local persistence failures.
	ErrStoreUnavailable = errors.New("local store unavailable")

	// ErrDuplicateConfirmation is returned by stores when a confirmation for the
	// same (identity, session) already exists.
	ErrDuplicateConfirmation = errors.New("confirmation already recorded")
)
