package manager

import "errors"

var (
	// ErrInvalidSession is returned when a session is nil, unforged-token
	// empty, or its platform mismatches the request's platform.
	ErrInvalidSession = errors.New("manager: invalid session")
	// ErrInvalidPlatform is returned when a platform name is not configured.
	ErrInvalidPlatform = errors.New("manager: invalid platform")
	// ErrNotAuthorized is returned by admin-only operations when the caller
	// is not an admin of the platform.
	ErrNotAuthorized = errors.New("manager: not authorized")
	// ErrAuthenticationFailed is returned when the Authenticator rejects a
	// token.
	ErrAuthenticationFailed = errors.New("manager: authentication failed")
	// ErrWorkerDispatch is returned when WorkerPool.EnqueuePull or
	// EnqueueExpire fails.
	ErrWorkerDispatch = errors.New("manager: worker dispatch failed")
)
