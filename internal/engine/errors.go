package engine

import "errors"

var (
	ErrInvalidConfig       = errors.New("invalid campaign config")
	ErrWorkerUnreachable   = errors.New("worker unreachable")
	ErrIdentityExhausted   = errors.New("no identity available")
	ErrIdentityNotHeld     = errors.New("identity not held")
	ErrCapacityExceeded    = errors.New("session pool at capacity")
	ErrDuplicateCompletion = errors.New("completion for unknown session")
	ErrCompletionHeld      = errors.New("completion held for a pending launch")
	ErrSessionTimeout      = errors.New("session timed out")
	ErrSessionFailed       = errors.New("session failed")
	ErrCampaignNotFound    = errors.New("campaign not found")
	ErrCampaignExists      = errors.New("campaign already exists")
	ErrAlreadyStarted      = errors.New("campaign already started")
)
