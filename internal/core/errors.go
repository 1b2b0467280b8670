package core

import "errors"

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrDeviceUnavailable    = errors.New("device unavailable")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNegotiationConflict  = errors.New("negotiation conflict")
	ErrConnectionLost       = errors.New("connection lost")

	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrForbidden     = errors.New("forbidden")
	ErrRateLimited   = errors.New("rate limited")

	ErrCallInProgress    = errors.New("call already in progress")
	ErrNoActiveCall      = errors.New("no active call")
	ErrScreenShareActive = errors.New("screen share active")
	ErrAnswerTimeout     = errors.New("no answer")
	ErrSessionClosed     = errors.New("session closed")
)
