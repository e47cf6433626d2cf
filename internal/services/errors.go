// Package services defines the business logic for staging, load sessions,
// and remote push. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

var (
	// ErrSessionNotFound indicates that the requested load session does not
	// exist or is not accessible to the current user.
	ErrSessionNotFound = errors.New("load session not found")

	// ErrStageRecordNotFound indicates that the requested stage record does
	// not exist or is not accessible to the current user.
	ErrStageRecordNotFound = errors.New("stage record not found")

	// ErrNoCandidates is returned when a stage or session request carries no
	// valid payload candidates.
	ErrNoCandidates = errors.New("no payload candidates supplied")

	// ErrAlreadyStaged is returned when a candidate is already staged by a
	// different user and force was not set.
	ErrAlreadyStaged = errors.New("payload already staged by another user")

	// ErrNothingToPush is returned when a retry is requested for a session
	// with no FAILED payloads below the attempt ceiling.
	ErrNothingToPush = errors.New("session has no pushable payloads")

	// ErrRemoteWritesDisabled is returned when pushing is attempted while
	// writes to external destinations are disabled by configuration.
	ErrRemoteWritesDisabled = errors.New("external destination writes are disabled")

	// ErrForbidden is returned when a non-privileged actor requests a
	// resource outside their visibility scope.
	ErrForbidden = errors.New("not permitted for this user")
)
