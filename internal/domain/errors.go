package domain

import "errors"

var (
	// ErrNotFound signals the requested row does not exist.
	ErrNotFound = errors.New("forceauth: not found")
	// ErrConfiguration indicates missing or invalid provider credentials. It is
	// fatal at flow start and never silently bypassed in production.
	ErrConfiguration = errors.New("forceauth: configuration invalid")
	// ErrState indicates a missing, expired, or tampered OAuth state. Callers
	// must surface a generic retry message, never which check failed.
	ErrState = errors.New("forceauth: invalid oauth state")
	// ErrUpstream indicates a non-2xx response from the CRM provider.
	ErrUpstream = errors.New("forceauth: upstream provider error")
	// ErrIntegrity indicates decryption or HMAC failure on stored data. The
	// record is unusable and has been (or must be) deleted, not retried.
	ErrIntegrity = errors.New("forceauth: stored data failed integrity check")
	// ErrPermission indicates an ownership or share check failure.
	ErrPermission = errors.New("forceauth: insufficient permission")
)
