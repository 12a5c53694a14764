package loc

import "errors"

var (
	// ErrInvalidWindow is returned when a window has missing or inverted bounds.
	ErrInvalidWindow = errors.New("invalid window")
	// ErrInvalidAccount is returned when the account kind or login is missing.
	ErrInvalidAccount = errors.New("invalid account")
	// ErrUnauthorized is returned when GitHub rejects the credential outright.
	ErrUnauthorized = errors.New("github rejected credentials")
	// ErrUpstreamUnreachable is returned when the first listing page cannot be fetched at all.
	ErrUpstreamUnreachable = errors.New("github api unreachable")
)
