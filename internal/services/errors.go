// Package services defines the business logic for users and birthday
// message scheduling. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

// User-related errors.
var (
	// ErrUserNotFound indicates that the requested user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrEmailInUse is returned when creating or updating a user with an
	// email address that already belongs to another user.
	ErrEmailInUse = errors.New("email already in use")

	// ErrInvalidTimezone is returned when a timezone identifier is not a
	// known IANA zone name.
	ErrInvalidTimezone = errors.New("invalid timezone")

	// ErrInvalidBirthday is returned when a birthday is not a valid
	// YYYY-MM-DD calendar date.
	ErrInvalidBirthday = errors.New("invalid birthday date")

	// ErrMissingField is returned when a required user attribute is blank.
	ErrMissingField = errors.New("missing required field")
)
