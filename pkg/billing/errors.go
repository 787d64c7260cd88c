package billing

import "errors"

var (
	// ErrNotFound is returned when a subscription, invoice or account does not exist
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status change is not in the transition table
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoPaymentMethod is returned when the owner has no default payment method
	ErrNoPaymentMethod = errors.New("no default payment method")

	// ErrAlreadyPaid is returned when an operation targets a paid invoice
	ErrAlreadyPaid = errors.New("invoice already paid")

	// ErrLockHeld is returned when a distributed lock is owned by someone else
	ErrLockHeld = errors.New("lock held by another worker")

	// ErrTerminal is returned for changes to a canceled subscription or closed account
	ErrTerminal = errors.New("subscription is terminal")

	// ErrDuplicate is returned by stores when a uniqueness constraint is hit
	ErrDuplicate = errors.New("duplicate record")

	// ErrFixedUserCount is returned when changing the seats of a flat priced tier
	ErrFixedUserCount = errors.New("tier has a fixed user count")
)
