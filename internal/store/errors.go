package store

import "errors"

var (
	// ErrNotFound is returned when a user or session row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmailTaken is returned by CreateUser for a duplicate email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrCooldownActive rejects a pairing request made too soon after the
	// user's previous admitted request.
	ErrCooldownActive = errors.New("pairing cooldown active")

	// ErrCapacityReached rejects a pairing request while the number of
	// active sessions is at the configured ceiling.
	ErrCapacityReached = errors.New("session capacity reached")

	// ErrInsufficientBalance rejects a pairing request the user cannot
	// afford.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTerminalStatus is returned when a transition targets a session
	// already in a final state.
	ErrTerminalStatus = errors.New("session is in a terminal state")
)
