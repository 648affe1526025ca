package notify

import "errors"

// Precondition conflicts: synchronous rejections of one operation, never
// retried automatically.
var (
	ErrAlreadyInitialized = errors.New("registry already initialized")
	ErrRecipientNotFound  = errors.New("recipient entry not found")
	ErrRecipientExists    = errors.New("recipient entry already exists")
	ErrRecipientLocked    = errors.New("recipient entry is locked")
	ErrUserBlocked        = errors.New("user is blocked")
	ErrBoxNotFound        = errors.New("registry not found")
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
)

// IsPrecondition reports whether err is a client-visible precondition
// conflict.
func IsPrecondition(err error) bool {
	switch {
	case errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, ErrRecipientNotFound),
		errors.Is(err, ErrRecipientExists),
		errors.Is(err, ErrRecipientLocked),
		errors.Is(err, ErrUserBlocked),
		errors.Is(err, ErrBoxNotFound):
		return true
	}
	return false
}
