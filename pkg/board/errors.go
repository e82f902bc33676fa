package board

import "errors"

var (
	// ErrPermissionDenied is returned when the caller is not the owner
	// of a listing or a party to a deal. Never auto-corrected.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRecordNotFound is returned when a mutation targets a missing
	// entity id.
	ErrRecordNotFound = errors.New("record not found")

	// ErrNoProfile is returned when an operation needs the local user
	// profile before one has been loaded or created.
	ErrNoProfile = errors.New("no user profile found")

	// ErrDealFinal is returned when a status update targets a deal
	// already in a terminal state (completed or cancelled).
	ErrDealFinal = errors.New("deal is in a terminal state")
)
