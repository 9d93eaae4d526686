package services

import "errors"

var (
	// ErrMalformedEvent marks a deposit event missing a required field.
	ErrMalformedEvent = errors.New("malformed deposit event")
	// ErrUnsupportedChain marks activity on a chain outside the allowlist.
	ErrUnsupportedChain = errors.New("unsupported chain")
	// ErrRecipientNotFound means no identity owns the destination address.
	ErrRecipientNotFound = errors.New("recipient not found")
	// ErrPolicyViolation is a swap that breaks a hard safety bound.
	ErrPolicyViolation = errors.New("swap policy violation")
	// ErrSwapTimeout means confirmation polling ran out of budget.
	ErrSwapTimeout = errors.New("swap confirmation timed out")
	// ErrSwapReverted means the execution reached a failed terminal state.
	ErrSwapReverted = errors.New("swap execution failed")

	ErrHandleNotFound  = errors.New("handle not found")
	ErrReceiptNotFound = errors.New("receipt not found")
)
