package models

import "errors"

// Validation errors: bad input, caller-fixable, never retried.
var (
	ErrInvalidAmount   = errors.New("amount must be a positive integer in minor units")
	ErrInvalidCurrency = errors.New("currency must be a 3-letter code")
	ErrMalformedCode   = errors.New("escrow code must be 6 characters")
	ErrNotParty        = errors.New("user is not a party to this escrow")
)

// State-conflict errors: operation not valid in the current status. Surfaced
// synchronously, never retried automatically.
var (
	ErrInvalidStateTransition    = errors.New("invalid escrow state transition")
	ErrNotConfirmable            = errors.New("escrow is not in a confirmable status")
	ErrNotHeld                   = errors.New("escrow is not in HELD status")
	ErrInsufficientConfirmations = errors.New("release requires confirmations from both parties")
	ErrPayoutInFlight            = errors.New("a payout attempt is already in flight")
	ErrAlreadyRefunded           = errors.New("escrow is already refunded")
)

// Integrity errors.
var (
	ErrCodeNotFound            = errors.New("escrow code not found")
	ErrCodeInactive            = errors.New("escrow code is no longer active")
	ErrCodeGenerationExhausted = errors.New("could not allocate a unique escrow code")
	ErrPayeeAlreadyBound       = errors.New("escrow already has a bound payee")
	ErrSelfJoin                = errors.New("payer cannot join their own escrow")
)

// Security errors.
var (
	ErrBadWebhookSignature = errors.New("webhook signature verification failed")
	ErrMalformedWebhook    = errors.New("malformed webhook payload")
)
