// Package errs defines the abstract error kinds shared across the
// multiplexer core. Handlers surface these to clients via the wallet
// protocol's error response; they are never retried by the core itself.
package errs

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid_input")
	ErrUnknownSubAccount    = errors.New("unknown_sub_account")
	ErrDuplicateKey         = errors.New("duplicate_key")
	ErrInsufficientBalance  = errors.New("insufficient_balance")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvoiceAmountMissing = errors.New("invoice_amount_missing")
	ErrUpstreamFailure      = errors.New("upstream_failure")
	ErrTimeout              = errors.New("timeout")
	ErrAuthFailure          = errors.New("auth_failure")
	ErrTransportDropped     = errors.New("transport_dropped")

	// vault-specific decode failures, distinct from ErrAuthFailure (tag
	// mismatch) so callers can tell "wrong key" from "corrupt envelope".
	ErrBadVersion  = errors.New("bad_version")
	ErrBadIVLength = errors.New("bad_iv_length")

	ErrNotFound = errors.New("not_found")
)
