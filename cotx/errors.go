// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package cotx

// ErrorKind identifies a kind of error that can be used to define new errors
// via const SomeError = cotx.ErrorKind("something").
type ErrorKind string

// Error satisfies the error interface and prints human-readable errors.
func (e ErrorKind) Error() string {
	return string(e)
}

// The closed set of proposal-coordination error kinds. Callers match these
// with errors.Is rather than parsing message text.
const (
	// ErrInsufficientFunds means the wallet's total spendable funds do not
	// cover the requested amount.
	ErrInsufficientFunds = ErrorKind("insufficient funds")
	// ErrInsufficientFundsForFee means the funds cover the requested amount
	// but not the amount plus the network fee.
	ErrInsufficientFundsForFee = ErrorKind("insufficient funds for fee")
	// ErrLockedFunds means funds sufficient for the request exist but are
	// reserved by other active proposals.
	ErrLockedFunds = ErrorKind("funds locked by pending proposals")
	// ErrDustAmount means a requested output is below the chain's dust
	// threshold.
	ErrDustAmount = ErrorKind("amount below dust threshold")
	// ErrTxMaxSizeExceeded means the transaction would exceed the maximum
	// allowed serialized size.
	ErrTxMaxSizeExceeded = ErrorKind("transaction exceeds maximum size")
	// ErrUnavailableUTXOs means one or more selected inputs were consumed by
	// a sibling proposal that already broadcast.
	ErrUnavailableUTXOs = ErrorKind("selected utxos are unavailable")
	// ErrBadSignature means a signature is malformed or does not verify
	// against the registered key.
	ErrBadSignature = ErrorKind("bad signature")
	// ErrCopayerVoted means the copayer already recorded an accept or reject
	// action on the proposal.
	ErrCopayerVoted = ErrorKind("copayer already voted")
	// ErrTxNotPending means the operation requires a pending proposal.
	ErrTxNotPending = ErrorKind("transaction proposal is not pending")
	// ErrTxNotAccepted means the operation requires an accepted proposal.
	ErrTxNotAccepted = ErrorKind("transaction proposal is not accepted")
	// ErrTxAlreadyBroadcasted means the proposal was already broadcast.
	ErrTxAlreadyBroadcasted = ErrorKind("transaction already broadcast")
	// ErrTxNotFound means no proposal with the given id exists.
	ErrTxNotFound = ErrorKind("transaction proposal not found")
	// ErrTxCannotRemove means the caller is not authorized to remove the
	// proposal, or the delete grace period has not elapsed.
	ErrTxCannotRemove = ErrorKind("cannot remove transaction proposal")
	// ErrTxCannotCreate means proposal creation is suppressed by the
	// rejection backoff guard.
	ErrTxCannotCreate = ErrorKind("proposal creation temporarily suppressed")
	// ErrNotAuthorized means the caller is not a copayer of the wallet or is
	// not permitted to perform the operation.
	ErrNotAuthorized = ErrorKind("not authorized")
	// ErrWalletNotComplete means the wallet is still waiting for copayers to
	// join and cannot spend.
	ErrWalletNotComplete = ErrorKind("wallet is not complete")
)

// Error pairs an error with details.
type Error struct {
	wrapped error
	detail  string
}

// Error satisfies the error interface, combining the wrapped error message
// with the details.
func (e Error) Error() string {
	return e.wrapped.Error() + ": " + e.detail
}

// Unwrap returns the wrapped error, allowing errors.Is and errors.As to work.
func (e Error) Unwrap() error {
	return e.wrapped
}

// NewError wraps the provided error with details in an Error, facilitating
// the use of errors.Is and errors.As via errors.Unwrap.
func NewError(err error, detail string) Error {
	return Error{
		wrapped: err,
		detail:  detail,
	}
}
