package db

import "errors"

// ArchiveError is the error type used by the archivist for certain
// recognized errors. Not all returned errors will be of this type.
type ArchiveError struct {
	Code   uint16
	Detail string
}

// The possible Code values in an ArchiveError.
const (
	ErrGeneralFailure uint16 = iota
	ErrUnknownWallet
	ErrUnknownProposal
	ErrCopayerAlreadyActed
	ErrInvalidProposal
	ErrStaleUpdate
)

func (ae ArchiveError) Error() string {
	desc := "unrecognized error"
	switch ae.Code {
	case ErrGeneralFailure:
		desc = "general failure"
	case ErrUnknownWallet:
		desc = "unknown wallet"
	case ErrUnknownProposal:
		desc = "unknown proposal"
	case ErrCopayerAlreadyActed:
		desc = "copayer already acted"
	case ErrInvalidProposal:
		desc = "invalid proposal"
	case ErrStaleUpdate:
		desc = "stale update"
	}

	if ae.Detail == "" {
		return desc
	}
	return desc + ": " + ae.Detail
}

// SameErrorTypes checks for error equality or ArchiveError.Code equality if
// both errors are of type ArchiveError.
func SameErrorTypes(errA, errB error) bool {
	if errors.Is(errA, errB) {
		return true
	}
	var arA ArchiveError
	if errors.As(errA, &arA) {
		var arB ArchiveError
		if errors.As(errB, &arB) && arA.Code == arB.Code {
			return true
		}
	}
	return false
}

// IsErrWalletUnknown returns true if the error is of type ArchiveError and
// has code ErrUnknownWallet.
func IsErrWalletUnknown(err error) bool {
	var errA ArchiveError
	if errors.As(err, &errA) {
		return errA.Code == ErrUnknownWallet
	}
	return false
}

// IsErrProposalUnknown returns true if the error is of type ArchiveError and
// has code ErrUnknownProposal.
func IsErrProposalUnknown(err error) bool {
	var errA ArchiveError
	if errors.As(err, &errA) {
		return errA.Code == ErrUnknownProposal
	}
	return false
}

// IsErrCopayerAlreadyActed returns true if the error is of type ArchiveError
// and has code ErrCopayerAlreadyActed.
func IsErrCopayerAlreadyActed(err error) bool {
	var errA ArchiveError
	if errors.As(err, &errA) {
		return errA.Code == ErrCopayerAlreadyActed
	}
	return false
}

// IsErrStaleUpdate returns true if the error is of type ArchiveError and has
// code ErrStaleUpdate.
func IsErrStaleUpdate(err error) bool {
	var errA ArchiveError
	if errors.As(err, &errA) {
		return errA.Code == ErrStaleUpdate
	}
	return false
}
