// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"

	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/account"
)

// Archivist is the full data storage interface required by the proposal
// coordinator. All methods must be safe for concurrent use by a pool of
// stateless request handlers; atomicity guarantees are called out per
// method.
type Archivist interface {
	WalletArchiver
	ProposalArchiver

	// Close shuts down the archivist and releases its resources.
	Close() error
}

// WalletArchiver is the wallet and copayer portion of the Archivist.
// Onboarding is an external concern; the coordinator only reads wallets,
// but the interface carries inserts so the same driver serves the
// registration service and tests.
type WalletArchiver interface {
	// Wallet retrieves the wallet with all of its copayers and their
	// registered request keys. Returns an ArchiveError with code
	// ErrUnknownWallet if no such wallet exists.
	Wallet(ctx context.Context, walletID string) (*account.Wallet, error)
	// InsertWallet stores a new wallet and its copayers.
	InsertWallet(ctx context.Context, wallet *account.Wallet) error
	// AddCopayer registers a copayer with an existing wallet.
	AddCopayer(ctx context.Context, walletID string, copayer *account.Copayer) error
}

// ProposalArchiver is the transaction proposal portion of the Archivist.
type ProposalArchiver interface {
	// Proposal retrieves the proposal with its recorded actions. Returns an
	// ArchiveError with code ErrUnknownProposal if no such proposal exists
	// for the wallet.
	Proposal(ctx context.Context, walletID, proposalID string) (*proposal.TxProposal, error)
	// InsertProposal stores a new proposal. Returns an ArchiveError with
	// code ErrInvalidProposal if a proposal with the same id already
	// exists.
	InsertProposal(ctx context.Context, t *proposal.TxProposal) error
	// UpdateProposal persists the proposal's mutable bookkeeping: status,
	// raw transaction, txid, and broadcast time. The update only applies
	// while the stored status is non-terminal; a terminal stored status
	// yields an ArchiveError with code ErrStaleUpdate.
	UpdateProposal(ctx context.Context, t *proposal.TxProposal) error
	// AppendAction atomically records a copayer's action if and only if
	// that copayer has no prior action on the proposal. A prior action
	// yields an ArchiveError with code ErrCopayerAlreadyActed.
	AppendAction(ctx context.Context, walletID, proposalID string, action *proposal.Action) error
	// PendingProposals retrieves the wallet's proposals holding input
	// reservations, i.e. those with status PENDING or ACCEPTED.
	PendingProposals(ctx context.Context, walletID string) ([]*proposal.TxProposal, error)
	// DeleteProposal removes a proposal and its actions.
	DeleteProposal(ctx context.Context, walletID, proposalID string) error
	// LockedOutpoints lists the outpoints referenced by the wallet's
	// PENDING and ACCEPTED proposals.
	LockedOutpoints(ctx context.Context, walletID string) ([]proposal.OutpointID, error)
}
