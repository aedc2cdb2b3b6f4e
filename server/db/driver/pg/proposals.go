// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/db"
	"github.com/cotxd/cotxd/server/db/driver/pg/internal"
	"github.com/lib/pq"
)

// reservedStatuses are the statuses under which a proposal holds input
// reservations.
var reservedStatuses = []int64{
	int64(proposal.StatusPending),
	int64(proposal.StatusAccepted),
}

// terminalStatuses are the statuses from which a proposal never moves again.
var terminalStatuses = []int64{
	int64(proposal.StatusRejected),
	int64(proposal.StatusBroadcasted),
}

// Proposal retrieves the proposal with its inputs, outputs, and recorded
// actions.
func (a *Archiver) Proposal(ctx context.Context, walletID, proposalID string) (*proposal.TxProposal, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	stmt := fmt.Sprintf(internal.SelectProposal, proposalsTableName)
	row := a.db.QueryRowContext(ctx, stmt, walletID, proposalID)
	t, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownProposal, Detail: proposalID}
	}
	if err != nil {
		return nil, err
	}

	if err = a.loadProposalDetails(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// InsertProposal stores a new proposal with its inputs and outputs.
func (a *Archiver) InsertProposal(ctx context.Context, t *proposal.TxProposal) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	dbTx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	stmt := fmt.Sprintf(internal.InsertProposal, proposalsTableName)
	_, err = dbTx.ExecContext(ctx, stmt, t.ID, t.WalletID, t.CreatorID,
		t.CreatedOn, t.Chain, t.Network, t.ChangeAddress, int64(t.ChangeAmount),
		t.ExcludeUnconfirmed, t.EnableRBF, t.From, int64(t.Nonce),
		int64(t.GasPrice), int64(t.GasLimit), t.TokenAddress, int64(t.Amount),
		int64(t.Fee), int64(t.FeePerKB), t.FeeLevel, t.RequiredSignatures,
		t.RequiredRejections, int16(t.Status), t.TxID, t.Raw, t.BroadcastedOn,
		t.Message)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ArchiveError{Code: db.ErrInvalidProposal,
				Detail: fmt.Sprintf("proposal %s already exists", t.ID)}
		}
		return err
	}

	inputStmt := fmt.Sprintf(internal.InsertInput, proposalInputsTableName)
	for i, u := range t.Inputs {
		_, err = dbTx.ExecContext(ctx, inputStmt, t.ID, i, u.TxID, u.Vout,
			u.Address, u.Path, int64(u.Satoshis), u.Confirmations, u.PkScript)
		if err != nil {
			return err
		}
	}

	outputStmt := fmt.Sprintf(internal.InsertOutput, proposalOutputsTableName)
	for i, o := range t.Outputs {
		_, err = dbTx.ExecContext(ctx, outputStmt, t.ID, i, o.ToAddress,
			int64(o.Amount), o.Message, o.Script)
		if err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// UpdateProposal persists the proposal's mutable bookkeeping. The update only
// applies while the stored status is non-terminal.
func (a *Archiver) UpdateProposal(ctx context.Context, t *proposal.TxProposal) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	stmt := fmt.Sprintf(internal.UpdateProposal, proposalsTableName)
	n, err := sqlExec(sqlExecContexter{ctx, a.db}, stmt, t.WalletID, t.ID,
		int16(t.Status), t.TxID, t.Raw, t.BroadcastedOn, pq.Array(terminalStatuses))
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Nothing updated. Distinguish an unknown proposal from one that already
	// reached a terminal status.
	var one int
	existsStmt := fmt.Sprintf(internal.ProposalExists, proposalsTableName)
	err = a.db.QueryRowContext(ctx, existsStmt, t.WalletID, t.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return db.ArchiveError{Code: db.ErrUnknownProposal, Detail: t.ID}
	}
	if err != nil {
		return err
	}
	return db.ArchiveError{Code: db.ErrStaleUpdate,
		Detail: fmt.Sprintf("proposal %s is in a terminal status", t.ID)}
}

// AppendAction atomically records a copayer's action. The primary key on
// (proposal_id, copayer_id) rejects a second action by the same copayer.
func (a *Archiver) AppendAction(ctx context.Context, walletID, proposalID string, action *proposal.Action) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	stmt := fmt.Sprintf(internal.InsertAction, actionsTableName)
	_, err := a.db.ExecContext(ctx, stmt, proposalID, action.CopayerID,
		int16(action.Type), pq.ByteaArray(action.Signatures), action.Comment,
		action.CreatedOn)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return db.ArchiveError{Code: db.ErrCopayerAlreadyActed,
			Detail: fmt.Sprintf("copayer %v already acted on proposal %s",
				action.CopayerID, proposalID)}
	case isForeignKeyViolation(err):
		return db.ArchiveError{Code: db.ErrUnknownProposal, Detail: proposalID}
	default:
		return err
	}
}

// PendingProposals retrieves the wallet's proposals holding input
// reservations, i.e. those with status PENDING or ACCEPTED.
func (a *Archiver) PendingProposals(ctx context.Context, walletID string) ([]*proposal.TxProposal, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	stmt := fmt.Sprintf(internal.SelectProposalsByStatus, proposalsTableName)
	rows, err := a.db.QueryContext(ctx, stmt, walletID, pq.Array(reservedStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var proposals []*proposal.TxProposal
	for rows.Next() {
		t, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		proposals = append(proposals, t)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range proposals {
		if err = a.loadProposalDetails(ctx, t); err != nil {
			return nil, err
		}
	}
	return proposals, nil
}

// DeleteProposal removes a proposal. The child tables cascade.
func (a *Archiver) DeleteProposal(ctx context.Context, walletID, proposalID string) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	stmt := fmt.Sprintf(internal.DeleteProposal, proposalsTableName)
	n, err := sqlExec(sqlExecContexter{ctx, a.db}, stmt, walletID, proposalID)
	if err != nil {
		return err
	}
	if n == 0 {
		return db.ArchiveError{Code: db.ErrUnknownProposal, Detail: proposalID}
	}
	return nil
}

// LockedOutpoints lists the outpoints referenced by the wallet's PENDING and
// ACCEPTED proposals.
func (a *Archiver) LockedOutpoints(ctx context.Context, walletID string) ([]proposal.OutpointID, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	stmt := fmt.Sprintf(internal.SelectLockedOutpoints,
		proposalInputsTableName, proposalsTableName)
	rows, err := a.db.QueryContext(ctx, stmt, walletID, pq.Array(reservedStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outpoints []proposal.OutpointID
	for rows.Next() {
		var txid string
		var vout uint32
		if err = rows.Scan(&txid, &vout); err != nil {
			return nil, err
		}
		outpoints = append(outpoints, proposal.OutpointID(fmt.Sprintf("%s:%d", txid, vout)))
	}
	return outpoints, rows.Err()
}

// sqlExecContexter binds a context to an ExecContext-capable DB handle so the
// plain sqlExec helper can be used with per-query timeouts.
type sqlExecContexter struct {
	ctx context.Context
	db  *sql.DB
}

func (e sqlExecContexter) Exec(query string, args ...interface{}) (sql.Result, error) {
	return e.db.ExecContext(e.ctx, query, args...)
}

// rowScanner is implemented by sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanProposal scans one proposals table row.
func scanProposal(row rowScanner) (*proposal.TxProposal, error) {
	t := new(proposal.TxProposal)
	var status int16
	var changeAmount, nonce, gasPrice, gasLimit, amount, fee, feePerKB int64
	err := row.Scan(&t.ID, &t.WalletID, &t.CreatorID, &t.CreatedOn, &t.Chain,
		&t.Network, &t.ChangeAddress, &changeAmount, &t.ExcludeUnconfirmed,
		&t.EnableRBF, &t.From, &nonce, &gasPrice, &gasLimit, &t.TokenAddress,
		&amount, &fee, &feePerKB, &t.FeeLevel, &t.RequiredSignatures,
		&t.RequiredRejections, &status, &t.TxID, &t.Raw, &t.BroadcastedOn,
		&t.Message)
	if err != nil {
		return nil, err
	}
	t.ChangeAmount = uint64(changeAmount)
	t.Nonce = uint64(nonce)
	t.GasPrice = uint64(gasPrice)
	t.GasLimit = uint64(gasLimit)
	t.Amount = uint64(amount)
	t.Fee = uint64(fee)
	t.FeePerKB = uint64(feePerKB)
	t.Status = proposal.Status(status)
	return t, nil
}

// loadProposalDetails fills in a proposal's inputs, outputs, and actions.
func (a *Archiver) loadProposalDetails(ctx context.Context, t *proposal.TxProposal) error {
	var err error
	if t.Inputs, err = a.proposalInputs(ctx, t.ID); err != nil {
		return err
	}
	if t.Outputs, err = a.proposalOutputs(ctx, t.ID); err != nil {
		return err
	}
	t.Actions, err = a.proposalActions(ctx, t.ID)
	return err
}

func (a *Archiver) proposalInputs(ctx context.Context, proposalID string) ([]*proposal.UTXO, error) {
	stmt := fmt.Sprintf(internal.SelectProposalInputs, proposalInputsTableName)
	rows, err := a.db.QueryContext(ctx, stmt, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var utxos []*proposal.UTXO
	for rows.Next() {
		u := new(proposal.UTXO)
		var satoshis int64
		err = rows.Scan(&u.TxID, &u.Vout, &u.Address, &u.Path, &satoshis,
			&u.Confirmations, &u.PkScript)
		if err != nil {
			return nil, err
		}
		u.Satoshis = uint64(satoshis)
		utxos = append(utxos, u)
	}
	return utxos, rows.Err()
}

func (a *Archiver) proposalOutputs(ctx context.Context, proposalID string) ([]*proposal.Output, error) {
	stmt := fmt.Sprintf(internal.SelectProposalOutputs, proposalOutputsTableName)
	rows, err := a.db.QueryContext(ctx, stmt, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outputs []*proposal.Output
	for rows.Next() {
		o := new(proposal.Output)
		var amount int64
		if err = rows.Scan(&o.ToAddress, &amount, &o.Message, &o.Script); err != nil {
			return nil, err
		}
		o.Amount = uint64(amount)
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

func (a *Archiver) proposalActions(ctx context.Context, proposalID string) ([]*proposal.Action, error) {
	stmt := fmt.Sprintf(internal.SelectProposalActions, actionsTableName)
	rows, err := a.db.QueryContext(ctx, stmt, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*proposal.Action
	for rows.Next() {
		action := new(proposal.Action)
		var actionType int16
		var sigs pq.ByteaArray
		err = rows.Scan(&action.CopayerID, &actionType, &sigs,
			&action.Comment, &action.CreatedOn)
		if err != nil {
			return nil, err
		}
		action.Type = proposal.ActionType(actionType)
		action.Signatures = sigs
		actions = append(actions, action)
	}
	return actions, rows.Err()
}
