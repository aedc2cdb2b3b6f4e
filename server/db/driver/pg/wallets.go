// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cotxd/cotxd/server/account"
	"github.com/cotxd/cotxd/server/db"
	"github.com/cotxd/cotxd/server/db/driver/pg/internal"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Wallet retrieves the wallet with all of its copayers and their registered
// request keys.
func (a *Archiver) Wallet(ctx context.Context, walletID string) (*account.Wallet, error) {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	stmt := fmt.Sprintf(internal.SelectWallet, walletsTableName)
	w := new(account.Wallet)
	err := a.db.QueryRowContext(ctx, stmt, walletID).Scan(&w.ID, &w.M, &w.N,
		&w.Chain, &w.Network, &w.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, db.ArchiveError{Code: db.ErrUnknownWallet, Detail: walletID}
	}
	if err != nil {
		return nil, err
	}

	w.Copayers, err = a.walletCopayers(ctx, walletID)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// walletCopayers loads a wallet's copayers with their request keys.
func (a *Archiver) walletCopayers(ctx context.Context, walletID string) ([]*account.Copayer, error) {
	stmt := fmt.Sprintf(internal.SelectWalletCopayers, copayersTableName)
	rows, err := a.db.QueryContext(ctx, stmt, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var copayers []*account.Copayer
	for rows.Next() {
		c := new(account.Copayer)
		if err = rows.Scan(&c.ID, &c.Name, &c.CreatedOn); err != nil {
			return nil, err
		}
		copayers = append(copayers, c)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	keysStmt := fmt.Sprintf(internal.SelectCopayerKeys, copayerKeysTableName)
	for _, c := range copayers {
		c.RequestKeys, err = a.copayerKeys(ctx, keysStmt, walletID, c.ID)
		if err != nil {
			return nil, err
		}
	}
	return copayers, nil
}

func (a *Archiver) copayerKeys(ctx context.Context, stmt, walletID string, copayerID account.CopayerID) ([]*secp256k1.PublicKey, error) {
	rows, err := a.db.QueryContext(ctx, stmt, walletID, copayerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*secp256k1.PublicKey
	for rows.Next() {
		var pkBytes []byte
		if err = rows.Scan(&pkBytes); err != nil {
			return nil, err
		}
		pubKey, err := secp256k1.ParsePubKey(pkBytes)
		if err != nil {
			return nil, NewDetailedError(err,
				fmt.Sprintf("stored request key for copayer %v is corrupt", copayerID))
		}
		keys = append(keys, pubKey)
	}
	return keys, rows.Err()
}

// InsertWallet stores a new wallet and its copayers.
func (a *Archiver) InsertWallet(ctx context.Context, wallet *account.Wallet) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	dbTx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	stmt := fmt.Sprintf(internal.InsertWallet, walletsTableName)
	_, err = dbTx.ExecContext(ctx, stmt, wallet.ID, wallet.M, wallet.N,
		wallet.Chain, wallet.Network, wallet.CreatedOn)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ArchiveError{Code: db.ErrGeneralFailure,
				Detail: fmt.Sprintf("wallet %s already exists", wallet.ID)}
		}
		return err
	}

	for _, c := range wallet.Copayers {
		if err = insertCopayerTx(ctx, dbTx, wallet.ID, c); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// AddCopayer registers a copayer with an existing wallet.
func (a *Archiver) AddCopayer(ctx context.Context, walletID string, copayer *account.Copayer) error {
	ctx, cancel := a.queryCtx(ctx)
	defer cancel()

	var one int
	stmt := fmt.Sprintf(internal.WalletExists, walletsTableName)
	err := a.db.QueryRowContext(ctx, stmt, walletID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return db.ArchiveError{Code: db.ErrUnknownWallet, Detail: walletID}
	}
	if err != nil {
		return err
	}

	dbTx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	if err = insertCopayerTx(ctx, dbTx, walletID, copayer); err != nil {
		return err
	}
	return dbTx.Commit()
}

func insertCopayerTx(ctx context.Context, dbTx *sql.Tx, walletID string, c *account.Copayer) error {
	stmt := fmt.Sprintf(internal.InsertCopayer, copayersTableName)
	_, err := dbTx.ExecContext(ctx, stmt, c.ID, walletID, c.Name, c.CreatedOn)
	if err != nil {
		if isUniqueViolation(err) {
			return db.ArchiveError{Code: db.ErrGeneralFailure,
				Detail: fmt.Sprintf("copayer %v already joined wallet %s", c.ID, walletID)}
		}
		return err
	}

	keyStmt := fmt.Sprintf(internal.InsertCopayerKey, copayerKeysTableName)
	for i, pubKey := range c.RequestKeys {
		_, err = dbTx.ExecContext(ctx, keyStmt, walletID, c.ID, i,
			pubKey.SerializeCompressed())
		if err != nil {
			return err
		}
	}
	return nil
}
