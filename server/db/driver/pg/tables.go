// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"fmt"

	"github.com/cotxd/cotxd/server/db/driver/pg/internal"
)

const (
	walletsTableName         = "wallets"
	copayersTableName        = "copayers"
	copayerKeysTableName     = "copayer_keys"
	proposalsTableName       = "proposals"
	proposalInputsTableName  = "proposal_inputs"
	proposalOutputsTableName = "proposal_outputs"
	actionsTableName         = "actions"

	proposalsWalletIndexName = "idx_proposals_wallet_status"
)

type tableStmt struct {
	name string
	stmt string
}

// Table creation order matters: the proposal child tables reference the
// proposals table.
var createTableStatements = []tableStmt{
	{walletsTableName, internal.CreateWalletsTable},
	{copayersTableName, internal.CreateCopayersTable},
	{copayerKeysTableName, internal.CreateCopayerKeysTable},
	{proposalsTableName, internal.CreateProposalsTable},
	{proposalInputsTableName, internal.CreateProposalInputsTable},
	{proposalOutputsTableName, internal.CreateProposalOutputsTable},
	{actionsTableName, internal.CreateActionsTable},
}

// prepareTables ensures that all tables required by the proposal coordinator
// are ready.
func prepareTables(db *sql.DB) error {
	for _, pair := range createTableStatements {
		created, err := createTable(db, pair.stmt, publicSchema, pair.name)
		if err != nil {
			return fmt.Errorf("failed to create %s table: %w", pair.name, err)
		}
		if created {
			log.Debugf(`Created new "%s" table.`, pair.name)
		}
	}

	stmt := fmt.Sprintf(internal.CreateProposalsWalletIndex,
		proposalsWalletIndexName, proposalsTableName)
	if _, err := db.Exec(stmt); err != nil {
		return fmt.Errorf("failed to index %s table: %w", proposalsTableName, err)
	}
	return nil
}
