// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package internal

const (
	// CreateProposalsTable creates the proposals table. Chain-family
	// specific fields (inputs and change for UTXO chains, the from/nonce/gas
	// block for account chains) are stored flat; unused columns hold zero
	// values for the other family.
	CreateProposalsTable = `CREATE TABLE IF NOT EXISTS %s (
		proposal_id TEXT PRIMARY KEY,  -- UNIQUE INDEX
		wallet_id TEXT,
		creator_id BYTEA,
		created_on TIMESTAMPTZ,
		chain TEXT,
		network TEXT,
		change_address TEXT,
		change_amount INT8,
		exclude_unconfirmed BOOL,
		enable_rbf BOOL,
		from_address TEXT,
		nonce INT8,
		gas_price INT8,
		gas_limit INT8,
		token_address TEXT,
		amount INT8,
		fee INT8,
		fee_per_kb INT8,
		fee_level TEXT,
		required_sigs INT4,
		required_rejections INT4,
		status INT2,
		txid TEXT,
		raw BYTEA,
		broadcasted_on TIMESTAMPTZ,
		message TEXT
		);`

	// CreateProposalsWalletIndex indexes proposals on (wallet_id, status)
	// for the pending-proposal and locked-outpoint scans.
	CreateProposalsWalletIndex = `CREATE INDEX IF NOT EXISTS %s ON %s (wallet_id, status);`

	// CreateProposalInputsTable creates the proposal_inputs table recording
	// the UTXOs reserved by a proposal.
	CreateProposalInputsTable = `CREATE TABLE IF NOT EXISTS %s (
		proposal_id TEXT REFERENCES proposals (proposal_id) ON DELETE CASCADE,
		input_idx INT4,
		txid TEXT,
		vout INT4,
		address TEXT,
		path TEXT,
		satoshis INT8,
		confirmations INT4,
		pk_script BYTEA,
		PRIMARY KEY (proposal_id, input_idx)
		);`

	// CreateProposalOutputsTable creates the proposal_outputs table.
	CreateProposalOutputsTable = `CREATE TABLE IF NOT EXISTS %s (
		proposal_id TEXT REFERENCES proposals (proposal_id) ON DELETE CASCADE,
		output_idx INT4,
		to_address TEXT,
		amount INT8,
		message TEXT,
		script BYTEA,
		PRIMARY KEY (proposal_id, output_idx)
		);`

	// CreateActionsTable creates the actions table. The primary key on
	// (proposal_id, copayer_id) is what enforces the one-action-per-copayer
	// rule; AppendAction relies on the unique violation.
	CreateActionsTable = `CREATE TABLE IF NOT EXISTS %s (
		proposal_id TEXT REFERENCES proposals (proposal_id) ON DELETE CASCADE,
		copayer_id BYTEA,
		action_type INT2,
		signatures BYTEA[],
		comment TEXT,
		created_on TIMESTAMPTZ,
		PRIMARY KEY (proposal_id, copayer_id)
		);`

	InsertProposal = `INSERT INTO %s (proposal_id, wallet_id, creator_id, created_on,
			chain, network, change_address, change_amount, exclude_unconfirmed,
			enable_rbf, from_address, nonce, gas_price, gas_limit, token_address,
			amount, fee, fee_per_kb, fee_level, required_sigs, required_rejections,
			status, txid, raw, broadcasted_on, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26);`

	SelectProposal = `SELECT proposal_id, wallet_id, creator_id, created_on,
			chain, network, change_address, change_amount, exclude_unconfirmed,
			enable_rbf, from_address, nonce, gas_price, gas_limit, token_address,
			amount, fee, fee_per_kb, fee_level, required_sigs, required_rejections,
			status, txid, raw, broadcasted_on, message
		FROM %s WHERE wallet_id = $1 AND proposal_id = $2;`

	SelectProposalsByStatus = `SELECT proposal_id, wallet_id, creator_id, created_on,
			chain, network, change_address, change_amount, exclude_unconfirmed,
			enable_rbf, from_address, nonce, gas_price, gas_limit, token_address,
			amount, fee, fee_per_kb, fee_level, required_sigs, required_rejections,
			status, txid, raw, broadcasted_on, message
		FROM %s WHERE wallet_id = $1 AND status = ANY($2)
		ORDER BY created_on;`

	// UpdateProposal persists a proposal's mutable bookkeeping. The status
	// guard makes the update a no-op once the stored status is terminal.
	UpdateProposal = `UPDATE %s SET status = $3, txid = $4, raw = $5, broadcasted_on = $6
		WHERE wallet_id = $1 AND proposal_id = $2 AND NOT (status = ANY($7));`

	ProposalExists = `SELECT 1 FROM %s WHERE wallet_id = $1 AND proposal_id = $2;`

	DeleteProposal = `DELETE FROM %s WHERE wallet_id = $1 AND proposal_id = $2;`

	InsertInput = `INSERT INTO %s (proposal_id, input_idx, txid, vout, address,
			path, satoshis, confirmations, pk_script)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

	SelectProposalInputs = `SELECT txid, vout, address, path, satoshis, confirmations, pk_script
		FROM %s WHERE proposal_id = $1
		ORDER BY input_idx;`

	InsertOutput = `INSERT INTO %s (proposal_id, output_idx, to_address, amount, message, script)
		VALUES ($1, $2, $3, $4, $5, $6);`

	SelectProposalOutputs = `SELECT to_address, amount, message, script
		FROM %s WHERE proposal_id = $1
		ORDER BY output_idx;`

	InsertAction = `INSERT INTO %s (proposal_id, copayer_id, action_type, signatures, comment, created_on)
		VALUES ($1, $2, $3, $4, $5, $6);`

	SelectProposalActions = `SELECT copayer_id, action_type, signatures, comment, created_on
		FROM %s WHERE proposal_id = $1
		ORDER BY created_on;`

	// SelectLockedOutpoints lists outpoints reserved by proposals still
	// collecting or holding signatures.
	SelectLockedOutpoints = `SELECT i.txid, i.vout
		FROM %s AS i
		JOIN %s AS p ON p.proposal_id = i.proposal_id
		WHERE p.wallet_id = $1 AND p.status = ANY($2);`
)
