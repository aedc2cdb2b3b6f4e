// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package internal

const (
	// CreateWalletsTable creates the wallets table.
	CreateWalletsTable = `CREATE TABLE IF NOT EXISTS %s (
		wallet_id TEXT PRIMARY KEY,    -- UNIQUE INDEX
		m INT4,
		n INT4,
		chain TEXT,
		network TEXT,
		created_on TIMESTAMPTZ
		);`

	// CreateCopayersTable creates the copayers table. A copayer belongs to
	// exactly one wallet, and the id is derived from the copayer's first
	// registered request key.
	CreateCopayersTable = `CREATE TABLE IF NOT EXISTS %s (
		copayer_id BYTEA,
		wallet_id TEXT,
		name TEXT,
		created_on TIMESTAMPTZ,
		PRIMARY KEY (wallet_id, copayer_id)
		);`

	// CreateCopayerKeysTable creates the copayer_keys table holding each
	// copayer's registered request public keys in registration order. Key
	// zero is the identity key.
	CreateCopayerKeysTable = `CREATE TABLE IF NOT EXISTS %s (
		wallet_id TEXT,
		copayer_id BYTEA,
		key_idx INT4,
		pubkey BYTEA,
		PRIMARY KEY (wallet_id, copayer_id, key_idx)
		);`

	InsertWallet = `INSERT INTO %s (wallet_id, m, n, chain, network, created_on)
		VALUES ($1, $2, $3, $4, $5, $6);`

	SelectWallet = `SELECT wallet_id, m, n, chain, network, created_on
		FROM %s WHERE wallet_id = $1;`

	WalletExists = `SELECT 1 FROM %s WHERE wallet_id = $1;`

	InsertCopayer = `INSERT INTO %s (copayer_id, wallet_id, name, created_on)
		VALUES ($1, $2, $3, $4);`

	SelectWalletCopayers = `SELECT copayer_id, name, created_on FROM %s
		WHERE wallet_id = $1
		ORDER BY created_on;`

	InsertCopayerKey = `INSERT INTO %s (wallet_id, copayer_id, key_idx, pubkey)
		VALUES ($1, $2, $3, $4);`

	SelectCopayerKeys = `SELECT pubkey FROM %s
		WHERE wallet_id = $1 AND copayer_id = $2
		ORDER BY key_idx;`
)
