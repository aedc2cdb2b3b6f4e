// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/account"
)

// Family is the broad transaction model of a chain.
type Family uint8

const (
	// UTXOFamily chains spend discrete unspent outputs.
	UTXOFamily Family = iota
	// AccountFamily chains spend from a mutable account balance with a
	// nonce.
	AccountFamily
)

// Config is the information needed to set up a chain Adapter for one wallet.
// An Adapter is selected once per wallet and passed into the coin selector
// and the proposal manager.
type Config struct {
	// M and N are the wallet's quorum parameters. UTXO-family adapters need
	// them to estimate redeem script sizes.
	M, N uint32
	// Network is one of "mainnet", "testnet", "regtest".
	Network string
	Logger  cotx.Logger
}

// Adapter is the capability interface a chain family must provide to the
// proposal coordinator. Implementations must be safe for concurrent use.
type Adapter interface {
	// Family reports the chain's transaction model.
	Family() Family
	// CheckAddress checks that the given address is parseable on the
	// configured network.
	CheckAddress(addr string) bool
	// DustThreshold is the smallest output value, in the chain's base units,
	// that is economical to spend. Zero for account-family chains.
	DustThreshold() uint64
	// MaxTxSize is the maximum serialized transaction size accepted by the
	// chain's relay policy. Zero means unbounded.
	MaxTxSize() uint32
	// EstimateSize returns a worst case serialize size estimate for a
	// transaction with the given input and output counts.
	EstimateSize(numInputs, numOutputs int, withChange bool) uint32
	// InputSize is the marginal serialized size of adding one more input.
	InputSize() uint32
	// BuildRawTx assembles the unsigned serialized transaction for the
	// proposal.
	BuildRawTx(t *proposal.TxProposal) ([]byte, error)
	// TxID computes the transaction id of a serialized transaction.
	TxID(rawTx []byte) (string, error)
	// VerifySignature checks a chain-specific signature over msg against the
	// serialized public key.
	VerifySignature(msg, sig, pubKey []byte) bool
}

// AccountAdapter is implemented by account-family chains in addition to
// Adapter.
type AccountAdapter interface {
	Adapter
	// CheckFunds validates that the spending balance covers the proposal's
	// amount, and that the native-asset balance separately covers the
	// network fee when a token is being transferred. The returned error
	// carries the exact shortfall.
	CheckFunds(t *proposal.TxProposal, balance, nativeBalance *big.Int) error
	// DefaultGasLimit is the gas limit to use when the caller does not
	// specify one, for a native transfer or a token transfer.
	DefaultGasLimit(token bool) uint64
}

// InsufficientFeeError reports the exact fee shortfall for an account-family
// chain, naming the asset the fee must be paid in.
type InsufficientFeeError struct {
	Asset     string
	Required  *big.Int
	Available *big.Int
}

// Error satisfies the error interface.
func (e *InsufficientFeeError) Error() string {
	return fmt.Sprintf("insufficient %s for fee: required %s, available %s",
		e.Asset, e.Required, e.Available)
}

// Unwrap ties the error into the closed taxonomy so callers can match with
// errors.Is(err, cotx.ErrInsufficientFundsForFee).
func (e *InsufficientFeeError) Unwrap() error {
	return cotx.ErrInsufficientFundsForFee
}

// UTXOSource supplies the current unspent set for a wallet. The coordinator
// treats the result as a point-in-time snapshot; address derivation and gap
// scanning are the source's concern.
type UTXOSource interface {
	UTXOs(ctx context.Context, wallet *account.Wallet) ([]*proposal.UTXO, error)
}

// BalanceSource supplies account-model balances.
type BalanceSource interface {
	Balance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, address, token string) (*big.Int, error)
}

// FeeEstimator supplies fee-rate estimates per confirmation target. A target
// the estimator could not serve maps to -1.
type FeeEstimator interface {
	EstimateFee(ctx context.Context, chain, network string, targets []uint32) (map[uint32]int64, error)
}

// Broadcaster submits raw transactions to the network and answers
// already-confirmed queries for idempotent broadcast recovery.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (txid string, err error)
	TxConfirmed(ctx context.Context, txid string) (bool, error)
}
