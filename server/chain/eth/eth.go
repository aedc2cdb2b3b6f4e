// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package eth

import (
	"fmt"
	"math/big"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Driver implements chain.Driver.
type Driver struct{}

// Setup creates the ETH chain adapter.
func (d *Driver) Setup(cfg *chain.Config) (chain.Adapter, error) {
	return NewAdapter(cfg)
}

func init() {
	chain.Register(assetName, &Driver{})
}

const (
	assetName = "eth"

	// transferGas is the fixed gas cost of a native value transfer.
	transferGas = 21_000
	// tokenTransferGas is a safe upper bound on the gas used by an ERC20
	// transfer call.
	tokenTransferGas = 120_000
)

// erc20TransferMethodID is the first four bytes of
// keccak256("transfer(address,uint256)").
var erc20TransferMethodID = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Adapter is the chain.Adapter for account-model EVM chains. Coin selection
// degrades to balance verification; there are no discrete inputs.
type Adapter struct {
	log cotx.Logger
}

var _ chain.AccountAdapter = (*Adapter)(nil)

// NewAdapter creates an Adapter.
func NewAdapter(cfg *chain.Config) (*Adapter, error) {
	switch cfg.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	return &Adapter{log: cfg.Logger}, nil
}

// Family reports the account transaction model.
func (a *Adapter) Family() chain.Family {
	return chain.AccountFamily
}

// CheckAddress checks that the address is a well-formed hex address.
func (a *Adapter) CheckAddress(addr string) bool {
	return common.IsHexAddress(addr)
}

// DustThreshold is zero. Account chains have no dust policy.
func (a *Adapter) DustThreshold() uint64 {
	return 0
}

// MaxTxSize is zero, i.e. unbounded for our purposes.
func (a *Adapter) MaxTxSize() uint32 {
	return 0
}

// EstimateSize is zero for account chains. Fees are gas, not size.
func (a *Adapter) EstimateSize(numInputs, numOutputs int, withChange bool) uint32 {
	return 0
}

// InputSize is zero for account chains.
func (a *Adapter) InputSize() uint32 {
	return 0
}

// DefaultGasLimit is the gas limit to use when the caller does not specify
// one.
func (a *Adapter) DefaultGasLimit(token bool) uint64 {
	if token {
		return tokenTransferGas
	}
	return transferGas
}

// BuildRawTx assembles the unsigned serialized transaction for the proposal.
// Account-model proposals carry exactly one output.
func (a *Adapter) BuildRawTx(t *proposal.TxProposal) ([]byte, error) {
	if len(t.Outputs) != 1 {
		return nil, fmt.Errorf("account-model proposals require exactly 1 output, got %d",
			len(t.Outputs))
	}
	out := t.Outputs[0]
	if !common.IsHexAddress(out.ToAddress) {
		return nil, fmt.Errorf("invalid address %s", out.ToAddress)
	}

	var tx *types.Transaction
	if t.TokenAddress != "" {
		if !common.IsHexAddress(t.TokenAddress) {
			return nil, fmt.Errorf("invalid token address %s", t.TokenAddress)
		}
		tokenAddr := common.HexToAddress(t.TokenAddress)
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    t.Nonce,
			To:       &tokenAddr,
			Value:    new(big.Int),
			Gas:      t.GasLimit,
			GasPrice: new(big.Int).SetUint64(t.GasPrice),
			Data:     transferCallData(common.HexToAddress(out.ToAddress), out.Amount),
		})
	} else {
		to := common.HexToAddress(out.ToAddress)
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    t.Nonce,
			To:       &to,
			Value:    new(big.Int).SetUint64(out.Amount),
			Gas:      t.GasLimit,
			GasPrice: new(big.Int).SetUint64(t.GasPrice),
		})
	}
	return tx.MarshalBinary()
}

// transferCallData encodes the calldata for ERC20 transfer(to, amount).
func transferCallData(to common.Address, amount uint64) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferMethodID...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(amount).Bytes(), 32)...)
	return data
}

// CheckFunds validates that the spending balance covers the proposal amount
// and that the native balance separately covers gasPrice*gasLimit when a
// token is being transferred.
func (a *Adapter) CheckFunds(t *proposal.TxProposal, balance, nativeBalance *big.Int) error {
	amount := new(big.Int).SetUint64(t.Amount)
	fee := new(big.Int).Mul(new(big.Int).SetUint64(t.GasPrice),
		new(big.Int).SetUint64(t.GasLimit))

	if t.TokenAddress != "" {
		if balance.Cmp(amount) < 0 {
			return cotx.NewError(cotx.ErrInsufficientFunds,
				fmt.Sprintf("token balance %s below amount %s", balance, amount))
		}
		if nativeBalance.Cmp(fee) < 0 {
			return &chain.InsufficientFeeError{
				Asset:     assetName,
				Required:  fee,
				Available: new(big.Int).Set(nativeBalance),
			}
		}
		return nil
	}

	total := new(big.Int).Add(amount, fee)
	if balance.Cmp(total) < 0 {
		if balance.Cmp(amount) >= 0 {
			return &chain.InsufficientFeeError{
				Asset:     assetName,
				Required:  total,
				Available: new(big.Int).Set(balance),
			}
		}
		return cotx.NewError(cotx.ErrInsufficientFunds,
			fmt.Sprintf("balance %s below amount %s", balance, amount))
	}
	return nil
}

// TxID computes the transaction hash of a serialized transaction.
func (a *Adapter) TxID(rawTx []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(rawTx); err != nil {
		return "", fmt.Errorf("invalid serialized tx: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// VerifySignature checks a 64-byte compact [R || S] signature over the
// keccak256 digest of msg against the serialized public key.
func (a *Adapter) VerifySignature(msg, sig, pubKey []byte) bool {
	if len(sig) < 64 {
		return false
	}
	digest := crypto.Keccak256(msg)
	return crypto.VerifySignature(pubKey, digest, sig[:64])
}
