// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package btc

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/account"
	"github.com/cotxd/cotxd/server/chain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Driver implements chain.Driver.
type Driver struct{}

// Setup creates the BTC chain adapter.
func (d *Driver) Setup(cfg *chain.Config) (chain.Adapter, error) {
	return NewAdapter(cfg)
}

func init() {
	chain.Register(assetName, &Driver{})
}

const (
	assetName = "btc"

	// maxStandardTxSize is the maximum serialized size of a standard
	// transaction accepted by default relay policy.
	maxStandardTxSize = 100000

	// sigSize is the worst case size of a DER signature plus the sighash
	// byte, preceded by its push opcode.
	sigSize = 1 + 73

	// pubKeyPushSize is a serialized compressed pubkey preceded by its push
	// opcode.
	pubKeyPushSize = 1 + 33

	// txOverhead is the version, input and output counts (worst case for
	// counts under 253), and locktime.
	txOverhead = 4 + 1 + 1 + 4
)

// Adapter is the chain.Adapter for Bitcoin and close relatives. Transaction
// size estimates assume the wallet's addresses are m-of-n P2SH multisig.
type Adapter struct {
	m, n        uint32
	chainParams *chaincfg.Params
	log         cotx.Logger
}

var _ chain.Adapter = (*Adapter)(nil)

// NewAdapter creates an Adapter for one wallet's quorum parameters and
// network.
func NewAdapter(cfg *chain.Config) (*Adapter, error) {
	var params *chaincfg.Params
	switch cfg.Network {
	case "mainnet":
		params = &chaincfg.MainNetParams
	case "testnet":
		params = &chaincfg.TestNet3Params
	case "regtest":
		params = &chaincfg.RegressionNetParams
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}
	if cfg.M == 0 || cfg.N == 0 || cfg.M > cfg.N {
		return nil, fmt.Errorf("invalid quorum %d-of-%d", cfg.M, cfg.N)
	}
	return &Adapter{
		m:           cfg.M,
		n:           cfg.N,
		chainParams: params,
		log:         cfg.Logger,
	}, nil
}

// Family reports the UTXO transaction model.
func (a *Adapter) Family() chain.Family {
	return chain.UTXOFamily
}

// CheckAddress checks that the address is parseable for the configured
// network.
func (a *Adapter) CheckAddress(addr string) bool {
	address, err := btcutil.DecodeAddress(addr, a.chainParams)
	if err != nil {
		return false
	}
	return address.IsForNet(a.chainParams)
}

// DustThreshold is the smallest economical output value under default relay
// policy, assuming a P2PKH destination. An output is dust when relaying both
// it and the 148-byte input that later spends it costs more than a third of
// its value.
func (a *Adapter) DustThreshold() uint64 {
	spendSize := txsizes.P2PKHOutputSize + 148
	return uint64(3 * txrules.FeeForSerializeSize(txrules.DefaultRelayFeePerKb, spendSize))
}

// MaxTxSize is the standardness size cap.
func (a *Adapter) MaxTxSize() uint32 {
	return maxStandardTxSize
}

// redeemScriptSize is the serialized size of the wallet's m-of-n
// CHECKMULTISIG redeem script.
func (a *Adapter) redeemScriptSize() int {
	// OP_m ... n pubkey pushes ... OP_n OP_CHECKMULTISIG
	return 1 + int(a.n)*pubKeyPushSize + 1 + 1
}

// InputSize is the worst case serialized size of one input redeeming an
// m-of-n P2SH multisig output.
func (a *Adapter) InputSize() uint32 {
	redeemScript := a.redeemScriptSize()
	// OP_0 catches the off-by-one in OP_CHECKMULTISIG, then m signature
	// pushes and the redeem script push.
	sigScript := 1 + int(a.m)*sigSize +
		scriptPushSize(redeemScript) + redeemScript
	// Previous outpoint, script length varint, script, sequence.
	return uint32(32 + 4 + wire.VarIntSerializeSize(uint64(sigScript)) +
		sigScript + 4)
}

// EstimateSize returns a worst case serialized size estimate for a
// transaction with the given input and output counts. Outputs are estimated
// as P2PKH, the most common destination class.
func (a *Adapter) EstimateSize(numInputs, numOutputs int, withChange bool) uint32 {
	outs := numOutputs
	if withChange {
		outs++
	}
	return uint32(txOverhead) +
		uint32(numInputs)*a.InputSize() +
		uint32(outs)*txsizes.P2PKHOutputSize
}

// scriptPushSize is the number of opcode bytes needed to push dataLen bytes
// onto the stack.
func scriptPushSize(dataLen int) int {
	switch {
	case dataLen < txscript.OP_PUSHDATA1:
		return 1
	case dataLen <= 0xff:
		return 2
	default:
		return 3
	}
}

// BuildRawTx assembles the unsigned serialized transaction for the proposal.
func (a *Adapter) BuildRawTx(t *proposal.TxProposal) ([]byte, error) {
	msgTx := wire.NewMsgTx(wire.TxVersion)

	for _, in := range t.Inputs {
		txHash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid input txid %s: %w", in.TxID, err)
		}
		txIn := wire.NewTxIn(wire.NewOutPoint(txHash, in.Vout), nil, nil)
		if t.EnableRBF {
			txIn.Sequence = wire.MaxTxInSequenceNum - 2
		}
		msgTx.AddTxIn(txIn)
	}

	for _, out := range t.Outputs {
		pkScript := out.Script
		if pkScript == nil {
			var err error
			pkScript, err = a.payToAddrScript(out.ToAddress)
			if err != nil {
				return nil, err
			}
		}
		msgTx.AddTxOut(wire.NewTxOut(int64(out.Amount), pkScript))
	}

	if t.ChangeAmount > 0 {
		pkScript, err := a.payToAddrScript(t.ChangeAddress)
		if err != nil {
			return nil, fmt.Errorf("bad change address: %w", err)
		}
		msgTx.AddTxOut(wire.NewTxOut(int64(t.ChangeAmount), pkScript))
	}

	var buf bytes.Buffer
	buf.Grow(msgTx.SerializeSize())
	if err := msgTx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TxID computes the transaction id of a serialized transaction.
func (a *Adapter) TxID(rawTx []byte) (string, error) {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return "", fmt.Errorf("invalid serialized tx: %w", err)
	}
	return msgTx.TxHash().String(), nil
}

func (a *Adapter) payToAddrScript(addr string) ([]byte, error) {
	address, err := btcutil.DecodeAddress(addr, a.chainParams)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	return txscript.PayToAddrScript(address)
}

// VerifySignature checks a DER signature over the double-SHA256 digest of
// msg against the serialized compressed public key.
func (a *Adapter) VerifySignature(msg, sig, pubKey []byte) bool {
	pk, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	digest := chainhash.DoubleHashB(msg)
	return account.CheckSigS256(digest, sig, pk) == nil
}
