// Copyright (c) 2026, The cotxd developers
// See LICENSE for details.

package proposal

import (
	"fmt"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/server/account"
	"github.com/google/uuid"
)

// ActionType distinguishes accept and reject actions.
type ActionType uint8

const (
	// ActionAccept is a copayer's acceptance, carrying one signature per
	// proposal input.
	ActionAccept ActionType = iota
	// ActionReject is a copayer's rejection, optionally carrying a comment.
	ActionReject
)

// String implements Stringer.
func (at ActionType) String() string {
	switch at {
	case ActionAccept:
		return "accept"
	case ActionReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Action is one copayer's recorded vote on a proposal. Actions are immutable
// once recorded, and a copayer may record at most one.
type Action struct {
	CopayerID  account.CopayerID
	Type       ActionType
	Signatures [][]byte
	Comment    string
	CreatedOn  time.Time
}

// Output is one requested payment output.
type Output struct {
	ToAddress string
	Amount    uint64
	Message   string
	Script    []byte
}

// UTXO is a chain-specific spendable unit on a UTXO-model chain. UTXOs are
// never persisted by the coordinator; they are fetched fresh per selection
// and filtered against active reservations.
type UTXO struct {
	TxID          string
	Vout          uint32
	Address       string
	Path          string
	Satoshis      uint64
	Confirmations uint32
	PkScript      []byte
}

// OutpointID is the canonical "txid:vout" key of a UTXO.
type OutpointID string

// Outpoint returns the UTXO's OutpointID.
func (u *UTXO) Outpoint() OutpointID {
	return OutpointID(fmt.Sprintf("%s:%d", u.TxID, u.Vout))
}

// TxProposal is a candidate transaction moving through signature collection.
type TxProposal struct {
	ID        string
	WalletID  string
	CreatorID account.CopayerID
	CreatedOn time.Time
	Chain     string
	Network   string

	// UTXO chains.
	Inputs             []*UTXO
	ChangeAddress      string
	ChangeAmount       uint64
	ExcludeUnconfirmed bool
	EnableRBF          bool

	// Account chains.
	From         string
	Nonce        uint64
	GasPrice     uint64
	GasLimit     uint64
	TokenAddress string

	Outputs []*Output
	Amount  uint64
	Fee     uint64
	// FeePerKB and FeeLevel are mutually exclusive fee specification modes.
	FeePerKB uint64
	FeeLevel string

	RequiredSignatures uint32
	RequiredRejections uint32

	Actions []*Action
	Status  Status

	TxID          string
	Raw           []byte
	BroadcastedOn time.Time

	Message string
}

// NewID generates a fresh server-side proposal id.
func NewID() string {
	return uuid.NewString()
}

// ValidateID checks that a client-supplied foreign id is a well-formed UUID.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid proposal id %q: %w", id, err)
	}
	return nil
}

// Action returns the recorded action of the given copayer, or nil if the
// copayer has not voted.
func (t *TxProposal) Action(copayerID account.CopayerID) *Action {
	for _, a := range t.Actions {
		if a.CopayerID == copayerID {
			return a
		}
	}
	return nil
}

// AcceptCount is the number of recorded accept actions.
func (t *TxProposal) AcceptCount() uint32 {
	var n uint32
	for _, a := range t.Actions {
		if a.Type == ActionAccept {
			n++
		}
	}
	return n
}

// RejectCount is the number of recorded reject actions.
func (t *TxProposal) RejectCount() uint32 {
	var n uint32
	for _, a := range t.Actions {
		if a.Type == ActionReject {
			n++
		}
	}
	return n
}

// InputAmount is the sum of the selected inputs' values.
func (t *TxProposal) InputAmount() uint64 {
	var sum uint64
	for _, in := range t.Inputs {
		sum += in.Satoshis
	}
	return sum
}

// Outpoints returns the OutpointIDs of the proposal's inputs.
func (t *TxProposal) Outpoints() []OutpointID {
	ids := make([]OutpointID, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		ids = append(ids, in.Outpoint())
	}
	return ids
}

// SerializeSize returns the length of the serialized TxProposal content.
func (t *TxProposal) SerializeSize() int {
	sz := len(t.ID) + len(t.WalletID) + account.HashSize + 8 + 8 + 8
	sz += 4 // output count
	for _, out := range t.Outputs {
		sz += 4 + len(out.ToAddress) + 8 + 4 + len(out.Message)
	}
	sz += 4 // input count
	for _, in := range t.Inputs {
		sz += 4 + len(string(in.Outpoint()))
	}
	sz += 4 + len(t.ChangeAddress) + 8
	sz += 4 + len(t.From) + 8
	return sz
}

// Serialize produces the canonical byte encoding of the proposal's bound
// content. The publish signature from the creator's request key covers
// exactly these bytes (hashed), so the encoding must be deterministic and
// must cover everything that co-signers rely on: outputs, inputs, fee, and
// change. Mutable bookkeeping (actions, status, txid) is excluded.
func (t *TxProposal) Serialize() []byte {
	b := make([]byte, 0, t.SerializeSize())

	b = append(b, t.ID...)
	b = append(b, t.WalletID...)
	b = append(b, t.CreatorID[:]...)
	b = append(b, cotx.Uint64Bytes(t.Amount)...)
	b = append(b, cotx.Uint64Bytes(t.Fee)...)
	b = append(b, cotx.Uint64Bytes(t.FeePerKB)...)

	b = append(b, cotx.Uint32Bytes(uint32(len(t.Outputs)))...)
	for _, out := range t.Outputs {
		b = append(b, cotx.Uint32Bytes(uint32(len(out.ToAddress)))...)
		b = append(b, out.ToAddress...)
		b = append(b, cotx.Uint64Bytes(out.Amount)...)
		b = append(b, cotx.Uint32Bytes(uint32(len(out.Message)))...)
		b = append(b, out.Message...)
	}

	b = append(b, cotx.Uint32Bytes(uint32(len(t.Inputs)))...)
	for _, in := range t.Inputs {
		op := string(in.Outpoint())
		b = append(b, cotx.Uint32Bytes(uint32(len(op)))...)
		b = append(b, op...)
	}

	b = append(b, cotx.Uint32Bytes(uint32(len(t.ChangeAddress)))...)
	b = append(b, t.ChangeAddress...)
	b = append(b, cotx.Uint64Bytes(t.ChangeAmount)...)

	b = append(b, cotx.Uint32Bytes(uint32(len(t.From)))...)
	b = append(b, t.From...)
	b = append(b, cotx.Uint64Bytes(t.Nonce)...)

	return b
}
