// Copyright (c) 2026, The cotxd developers
// See LICENSE for details.

package proposal

import (
	"bytes"
	"testing"
	"time"

	"github.com/cotxd/cotxd/server/account"
)

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "unknown"},
		{StatusTemporary, "temporary"},
		{StatusPending, "pending"},
		{StatusAccepted, "accepted"},
		{StatusRejected, "rejected"},
		{StatusBroadcasted, "broadcasted"},
		{Status(12345), "unknown"},
	}
	for _, test := range tests {
		if s := test.status.String(); s != test.want {
			t.Errorf("String(%d) = %q, want %q", test.status, s, test.want)
		}
	}
}

func TestStatusPredicates(t *testing.T) {
	reserving := map[Status]bool{StatusPending: true, StatusAccepted: true}
	terminal := map[Status]bool{StatusRejected: true, StatusBroadcasted: true}
	all := []Status{StatusUnknown, StatusTemporary, StatusPending,
		StatusAccepted, StatusRejected, StatusBroadcasted}
	for _, s := range all {
		if s.Reserves() != reserving[s] {
			t.Errorf("%s.Reserves() = %v", s, s.Reserves())
		}
		if s.Terminal() != terminal[s] {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
	}
}

func TestValidateID(t *testing.T) {
	if err := ValidateID(NewID()); err != nil {
		t.Errorf("generated id rejected: %v", err)
	}
	if err := ValidateID("6f2a1e9b-3c64-4d01-9a1d-2f5a8c1b7e10"); err != nil {
		t.Errorf("well-formed foreign id rejected: %v", err)
	}
	for _, bad := range []string{"", "abc", "6f2a1e9b-3c64-4d01-9a1d"} {
		if err := ValidateID(bad); err == nil {
			t.Errorf("malformed id %q accepted", bad)
		}
	}
}

func testProposal() *TxProposal {
	return &TxProposal{
		ID:        "6f2a1e9b-3c64-4d01-9a1d-2f5a8c1b7e10",
		WalletID:  "wallet1",
		CreatorID: account.NewCopayerID(bytes.Repeat([]byte{0x02}, 33)),
		Amount:    8_000_000,
		Fee:       1_200,
		FeePerKB:  10_000,
		Outputs: []*Output{
			{ToAddress: "addr1", Amount: 5_000_000, Message: "rent"},
			{ToAddress: "addr2", Amount: 3_000_000},
		},
		Inputs: []*UTXO{
			{TxID: "aa", Vout: 0, Satoshis: 10_000_000},
		},
		ChangeAddress: "change1",
		ChangeAmount:  1_998_800,
	}
}

func TestSerializeDeterministic(t *testing.T) {
	t1, t2 := testProposal(), testProposal()
	b1, b2 := t1.Serialize(), t2.Serialize()
	if !bytes.Equal(b1, b2) {
		t.Fatal("equal proposals serialize differently")
	}
	if len(b1) != t1.SerializeSize() {
		t.Errorf("serialized length %d != SerializeSize %d", len(b1), t1.SerializeSize())
	}

	// Every bound field must perturb the encoding.
	perturb := []func(p *TxProposal){
		func(p *TxProposal) { p.Amount++ },
		func(p *TxProposal) { p.Fee++ },
		func(p *TxProposal) { p.FeePerKB++ },
		func(p *TxProposal) { p.Outputs[0].Amount++ },
		func(p *TxProposal) { p.Outputs[0].ToAddress = "addr3" },
		func(p *TxProposal) { p.Inputs[0].Vout++ },
		func(p *TxProposal) { p.ChangeAmount++ },
		func(p *TxProposal) { p.ChangeAddress = "other" },
	}
	for i, mutate := range perturb {
		p := testProposal()
		mutate(p)
		if bytes.Equal(p.Serialize(), b1) {
			t.Errorf("mutation %d did not change the serialization", i)
		}
	}

	// Mutable bookkeeping is excluded from the bound content.
	p := testProposal()
	p.Status = StatusAccepted
	p.TxID = "deadbeef"
	p.Actions = []*Action{{Type: ActionAccept, CreatedOn: time.Now()}}
	if !bytes.Equal(p.Serialize(), b1) {
		t.Error("bookkeeping fields leaked into the serialization")
	}
}

func TestActionBookkeeping(t *testing.T) {
	p := testProposal()
	c1 := account.NewCopayerID(bytes.Repeat([]byte{0x03}, 33))
	c2 := account.NewCopayerID(bytes.Repeat([]byte{0x04}, 33))
	p.Actions = []*Action{
		{CopayerID: c1, Type: ActionAccept},
		{CopayerID: c2, Type: ActionReject, Comment: "no"},
	}

	if p.AcceptCount() != 1 || p.RejectCount() != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", p.AcceptCount(), p.RejectCount())
	}
	if a := p.Action(c2); a == nil || a.Type != ActionReject {
		t.Error("action lookup failed")
	}
	if p.Action(account.NewCopayerID(bytes.Repeat([]byte{0x05}, 33))) != nil {
		t.Error("action found for copayer who never acted")
	}
}

func TestOutpoints(t *testing.T) {
	u := &UTXO{TxID: "aabb", Vout: 7}
	if u.Outpoint() != "aabb:7" {
		t.Errorf("outpoint = %s, want aabb:7", u.Outpoint())
	}
	p := testProposal()
	ops := p.Outpoints()
	if len(ops) != 1 || ops[0] != "aa:0" {
		t.Errorf("outpoints = %v", ops)
	}
	if p.InputAmount() != 10_000_000 {
		t.Errorf("inputAmount = %d", p.InputAmount())
	}
}
