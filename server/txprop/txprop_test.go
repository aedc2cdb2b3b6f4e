// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package txprop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/account"
	"github.com/cotxd/cotxd/server/backoff"
	"github.com/cotxd/cotxd/server/chain"
	"github.com/cotxd/cotxd/server/coinlock"
	"github.com/cotxd/cotxd/server/db"
	"github.com/cotxd/cotxd/server/lock"
	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

const testChain = "testchain"

// tAdapter is a minimal UTXO-family adapter with deterministic sizes.
type tAdapter struct{}

func (*tAdapter) Family() chain.Family          { return chain.UTXOFamily }
func (*tAdapter) CheckAddress(addr string) bool { return addr != "" && addr != "bad" }
func (*tAdapter) DustThreshold() uint64         { return 546 }
func (*tAdapter) MaxTxSize() uint32             { return 100_000 }
func (*tAdapter) InputSize() uint32             { return 150 }
func (*tAdapter) EstimateSize(numInputs, numOutputs int, withChange bool) uint32 {
	size := uint32(10) + uint32(numInputs)*150 + uint32(numOutputs)*34
	if withChange {
		size += 34
	}
	return size
}
func (*tAdapter) BuildRawTx(t *proposal.TxProposal) ([]byte, error) {
	if len(t.Inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}
	return t.Serialize(), nil
}
func (*tAdapter) TxID(rawTx []byte) (string, error) {
	h := blake256.Sum256(rawTx)
	return fmt.Sprintf("%x", h[:8]), nil
}
func (*tAdapter) VerifySignature(msg, sig, pubKey []byte) bool {
	return len(sig) > 0 && string(sig) != "bad"
}

type tChainDriver struct{}

func (*tChainDriver) Setup(cfg *chain.Config) (chain.Adapter, error) {
	return &tAdapter{}, nil
}

func init() {
	chain.Register(testChain, &tChainDriver{})
}

// tArchivist is an in-memory db.Archivist with the same atomicity rules as
// the pg driver.
type tArchivist struct {
	mtx       sync.Mutex
	wallets   map[string]*account.Wallet
	proposals map[string]*proposal.TxProposal
}

func newTArchivist() *tArchivist {
	return &tArchivist{
		wallets:   make(map[string]*account.Wallet),
		proposals: make(map[string]*proposal.TxProposal),
	}
}

func pKey(walletID, proposalID string) string { return walletID + "/" + proposalID }

func (a *tArchivist) Close() error { return nil }

func (a *tArchivist) Wallet(_ context.Context, walletID string) (*account.Wallet, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	w, ok := a.wallets[walletID]
	if !ok {
		return nil, db.ArchiveError{Code: db.ErrUnknownWallet, Detail: walletID}
	}
	return w, nil
}

func (a *tArchivist) InsertWallet(_ context.Context, w *account.Wallet) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.wallets[w.ID] = w
	return nil
}

func (a *tArchivist) AddCopayer(_ context.Context, walletID string, c *account.Copayer) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	w, ok := a.wallets[walletID]
	if !ok {
		return db.ArchiveError{Code: db.ErrUnknownWallet, Detail: walletID}
	}
	w.Copayers = append(w.Copayers, c)
	return nil
}

func (a *tArchivist) Proposal(_ context.Context, walletID, proposalID string) (*proposal.TxProposal, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	t, ok := a.proposals[pKey(walletID, proposalID)]
	if !ok {
		return nil, db.ArchiveError{Code: db.ErrUnknownProposal, Detail: proposalID}
	}
	cp := *t
	cp.Actions = append([]*proposal.Action(nil), t.Actions...)
	return &cp, nil
}

func (a *tArchivist) InsertProposal(_ context.Context, t *proposal.TxProposal) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	key := pKey(t.WalletID, t.ID)
	if _, exists := a.proposals[key]; exists {
		return db.ArchiveError{Code: db.ErrInvalidProposal, Detail: t.ID}
	}
	cp := *t
	a.proposals[key] = &cp
	return nil
}

func (a *tArchivist) UpdateProposal(_ context.Context, t *proposal.TxProposal) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	stored, ok := a.proposals[pKey(t.WalletID, t.ID)]
	if !ok {
		return db.ArchiveError{Code: db.ErrUnknownProposal, Detail: t.ID}
	}
	if stored.Status.Terminal() {
		return db.ArchiveError{Code: db.ErrStaleUpdate, Detail: t.ID}
	}
	stored.Status = t.Status
	stored.TxID = t.TxID
	stored.Raw = t.Raw
	stored.BroadcastedOn = t.BroadcastedOn
	return nil
}

func (a *tArchivist) AppendAction(_ context.Context, walletID, proposalID string, action *proposal.Action) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	stored, ok := a.proposals[pKey(walletID, proposalID)]
	if !ok {
		return db.ArchiveError{Code: db.ErrUnknownProposal, Detail: proposalID}
	}
	for _, existing := range stored.Actions {
		if existing.CopayerID == action.CopayerID {
			return db.ArchiveError{Code: db.ErrCopayerAlreadyActed, Detail: proposalID}
		}
	}
	stored.Actions = append(stored.Actions, action)
	return nil
}

func (a *tArchivist) PendingProposals(_ context.Context, walletID string) ([]*proposal.TxProposal, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	var out []*proposal.TxProposal
	for _, t := range a.proposals {
		if t.WalletID == walletID && t.Status.Reserves() {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (a *tArchivist) DeleteProposal(_ context.Context, walletID, proposalID string) error {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	key := pKey(walletID, proposalID)
	if _, ok := a.proposals[key]; !ok {
		return db.ArchiveError{Code: db.ErrUnknownProposal, Detail: proposalID}
	}
	delete(a.proposals, key)
	return nil
}

func (a *tArchivist) LockedOutpoints(_ context.Context, walletID string) ([]proposal.OutpointID, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	var out []proposal.OutpointID
	for _, t := range a.proposals {
		if t.WalletID == walletID && t.Status.Reserves() {
			out = append(out, t.Outpoints()...)
		}
	}
	return out, nil
}

// tUTXOSource serves a fixed snapshot.
type tUTXOSource struct {
	mtx   sync.Mutex
	utxos []*proposal.UTXO
}

func (s *tUTXOSource) UTXOs(context.Context, *account.Wallet) ([]*proposal.UTXO, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]*proposal.UTXO(nil), s.utxos...), nil
}

// tBroadcaster scripts broadcast outcomes.
type tBroadcaster struct {
	failSubmit bool
	confirmed  bool
}

func (b *tBroadcaster) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	if b.failSubmit {
		return "", fmt.Errorf("relay refused")
	}
	h := blake256.Sum256(rawTx)
	return fmt.Sprintf("%x", h[:8]), nil
}

func (b *tBroadcaster) TxConfirmed(context.Context, string) (bool, error) {
	return b.confirmed, nil
}

// tCopayer pairs a copayer with its signing key.
type tCopayer struct {
	priv    *secp256k1.PrivateKey
	copayer *account.Copayer
}

func newTCopayer(t *testing.T, name string) *tCopayer {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	c, err := account.NewCopayer(name, priv.PubKey().SerializeCompressed())
	if err != nil {
		t.Fatalf("NewCopayer: %v", err)
	}
	return &tCopayer{priv: priv, copayer: c}
}

// signProposal produces the creator's DER signature over the canonical
// serialization, as a publishing client would.
func (tc *tCopayer) signProposal(t *proposal.TxProposal) []byte {
	hash := blake256.Sum256(t.Serialize())
	return ecdsa.Sign(tc.priv, hash[:]).Serialize()
}

type tRig struct {
	mgr     *Manager
	store   *tArchivist
	source  *tUTXOSource
	caster  *tBroadcaster
	guard   *backoff.Guard
	wallet  *account.Wallet
	signers []*tCopayer
}

func newTRig(t *testing.T, m, n uint32, utxos ...*proposal.UTXO) *tRig {
	t.Helper()
	store := newTArchivist()
	signers := make([]*tCopayer, n)
	copayers := make([]*account.Copayer, n)
	for i := range signers {
		signers[i] = newTCopayer(t, fmt.Sprintf("copayer%d", i))
		copayers[i] = signers[i].copayer
	}
	w := &account.Wallet{
		ID:        "wallet1",
		M:         m,
		N:         n,
		Chain:     testChain,
		Network:   "regtest",
		Copayers:  copayers,
		CreatedOn: time.Now(),
	}
	store.wallets[w.ID] = w

	source := &tUTXOSource{utxos: utxos}
	caster := &tBroadcaster{}
	guard := backoff.NewGuard(nil, log)
	mgr, err := NewManager(&Config{
		Store:       store,
		Locker:      lock.NewMemLocker(time.Second),
		CoinLocker:  coinlock.NewWalletCoinLocker(),
		Guard:       guard,
		UTXOSource:  source,
		Broadcaster: caster,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &tRig{mgr: mgr, store: store, source: source, caster: caster,
		guard: guard, wallet: w, signers: signers}
}

func (r *tRig) session(i int) *Session {
	return &Session{WalletID: r.wallet.ID, CopayerID: r.signers[i].copayer.ID}
}

func utxo(txid string, vout uint32, satoshis uint64, confs uint32) *proposal.UTXO {
	return &proposal.UTXO{
		TxID: txid, Vout: vout, Address: "addr", Path: "m/0/0",
		Satoshis: satoshis, Confirmations: confs,
	}
}

func coinReq(amount uint64) *CreateTxRequest {
	return &CreateTxRequest{
		Outputs:       []*proposal.Output{{ToAddress: "dest", Amount: amount}},
		FeePerKB:      100,
		ChangeAddress: "change",
	}
}

// publish runs create+publish for copayer 0 and returns the PENDING
// proposal.
func (r *tRig) publish(t *testing.T, req *CreateTxRequest) *proposal.TxProposal {
	t.Helper()
	ctx := context.Background()
	tx, err := r.mgr.CreateTx(ctx, r.session(0), req)
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	tx, err = r.mgr.PublishTx(ctx, r.session(0), tx.ID, r.signers[0].signProposal(tx))
	if err != nil {
		t.Fatalf("PublishTx: %v", err)
	}
	return tx
}

func TestCreateTxSelectsInputs(t *testing.T) {
	// 1-of-1 wallet with a single 1.0 coin UTXO, spending 0.8.
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()

	tx, err := rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.8e8))
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if tx.Amount != 0.8e8 {
		t.Errorf("amount = %d, want %d", tx.Amount, uint64(0.8e8))
	}
	if len(tx.Inputs) != 1 {
		t.Fatalf("got %d inputs, want 1", len(tx.Inputs))
	}
	if tx.Status != proposal.StatusTemporary {
		t.Errorf("status = %s, want temporary", tx.Status)
	}
	if tx.Fee == 0 {
		t.Error("no fee computed")
	}
	if tx.ChangeAmount+tx.Amount+tx.Fee != 1e8 {
		t.Errorf("amounts do not add up: change %d + amount %d + fee %d != 1e8",
			tx.ChangeAmount, tx.Amount, tx.Fee)
	}

	// Temporary proposals are invisible to the store's pending set.
	pending, err := rig.mgr.PendingTxs(ctx, rig.session(0))
	if err != nil {
		t.Fatalf("PendingTxs: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("temporary proposal in pending set")
	}
}

func TestCreateTxIdempotentForeignID(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6), utxo("bb", 1, 1e8, 3))
	ctx := context.Background()

	req := coinReq(0.5e8)
	req.ProposalID = "6f2a1e9b-3c64-4d01-9a1d-2f5a8c1b7e10"
	first, err := rig.mgr.CreateTx(ctx, rig.session(0), req)
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	second, err := rig.mgr.CreateTx(ctx, rig.session(0), req)
	if err != nil {
		t.Fatalf("retry CreateTx: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("retry created a new proposal: %s != %s", second.ID, first.ID)
	}
	// No second UTXO set was allocated.
	if len(rig.store.proposals) != 1 {
		t.Fatalf("store has %d proposals, want 1", len(rig.store.proposals))
	}
}

func TestCreateTxBadForeignID(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	req := coinReq(0.5e8)
	req.ProposalID = "not-a-uuid"
	if _, err := rig.mgr.CreateTx(context.Background(), rig.session(0), req); err == nil {
		t.Fatal("malformed foreign id accepted")
	}
}

func TestPublishUnavailableUTXOs(t *testing.T) {
	// Two TEMPORARY creations may select the same coin; publication of the
	// second must then fail.
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()

	first, err := rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.8e8))
	if err != nil {
		t.Fatalf("first CreateTx: %v", err)
	}
	second, err := rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.8e8))
	if err != nil {
		t.Fatalf("second CreateTx: %v", err)
	}

	if _, err = rig.mgr.PublishTx(ctx, rig.session(0), first.ID,
		rig.signers[0].signProposal(first)); err != nil {
		t.Fatalf("first PublishTx: %v", err)
	}
	_, err = rig.mgr.PublishTx(ctx, rig.session(0), second.ID,
		rig.signers[0].signProposal(second))
	if !errors.Is(err, cotx.ErrUnavailableUTXOs) {
		t.Fatalf("second publish error = %v, want %v", err, cotx.ErrUnavailableUTXOs)
	}
}

func TestPublishBadSignature(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()

	tx, err := rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.5e8))
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	// Sign a different serialization.
	other := *tx
	other.Amount++
	_, err = rig.mgr.PublishTx(ctx, rig.session(0), tx.ID, rig.signers[0].signProposal(&other))
	if !errors.Is(err, cotx.ErrBadSignature) {
		t.Fatalf("publish error = %v, want %v", err, cotx.ErrBadSignature)
	}
}

func TestCreateTxLockedFunds(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	rig.publish(t, coinReq(0.8e8))

	_, err := rig.mgr.CreateTx(context.Background(), rig.session(0), coinReq(0.8e8))
	if !errors.Is(err, cotx.ErrLockedFunds) {
		t.Fatalf("create error = %v, want %v", err, cotx.ErrLockedFunds)
	}
}

func TestCreateTxInsufficientFunds(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	_, err := rig.mgr.CreateTx(context.Background(), rig.session(0), coinReq(2e8))
	if !errors.Is(err, cotx.ErrInsufficientFunds) {
		t.Fatalf("create error = %v, want %v", err, cotx.ErrInsufficientFunds)
	}
}

func TestSignQuorum(t *testing.T) {
	// 2-of-2: the first signature leaves the proposal PENDING, the second
	// flips it to ACCEPTED with the raw transaction populated.
	rig := newTRig(t, 2, 2, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))

	sigs := [][]byte{[]byte("sig0")}
	tx, err := rig.mgr.SignTx(ctx, rig.session(0), tx.ID, sigs)
	if err != nil {
		t.Fatalf("first SignTx: %v", err)
	}
	if tx.Status != proposal.StatusPending {
		t.Fatalf("status after one signature = %s, want pending", tx.Status)
	}
	if len(tx.Raw) != 0 {
		t.Error("raw populated before quorum")
	}

	tx, err = rig.mgr.SignTx(ctx, rig.session(1), tx.ID, sigs)
	if err != nil {
		t.Fatalf("second SignTx: %v", err)
	}
	if tx.Status != proposal.StatusAccepted {
		t.Fatalf("status after quorum = %s, want accepted", tx.Status)
	}
	if len(tx.Raw) == 0 || tx.TxID == "" {
		t.Error("raw transaction not finalized at quorum")
	}
}

// staleStore serves a snapshot captured before any actions from Proposal
// until passAfter appends have landed, modeling stateless handler processes
// that each load the proposal before any other's action is recorded.
type staleStore struct {
	*tArchivist
	mtx       sync.Mutex
	stale     *proposal.TxProposal
	passAfter int
	appends   int
}

func (s *staleStore) Proposal(ctx context.Context, walletID, proposalID string) (*proposal.TxProposal, error) {
	s.mtx.Lock()
	serveStale := s.stale != nil && s.stale.ID == proposalID && s.appends < s.passAfter
	s.mtx.Unlock()
	if serveStale {
		cp := *s.stale
		cp.Actions = append([]*proposal.Action(nil), s.stale.Actions...)
		return &cp, nil
	}
	return s.tArchivist.Proposal(ctx, walletID, proposalID)
}

func (s *staleStore) AppendAction(ctx context.Context, walletID, proposalID string, action *proposal.Action) error {
	err := s.tArchivist.AppendAction(ctx, walletID, proposalID, action)
	if err == nil {
		s.mtx.Lock()
		s.appends++
		s.mtx.Unlock()
	}
	return err
}

// staleRig wraps the rig's store so that the next passAfter actors all see
// the proposal as it was before any of them acted, and returns a Manager
// over the wrapped store.
func staleRig(t *testing.T, rig *tRig, tx *proposal.TxProposal, passAfter int) *Manager {
	t.Helper()
	stale, err := rig.store.Proposal(context.Background(), rig.wallet.ID, tx.ID)
	if err != nil {
		t.Fatalf("Proposal: %v", err)
	}
	mgr, err := NewManager(&Config{
		Store:      &staleStore{tArchivist: rig.store, stale: stale, passAfter: passAfter},
		Locker:     lock.NewMemLocker(time.Second),
		CoinLocker: coinlock.NewWalletCoinLocker(),
		UTXOSource: rig.source,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return mgr
}

func TestSignQuorumStaleSnapshots(t *testing.T) {
	// 2-of-2 where both signers loaded the PENDING proposal before either
	// accept was recorded. The second signer's threshold check must still
	// see both persisted accepts and flip the proposal to ACCEPTED.
	rig := newTRig(t, 2, 2, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))
	mgr := staleRig(t, rig, tx, 2)

	sigs := [][]byte{[]byte("sig")}
	if _, err := mgr.SignTx(ctx, rig.session(0), tx.ID, sigs); err != nil {
		t.Fatalf("first SignTx: %v", err)
	}
	final, err := mgr.SignTx(ctx, rig.session(1), tx.ID, sigs)
	if err != nil {
		t.Fatalf("second SignTx: %v", err)
	}
	if final.Status != proposal.StatusAccepted {
		t.Fatalf("status after quorum = %s, want accepted", final.Status)
	}
	if len(final.Raw) == 0 || final.TxID == "" {
		t.Error("raw transaction not finalized at quorum")
	}
	stored, err := rig.store.Proposal(ctx, rig.wallet.ID, tx.ID)
	if err != nil {
		t.Fatalf("Proposal: %v", err)
	}
	if stored.Status != proposal.StatusAccepted {
		t.Fatalf("stored status = %s, want accepted", stored.Status)
	}
}

func TestRejectQuorumStaleSnapshots(t *testing.T) {
	// 2-of-3 needs n-m+1 = 2 rejections. Both rejecters loaded the
	// proposal before either rejection was recorded; the second must still
	// flip it to REJECTED and free the inputs.
	rig := newTRig(t, 2, 3, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))
	mgr := staleRig(t, rig, tx, 2)

	if _, err := mgr.RejectTx(ctx, rig.session(1), tx.ID, "no"); err != nil {
		t.Fatalf("first RejectTx: %v", err)
	}
	final, err := mgr.RejectTx(ctx, rig.session(2), tx.ID, "no")
	if err != nil {
		t.Fatalf("second RejectTx: %v", err)
	}
	if final.Status != proposal.StatusRejected {
		t.Fatalf("status = %s, want rejected", final.Status)
	}
	// The inputs are free again.
	if _, err = rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.5e8)); err != nil {
		t.Fatalf("CreateTx after rejection: %v", err)
	}
}

func TestSignBadSignatureCount(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	tx := rig.publish(t, coinReq(0.5e8))
	_, err := rig.mgr.SignTx(context.Background(), rig.session(0), tx.ID,
		[][]byte{[]byte("sig0"), []byte("sig1")})
	if !errors.Is(err, cotx.ErrBadSignature) {
		t.Fatalf("sign error = %v, want %v", err, cotx.ErrBadSignature)
	}
}

func TestOneActionPerCopayer(t *testing.T) {
	rig := newTRig(t, 2, 3, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))

	if _, err := rig.mgr.SignTx(ctx, rig.session(1), tx.ID, [][]byte{[]byte("sig")}); err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	// Rejecting after signing, and signing twice, both fail.
	if _, err := rig.mgr.RejectTx(ctx, rig.session(1), tx.ID, "changed my mind"); !errors.Is(err, cotx.ErrCopayerVoted) {
		t.Fatalf("reject-after-sign error = %v, want %v", err, cotx.ErrCopayerVoted)
	}
	if _, err := rig.mgr.SignTx(ctx, rig.session(1), tx.ID, [][]byte{[]byte("sig")}); !errors.Is(err, cotx.ErrCopayerVoted) {
		t.Fatalf("double-sign error = %v, want %v", err, cotx.ErrCopayerVoted)
	}
}

func TestRejectQuorum(t *testing.T) {
	// 2-of-2: a single rejection (n-m+1 = 1) suffices.
	rig := newTRig(t, 2, 2, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))

	tx, err := rig.mgr.RejectTx(ctx, rig.session(1), tx.ID, "no")
	if err != nil {
		t.Fatalf("RejectTx: %v", err)
	}
	if tx.Status != proposal.StatusRejected {
		t.Fatalf("status = %s, want rejected", tx.Status)
	}

	// Rejection freed the inputs, so a new proposal can use them.
	if _, err = rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.5e8)); err != nil {
		t.Fatalf("CreateTx after rejection: %v", err)
	}
}

func TestBackoffGuardBlocksCreate(t *testing.T) {
	rig := newTRig(t, 2, 2, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()

	for i := 0; i < backoff.DefaultThreshold; i++ {
		tx := rig.publish(t, coinReq(0.5e8))
		if _, err := rig.mgr.RejectTx(ctx, rig.session(1), tx.ID, "no"); err != nil {
			t.Fatalf("RejectTx %d: %v", i, err)
		}
	}
	_, err := rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.5e8))
	if !errors.Is(err, cotx.ErrTxCannotCreate) {
		t.Fatalf("create during cooldown error = %v, want %v", err, cotx.ErrTxCannotCreate)
	}
	// The cooldown is the creator's; another copayer may still create.
	if _, err = rig.mgr.CreateTx(ctx, rig.session(1), coinReq(0.5e8)); err != nil {
		t.Fatalf("other copayer's CreateTx: %v", err)
	}
}

func TestBroadcastTx(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))

	tx, err := rig.mgr.SignTx(ctx, rig.session(0), tx.ID, [][]byte{[]byte("sig")})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	if tx.Status != proposal.StatusAccepted {
		t.Fatalf("status = %s, want accepted", tx.Status)
	}

	tx, err = rig.mgr.BroadcastTx(ctx, rig.session(0), tx.ID)
	if err != nil {
		t.Fatalf("BroadcastTx: %v", err)
	}
	if tx.Status != proposal.StatusBroadcasted || tx.BroadcastedOn.IsZero() {
		t.Fatalf("status = %s, broadcastedOn = %v", tx.Status, tx.BroadcastedOn)
	}

	_, err = rig.mgr.BroadcastTx(ctx, rig.session(0), tx.ID)
	if !errors.Is(err, cotx.ErrTxAlreadyBroadcasted) {
		t.Fatalf("double broadcast error = %v, want %v", err, cotx.ErrTxAlreadyBroadcasted)
	}
}

func TestBroadcastNotAccepted(t *testing.T) {
	rig := newTRig(t, 2, 2, utxo("aa", 0, 1e8, 6))
	tx := rig.publish(t, coinReq(0.5e8))
	_, err := rig.mgr.BroadcastTx(context.Background(), rig.session(0), tx.ID)
	if !errors.Is(err, cotx.ErrTxNotAccepted) {
		t.Fatalf("broadcast error = %v, want %v", err, cotx.ErrTxNotAccepted)
	}
}

func TestBroadcastFailureRetryable(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))
	tx, err := rig.mgr.SignTx(ctx, rig.session(0), tx.ID, [][]byte{[]byte("sig")})
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}

	// Submit fails and the tx is not on-chain: still ACCEPTED.
	rig.caster.failSubmit = true
	if _, err = rig.mgr.BroadcastTx(ctx, rig.session(0), tx.ID); err == nil {
		t.Fatal("broadcast succeeded despite relay failure")
	}
	stored, err := rig.mgr.Tx(ctx, rig.session(0), tx.ID)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if stored.Status != proposal.StatusAccepted {
		t.Fatalf("status after failed broadcast = %s, want accepted", stored.Status)
	}

	// Submit fails but the tx is already confirmed: advances to
	// BROADCASTED anyway.
	rig.caster.confirmed = true
	stored, err = rig.mgr.BroadcastTx(ctx, rig.session(0), tx.ID)
	if err != nil {
		t.Fatalf("recovery broadcast: %v", err)
	}
	if stored.Status != proposal.StatusBroadcasted {
		t.Fatalf("status = %s, want broadcasted", stored.Status)
	}
}

func TestRemovePendingTx(t *testing.T) {
	rig := newTRig(t, 2, 2, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx := rig.publish(t, coinReq(0.5e8))

	// A non-creator cannot remove before the grace period.
	err := rig.mgr.RemovePendingTx(ctx, rig.session(1), tx.ID)
	if !errors.Is(err, cotx.ErrTxCannotRemove) {
		t.Fatalf("non-creator remove error = %v, want %v", err, cotx.ErrTxCannotRemove)
	}

	// The creator always can; the inputs are freed.
	if err = rig.mgr.RemovePendingTx(ctx, rig.session(0), tx.ID); err != nil {
		t.Fatalf("creator remove: %v", err)
	}
	if _, err = rig.mgr.Tx(ctx, rig.session(0), tx.ID); !errors.Is(err, cotx.ErrTxNotFound) {
		t.Fatalf("Tx after removal = %v, want %v", err, cotx.ErrTxNotFound)
	}
	if _, err = rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.5e8)); err != nil {
		t.Fatalf("CreateTx after removal: %v", err)
	}
}

func TestDryRunNotPersisted(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()

	req := coinReq(0.5e8)
	req.DryRun = true
	tx, err := rig.mgr.CreateTx(ctx, rig.session(0), req)
	if err != nil {
		t.Fatalf("dry-run CreateTx: %v", err)
	}
	if len(tx.Inputs) == 0 {
		t.Fatal("dry run selected no inputs")
	}
	_, err = rig.mgr.PublishTx(ctx, rig.session(0), tx.ID, rig.signers[0].signProposal(tx))
	if !errors.Is(err, cotx.ErrTxNotFound) {
		t.Fatalf("publish of dry-run proposal = %v, want %v", err, cotx.ErrTxNotFound)
	}
}

func TestTemporaryInvisibleToOthers(t *testing.T) {
	rig := newTRig(t, 2, 2, utxo("aa", 0, 1e8, 6))
	ctx := context.Background()
	tx, err := rig.mgr.CreateTx(ctx, rig.session(0), coinReq(0.5e8))
	if err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	if _, err = rig.mgr.Tx(ctx, rig.session(1), tx.ID); !errors.Is(err, cotx.ErrTxNotFound) {
		t.Fatalf("non-creator sees temporary proposal: %v", err)
	}
	if _, err = rig.mgr.Tx(ctx, rig.session(0), tx.ID); err != nil {
		t.Fatalf("creator cannot see own temporary proposal: %v", err)
	}
}

func TestMutuallyExclusiveFeeModes(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	req := coinReq(0.5e8)
	req.FeeLevel = "normal"
	if _, err := rig.mgr.CreateTx(context.Background(), rig.session(0), req); err == nil {
		t.Fatal("feeLevel and feePerKb together were accepted")
	}
}

func TestGetSendMaxInfo(t *testing.T) {
	// One healthy coin and one uneconomical 100-sat coin. The marginal fee
	// of a 150-byte input at 100 sat/kB is 15 sats, so only coins below
	// that are skipped; use a rate that makes 100 sats uneconomical.
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6), utxo("bb", 1, 100, 6))
	req := &CreateTxRequest{
		Outputs:  []*proposal.Output{{ToAddress: "dest"}},
		FeePerKB: 1000, // 150-byte input costs 150 sats > 100 sats
	}
	info, err := rig.mgr.GetSendMaxInfo(context.Background(), rig.session(0), req)
	if err != nil {
		t.Fatalf("GetSendMaxInfo: %v", err)
	}
	if len(info.Inputs) != 1 {
		t.Fatalf("got %d inputs, want 1", len(info.Inputs))
	}
	if info.UtxosBelowFee != 1 || info.AmountBelowFee != 100 {
		t.Errorf("belowFee reporting = (%d, %d), want (1, 100)",
			info.UtxosBelowFee, info.AmountBelowFee)
	}
	if info.Amount+info.Fee != 1e8 {
		t.Errorf("amount %d + fee %d != 1e8", info.Amount, info.Fee)
	}
}

func TestGetSendMaxInfoNoUTXOSource(t *testing.T) {
	rig := newTRig(t, 1, 1)
	// A manager without a UTXO source is legal for account chains, so the
	// info query must error rather than dereference it.
	mgr, err := NewManager(&Config{
		Store:      rig.store,
		Locker:     lock.NewMemLocker(time.Second),
		CoinLocker: coinlock.NewWalletCoinLocker(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	req := &CreateTxRequest{
		Outputs:  []*proposal.Output{{ToAddress: "dest"}},
		FeePerKB: 100,
	}
	if _, err := mgr.GetSendMaxInfo(context.Background(), rig.session(0), req); err == nil {
		t.Fatal("sendMax info without a utxo source did not error")
	}
}

func TestCreateTxDoesNotMutateRequestOutputs(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	outs := make([]*proposal.Output, 8)
	for i := range outs {
		outs[i] = &proposal.Output{ToAddress: fmt.Sprintf("dest%d", i), Amount: 1e6}
	}
	req := &CreateTxRequest{
		Outputs:       append([]*proposal.Output(nil), outs...),
		FeePerKB:      100,
		ChangeAddress: "change",
	}
	if _, err := rig.mgr.CreateTx(context.Background(), rig.session(0), req); err != nil {
		t.Fatalf("CreateTx: %v", err)
	}
	// The shuffle for the proposal must not reorder the caller's slice.
	for i := range outs {
		if req.Outputs[i] != outs[i] {
			t.Fatalf("request output order mutated at index %d", i)
		}
	}
}

func TestSendMaxCreate(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6), utxo("bb", 1, 0.5e8, 3))
	req := &CreateTxRequest{
		Outputs:  []*proposal.Output{{ToAddress: "dest"}},
		FeePerKB: 100,
		SendMax:  true,
	}
	tx, err := rig.mgr.CreateTx(context.Background(), rig.session(0), req)
	if err != nil {
		t.Fatalf("sendMax CreateTx: %v", err)
	}
	if len(tx.Inputs) != 2 {
		t.Fatalf("got %d inputs, want 2", len(tx.Inputs))
	}
	if tx.ChangeAmount != 0 {
		t.Errorf("sendMax produced change %d", tx.ChangeAmount)
	}
	if tx.Amount+tx.Fee != 1.5e8 {
		t.Errorf("amount %d + fee %d != 1.5e8", tx.Amount, tx.Fee)
	}
	if tx.Outputs[0].Amount != tx.Amount {
		t.Errorf("output amount %d != proposal amount %d", tx.Outputs[0].Amount, tx.Amount)
	}
}

func TestNotAuthorized(t *testing.T) {
	rig := newTRig(t, 1, 1, utxo("aa", 0, 1e8, 6))
	stranger := newTCopayer(t, "stranger")
	sess := &Session{WalletID: rig.wallet.ID, CopayerID: stranger.copayer.ID}
	_, err := rig.mgr.CreateTx(context.Background(), sess, coinReq(0.5e8))
	if !errors.Is(err, cotx.ErrNotAuthorized) {
		t.Fatalf("stranger create error = %v, want %v", err, cotx.ErrNotAuthorized)
	}
}
