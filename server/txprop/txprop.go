// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package txprop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/cotx/proposal"
	"github.com/cotxd/cotxd/server/account"
	"github.com/cotxd/cotxd/server/backoff"
	"github.com/cotxd/cotxd/server/chain"
	"github.com/cotxd/cotxd/server/coinlock"
	"github.com/cotxd/cotxd/server/coinselect"
	"github.com/cotxd/cotxd/server/db"
	"github.com/cotxd/cotxd/server/feecache"
	"github.com/cotxd/cotxd/server/lock"
)

const (
	// DefaultDeleteGracePeriod is how long a non-creator copayer must wait
	// after the last non-creator action before removing a pending proposal.
	DefaultDeleteGracePeriod = 24 * time.Hour

	// DefaultLockTTL is the lease duration on the per-wallet allocation
	// lock.
	DefaultLockTTL = lock.DefaultTTL
)

// Session identifies the authenticated caller of an operation. It is
// request-scoped and threaded explicitly through every call.
type Session struct {
	WalletID  string
	CopayerID account.CopayerID
}

// CreateTxRequest carries the caller-controlled parameters of a new
// proposal.
type CreateTxRequest struct {
	// ProposalID is an optional client-supplied foreign id, used for
	// idempotent retries. Must be UUID-shaped when set.
	ProposalID string

	Outputs []*proposal.Output
	Message string

	// FeeLevel and FeePerKB are mutually exclusive. When neither is set,
	// the "normal" level is used.
	FeeLevel string
	FeePerKB uint64

	// UTXO chains.
	ChangeAddress      string
	ExcludeUnconfirmed bool
	ExcludeUTXOs       []proposal.OutpointID
	EnableRBF          bool
	SendMax            bool
	NoShuffleOutputs   bool

	// Account chains.
	From         string
	Nonce        uint64
	GasPrice     uint64
	GasLimit     uint64
	TokenAddress string

	// DryRun runs validation and selection but never persists the result.
	// Dry-run proposals are not publishable.
	DryRun bool
}

// SendMaxInfo reports what a sendMax selection over the wallet's spendable
// set would produce, without creating a proposal.
type SendMaxInfo struct {
	Amount             uint64
	Fee                uint64
	Inputs             []*proposal.UTXO
	UtxosBelowFee      int
	AmountBelowFee     uint64
	UtxosAboveMaxSize  int
	AmountAboveMaxSize uint64
}

// Config collects the Manager's collaborators and policy knobs.
type Config struct {
	Store       db.Archivist
	Locker      lock.Locker
	CoinLocker  *coinlock.WalletCoinLocker
	FeeCache    *feecache.Cache
	Guard       *backoff.Guard
	UTXOSource  chain.UTXOSource
	Balances    chain.BalanceSource
	Broadcaster chain.Broadcaster

	// DeleteGracePeriod overrides DefaultDeleteGracePeriod when > 0.
	DeleteGracePeriod time.Duration
	// LockTTL overrides DefaultLockTTL when > 0.
	LockTTL time.Duration

	Logger cotx.Logger
}

// Manager runs the proposal state machine. Manager methods are safe for
// concurrent use; per-wallet allocation critical sections are serialized
// through the Locker.
type Manager struct {
	store       db.Archivist
	locker      lock.Locker
	coins       *coinlock.WalletCoinLocker
	fees        *feecache.Cache
	guard       *backoff.Guard
	utxoSource  chain.UTXOSource
	balances    chain.BalanceSource
	broadcaster chain.Broadcaster

	gracePeriod time.Duration
	lockTTL     time.Duration

	adapterMtx sync.Mutex
	adapters   map[string]chain.Adapter
}

// NewManager creates a Manager from the config. Store, Locker, CoinLocker,
// and UTXOSource (or Balances for account chains) are required.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("no store configured")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("no wallet locker configured")
	}
	if cfg.CoinLocker == nil {
		return nil, fmt.Errorf("no coin locker configured")
	}
	if cfg.Logger != nil {
		UseLogger(cfg.Logger)
	}
	grace := cfg.DeleteGracePeriod
	if grace <= 0 {
		grace = DefaultDeleteGracePeriod
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Manager{
		store:       cfg.Store,
		locker:      cfg.Locker,
		coins:       cfg.CoinLocker,
		fees:        cfg.FeeCache,
		guard:       cfg.Guard,
		utxoSource:  cfg.UTXOSource,
		balances:    cfg.Balances,
		broadcaster: cfg.Broadcaster,
		gracePeriod: grace,
		lockTTL:     ttl,
		adapters:    make(map[string]chain.Adapter),
	}, nil
}

// adapter returns the chain adapter for the wallet, constructing and caching
// it on first use. Adapters are keyed by chain, network, and quorum since
// UTXO-family size estimates depend on m and n.
func (m *Manager) adapter(w *account.Wallet) (chain.Adapter, error) {
	key := fmt.Sprintf("%s:%s:%d:%d", w.Chain, w.Network, w.M, w.N)
	m.adapterMtx.Lock()
	defer m.adapterMtx.Unlock()
	if a, ok := m.adapters[key]; ok {
		return a, nil
	}
	a, err := chain.Setup(w.Chain, &chain.Config{
		M:       w.M,
		N:       w.N,
		Network: w.Network,
		Logger:  log,
	})
	if err != nil {
		return nil, err
	}
	m.adapters[key] = a
	return a, nil
}

// wallet loads the session's wallet and authorizes the session copayer.
func (m *Manager) wallet(ctx context.Context, sess *Session) (*account.Wallet, error) {
	w, err := m.store.Wallet(ctx, sess.WalletID)
	if err != nil {
		return nil, err
	}
	if w.Copayer(sess.CopayerID) == nil {
		return nil, cotx.NewError(cotx.ErrNotAuthorized,
			fmt.Sprintf("copayer %v is not a member of wallet %s", sess.CopayerID, w.ID))
	}
	return w, nil
}

// proposalTx loads a proposal, mapping an unknown id to ErrTxNotFound.
// TEMPORARY proposals are only visible to their creator.
func (m *Manager) proposalTx(ctx context.Context, sess *Session, proposalID string) (*proposal.TxProposal, error) {
	t, err := m.store.Proposal(ctx, sess.WalletID, proposalID)
	if db.IsErrProposalUnknown(err) {
		return nil, cotx.NewError(cotx.ErrTxNotFound, proposalID)
	}
	if err != nil {
		return nil, err
	}
	if t.Status == proposal.StatusTemporary && t.CreatorID != sess.CopayerID {
		return nil, cotx.NewError(cotx.ErrTxNotFound, proposalID)
	}
	return t, nil
}

// Tx retrieves a single proposal.
func (m *Manager) Tx(ctx context.Context, sess *Session, proposalID string) (*proposal.TxProposal, error) {
	if _, err := m.wallet(ctx, sess); err != nil {
		return nil, err
	}
	return m.proposalTx(ctx, sess, proposalID)
}

// PendingTxs retrieves the wallet's proposals that hold input reservations,
// i.e. published proposals still collecting signatures or awaiting
// broadcast.
func (m *Manager) PendingTxs(ctx context.Context, sess *Session) ([]*proposal.TxProposal, error) {
	if _, err := m.wallet(ctx, sess); err != nil {
		return nil, err
	}
	return m.store.PendingProposals(ctx, sess.WalletID)
}

// walletLockKey is the resource key serializing a wallet's allocation
// critical sections.
func walletLockKey(walletID string) string {
	return "wallet/" + walletID
}

// CreateTx validates the request, selects inputs under the wallet lock, and
// persists a TEMPORARY proposal. A request with a foreign id matching an
// existing proposal returns the existing proposal unchanged.
func (m *Manager) CreateTx(ctx context.Context, sess *Session, req *CreateTxRequest) (*proposal.TxProposal, error) {
	w, err := m.wallet(ctx, sess)
	if err != nil {
		return nil, err
	}
	if w.Status() != account.WalletComplete {
		return nil, cotx.NewError(cotx.ErrWalletNotComplete, w.ID)
	}
	if m.guard != nil {
		if err := m.guard.CheckCreate(sess.CopayerID); err != nil {
			return nil, err
		}
	}

	adapter, err := m.adapter(w)
	if err != nil {
		return nil, err
	}
	if err := m.validateCreate(adapter, req); err != nil {
		return nil, err
	}

	// Idempotent retry on a foreign id.
	if req.ProposalID != "" {
		if err := proposal.ValidateID(req.ProposalID); err != nil {
			return nil, err
		}
		existing, err := m.store.Proposal(ctx, sess.WalletID, req.ProposalID)
		if err == nil {
			return existing, nil
		}
		if !db.IsErrProposalUnknown(err) {
			return nil, err
		}
	}

	feePerKB, err := m.resolveFeeRate(ctx, w, req)
	if err != nil {
		return nil, err
	}

	t := &proposal.TxProposal{
		ID:                 req.ProposalID,
		WalletID:           w.ID,
		CreatorID:          sess.CopayerID,
		CreatedOn:          time.Now().UTC(),
		Chain:              w.Chain,
		Network:            w.Network,
		ChangeAddress:      req.ChangeAddress,
		ExcludeUnconfirmed: req.ExcludeUnconfirmed,
		EnableRBF:          req.EnableRBF,
		From:               req.From,
		Nonce:              req.Nonce,
		TokenAddress:       req.TokenAddress,
		Outputs:            req.Outputs,
		FeePerKB:           feePerKB,
		FeeLevel:           req.FeeLevel,
		RequiredSignatures: w.RequiredSignatures(),
		RequiredRejections: w.RequiredRejections(),
		Status:             proposal.StatusTemporary,
		Message:            req.Message,
	}
	if t.ID == "" {
		t.ID = proposal.NewID()
	}
	for _, o := range req.Outputs {
		t.Amount += o.Amount
	}
	if !req.NoShuffleOutputs {
		t.Outputs = shuffledOutputs(req.Outputs)
	}

	// The allocation critical section: selection must see a stable
	// reservation set.
	token, err := m.locker.Acquire(ctx, walletLockKey(w.ID), m.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rlsErr := m.locker.Release(walletLockKey(w.ID), token); rlsErr != nil {
			log.Warnf("release of wallet lock %s failed: %v", w.ID, rlsErr)
		}
	}()

	switch adapter.Family() {
	case chain.UTXOFamily:
		if err := m.selectInputs(ctx, w, adapter, req, t); err != nil {
			return nil, err
		}
	case chain.AccountFamily:
		if err := m.checkAccountFunds(ctx, adapter, req, t); err != nil {
			return nil, err
		}
	}

	// Confirm the proposal assembles into a valid transaction before
	// persisting. The raw bytes are only recorded once quorum is reached.
	if _, err := adapter.BuildRawTx(t); err != nil {
		return nil, err
	}

	if req.DryRun {
		return t, nil
	}

	if err := m.store.InsertProposal(ctx, t); err != nil {
		return nil, err
	}
	log.Debugf("created proposal %s for wallet %s: %d to %d outputs, fee %d",
		t.ID, w.ID, t.Amount, len(t.Outputs), t.Fee)
	return t, nil
}

// validateCreate performs the synchronous fail-fast checks that need no lock
// and no I/O.
func (m *Manager) validateCreate(adapter chain.Adapter, req *CreateTxRequest) error {
	if len(req.Outputs) == 0 {
		return fmt.Errorf("no outputs specified")
	}
	if req.FeeLevel != "" && req.FeePerKB != 0 {
		return fmt.Errorf("feeLevel and feePerKb are mutually exclusive")
	}
	if req.SendMax && len(req.Outputs) != 1 {
		return fmt.Errorf("sendMax requires exactly one output")
	}
	dust := adapter.DustThreshold()
	for i, o := range req.Outputs {
		if !adapter.CheckAddress(o.ToAddress) {
			return fmt.Errorf("invalid output address %q", o.ToAddress)
		}
		if !req.SendMax {
			if o.Amount == 0 {
				return fmt.Errorf("zero amount in output %d", i)
			}
			if o.Amount < dust {
				return cotx.NewError(cotx.ErrDustAmount,
					fmt.Sprintf("output %d: %d below dust threshold %d", i, o.Amount, dust))
			}
		}
	}
	if req.ChangeAddress != "" && !adapter.CheckAddress(req.ChangeAddress) {
		return fmt.Errorf("invalid change address %q", req.ChangeAddress)
	}
	return nil
}

// resolveFeeRate turns the request's fee specification into a concrete rate.
func (m *Manager) resolveFeeRate(ctx context.Context, w *account.Wallet, req *CreateTxRequest) (uint64, error) {
	if req.FeePerKB != 0 {
		return req.FeePerKB, nil
	}
	if m.fees == nil {
		return 0, fmt.Errorf("no fee estimation configured and no feePerKb given")
	}
	levelName := req.FeeLevel
	if levelName == "" {
		levelName = feecache.DefaultLevelName
	}
	levels, err := m.fees.FeeLevels(ctx, w.Chain, w.Network)
	if err != nil {
		return 0, err
	}
	return levels.RateForLevel(m.fees.Levels(), levelName)
}

// selectInputs fetches the wallet's UTXO snapshot, filters the active
// reservations, and runs the selector, distinguishing LOCKED_FUNDS from a
// plain shortfall. Must be called with the wallet lock held.
func (m *Manager) selectInputs(ctx context.Context, w *account.Wallet, adapter chain.Adapter,
	req *CreateTxRequest, t *proposal.TxProposal) error {

	if m.utxoSource == nil {
		return fmt.Errorf("no utxo source configured")
	}
	utxos, err := m.utxoSource.UTXOs(ctx, w)
	if err != nil {
		return err
	}
	reserved, err := m.reservedOutpoints(ctx, w.ID)
	if err != nil {
		return err
	}

	exclude := make(map[proposal.OutpointID]bool, len(req.ExcludeUTXOs))
	for _, op := range req.ExcludeUTXOs {
		exclude[op] = true
	}

	selReq := &coinselect.Request{
		Amount:             t.Amount,
		FeePerKB:           t.FeePerKB,
		NumOutputs:         len(t.Outputs),
		SendMax:            req.SendMax,
		ExcludeUnconfirmed: req.ExcludeUnconfirmed,
		Exclude:            exclude,
		Reserved: func(op proposal.OutpointID) bool {
			return reserved[op]
		},
	}

	selector := coinselect.NewSelector(adapter, log)
	res, err := selector.Select(utxos, selReq)
	if err != nil {
		// If the shortfall disappears with the reservations ignored, the
		// wallet has the funds but they are committed to other active
		// proposals.
		if errors.Is(err, cotx.ErrInsufficientFunds) ||
			errors.Is(err, cotx.ErrInsufficientFundsForFee) {
			unfiltered := *selReq
			unfiltered.Reserved = nil
			if _, retryErr := selector.Select(utxos, &unfiltered); retryErr == nil {
				return cotx.NewError(cotx.ErrLockedFunds,
					"funds are reserved by other pending proposals")
			}
		}
		return err
	}

	t.Inputs = res.Inputs
	t.Fee = res.Fee
	t.ChangeAmount = res.ChangeAmount
	if req.SendMax {
		t.Amount = res.Amount
		t.Outputs[0].Amount = res.Amount
	}
	if t.ChangeAmount > 0 && t.ChangeAddress == "" {
		return fmt.Errorf("selection produced change but no change address was given")
	}
	return nil
}

// reservedOutpoints merges the persisted reservation set with the in-memory
// coin locker. The store is authoritative; the locker covers proposals
// reserved by this process whose status update may still be in flight.
func (m *Manager) reservedOutpoints(ctx context.Context, walletID string) (map[proposal.OutpointID]bool, error) {
	locked, err := m.store.LockedOutpoints(ctx, walletID)
	if err != nil {
		return nil, err
	}
	reserved := make(map[proposal.OutpointID]bool, len(locked))
	for _, op := range locked {
		reserved[op] = true
	}
	return reserved, nil
}

// checkAccountFunds runs the account-family degradation of selection: a
// balance check with a separate native-asset fee check for token transfers.
func (m *Manager) checkAccountFunds(ctx context.Context, adapter chain.Adapter,
	req *CreateTxRequest, t *proposal.TxProposal) error {

	acctAdapter, ok := adapter.(chain.AccountAdapter)
	if !ok {
		return fmt.Errorf("chain %s does not support account transfers", t.Chain)
	}
	if m.balances == nil {
		return fmt.Errorf("no balance source configured")
	}
	if t.From == "" {
		return fmt.Errorf("no from address specified")
	}

	t.GasPrice = req.GasPrice
	if t.GasPrice == 0 {
		t.GasPrice = t.FeePerKB
	}
	t.GasLimit = req.GasLimit
	if t.GasLimit == 0 {
		t.GasLimit = acctAdapter.DefaultGasLimit(t.TokenAddress != "")
	}
	t.Fee = t.GasPrice * t.GasLimit

	nativeBalance, err := m.balances.Balance(ctx, t.From)
	if err != nil {
		return err
	}
	balance := nativeBalance
	if t.TokenAddress != "" {
		balance, err = m.balances.TokenBalance(ctx, t.From, t.TokenAddress)
		if err != nil {
			return err
		}
	}
	return acctAdapter.CheckFunds(t, balance, nativeBalance)
}

// PublishTx verifies the creator's signature over the proposal's canonical
// serialization, re-validates the reserved inputs, and moves the proposal
// from TEMPORARY to PENDING. Publication is the point at which the proposal
// becomes visible to the other copayers.
func (m *Manager) PublishTx(ctx context.Context, sess *Session, proposalID string, signature []byte) (*proposal.TxProposal, error) {
	w, err := m.wallet(ctx, sess)
	if err != nil {
		return nil, err
	}
	t, err := m.proposalTx(ctx, sess, proposalID)
	if err != nil {
		return nil, err
	}
	if t.Status != proposal.StatusTemporary {
		return nil, cotx.NewError(cotx.ErrTxNotPending,
			fmt.Sprintf("proposal %s is %s, not awaiting publication", t.ID, t.Status))
	}
	if t.CreatorID != sess.CopayerID {
		return nil, cotx.NewError(cotx.ErrNotAuthorized,
			"only the creator may publish a proposal")
	}
	creator := w.Copayer(t.CreatorID)
	if err := creator.Verify(t.Serialize(), signature); err != nil {
		return nil, cotx.NewError(cotx.ErrBadSignature, err.Error())
	}

	adapter, err := m.adapter(w)
	if err != nil {
		return nil, err
	}

	token, err := m.locker.Acquire(ctx, walletLockKey(w.ID), m.lockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rlsErr := m.locker.Release(walletLockKey(w.ID), token); rlsErr != nil {
			log.Warnf("release of wallet lock %s failed: %v", w.ID, rlsErr)
		}
	}()

	// The inputs were selected before publication without reserving them.
	// Re-validate that they are still spendable and unreserved.
	if adapter.Family() == chain.UTXOFamily {
		if err := m.revalidateInputs(ctx, w, t); err != nil {
			return nil, err
		}
	}

	t.Status = proposal.StatusPending
	if err := m.store.UpdateProposal(ctx, t); err != nil {
		return nil, err
	}
	m.coins.LockCoins(w.ID, t.ID, t.Outpoints())
	log.Infof("proposal %s published for wallet %s", t.ID, w.ID)
	return t, nil
}

// revalidateInputs checks that every input of the proposal is still present
// in the wallet's current unspent set and not reserved by another proposal.
// Must be called with the wallet lock held.
func (m *Manager) revalidateInputs(ctx context.Context, w *account.Wallet, t *proposal.TxProposal) error {
	utxos, err := m.utxoSource.UTXOs(ctx, w)
	if err != nil {
		return err
	}
	current := make(map[proposal.OutpointID]bool, len(utxos))
	for _, u := range utxos {
		current[u.Outpoint()] = true
	}
	reserved, err := m.reservedOutpoints(ctx, w.ID)
	if err != nil {
		return err
	}
	for _, op := range t.Outpoints() {
		if !current[op] || reserved[op] {
			return cotx.NewError(cotx.ErrUnavailableUTXOs, string(op))
		}
	}
	return nil
}

// SignTx records a copayer's accept action with its input signatures.
// Reaching the m-signature quorum finalizes the raw transaction and flips
// the proposal to ACCEPTED.
func (m *Manager) SignTx(ctx context.Context, sess *Session, proposalID string, signatures [][]byte) (*proposal.TxProposal, error) {
	w, err := m.wallet(ctx, sess)
	if err != nil {
		return nil, err
	}
	t, err := m.proposalTx(ctx, sess, proposalID)
	if err != nil {
		return nil, err
	}
	if t.Status != proposal.StatusPending {
		return nil, cotx.NewError(cotx.ErrTxNotPending, t.Status.String())
	}

	adapter, err := m.adapter(w)
	if err != nil {
		return nil, err
	}
	if err := m.verifyInputSignatures(w, adapter, t, sess.CopayerID, signatures); err != nil {
		return nil, err
	}

	action := &proposal.Action{
		CopayerID:  sess.CopayerID,
		Type:       proposal.ActionAccept,
		Signatures: signatures,
		CreatedOn:  time.Now().UTC(),
	}
	t, err = m.appendAction(ctx, t, action)
	if err != nil {
		return nil, err
	}

	// A concurrent signer's re-read may already have made the transition.
	if t.Status == proposal.StatusPending && t.AcceptCount() >= t.RequiredSignatures {
		raw, err := adapter.BuildRawTx(t)
		if err != nil {
			return nil, err
		}
		txid, err := adapter.TxID(raw)
		if err != nil {
			return nil, err
		}
		t.Raw = raw
		t.TxID = txid
		t.Status = proposal.StatusAccepted
		if err := m.store.UpdateProposal(ctx, t); err != nil {
			return nil, err
		}
		if m.guard != nil {
			m.guard.RecordAcceptance(t.CreatorID)
		}
		log.Infof("proposal %s accepted with %d signatures, txid %s",
			t.ID, t.AcceptCount(), t.TxID)
	}
	return t, nil
}

// verifyInputSignatures checks the signature count and each per-input
// signature against the signing copayer's registered request keys.
func (m *Manager) verifyInputSignatures(w *account.Wallet, adapter chain.Adapter,
	t *proposal.TxProposal, copayerID account.CopayerID, signatures [][]byte) error {

	required := len(t.Inputs)
	if adapter.Family() == chain.AccountFamily {
		required = 1
	}
	if len(signatures) != required {
		return cotx.NewError(cotx.ErrBadSignature,
			fmt.Sprintf("expected %d signatures, got %d", required, len(signatures)))
	}

	copayer := w.Copayer(copayerID)
	base := t.Serialize()
	for i, sig := range signatures {
		// Each signature commits to the proposal content and the input it
		// covers.
		msg := make([]byte, 0, len(base)+4)
		msg = append(msg, base...)
		msg = append(msg, cotx.Uint32Bytes(uint32(i))...)

		var ok bool
		for _, pubKey := range copayer.RequestKeys {
			if adapter.VerifySignature(msg, sig, pubKey.SerializeCompressed()) {
				ok = true
				break
			}
		}
		if !ok {
			return cotx.NewError(cotx.ErrBadSignature,
				fmt.Sprintf("signature %d does not verify", i))
		}
	}
	return nil
}

// RejectTx records a copayer's reject action. Reaching n-m+1 rejections
// flips the proposal to REJECTED and frees its inputs.
func (m *Manager) RejectTx(ctx context.Context, sess *Session, proposalID, reason string) (*proposal.TxProposal, error) {
	if _, err := m.wallet(ctx, sess); err != nil {
		return nil, err
	}
	t, err := m.proposalTx(ctx, sess, proposalID)
	if err != nil {
		return nil, err
	}
	if t.Status != proposal.StatusPending {
		return nil, cotx.NewError(cotx.ErrTxNotPending, t.Status.String())
	}

	action := &proposal.Action{
		CopayerID: sess.CopayerID,
		Type:      proposal.ActionReject,
		Comment:   reason,
		CreatedOn: time.Now().UTC(),
	}
	t, err = m.appendAction(ctx, t, action)
	if err != nil {
		return nil, err
	}

	if t.Status == proposal.StatusPending && t.RejectCount() >= t.RequiredRejections {
		t.Status = proposal.StatusRejected
		if err := m.store.UpdateProposal(ctx, t); err != nil {
			return nil, err
		}
		m.coins.UnlockProposalCoins(t.WalletID, t.ID)
		if m.guard != nil {
			m.guard.RecordRejection(t.CreatorID)
		}
		log.Infof("proposal %s rejected with %d rejections", t.ID, t.RejectCount())
	}
	return t, nil
}

// appendAction records the action through the store's atomic conditional
// append and returns the proposal re-read from the store, carrying the full
// persisted action set. Threshold checks must run against every durably
// recorded action, not the caller's pre-append snapshot, or two
// near-simultaneous actors each count only their own action and the
// threshold transition is never made.
func (m *Manager) appendAction(ctx context.Context, t *proposal.TxProposal, action *proposal.Action) (*proposal.TxProposal, error) {
	// Cheap pre-check; the store's conditional insert is the real guard
	// against two near-simultaneous actions.
	if t.Action(action.CopayerID) != nil {
		return nil, cotx.NewError(cotx.ErrCopayerVoted, action.CopayerID.String())
	}
	err := m.store.AppendAction(ctx, t.WalletID, t.ID, action)
	if db.IsErrCopayerAlreadyActed(err) {
		return nil, cotx.NewError(cotx.ErrCopayerVoted, action.CopayerID.String())
	}
	if err != nil {
		return nil, err
	}
	return m.store.Proposal(ctx, t.WalletID, t.ID)
}

// BroadcastTx submits an ACCEPTED proposal's raw transaction. A submit
// failure leaves the proposal ACCEPTED and retryable, unless the transaction
// is already confirmed on-chain, in which case the proposal still advances
// to BROADCASTED.
func (m *Manager) BroadcastTx(ctx context.Context, sess *Session, proposalID string) (*proposal.TxProposal, error) {
	if _, err := m.wallet(ctx, sess); err != nil {
		return nil, err
	}
	t, err := m.proposalTx(ctx, sess, proposalID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case proposal.StatusBroadcasted:
		return nil, cotx.NewError(cotx.ErrTxAlreadyBroadcasted, t.TxID)
	case proposal.StatusAccepted:
	default:
		return nil, cotx.NewError(cotx.ErrTxNotAccepted, t.Status.String())
	}
	if m.broadcaster == nil {
		return nil, fmt.Errorf("no broadcaster configured")
	}

	txid, err := m.broadcaster.Broadcast(ctx, t.Raw)
	if err != nil {
		// Idempotent recovery: a prior submission may have succeeded
		// without the acknowledgement reaching us, or a third party may
		// have broadcast the same transaction.
		confirmed, confErr := m.broadcaster.TxConfirmed(ctx, t.TxID)
		if confErr != nil || !confirmed {
			log.Warnf("broadcast of proposal %s failed, still ACCEPTED: %v", t.ID, err)
			return nil, err
		}
		log.Infof("proposal %s already confirmed as %s despite submit error", t.ID, t.TxID)
		txid = t.TxID
	}

	t.TxID = txid
	t.Status = proposal.StatusBroadcasted
	t.BroadcastedOn = time.Now().UTC()
	if err := m.store.UpdateProposal(ctx, t); err != nil {
		return nil, err
	}
	m.coins.UnlockProposalCoins(t.WalletID, t.ID)
	log.Infof("proposal %s broadcasted as %s", t.ID, t.TxID)
	return t, nil
}

// RemovePendingTx deletes a non-broadcast proposal. The creator may always
// remove; another copayer only after the grace period has elapsed since the
// last non-creator activity.
func (m *Manager) RemovePendingTx(ctx context.Context, sess *Session, proposalID string) error {
	if _, err := m.wallet(ctx, sess); err != nil {
		return err
	}
	t, err := m.proposalTx(ctx, sess, proposalID)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return cotx.NewError(cotx.ErrTxCannotRemove,
			fmt.Sprintf("proposal %s is %s", t.ID, t.Status))
	}

	if sess.CopayerID != t.CreatorID {
		lastActivity := t.CreatedOn
		for _, a := range t.Actions {
			if a.CopayerID != t.CreatorID && a.CreatedOn.After(lastActivity) {
				lastActivity = a.CreatedOn
			}
		}
		if time.Since(lastActivity) < m.gracePeriod {
			return cotx.NewError(cotx.ErrTxCannotRemove,
				"only the creator may remove the proposal before the grace period elapses")
		}
	}

	if err := m.store.DeleteProposal(ctx, t.WalletID, t.ID); err != nil {
		return err
	}
	m.coins.UnlockProposalCoins(t.WalletID, t.ID)
	log.Debugf("proposal %s removed by %v", t.ID, sess.CopayerID)
	return nil
}

// GetSendMaxInfo runs a sendMax selection over the wallet's current
// spendable set and reports the outcome without creating a proposal.
func (m *Manager) GetSendMaxInfo(ctx context.Context, sess *Session, req *CreateTxRequest) (*SendMaxInfo, error) {
	w, err := m.wallet(ctx, sess)
	if err != nil {
		return nil, err
	}
	adapter, err := m.adapter(w)
	if err != nil {
		return nil, err
	}
	if adapter.Family() != chain.UTXOFamily {
		return nil, fmt.Errorf("sendMax info is only defined for utxo chains")
	}

	if m.utxoSource == nil {
		return nil, fmt.Errorf("no utxo source configured")
	}

	feePerKB, err := m.resolveFeeRate(ctx, w, req)
	if err != nil {
		return nil, err
	}
	utxos, err := m.utxoSource.UTXOs(ctx, w)
	if err != nil {
		return nil, err
	}
	reserved, err := m.reservedOutpoints(ctx, w.ID)
	if err != nil {
		return nil, err
	}

	exclude := make(map[proposal.OutpointID]bool, len(req.ExcludeUTXOs))
	for _, op := range req.ExcludeUTXOs {
		exclude[op] = true
	}
	res, err := coinselect.NewSelector(adapter, log).Select(utxos, &coinselect.Request{
		SendMax:            true,
		FeePerKB:           feePerKB,
		NumOutputs:         1,
		ExcludeUnconfirmed: req.ExcludeUnconfirmed,
		Exclude:            exclude,
		Reserved: func(op proposal.OutpointID) bool {
			return reserved[op]
		},
	})
	if err != nil {
		return nil, err
	}
	return &SendMaxInfo{
		Amount:             res.Amount,
		Fee:                res.Fee,
		Inputs:             res.Inputs,
		UtxosBelowFee:      res.UtxosBelowFee,
		AmountBelowFee:     res.AmountBelowFee,
		UtxosAboveMaxSize:  res.UtxosAboveMaxSize,
		AmountAboveMaxSize: res.AmountAboveMaxSize,
	}, nil
}

// SeedCoinLocks primes the in-memory coin locker for a wallet from the
// persisted reservation set, for process restart recovery.
func (m *Manager) SeedCoinLocks(ctx context.Context, walletID string) error {
	proposals, err := m.store.PendingProposals(ctx, walletID)
	if err != nil {
		return err
	}
	for _, t := range proposals {
		m.coins.LockCoins(walletID, t.ID, t.Outpoints())
	}
	return nil
}

// shuffledOutputs returns a copy of the outputs in randomized order, leaving
// the caller's slice untouched, so published proposals do not leak which
// output is the payment.
func shuffledOutputs(outputs []*proposal.Output) []*proposal.Output {
	shuffled := append([]*proposal.Output(nil), outputs...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}
