package coinlock

import (
	"sync"

	"github.com/cotxd/cotxd/cotx/proposal"
)

// OutpointID identifies one UTXO.
type OutpointID = proposal.OutpointID

// CoinLockChecker provides the ability to check if a UTXO or a proposal's
// backing UTXOs are reserved.
type CoinLockChecker interface {
	// CoinLocked indicates if a UTXO is reserved by an active proposal.
	CoinLocked(wallet string, coin OutpointID) bool
	// ProposalCoinsLocked returns all UTXOs reserved by a proposal.
	ProposalCoinsLocked(wallet, proposalID string) []OutpointID
}

// CoinLocker provides the ability to reserve, release and check reservation
// status of UTXOs. Proposal creation reserves the selected inputs under the
// proposal's id; rejection, removal and broadcast release them.
type CoinLocker interface {
	CoinLockChecker
	// LockCoins reserves UTXOs under a proposal id.
	LockCoins(wallet, proposalID string, coins []OutpointID)
	// UnlockProposalCoins releases all UTXOs reserved under a proposal id.
	UnlockProposalCoins(wallet, proposalID string)
}

type coinKey string

// walletCoinLocker tracks the reservations of one wallet.
type walletCoinLocker struct {
	lockedCoins           map[coinKey]string // outpoint -> proposal id
	lockedCoinsByProposal map[string][]OutpointID
}

func newWalletCoinLocker() *walletCoinLocker {
	return &walletCoinLocker{
		lockedCoins:           make(map[coinKey]string),
		lockedCoinsByProposal: make(map[string][]OutpointID),
	}
}

// WalletCoinLocker is an in-memory UTXO reservation tracker keyed by wallet
// and proposal. It mirrors the PENDING/ACCEPTED proposals in the store and
// should be seeded from them at startup with LockCoins.
type WalletCoinLocker struct {
	mtx     sync.RWMutex
	wallets map[string]*walletCoinLocker
}

var _ CoinLocker = (*WalletCoinLocker)(nil)

// NewWalletCoinLocker constructs a new WalletCoinLocker.
func NewWalletCoinLocker() *WalletCoinLocker {
	return &WalletCoinLocker{
		wallets: make(map[string]*walletCoinLocker),
	}
}

// CoinLocked indicates if a UTXO is reserved by any of the wallet's active
// proposals.
func (wl *WalletCoinLocker) CoinLocked(wallet string, coin OutpointID) bool {
	wl.mtx.RLock()
	defer wl.mtx.RUnlock()
	locker := wl.wallets[wallet]
	if locker == nil {
		return false
	}
	_, locked := locker.lockedCoins[coinKey(coin)]
	return locked
}

// ProposalCoinsLocked lists the UTXOs reserved by a proposal.
func (wl *WalletCoinLocker) ProposalCoinsLocked(wallet, proposalID string) []OutpointID {
	wl.mtx.RLock()
	defer wl.mtx.RUnlock()
	locker := wl.wallets[wallet]
	if locker == nil {
		return nil
	}
	return locker.lockedCoinsByProposal[proposalID]
}

// LockCoins reserves UTXOs under a proposal id.
func (wl *WalletCoinLocker) LockCoins(wallet, proposalID string, coins []OutpointID) {
	wl.mtx.Lock()
	defer wl.mtx.Unlock()
	locker := wl.wallets[wallet]
	if locker == nil {
		locker = newWalletCoinLocker()
		wl.wallets[wallet] = locker
	}
	locker.lockedCoinsByProposal[proposalID] = coins
	for i := range coins {
		locker.lockedCoins[coinKey(coins[i])] = proposalID
	}
}

// UnlockProposalCoins releases any UTXOs reserved under the proposal id.
// Releasing an unknown proposal is a no-op.
func (wl *WalletCoinLocker) UnlockProposalCoins(wallet, proposalID string) {
	wl.mtx.Lock()
	defer wl.mtx.Unlock()
	locker := wl.wallets[wallet]
	if locker == nil {
		return
	}
	coins := locker.lockedCoinsByProposal[proposalID]
	for i := range coins {
		delete(locker.lockedCoins, coinKey(coins[i]))
	}
	delete(locker.lockedCoinsByProposal, proposalID)
	if len(locker.lockedCoins) == 0 {
		delete(wl.wallets, wallet)
	}
}
