package coinlock

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"testing"
)

func randomBytes(len int) []byte {
	bytes := make([]byte, len)
	rand.Read(bytes)
	return bytes
}

func randOutpoint() OutpointID {
	return OutpointID(fmt.Sprintf("%s:%d", hex.EncodeToString(randomBytes(32)), rand.Intn(4)))
}

func verifyLocked(cl CoinLockChecker, wallet string, coins []OutpointID, wantLocked bool, t *testing.T) {
	t.Helper()
	for _, coin := range coins {
		locked := cl.CoinLocked(wallet, coin)
		if locked != wantLocked {
			t.Errorf("Coin %v locked=%v, wanted=%v.", coin, locked, wantLocked)
		}
	}
}

func TestWalletCoinLocker_LockCoins(t *testing.T) {
	const walletA = "wallet-a"
	const walletB = "wallet-b"

	coins0 := []OutpointID{randOutpoint(), randOutpoint()}
	coins1 := []OutpointID{randOutpoint(), randOutpoint(), randOutpoint()}

	wl := NewWalletCoinLocker()
	wl.LockCoins(walletA, "prop-0", coins0)
	wl.LockCoins(walletA, "prop-1", coins1)

	verifyLocked(wl, walletA, coins0, true, t)
	verifyLocked(wl, walletA, coins1, true, t)

	// Reservations are per wallet.
	verifyLocked(wl, walletB, coins0, false, t)

	got := wl.ProposalCoinsLocked(walletA, "prop-1")
	if len(got) != len(coins1) {
		t.Fatalf("ProposalCoinsLocked returned %d coins, wanted %d", len(got), len(coins1))
	}

	wl.UnlockProposalCoins(walletA, "prop-0")
	verifyLocked(wl, walletA, coins0, false, t)
	verifyLocked(wl, walletA, coins1, true, t)

	// Releasing an unknown proposal is a no-op.
	wl.UnlockProposalCoins(walletA, "prop-404")
	verifyLocked(wl, walletA, coins1, true, t)

	wl.UnlockProposalCoins(walletA, "prop-1")
	verifyLocked(wl, walletA, coins1, false, t)

	if len(wl.wallets) != 0 {
		t.Errorf("wallet map not cleaned up, %d entries remain", len(wl.wallets))
	}
}

func TestWalletCoinLocker_UnknownWallet(t *testing.T) {
	wl := NewWalletCoinLocker()
	if wl.CoinLocked("nope", randOutpoint()) {
		t.Fatal("coin locked in unknown wallet")
	}
	if coins := wl.ProposalCoinsLocked("nope", "prop"); coins != nil {
		t.Fatalf("expected nil coins, got %v", coins)
	}
	wl.UnlockProposalCoins("nope", "prop")
}
