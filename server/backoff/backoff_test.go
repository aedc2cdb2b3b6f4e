package backoff

import (
	"errors"
	"testing"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/server/account"
	"github.com/decred/slog"
)

func testGuard(cfg *Config) (*Guard, *time.Time) {
	g := NewGuard(cfg, slog.Disabled)
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func testCopayerID(b byte) account.CopayerID {
	var id account.CopayerID
	id[0] = b
	return id
}

func TestGuardThreshold(t *testing.T) {
	g, now := testGuard(&Config{})
	copayer := testCopayerID(1)

	for i := 0; i < DefaultThreshold-1; i++ {
		g.RecordRejection(copayer)
		if err := g.CheckCreate(copayer); err != nil {
			t.Fatalf("cooldown after %d rejections: %v", i+1, err)
		}
	}

	g.RecordRejection(copayer)
	err := g.CheckCreate(copayer)
	if !errors.Is(err, cotx.ErrTxCannotCreate) {
		t.Fatalf("expected ErrTxCannotCreate after %d rejections, got %v",
			DefaultThreshold, err)
	}

	// Other copayers are unaffected.
	if err := g.CheckCreate(testCopayerID(2)); err != nil {
		t.Fatalf("unrelated copayer in cooldown: %v", err)
	}

	// Cooldown elapses.
	*now = now.Add(DefaultBaseCooldown + time.Minute)
	if err := g.CheckCreate(copayer); err != nil {
		t.Fatalf("cooldown did not elapse: %v", err)
	}
}

func TestGuardCooldownGrowth(t *testing.T) {
	g, now := testGuard(&Config{Threshold: 2, BaseCooldown: time.Hour, MaxCooldown: 3 * time.Hour})
	copayer := testCopayerID(1)

	trigger := func() time.Duration {
		g.RecordRejection(copayer)
		g.RecordRejection(copayer)
		g.mtx.Lock()
		until := g.records[copayer].cooldownUntil
		g.mtx.Unlock()
		return until.Sub(*now)
	}

	if d := trigger(); d != time.Hour {
		t.Fatalf("first offense cooldown = %v, want 1h", d)
	}
	*now = now.Add(2 * time.Hour)
	if d := trigger(); d != 2*time.Hour {
		t.Fatalf("second offense cooldown = %v, want 2h", d)
	}
	*now = now.Add(3 * time.Hour)
	if d := trigger(); d != 3*time.Hour {
		t.Fatalf("third offense cooldown = %v, want capped 3h", d)
	}
}

func TestGuardAcceptanceResets(t *testing.T) {
	g, _ := testGuard(&Config{Threshold: 3})
	copayer := testCopayerID(1)

	g.RecordRejection(copayer)
	g.RecordRejection(copayer)
	g.RecordAcceptance(copayer)

	// The consecutive count restarted, so two more rejections stay under
	// the threshold.
	g.RecordRejection(copayer)
	g.RecordRejection(copayer)
	if err := g.CheckCreate(copayer); err != nil {
		t.Fatalf("cooldown after acceptance reset: %v", err)
	}
}

func TestGuardWindowSlides(t *testing.T) {
	g, now := testGuard(&Config{Threshold: 3, Window: time.Hour})
	copayer := testCopayerID(1)

	g.RecordRejection(copayer)
	g.RecordRejection(copayer)

	// Old rejections fall out of the window before the third lands.
	*now = now.Add(2 * time.Hour)
	g.RecordRejection(copayer)
	if err := g.CheckCreate(copayer); err != nil {
		t.Fatalf("stale rejections still counted: %v", err)
	}
}
