// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package feecache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
)

// tEstimator serves a scripted estimate table and counts calls.
type tEstimator struct {
	mtx       sync.Mutex
	estimates map[uint32]int64
	err       error
	calls     int
}

func (e *tEstimator) EstimateFee(_ context.Context, _, _ string, targets []uint32) (map[uint32]int64, error) {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make(map[uint32]int64, len(targets))
	for _, tgt := range targets {
		if est, ok := e.estimates[tgt]; ok {
			out[tgt] = est
		} else {
			out[tgt] = -1
		}
	}
	return out, nil
}

var testLevels = []Level{
	{Name: "urgent", Target: 1, DefaultRate: 75_000},
	{Name: "normal", Target: 3, DefaultRate: 30_000},
	{Name: "economy", Target: 6, DefaultRate: 15_000},
}

func testCache(est *tEstimator) *Cache {
	return New(est, testLevels, time.Minute, slog.Disabled)
}

func TestFeeLevelsCompleteRefresh(t *testing.T) {
	est := &tEstimator{estimates: map[uint32]int64{1: 50_000, 3: 20_000, 6: 10_000}}
	c := testCache(est)
	ctx := context.Background()

	levels, err := c.FeeLevels(ctx, "btc", "mainnet")
	if err != nil {
		t.Fatalf("FeeLevels: %v", err)
	}
	if levels.FromCache {
		t.Error("first refresh reported fromCache")
	}
	for tgt, want := range map[uint32]uint64{1: 50_000, 3: 20_000, 6: 10_000} {
		if levels.Rates[tgt] != want {
			t.Errorf("rate[%d] = %d, want %d", tgt, levels.Rates[tgt], want)
		}
	}

	// A complete refresh is cached and reused verbatim.
	levels, err = c.FeeLevels(ctx, "btc", "mainnet")
	if err != nil {
		t.Fatalf("cached FeeLevels: %v", err)
	}
	if !levels.FromCache {
		t.Error("second call not served from cache")
	}
	if est.calls != 1 {
		t.Errorf("estimator called %d times, want 1", est.calls)
	}
}

func TestFeeLevelsPartialNotCached(t *testing.T) {
	// Target 3 fails; it falls back to target 6's resolved value and the
	// result is not cached.
	est := &tEstimator{estimates: map[uint32]int64{1: 50_000, 6: 10_000}}
	c := testCache(est)
	ctx := context.Background()

	levels, err := c.FeeLevels(ctx, "btc", "mainnet")
	if err != nil {
		t.Fatalf("FeeLevels: %v", err)
	}
	if levels.Rates[3] != 10_000 {
		t.Errorf("failed target rate = %d, want next-slower 10000", levels.Rates[3])
	}

	if _, err = c.FeeLevels(ctx, "btc", "mainnet"); err != nil {
		t.Fatalf("second FeeLevels: %v", err)
	}
	if est.calls != 2 {
		t.Errorf("estimator called %d times, want 2 (partial result cached?)", est.calls)
	}
}

func TestFeeLevelsSlowestFallsBackToDefault(t *testing.T) {
	est := &tEstimator{estimates: map[uint32]int64{1: 50_000, 3: 20_000}}
	c := testCache(est)

	levels, err := c.FeeLevels(context.Background(), "btc", "mainnet")
	if err != nil {
		t.Fatalf("FeeLevels: %v", err)
	}
	// No previous cache, so the slowest target takes its default, then the
	// monotonic clamp caps it at the next-faster resolved rate.
	if levels.Rates[6] != 15_000 {
		t.Errorf("slowest rate = %d, want default 15000", levels.Rates[6])
	}
}

func TestFeeLevelsSlowestPrefersPreviousCache(t *testing.T) {
	est := &tEstimator{estimates: map[uint32]int64{1: 50_000, 3: 20_000, 6: 12_345}}
	c := New(est, testLevels, time.Nanosecond, slog.Disabled)
	ctx := context.Background()

	if _, err := c.FeeLevels(ctx, "btc", "mainnet"); err != nil {
		t.Fatalf("prime FeeLevels: %v", err)
	}
	time.Sleep(time.Millisecond) // expire the cache entry

	est.mtx.Lock()
	delete(est.estimates, 6)
	est.mtx.Unlock()

	levels, err := c.FeeLevels(ctx, "btc", "mainnet")
	if err != nil {
		t.Fatalf("FeeLevels: %v", err)
	}
	if levels.Rates[6] != 12_345 {
		t.Errorf("slowest rate = %d, want previous cached 12345", levels.Rates[6])
	}
}

func TestFeeLevelsMonotonic(t *testing.T) {
	// A slower target observing a higher rate than a faster one is clamped.
	est := &tEstimator{estimates: map[uint32]int64{1: 10_000, 3: 50_000, 6: 5_000}}
	c := testCache(est)

	levels, err := c.FeeLevels(context.Background(), "btc", "mainnet")
	if err != nil {
		t.Fatalf("FeeLevels: %v", err)
	}
	if levels.Rates[3] > levels.Rates[1] {
		t.Errorf("rate[3]=%d exceeds rate[1]=%d", levels.Rates[3], levels.Rates[1])
	}
	if levels.Rates[6] > levels.Rates[3] {
		t.Errorf("rate[6]=%d exceeds rate[3]=%d", levels.Rates[6], levels.Rates[3])
	}
}

func TestFeeLevelsEstimatorError(t *testing.T) {
	est := &tEstimator{err: fmt.Errorf("node unreachable")}
	c := testCache(est)
	if _, err := c.FeeLevels(context.Background(), "btc", "mainnet"); err == nil {
		t.Fatal("no error from failed estimator")
	}
}

func TestRateForLevel(t *testing.T) {
	levels := &Levels{Rates: map[uint32]uint64{1: 50_000, 3: 20_000, 6: 10_000}}
	rate, err := levels.RateForLevel(testLevels, "normal")
	if err != nil {
		t.Fatalf("RateForLevel: %v", err)
	}
	if rate != 20_000 {
		t.Errorf("rate = %d, want 20000", rate)
	}
	if _, err = levels.RateForLevel(testLevels, "hyperdrive"); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestPrime(t *testing.T) {
	est := &tEstimator{estimates: map[uint32]int64{1: 50_000, 3: 20_000, 6: 10_000}}
	c := testCache(est)
	pairs := [][2]string{{"btc", "mainnet"}, {"btc", "testnet"}}
	if err := c.Prime(context.Background(), pairs); err != nil {
		t.Fatalf("Prime: %v", err)
	}
	if est.calls != 2 {
		t.Errorf("estimator called %d times, want 2", est.calls)
	}
	levels, err := c.FeeLevels(context.Background(), "btc", "testnet")
	if err != nil {
		t.Fatalf("FeeLevels: %v", err)
	}
	if !levels.FromCache {
		t.Error("primed entry not served from cache")
	}
}
