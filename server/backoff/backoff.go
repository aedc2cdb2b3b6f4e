// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package backoff

import (
	"fmt"
	"sync"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/server/account"
)

// Defaults for the backoff policy. The exact curve is policy, not contract:
// the guard only promises that enough consecutive rejections inside the
// window trigger a cooldown, and that the cooldown grows with repeated
// offenses until an acceptance clears the slate.
const (
	DefaultThreshold    = 3
	DefaultWindow       = 7 * 24 * time.Hour
	DefaultBaseCooldown = time.Hour
	DefaultMaxCooldown  = 24 * time.Hour
)

// Config tunes the Guard. Zero values select the defaults.
type Config struct {
	// Threshold is the number of consecutive rejections within Window that
	// triggers a cooldown.
	Threshold int
	// Window is the sliding window in which rejections are counted.
	Window time.Duration
	// BaseCooldown is the first cooldown duration. Each further offense
	// doubles it, up to MaxCooldown.
	BaseCooldown time.Duration
	MaxCooldown  time.Duration
}

func (cfg *Config) withDefaults() Config {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = DefaultBaseCooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	return c
}

type record struct {
	rejections    []time.Time
	offenses      uint
	cooldownUntil time.Time
}

// Guard rate-limits proposal creation per copayer after repeated rejections,
// to discourage proposal spam. It tracks only in-memory state; a restart
// forgives prior offenses.
type Guard struct {
	cfg Config
	log cotx.Logger
	now func() time.Time

	mtx     sync.Mutex
	records map[account.CopayerID]*record
}

// NewGuard creates a Guard.
func NewGuard(cfg *Config, log cotx.Logger) *Guard {
	return &Guard{
		cfg:     cfg.withDefaults(),
		log:     log,
		now:     time.Now,
		records: make(map[account.CopayerID]*record),
	}
}

// CheckCreate returns an ErrTxCannotCreate error while the copayer is in
// cooldown, nil otherwise.
func (g *Guard) CheckCreate(copayerID account.CopayerID) error {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	rec, ok := g.records[copayerID]
	if !ok {
		return nil
	}
	now := g.now()
	if now.Before(rec.cooldownUntil) {
		return cotx.NewError(cotx.ErrTxCannotCreate,
			fmt.Sprintf("copayer %s in rejection cooldown until %s",
				copayerID, rec.cooldownUntil.Format(time.RFC3339)))
	}
	return nil
}

// RecordRejection notes that one of the copayer's proposals was rejected.
// Reaching the threshold of consecutive rejections inside the window starts
// a cooldown that doubles with each repeated offense.
func (g *Guard) RecordRejection(copayerID account.CopayerID) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	rec, ok := g.records[copayerID]
	if !ok {
		rec = &record{}
		g.records[copayerID] = rec
	}
	now := g.now()

	// Drop rejections that slid out of the window.
	pruned := rec.rejections[:0]
	for _, t := range rec.rejections {
		if now.Sub(t) < g.cfg.Window {
			pruned = append(pruned, t)
		}
	}
	rec.rejections = append(pruned, now)

	if len(rec.rejections) < g.cfg.Threshold {
		return
	}

	cooldown := g.cfg.BaseCooldown << rec.offenses
	if cooldown > g.cfg.MaxCooldown || cooldown < g.cfg.BaseCooldown /* overflow */ {
		cooldown = g.cfg.MaxCooldown
	}
	rec.offenses++
	rec.cooldownUntil = now.Add(cooldown)
	rec.rejections = rec.rejections[:0]
	g.log.Infof("copayer %s entered proposal-creation cooldown for %s (offense #%d)",
		copayerID, cooldown, rec.offenses)
}

// RecordAcceptance notes that one of the copayer's proposals reached quorum,
// clearing the consecutive-rejection count and prior offenses.
func (g *Guard) RecordAcceptance(copayerID account.CopayerID) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	delete(g.records, copayerID)
}
