// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package coord assembles and controls the lifetime of the proposal
// coordinator's components: the archivist, the wallet and coin lockers, the
// chain-data client, the fee cache, the spam guard, and the proposal manager.
// Transports embed a Coordinator and drive the Manager.
package coord

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cotxd/cotxd/cotx"
	"github.com/cotxd/cotxd/server/backoff"
	"github.com/cotxd/cotxd/server/chain/explorer"
	"github.com/cotxd/cotxd/server/coinlock"
	"github.com/cotxd/cotxd/server/db"
	"github.com/cotxd/cotxd/server/db/driver/pg"
	"github.com/cotxd/cotxd/server/feecache"
	"github.com/cotxd/cotxd/server/lock"
	"github.com/cotxd/cotxd/server/txprop"
	"github.com/go-redis/redis/v8"
)

// DBConf groups the database configuration parameters.
type DBConf struct {
	DBName       string
	User         string
	Pass         string
	Host         string
	Port         uint16
	HidePGConfig bool
}

// Config is the configuration data required to create a Coordinator.
type Config struct {
	// Chain and Network scope the deployment. Wallets on other chains can
	// still be served as long as the chain driver is registered; Chain and
	// Network here select the explorer endpoints that are not wallet-scoped
	// and the fee table primed at startup.
	Chain   string
	Network string

	// ExplorerURL is the base URL of the external chain-data service.
	ExplorerURL string

	DBConf *DBConf

	// RedisURL selects the Redis wallet locker. Empty selects the in-memory
	// locker, which is only correct for a single-process deployment.
	RedisURL string

	LockAcquireTimeout time.Duration
	LockTTL            time.Duration

	// FeeRefreshInterval is how often the fee table is re-primed in the
	// background. Zero disables the refresh loop; fee levels are then
	// fetched on demand only.
	FeeRefreshInterval time.Duration
	FeeCacheDuration   time.Duration

	DeleteGracePeriod time.Duration
	Backoff           backoff.Config

	LogBackend *cotx.LoggerMaker
}

// Coordinator owns the component graph. Use Stop to shut down cleanly.
type Coordinator struct {
	storage db.Archivist
	manager *txprop.Manager
	fees    *feecache.Cache
	redis   *redis.Client

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the Coordinator and connects its components.
//  1. Create the archivist with the pg DB driver.
//  2. Create the wallet locker, Redis-backed when configured.
//  3. Create the chain-data client, fee cache, and spam guard.
//  4. Create the proposal manager.
//  5. Start the fee refresh loop.
func New(cfg *Config) (*Coordinator, error) {
	if cfg.DBConf == nil {
		return nil, fmt.Errorf("no database configured")
	}
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("no log backend configured")
	}

	ctx, cancel := context.WithCancel(context.Background())

	pgCfg := &pg.Config{
		Host:         cfg.DBConf.Host,
		Port:         strconv.Itoa(int(cfg.DBConf.Port)),
		User:         cfg.DBConf.User,
		Pass:         cfg.DBConf.Pass,
		DBName:       cfg.DBConf.DBName,
		HidePGConfig: cfg.DBConf.HidePGConfig,
		QueryTimeout: 20 * time.Minute,
	}
	storage, err := db.Open(ctx, "pg", pgCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("db.Open: %w", err)
	}

	abort := func() {
		cancel()
		if err := storage.Close(); err != nil {
			log.Errorf("Archivist.Close: %v", err)
		}
	}

	var locker lock.Locker
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			abort()
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		redisClient = redis.NewClient(opt)
		if err = redisClient.Ping(ctx).Err(); err != nil {
			abort()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		locker = lock.NewRedisLocker(redisClient, "cotxd:", cfg.LockAcquireTimeout,
			cfg.LogBackend.NewLogger("LOCK"))
		log.Infof("Using the Redis wallet locker at %s", opt.Addr)
	} else {
		locker = lock.NewMemLocker(cfg.LockAcquireTimeout)
		log.Infof("Using the in-memory wallet locker")
	}

	xplr, err := explorer.NewClient(cfg.ExplorerURL, cfg.Chain, cfg.Network, 0,
		cfg.LogBackend.NewLogger("XPLR"))
	if err != nil {
		abort()
		return nil, err
	}

	fees := feecache.New(xplr, nil, cfg.FeeCacheDuration,
		cfg.LogBackend.NewLogger("FEE"))
	guard := backoff.NewGuard(&cfg.Backoff, cfg.LogBackend.NewLogger("BACK"))

	manager, err := txprop.NewManager(&txprop.Config{
		Store:             storage,
		Locker:            locker,
		CoinLocker:        coinlock.NewWalletCoinLocker(),
		FeeCache:          fees,
		Guard:             guard,
		UTXOSource:        xplr,
		Balances:          xplr,
		Broadcaster:       xplr,
		DeleteGracePeriod: cfg.DeleteGracePeriod,
		LockTTL:           cfg.LockTTL,
		Logger:            cfg.LogBackend.NewLogger("TXPR"),
	})
	if err != nil {
		abort()
		return nil, fmt.Errorf("NewManager: %w", err)
	}

	c := &Coordinator{
		storage: storage,
		manager: manager,
		fees:    fees,
		redis:   redisClient,
		cancel:  cancel,
	}

	if cfg.FeeRefreshInterval > 0 {
		c.wg.Add(1)
		go c.feeLoop(ctx, cfg.Chain, cfg.Network, cfg.FeeRefreshInterval)
	}

	return c, nil
}

// feeLoop keeps the fee table warm so proposal creation does not block on
// the chain-data service.
func (c *Coordinator) feeLoop(ctx context.Context, chainName, network string, interval time.Duration) {
	defer c.wg.Done()
	prime := func() {
		if err := c.fees.Prime(ctx, [][2]string{{chainName, network}}); err != nil {
			log.Warnf("Fee table refresh for %s/%s: %v", chainName, network, err)
		}
	}
	prime()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			prime()
		case <-ctx.Done():
			return
		}
	}
}

// Manager returns the proposal manager. Transports route operations through
// it.
func (c *Coordinator) Manager() *txprop.Manager {
	return c.manager
}

// SeedCoinLocks replays the wallet's active reservations into the in-memory
// coin locker. Call once per served wallet after a restart.
func (c *Coordinator) SeedCoinLocks(ctx context.Context, walletID string) error {
	return c.manager.SeedCoinLocks(ctx, walletID)
}

// Stop shuts down the Coordinator. Stop returns only after the background
// loops have exited and the storage connection is closed.
func (c *Coordinator) Stop() {
	log.Infof("Stopping subsystems...")
	c.cancel()
	c.wg.Wait()
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			log.Errorf("redis.Close: %v", err)
		}
	}
	if err := c.storage.Close(); err != nil {
		log.Errorf("Archivist.Close: %v", err)
	}
}
