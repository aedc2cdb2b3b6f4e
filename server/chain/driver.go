package chain

import (
	"fmt"
	"sync"
)

var (
	driversMtx sync.Mutex
	drivers    = make(map[string]Driver)
)

// Driver is the interface required of all chains. Setup should create an
// Adapter configured for one wallet's quorum parameters and network.
type Driver interface {
	Setup(cfg *Config) (Adapter, error)
}

// Register should be called by the init function of a chain's package.
func Register(name string, driver Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()

	if driver == nil {
		panic("chain: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("chain: Register called twice for chain driver " + name)
	}
	drivers[name] = driver
}

// Setup sets up an Adapter for the named chain.
func Setup(name string, cfg *Config) (Adapter, error) {
	driversMtx.Lock()
	drv, ok := drivers[name]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("chain: unknown chain driver %q", name)
	}
	return drv.Setup(cfg)
}
