package database

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kozaktomas/facetrack/internal/config"
)

// Opener creates a store from configuration.
type Opener func(cfg *config.StoreConfig) (Store, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Opener)
)

// RegisterDriver makes a store backend available by name.
// This is called by the backend packages to avoid import cycles.
func RegisterDriver(name string, open Opener) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = open
}

// Drivers returns the registered backend names.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates the store selected by cfg.Driver.
func Open(cfg *config.StoreConfig) (Store, error) {
	driversMu.RLock()
	open, ok := drivers[cfg.Driver]
	driversMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store driver %q not registered (available: %v)", cfg.Driver, Drivers())
	}
	store, err := open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}
	return store, nil
}
