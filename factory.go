package drivekit

import (
	"errors"
	"fmt"
	"sync"
)

// DriverFactory is a function that creates a Backend from a config
type DriverFactory func(cfg *Config) (Backend, error)

var (
	driverFactories = make(map[string]DriverFactory)
	factoryMutex    sync.RWMutex
)

// RegisterDriver registers a driver factory function. Drivers call it from
// init, so importing a driver package is enough to make it available:
//
//	import _ "github.com/gobeaver/drivekit/driver/local"
func RegisterDriver(name string, factory DriverFactory) {
	factoryMutex.Lock()
	defer factoryMutex.Unlock()
	driverFactories[name] = factory
}

// OpenBackend creates a backend instance from config
func OpenBackend(cfg *Config) (Backend, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	factoryMutex.RLock()
	factory, exists := driverFactories[cfg.Driver]
	factoryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("driver %s not registered", cfg.Driver)
	}

	return factory(cfg)
}

// validateConfig checks configuration validity
func validateConfig(cfg *Config) error {
	if cfg.Driver == "" {
		return errors.New("driver is required")
	}

	switch cfg.Driver {
	case "local":
		if cfg.LocalRoot == "" {
			return errors.New("local root is required for local driver")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("S3 bucket is required for S3 driver")
		}
		// Access keys can be provided via IAM roles, so not always required
	case "memory":
		// No required settings
	default:
		return fmt.Errorf("unknown driver: %s", cfg.Driver)
	}

	return nil
}
