package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Driver names accepted by Open
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open creates the data directory if needed and opens the store for driver.
// An empty path selects the driver's default file inside dataDir.
func Open(driver, dataDir, path string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch driver {
	case DriverBolt, "":
		if path == "" {
			path = filepath.Join(dataDir, "sdmgr.db")
		}
		return OpenBoltStore(path)
	case DriverSQLite:
		if path == "" {
			path = filepath.Join(dataDir, "sdmgr.sqlite")
		}
		return NewGormStore(path)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
