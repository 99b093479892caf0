// Package sessionstore is the durable key/value mirror of dashboard state.
// Every write is synchronous so it can be used while a view is being torn
// down. Reads may be stale and writes are last-writer-wins per key.
package sessionstore

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type Store interface {
	// Get returns ok=false when key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// RegistryKey holds the list of registered dashboards.
const RegistryKey = "klt-dashboards"

func LifecycleKey(id string) string { return fmt.Sprintf("dashboard/%s/lifecycle", id) }
func HistoryKey(id string) string   { return fmt.Sprintf("dashboard/%s/history", id) }
func LatestKey(id string) string    { return fmt.Sprintf("dashboard/%s/latest", id) }

// DashboardKeys lists every key owned by a dashboard.
func DashboardKeys(id string) []string {
	return []string{LifecycleKey(id), HistoryKey(id), LatestKey(id)}
}

// Open returns the store for driver. dsn is ignored by the memory driver.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverPostgres, DriverMySQL:
		if dsn == "" {
			return nil, errors.Errorf("%s store requires a DSN", driver)
		}
		return NewSQLStore(driver, dsn)
	default:
		return nil, errors.Errorf("unknown store driver %q", driver)
	}
}
