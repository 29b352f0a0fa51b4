// Package store opens the configured backend. The rest of the system
// depends only on request.Store; this is the single place that knows the
// concrete implementations.
package store

import (
	"fmt"

	atq "github.com/wyre-technology/autotask-queue"
	"github.com/wyre-technology/autotask-queue/request"
	"github.com/wyre-technology/autotask-queue/store/memory"
	pebblestore "github.com/wyre-technology/autotask-queue/store/pebble"
	redisstore "github.com/wyre-technology/autotask-queue/store/redis"
)

// Open creates the store selected by cfg.Backend.
func Open(cfg atq.Config) (request.Store, error) {
	switch cfg.Backend {
	case atq.BackendMemory:
		return memory.New(), nil
	case atq.BackendEmbedded:
		return pebblestore.Open(cfg.DataDir)
	case atq.BackendNetworked:
		return redisstore.Open(cfg.ConnectionString)
	default:
		return nil, fmt.Errorf("atq: unknown backend %q", cfg.Backend)
	}
}
