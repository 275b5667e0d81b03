package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/depot-registry/depot/pkg/observability"
)

// ConnectionManager manages the PostgreSQL primary and optional read replicas
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32 // round-robin replica selection
	mu       sync.RWMutex
	config   ConnectionConfig
	logger   *observability.Logger
}

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	PrimaryURL  string
	ReplicaURLs []string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// NewConnectionManager opens and verifies the primary connection; replicas
// are optional and skipped on failure.
func NewConnectionManager(config ConnectionConfig, logger *observability.Logger) (*ConnectionManager, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	cm := &ConnectionManager{
		config:   config,
		replicas: make([]*sql.DB, 0),
		logger:   logger,
	}

	primary, err := sql.Open("postgres", config.PrimaryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open primary connection: %w", err)
	}

	primary.SetMaxOpenConns(config.MaxConns)
	primary.SetMaxIdleConns(config.MinConns)
	primary.SetConnMaxLifetime(config.MaxLifetime)
	primary.SetConnMaxIdleTime(config.MaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	if err := primary.PingContext(ctx); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to ping primary: %w", err)
	}

	cm.primary = primary

	for i, replicaURL := range config.ReplicaURLs {
		replica, err := sql.Open("postgres", replicaURL)
		if err != nil {
			logger.WithError(err).Warnf("failed to open replica %d, skipping", i)
			continue
		}

		replicaMaxConns := config.MaxConns / 2
		if replicaMaxConns < 2 {
			replicaMaxConns = 2
		}
		replica.SetMaxOpenConns(replicaMaxConns)
		replica.SetMaxIdleConns(config.MinConns)
		replica.SetConnMaxLifetime(config.MaxLifetime)
		replica.SetConnMaxIdleTime(config.MaxIdleTime)

		pingCtx, pingCancel := context.WithTimeout(context.Background(), config.Timeout)
		err = replica.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			logger.WithError(err).Warnf("failed to ping replica %d, skipping", i)
			replica.Close()
			continue
		}

		cm.replicas = append(cm.replicas, replica)
	}

	logger.Infof("connection manager initialized with 1 primary and %d replicas", len(cm.replicas))
	return cm, nil
}

// Primary returns the primary database connection (for writes)
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection, falling back
// to the primary when none are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	replicaCount := len(cm.replicas)
	cm.mu.RUnlock()

	if replicaCount == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)
	replicaIndex := int(index % uint32(replicaCount))

	cm.mu.RLock()
	replica := cm.replicas[replicaIndex]
	cm.mu.RUnlock()

	return replica
}

// ReplicaQuerier routes each read query to the next replica in rotation.
// It satisfies the read-querier interfaces of the pure-read consumers.
type ReplicaQuerier struct {
	cm *ConnectionManager
}

// ReadQuerier returns a querier that round-robins reads over the replicas,
// falling back to the primary when none are healthy.
func (cm *ConnectionManager) ReadQuerier() *ReplicaQuerier {
	return &ReplicaQuerier{cm: cm}
}

// QueryContext runs the query on the next replica in rotation.
func (q *ReplicaQuerier) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return q.cm.Replica().QueryContext(ctx, query, args...)
}

// HealthCheck checks the primary and reports when every replica is down.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}

	cm.mu.RLock()
	replicas := make([]*sql.DB, len(cm.replicas))
	copy(replicas, cm.replicas)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, replica := range replicas {
		if err := replica.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("replica-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(replicas) {
		return fmt.Errorf("all replicas unhealthy: %s", strings.Join(unhealthy, ", "))
	}

	return nil
}

// Stats returns connection pool statistics for primary and replicas
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{
		Primary: cm.primary.Stats(),
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Replicas = make([]sql.DBStats, len(cm.replicas))
	for i, replica := range cm.replicas {
		stats.Replicas[i] = replica.Stats()
	}

	return stats
}

// ConnectionStats holds statistics for all database connections
type ConnectionStats struct {
	Primary  sql.DBStats
	Replicas []sql.DBStats
}

// RemoveUnhealthyReplicas closes replicas that fail a ping and drops them
// from rotation. Returns how many were removed.
func (cm *ConnectionManager) RemoveUnhealthyReplicas(ctx context.Context) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	healthy := make([]*sql.DB, 0, len(cm.replicas))
	removed := 0

	for _, replica := range cm.replicas {
		if err := replica.PingContext(ctx); err != nil {
			replica.Close()
			removed++
		} else {
			healthy = append(healthy, replica)
		}
	}

	cm.replicas = healthy
	return removed
}

// StartHealthCheckRoutine periodically drops unhealthy replicas until ctx is
// cancelled.
func (cm *ConnectionManager) StartHealthCheckRoutine(ctx context.Context, interval time.Duration) {
	if interval == 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer observability.RecoverPanic(cm.logger, "replica health check routine")

		for {
			select {
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				removed := cm.RemoveUnhealthyReplicas(checkCtx)
				cancel()

				if removed > 0 {
					cm.logger.Warnf("removed %d unhealthy replicas", removed)
				}

			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close closes all database connections
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}

	return nil
}
