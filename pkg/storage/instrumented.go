package storage

import (
	"context"
	"io"
	"time"

	"github.com/depot-registry/depot/pkg/observability"
)

// InstrumentedStore wraps an ArtifactStore with operation counters and
// latency histograms labeled by backend.
type InstrumentedStore struct {
	inner   ArtifactStore
	backend string
	metrics *observability.Metrics
}

// NewInstrumentedStore wraps inner. The backend label distinguishes the
// configured implementations ("s3", "filesystem").
func NewInstrumentedStore(inner ArtifactStore, backend string, metrics *observability.Metrics) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, backend: backend, metrics: metrics}
}

func (s *InstrumentedStore) observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.StorageOperationsTotal.WithLabelValues(operation, s.backend, status).Inc()
	s.metrics.StorageOperationDuration.WithLabelValues(operation, s.backend).Observe(time.Since(start).Seconds())
}

// Put implements ArtifactStore.
func (s *InstrumentedStore) Put(ctx context.Context, key string, content io.Reader) (string, int64, error) {
	start := time.Now()
	checksum, size, err := s.inner.Put(ctx, key, content)
	s.observe("put", start, err)
	return checksum, size, err
}

// Get implements ArtifactStore.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.inner.Get(ctx, key)
	s.observe("get", start, err)
	return rc, err
}

// Exists implements ArtifactStore.
func (s *InstrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.inner.Exists(ctx, key)
	s.observe("exists", start, err)
	return ok, err
}

// Delete implements ArtifactStore.
func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.inner.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}
