package store

import (
	"context"

	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/types"
)

// InstrumentedStore wraps a Store and records write metrics. Each Persist
// increments store_write_success or store_write_failure.
type InstrumentedStore struct {
	inner     Store
	collector *metrics.Collector
}

// NewInstrumentedStore wraps a store with metrics instrumentation.
func NewInstrumentedStore(inner Store, collector *metrics.Collector) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, collector: collector}
}

// Persist delegates to the inner store and records success or failure.
func (s *InstrumentedStore) Persist(ctx context.Context, id types.Identity, data []byte) error {
	err := s.inner.Persist(ctx, id, data)
	if err != nil {
		s.collector.IncStoreWriteFailure()
	} else {
		s.collector.IncStoreWriteSuccess()
	}
	return err
}

// Close delegates to the inner store.
func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

// Verify InstrumentedStore implements Store.
var _ Store = (*InstrumentedStore)(nil)
