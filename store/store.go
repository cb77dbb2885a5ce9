// Package store persists reassembled artifacts through Lode.
//
// Artifacts land as plain objects at Hive-partitioned paths:
//
//	artifacts/source=<source_id>/day=<YYYY-MM-DD>/<unix_ms>_<artifact_name>
//
// The backing lode.Store is created lazily from a factory, so filesystem,
// S3 and in-memory backends share one code path.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/justapithecus/lode/lode"
	"github.com/raulk/clock"

	"github.com/pithecene-io/shutter/types"
)

// ArtifactPrefix is the root prefix for artifact objects.
const ArtifactPrefix = "artifacts"

// Store persists completed artifacts.
type Store interface {
	Persist(ctx context.Context, id types.Identity, data []byte) error
	Close() error
}

// DeriveDay computes the partition day (YYYY-MM-DD, UTC).
func DeriveDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ArtifactPath returns the object path for id persisted at t.
func ArtifactPath(id types.Identity, t time.Time) string {
	return fmt.Sprintf("%s/source=%s/day=%s/%d_%s",
		ArtifactPrefix,
		sanitize(id.SourceID),
		DeriveDay(t),
		t.UnixMilli(),
		sanitize(id.ArtifactName),
	)
}

// ArtifactEntry describes one persisted artifact object.
type ArtifactEntry struct {
	Source      string    `json:"source"`
	Day         string    `json:"day"`
	Name        string    `json:"name"`
	PersistedAt time.Time `json:"persisted_at"`
	Path        string    `json:"path"`
}

// ParseArtifactPath reverses ArtifactPath. Names are returned sanitized.
func ParseArtifactPath(path string) (ArtifactEntry, bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != ArtifactPrefix {
		return ArtifactEntry{}, false
	}
	source, ok := strings.CutPrefix(parts[1], "source=")
	if !ok {
		return ArtifactEntry{}, false
	}
	day, ok := strings.CutPrefix(parts[2], "day=")
	if !ok {
		return ArtifactEntry{}, false
	}
	msText, name, ok := strings.Cut(parts[3], "_")
	if !ok || name == "" {
		return ArtifactEntry{}, false
	}
	ms, err := strconv.ParseInt(msText, 10, 64)
	if err != nil {
		return ArtifactEntry{}, false
	}
	return ArtifactEntry{
		Source:      source,
		Day:         day,
		Name:        name,
		PersistedAt: time.UnixMilli(ms).UTC(),
		Path:        path,
	}, true
}

// sanitize keeps a name to a single path level.
func sanitize(name string) string {
	name = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
	if name == "" {
		return "_"
	}
	return name
}

// Option configures a LodeStore.
type Option func(*LodeStore)

// WithClock sets the clock used to stamp paths.
func WithClock(c clock.Clock) Option {
	return func(s *LodeStore) { s.clock = c }
}

// WithBackend names the backend for logs and metrics.
func WithBackend(name string) Option {
	return func(s *LodeStore) { s.backend = name }
}

// LodeStore writes artifacts to a lode.Store.
type LodeStore struct {
	factory lode.StoreFactory
	clock   clock.Clock
	backend string

	storeOnce sync.Once
	store     lode.Store
	storeErr  error

	mu    sync.Mutex
	paths map[types.Identity]string
}

// NewLodeStore creates a store over factory.
// Use lode.NewMemoryFactory() for testing.
func NewLodeStore(factory lode.StoreFactory, opts ...Option) *LodeStore {
	s := &LodeStore{
		factory: factory,
		clock:   clock.New(),
		backend: "lode",
		paths:   make(map[types.Identity]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFSStore creates a filesystem store rooted at root, creating it if needed.
func NewFSStore(root string, opts ...Option) (*LodeStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, WrapInitError(err, root)
	}
	opts = append([]Option{WithBackend("fs")}, opts...)
	return NewLodeStore(lode.NewFSFactory(root), opts...), nil
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...Option) *LodeStore {
	opts = append([]Option{WithBackend("memory")}, opts...)
	return NewLodeStore(lode.NewMemoryFactory(), opts...)
}

// Backend returns the backend name.
func (s *LodeStore) Backend() string { return s.backend }

// Factory returns the underlying store factory so other datasets can share
// the backend.
func (s *LodeStore) Factory() lode.StoreFactory { return s.factory }

// Persist writes data at ArtifactPath(id, now).
func (s *LodeStore) Persist(ctx context.Context, id types.Identity, data []byte) error {
	store, err := s.getOrCreateStore()
	if err != nil {
		return WrapInitError(err, s.backend)
	}

	path := ArtifactPath(id, s.clock.Now())
	if err := store.Put(ctx, path, bytes.NewReader(data)); err != nil {
		return WrapWriteError(err, path)
	}

	s.mu.Lock()
	s.paths[id] = path
	s.mu.Unlock()
	return nil
}

// PathOf returns the path id was last persisted at.
func (s *LodeStore) PathOf(id types.Identity) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paths[id]
	return p, ok
}

// Read returns the object at path.
func (s *LodeStore) Read(ctx context.Context, path string) ([]byte, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, s.backend)
	}
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, WrapReadError(err, path)
	}
	return data, nil
}

// List returns object paths under prefix.
func (s *LodeStore) List(ctx context.Context, prefix string) ([]string, error) {
	store, err := s.getOrCreateStore()
	if err != nil {
		return nil, WrapInitError(err, s.backend)
	}
	paths, err := store.List(ctx, prefix)
	if err != nil {
		return nil, &StorageError{Kind: classifyError(err), Op: "list", Path: prefix, Err: err}
	}
	return paths, nil
}

// Close releases store resources.
func (s *LodeStore) Close() error {
	// lode stores hold no resources that need explicit release
	return nil
}

// getOrCreateStore lazily initializes the Store from the factory.
func (s *LodeStore) getOrCreateStore() (lode.Store, error) {
	s.storeOnce.Do(func() {
		s.store, s.storeErr = s.factory()
	})
	return s.store, s.storeErr
}

// Verify LodeStore implements Store.
var _ Store = (*LodeStore)(nil)
