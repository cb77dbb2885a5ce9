// Package reassembly implements receiver-side chunk accumulation.
//
// The Engine owns one Buffer per artifact identity. Chunks and metadata for
// one identity may arrive in any order; messages for different identities
// never interact. A completed buffer is persisted exactly once, acknowledged
// and evicted. A periodic sweep requests missing chunks from stalled
// transfers and abandons those that exhaust their retry budget.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/raulk/clock"
	"go.uber.org/multierr"

	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/types"
)

// MaxArtifactSize is the default artifact size cap (1 GiB).
const MaxArtifactSize = 1 * 1024 * 1024 * 1024

// Store persists completed artifacts.
type Store interface {
	Persist(ctx context.Context, id types.Identity, data []byte) error
}

// Acker publishes acknowledgments back to a source.
type Acker interface {
	SendAck(ctx context.Context, sourceID string, ack types.Ack) error
}

// Outcome is the terminal result of a reassembly.
type Outcome string

// Outcomes reported to observers.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAbandoned Outcome = "abandoned"
)

// Event describes a buffer reaching a terminal state.
type Event struct {
	ID          types.Identity
	Outcome     Outcome
	Metadata    *types.Metadata
	SizeBytes   int64
	Chunks      int
	Missing     []int
	GraceCycles int
	Duration    time.Duration
	At          time.Time
}

// Observer receives terminal reassembly events.
// Observe is called with the buffer's lock held and must not block long.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) { f(ctx, ev) }

// Config tunes the engine's timers and budgets.
type Config struct {
	// CompletionGrace is the inactivity after which an incomplete buffer
	// with known metadata gets a missing-chunk request.
	CompletionGrace time.Duration
	// IdleDeadline evicts buffers that never saw metadata. It also bounds
	// how long a completed identity is remembered for late duplicates.
	IdleDeadline time.Duration
	// RetryBudget is the number of missing-chunk requests before abandonment.
	RetryBudget int
	// SweepInterval is the period of Run's sweep.
	SweepInterval time.Duration
	// WakeInterval sets the next_wake_time carried by success acks.
	WakeInterval time.Duration
	// MaxArtifactSize rejects metadata declaring more bytes than this.
	MaxArtifactSize int64
	// RecentCapacity bounds the recently-completed identity cache.
	RecentCapacity int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		CompletionGrace: 5 * time.Second,
		IdleDeadline:    2 * time.Minute,
		RetryBudget:     3,
		SweepInterval:   time.Second,
		WakeInterval:    time.Hour,
		MaxArtifactSize: MaxArtifactSize,
		RecentCapacity:  1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = d.CompletionGrace
	}
	if c.IdleDeadline <= 0 {
		c.IdleDeadline = d.IdleDeadline
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = d.WakeInterval
	}
	if c.MaxArtifactSize <= 0 {
		c.MaxArtifactSize = d.MaxArtifactSize
	}
	if c.RecentCapacity <= 0 {
		c.RecentCapacity = d.RecentCapacity
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *log.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option { return func(e *Engine) { e.collector = c } }

// WithClock sets the clock used for activity timestamps and the sweep ticker.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithObserver registers a terminal-event observer.
func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// entry guards one buffer. done is set when the entry is evicted so that
// callers holding a stale pointer retry the lookup.
type entry struct {
	mu        sync.Mutex
	buf       *Buffer
	done      bool
	persisted bool
}

// Engine routes metadata and chunks to per-identity buffers.
// Thread-safe: the map lock covers structural changes only and each
// buffer has its own lock.
type Engine struct {
	cfg       Config
	store     Store
	acker     Acker
	observer  Observer
	logger    *log.Logger
	collector *metrics.Collector
	clock     clock.Clock

	mu      sync.RWMutex
	entries map[types.Identity]*entry

	// recent remembers identities completed within IdleDeadline so late
	// duplicates are re-acknowledged instead of opening a junk buffer.
	recent *lru.Cache[types.Identity, time.Time]
}

// NewEngine creates an engine persisting to store and acknowledging via acker.
func NewEngine(cfg Config, store Store, acker Acker, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("reassembly: store is required")
	}
	if acker == nil {
		return nil, errors.New("reassembly: acker is required")
	}
	cfg = cfg.withDefaults()

	recent, err := lru.New[types.Identity, time.Time](cfg.RecentCapacity)
	if err != nil {
		return nil, fmt.Errorf("reassembly: recent cache: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		store:   store,
		acker:   acker,
		logger:  log.Nop(),
		clock:   clock.New(),
		entries: make(map[types.Identity]*entry),
		recent:  recent,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// HandleMetadata routes metadata to its buffer, creating it if absent.
// Metadata for an identity completed within IdleDeadline is treated as a
// redelivery and answered with a fresh success ack.
func (e *Engine) HandleMetadata(ctx context.Context, meta types.Metadata) error {
	id := meta.ID
	if err := id.Validate(); err != nil {
		return err
	}
	if meta.TotalChunks <= 0 {
		e.logger.Warn("metadata declares no chunks", map[string]any{
			"source":   id.SourceID,
			"artifact": id.ArtifactName,
			"error":    meta.Error,
		})
		return fmt.Errorf("artifact %s: %w", id, ErrEmptyArtifact)
	}
	if meta.TotalSize > e.cfg.MaxArtifactSize {
		return fmt.Errorf("artifact %s: declared size %d exceeds max %d: %w",
			id, meta.TotalSize, e.cfg.MaxArtifactSize, ErrArtifactTooLarge)
	}
	// Every chunk carries at least one byte.
	if int64(meta.TotalChunks) > meta.TotalSize || meta.TotalChunks > types.ChunkCount(e.cfg.MaxArtifactSize, 1) {
		return fmt.Errorf("artifact %s: %d chunks declared for %d bytes: %w",
			id, meta.TotalChunks, meta.TotalSize, ErrArtifactTooLarge)
	}
	e.collector.IncMetadataReceived()

	if e.recentlyCompleted(id) {
		e.collector.IncChunkLate()
		return e.sendOK(ctx, id)
	}

	en := e.acquire(id)
	defer en.mu.Unlock()

	if err := en.buf.ObserveMetadata(meta, e.clock.Now()); err != nil {
		e.collector.IncInconsistentMetadata()
		e.logger.Warn("metadata redefined mid-transfer", map[string]any{
			"source":   id.SourceID,
			"artifact": id.ArtifactName,
			"error":    err.Error(),
		})
	}
	if meta.Error != 0 {
		e.logger.Warn("source reported capture error", map[string]any{
			"source":     id.SourceID,
			"artifact":   id.ArtifactName,
			"error_code": meta.Error,
		})
	}
	e.logger.Debug("metadata received", map[string]any{
		"source":       id.SourceID,
		"artifact":     id.ArtifactName,
		"total_chunks": meta.TotalChunks,
		"size":         meta.TotalSize,
	})

	if en.buf.IsComplete() {
		return e.complete(ctx, id, en)
	}
	return nil
}

// HandleChunk routes a chunk to its buffer, creating it if absent. When the
// buffer becomes complete it is persisted, acknowledged and evicted.
func (e *Engine) HandleChunk(ctx context.Context, c types.Chunk) error {
	id := c.ID
	if err := id.Validate(); err != nil {
		return err
	}

	if e.recentlyCompleted(id) {
		e.collector.IncChunkLate()
		return e.sendOK(ctx, id)
	}

	en := e.acquire(id)
	defer en.mu.Unlock()

	if err := en.buf.ObserveChunk(c.Index, c.Data, e.clock.Now()); err != nil {
		e.collector.IncChunkRejected()
		e.logger.Warn("chunk rejected", map[string]any{
			"source":   id.SourceID,
			"artifact": id.ArtifactName,
			"index":    c.Index,
			"expected": en.buf.Expected(),
		})
		return err
	}
	e.collector.IncChunkAccepted()

	if en.buf.IsComplete() {
		return e.complete(ctx, id, en)
	}
	return nil
}

// Sweep runs one pass of the missing-chunk policy at the current clock time:
//   - complete buffers whose persist failed are retried
//   - buffers without metadata idle past IdleDeadline are evicted silently
//   - buffers idle past CompletionGrace get a missing-chunk request, until
//     RetryBudget requests have been sent; the next expiry abandons them
//
// Returned errors are combined; abandonments match ErrTransferAbandoned.
func (e *Engine) Sweep(ctx context.Context) error {
	now := e.clock.Now()

	type item struct {
		id types.Identity
		en *entry
	}
	e.mu.RLock()
	items := make([]item, 0, len(e.entries))
	for id, en := range e.entries {
		items = append(items, item{id: id, en: en})
	}
	e.mu.RUnlock()

	var errs error
	for _, it := range items {
		errs = multierr.Append(errs, e.sweepOne(ctx, it.id, it.en, now))
	}
	return errs
}

func (e *Engine) sweepOne(ctx context.Context, id types.Identity, en *entry, now time.Time) error {
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.done {
		return nil
	}

	buf := en.buf
	idle := now.Sub(buf.LastActivity)

	switch {
	case buf.IsComplete():
		return e.complete(ctx, id, en)

	case !buf.HasMetadata():
		if idle >= e.cfg.IdleDeadline {
			e.evictLocked(id, en)
			e.collector.IncIdleEviction()
			e.logger.Debug("idle buffer evicted", map[string]any{
				"source":   id.SourceID,
				"artifact": id.ArtifactName,
				"received": buf.Received(),
			})
		}
		return nil

	case idle < e.cfg.CompletionGrace:
		return nil

	case buf.graceCycles >= e.cfg.RetryBudget:
		missing := buf.MissingIndices()
		e.evictLocked(id, en)
		e.collector.IncArtifactAbandoned()
		e.logger.Warn("artifact abandoned", map[string]any{
			"source":       id.SourceID,
			"artifact":     id.ArtifactName,
			"missing":      len(missing),
			"grace_cycles": buf.graceCycles,
		})
		e.observe(ctx, Event{
			ID:          id,
			Outcome:     OutcomeAbandoned,
			Metadata:    buf.Metadata(),
			Chunks:      buf.Received(),
			Missing:     missing,
			GraceCycles: buf.graceCycles,
			Duration:    now.Sub(buf.CreatedAt),
			At:          now,
		})
		return &AbandonedError{ID: id, Missing: missing, Cycles: buf.graceCycles}

	default:
		missing := buf.MissingIndices()
		buf.graceCycles++
		buf.LastActivity = now
		e.collector.IncMissingRequest()
		e.logger.Info("requesting missing chunks", map[string]any{
			"source":   id.SourceID,
			"artifact": id.ArtifactName,
			"missing":  missing,
			"cycle":    buf.graceCycles,
		})
		return e.sendAck(ctx, id, types.Ack{ArtifactName: id.ArtifactName, MissingChunks: missing})
	}
}

// Run sweeps every SweepInterval until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.Ticker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				e.logger.Debug("sweep finished with errors", map[string]any{
					"errors": len(multierr.Errors(err)),
				})
			}
		}
	}
}

// Close finishes every complete buffer whose persist has not succeeded.
// Incomplete buffers are dropped. Use a context that is still live.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.RLock()
	ids := make(map[types.Identity]*entry, len(e.entries))
	for id, en := range e.entries {
		ids[id] = en
	}
	e.mu.RUnlock()

	var errs error
	incomplete := 0
	for id, en := range ids {
		en.mu.Lock()
		switch {
		case en.done:
		case en.buf.IsComplete():
			errs = multierr.Append(errs, e.complete(ctx, id, en))
		default:
			incomplete++
		}
		en.mu.Unlock()
	}
	if incomplete > 0 {
		e.logger.Info("engine closed with incomplete transfers", map[string]any{"incomplete": incomplete})
	}
	return errs
}

// Progress is a point-in-time view of one buffer.
type Progress struct {
	Source      string `json:"source"`
	Artifact    string `json:"artifact"`
	Expected    int    `json:"expected"`
	Received    int    `json:"received"`
	GraceCycles int    `json:"grace_cycles"`
	AgeMs       int64  `json:"age_ms"`
}

// Snapshot returns progress for every live buffer, ordered by identity.
func (e *Engine) Snapshot() []Progress {
	now := e.clock.Now()

	e.mu.RLock()
	ens := make(map[types.Identity]*entry, len(e.entries))
	for id, en := range e.entries {
		ens[id] = en
	}
	e.mu.RUnlock()

	out := make([]Progress, 0, len(ens))
	for id, en := range ens {
		en.mu.Lock()
		if !en.done {
			out = append(out, Progress{
				Source:      id.SourceID,
				Artifact:    id.ArtifactName,
				Expected:    en.buf.Expected(),
				Received:    en.buf.Received(),
				GraceCycles: en.buf.graceCycles,
				AgeMs:       now.Sub(en.buf.CreatedAt).Milliseconds(),
			})
		}
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Artifact < out[j].Artifact
	})
	return out
}

// Len returns the number of live buffers.
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// acquire returns the live entry for id, locked, creating it if absent.
func (e *Engine) acquire(id types.Identity) *entry {
	for {
		e.mu.RLock()
		en := e.entries[id]
		e.mu.RUnlock()

		if en == nil {
			e.mu.Lock()
			en = e.entries[id]
			if en == nil {
				en = &entry{buf: NewBuffer(id, e.clock.Now())}
				e.entries[id] = en
			}
			e.mu.Unlock()
		}

		en.mu.Lock()
		if !en.done {
			return en
		}
		en.mu.Unlock()
	}
}

// evictLocked removes en from the map. en.mu must be held.
func (e *Engine) evictLocked(id types.Identity, en *entry) {
	en.done = true
	e.mu.Lock()
	if e.entries[id] == en {
		delete(e.entries, id)
	}
	e.mu.Unlock()
}

// complete persists, acknowledges and evicts a complete buffer. en.mu must be held.
func (e *Engine) complete(ctx context.Context, id types.Identity, en *entry) error {
	buf := en.buf
	data, err := buf.Assemble()
	if err != nil {
		return err
	}
	now := e.clock.Now()

	meta := buf.Metadata()
	if meta != nil && int64(len(data)) != meta.TotalSize {
		missing := make([]int, buf.Expected())
		for i := range missing {
			missing[i] = i
		}
		buf.Reset(now)
		buf.graceCycles++
		e.collector.IncSizeMismatch()
		e.logger.Warn("assembled size mismatch, requesting all chunks", map[string]any{
			"source":    id.SourceID,
			"artifact":  id.ArtifactName,
			"assembled": len(data),
			"declared":  meta.TotalSize,
		})
		mismatch := fmt.Errorf("artifact %s: assembled %d bytes, declared %d: %w",
			id, len(data), meta.TotalSize, ErrSizeMismatch)
		return multierr.Append(mismatch,
			e.sendAck(ctx, id, types.Ack{ArtifactName: id.ArtifactName, MissingChunks: missing}))
	}

	if !en.persisted {
		if err := e.store.Persist(ctx, id, data); err != nil {
			e.logger.Error("persist failed, retrying on next sweep", map[string]any{
				"source":   id.SourceID,
				"artifact": id.ArtifactName,
				"error":    err.Error(),
			})
			return fmt.Errorf("artifact %s: persist: %w", id, err)
		}
		en.persisted = true
	}

	e.evictLocked(id, en)
	e.recent.Add(id, now)
	e.collector.IncArtifactCompleted()
	e.logger.Info("artifact complete", map[string]any{
		"source":   id.SourceID,
		"artifact": id.ArtifactName,
		"size":     len(data),
		"chunks":   buf.Expected(),
	})

	ackErr := e.sendOK(ctx, id)
	e.observe(ctx, Event{
		ID:          id,
		Outcome:     OutcomeCompleted,
		Metadata:    meta,
		SizeBytes:   int64(len(data)),
		Chunks:      buf.Expected(),
		GraceCycles: buf.graceCycles,
		Duration:    now.Sub(buf.CreatedAt),
		At:          now,
	})
	return ackErr
}

// recentlyCompleted reports whether id completed within IdleDeadline.
func (e *Engine) recentlyCompleted(id types.Identity) bool {
	at, ok := e.recent.Get(id)
	if !ok {
		return false
	}
	if e.clock.Since(at) > e.cfg.IdleDeadline {
		e.recent.Remove(id)
		return false
	}
	return true
}

func (e *Engine) sendOK(ctx context.Context, id types.Identity) error {
	wake := e.clock.Now().Add(e.cfg.WakeInterval).UTC().Format(time.RFC3339)
	return e.sendAck(ctx, id, types.Ack{ArtifactName: id.ArtifactName, OK: &types.AckOK{NextWakeTime: wake}})
}

func (e *Engine) sendAck(ctx context.Context, id types.Identity, ack types.Ack) error {
	if err := e.acker.SendAck(ctx, id.SourceID, ack); err != nil {
		e.collector.IncAckFailure()
		e.logger.Warn("ack publish failed", map[string]any{
			"source":   id.SourceID,
			"artifact": id.ArtifactName,
			"error":    err.Error(),
		})
		return fmt.Errorf("artifact %s: ack: %w", id, err)
	}
	e.collector.IncAckSent()
	return nil
}

func (e *Engine) observe(ctx context.Context, ev Event) {
	if e.observer != nil {
		e.observer.Observe(ctx, ev)
	}
}
