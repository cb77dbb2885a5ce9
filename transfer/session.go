// Package transfer implements the sender side of a chunked artifact
// transfer: the per-artifact Session state machine, the Router feeding it
// acknowledgments and the Drain that sends a backlog one artifact at a time.
package transfer

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"

	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/types"
)

// Publisher sends data messages for a session.
type Publisher interface {
	PublishMetadata(ctx context.Context, meta types.Metadata) error
	PublishChunk(ctx context.Context, c types.Chunk) error
}

// Phase is a session lifecycle state.
type Phase int

// Session phases. Acknowledged and Abandoned are terminal.
const (
	PhaseIdle Phase = iota
	PhaseMetadataSent
	PhaseChunksSent
	PhaseAwaitingAck
	PhaseRetrying
	PhaseAcknowledged
	PhaseAbandoned
)

var phaseNames = [...]string{
	PhaseIdle:         "idle",
	PhaseMetadataSent: "metadata_sent",
	PhaseChunksSent:   "chunks_sent",
	PhaseAwaitingAck:  "awaiting_ack",
	PhaseRetrying:     "retrying",
	PhaseAcknowledged: "acknowledged",
	PhaseAbandoned:    "abandoned",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Terminal reports whether p is Acknowledged or Abandoned.
func (p Phase) Terminal() bool {
	return p == PhaseAcknowledged || p == PhaseAbandoned
}

// Config holds session pacing and limits. Zero delays disable pacing.
type Config struct {
	ChunkSize     int
	RetryBudget   int
	AckTimeout    time.Duration
	ChunkPacing   time.Duration
	MetadataDelay time.Duration
	RetryDelay    time.Duration
}

// DefaultConfig returns the pacing used by the camera firmware.
func DefaultConfig() Config {
	return Config{
		ChunkSize:     8192,
		RetryBudget:   3,
		AckTimeout:    30 * time.Second,
		ChunkPacing:   50 * time.Millisecond,
		MetadataDelay: 300 * time.Millisecond,
		RetryDelay:    500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	return c
}

// Result summarizes a finished session.
type Result struct {
	SessionID    string        `json:"session_id"`
	Artifact     string        `json:"artifact"`
	Phase        Phase         `json:"-"`
	Outcome      string        `json:"outcome"`
	Chunks       int           `json:"chunks"`
	Retries      int           `json:"retries"`
	ChunksResent int           `json:"chunks_resent"`
	NextWakeTime string        `json:"next_wake_time,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Err          error         `json:"-"`
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the session logger.
func WithSessionLogger(l *log.Logger) SessionOption { return func(s *Session) { s.logger = l } }

// WithSessionCollector sets the metrics collector.
func WithSessionCollector(c *metrics.Collector) SessionOption {
	return func(s *Session) { s.collector = c }
}

// WithSessionClock sets the clock for pacing and ack timeouts.
func WithSessionClock(c clock.Clock) SessionOption { return func(s *Session) { s.clock = c } }

// WithDropFirstPass skips the given chunk indices during the initial
// send so the receiver has to request them. Used by the simulator.
func WithDropFirstPass(indices ...int) SessionOption {
	return func(s *Session) {
		for _, i := range indices {
			s.dropFirst[i] = true
		}
	}
}

type queuedAck struct {
	ack types.Ack
	seq uint64
}

// Session transfers one artifact and waits for its acknowledgment.
//
// Run drives the state machine on the caller's goroutine. Deliver may be
// called from any goroutine; after the session reaches a terminal phase
// deliveries are ignored.
type Session struct {
	id        string
	sourceID  string
	artifact  Artifact
	cfg       Config
	pub       Publisher
	logger    *log.Logger
	collector *metrics.Collector
	clock     clock.Clock
	dropFirst map[int]bool
	ranges    []Range

	acks     chan queuedAck
	done     chan struct{}
	doneOnce sync.Once

	// delivered numbers queued acks. roundEnd is the last number queued
	// before the latest resend round finished; only Run touches it.
	delivered atomic.Uint64
	roundEnd  uint64

	mu          sync.Mutex
	phase       Phase
	retryCount  int
	lastMissing []int
}

// NewSession creates an idle session for artifact a from sourceID.
func NewSession(sourceID string, a Artifact, pub Publisher, cfg Config, opts ...SessionOption) (*Session, error) {
	id := types.Identity{SourceID: sourceID, ArtifactName: a.Name}
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if len(a.Data) == 0 {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrEmptyArtifact)
	}
	cfg = cfg.withDefaults()

	s := &Session{
		id:        uuid.NewString(),
		sourceID:  sourceID,
		artifact:  a,
		cfg:       cfg,
		pub:       pub,
		logger:    log.Nop(),
		clock:     clock.New(),
		dropFirst: make(map[int]bool),
		ranges:    SplitRanges(len(a.Data), cfg.ChunkSize),
		acks:      make(chan queuedAck, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(map[string]any{
		"session":  s.id,
		"artifact": a.Name,
	})
	return s, nil
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// Artifact returns the artifact name.
func (s *Session) Artifact() string { return s.artifact.Name }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// RetryCount returns the number of missing-chunk notices accepted so far.
func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// LastMissing returns the most recent missing-chunk set.
func (s *Session) LastMissing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lastMissing)
}

// Deliver hands an acknowledgment to the session. It never blocks and
// returns false when the ack was not queued (session finished or queue full).
func (s *Session) Deliver(ack types.Ack) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.acks <- queuedAck{ack: ack, seq: s.delivered.Add(1)}:
		return true
	default:
		s.logger.Warn("ack queue full, dropping ack", nil)
		return false
	}
}

// Run sends metadata and every chunk, then serves missing-chunk notices
// until a success ack, the ack timeout, the retry budget or ctx ends it.
// A non-nil error is returned exactly when the session is abandoned.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	start := s.clock.Now()
	res := &Result{SessionID: s.id, Artifact: s.artifact.Name, Chunks: len(s.ranges)}

	meta := types.Metadata{
		ID:               types.Identity{SourceID: s.sourceID, ArtifactName: s.artifact.Name},
		CaptureTimestamp: s.artifact.CaptureTimestamp,
		TotalSize:        int64(len(s.artifact.Data)),
		ChunkSize:        s.cfg.ChunkSize,
		TotalChunks:      len(s.ranges),
		Telemetry:        s.artifact.Telemetry,
		Error:            s.artifact.Error,
	}
	s.logger.Info("transfer started", map[string]any{
		"size":   meta.TotalSize,
		"chunks": meta.TotalChunks,
	})

	if err := s.pub.PublishMetadata(ctx, meta); err != nil {
		return s.abandon(res, start, fmt.Errorf("publish metadata: %w", err))
	}
	s.setPhase(PhaseMetadataSent)
	if err := sleep(ctx, s.clock, s.cfg.MetadataDelay); err != nil {
		return s.abandon(res, start, err)
	}

	sent := 0
	for _, r := range s.ranges {
		if s.dropFirst[r.Index] {
			s.logger.Debug("skipping chunk on first pass", map[string]any{"index": r.Index})
			continue
		}
		if err := s.sendChunk(ctx, r); err != nil {
			return s.abandon(res, start, err)
		}
		sent++
	}
	s.collector.AddChunksSent(sent)
	s.setPhase(PhaseChunksSent)
	s.setPhase(PhaseAwaitingAck)

	for {
		ack, err := s.await(ctx)
		if err != nil {
			return s.abandon(res, start, err)
		}

		if ack.IsSuccess() {
			res.NextWakeTime = ack.OK.NextWakeTime
			s.finish(PhaseAcknowledged)
			s.collector.IncSessionAcknowledged()
			s.fill(res, start)
			s.logger.Info("transfer acknowledged", map[string]any{
				"retries":        res.Retries,
				"next_wake_time": res.NextWakeTime,
			})
			return res, nil
		}

		missing := s.validMissing(ack.MissingChunks)
		s.mu.Lock()
		s.retryCount++
		s.lastMissing = missing
		exhausted := s.retryCount > s.cfg.RetryBudget
		retry := s.retryCount
		s.mu.Unlock()

		if exhausted {
			return s.abandon(res, start, fmt.Errorf("artifact %s: %d missing-chunk notices: %w",
				s.artifact.Name, retry, ErrRetryBudgetExhausted))
		}

		s.setPhase(PhaseRetrying)
		s.logger.Info("resending missing chunks", map[string]any{
			"missing": missing,
			"retry":   retry,
		})
		if err := sleep(ctx, s.clock, s.cfg.RetryDelay); err != nil {
			return s.abandon(res, start, err)
		}
		for _, idx := range missing {
			if err := s.sendChunk(ctx, s.ranges[idx]); err != nil {
				return s.abandon(res, start, err)
			}
		}
		s.collector.AddChunksResent(len(missing))
		res.ChunksResent += len(missing)
		s.roundEnd = s.delivered.Load()
		s.setPhase(PhaseAwaitingAck)
	}
}

// await blocks for the next ack addressed to this artifact.
func (s *Session) await(ctx context.Context) (types.Ack, error) {
	timer := s.clock.Timer(s.cfg.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return types.Ack{}, ctx.Err()
		case <-timer.C:
			return types.Ack{}, fmt.Errorf("artifact %s: no ack within %s: %w",
				s.artifact.Name, s.cfg.AckTimeout, ErrAckTimeout)
		case q := <-s.acks:
			ack := q.ack
			if !ack.Matches(s.artifact.Name) {
				s.logger.Debug("ignoring ack for another artifact", map[string]any{
					"ack_artifact": ack.ArtifactName,
				})
				continue
			}
			if !ack.IsSuccess() && len(ack.MissingChunks) == 0 {
				s.logger.Debug("ignoring empty missing-chunk notice", nil)
				continue
			}
			if s.redelivered(q) {
				s.logger.Debug("ignoring redelivered missing-chunk notice", map[string]any{
					"missing": ack.MissingChunks,
				})
				continue
			}
			return ack, nil
		}
	}
}

// redelivered reports whether q repeats the notice the last resend round
// answered: same set, queued before that round finished.
func (s *Session) redelivered(q queuedAck) bool {
	if q.ack.IsSuccess() || q.seq > s.roundEnd {
		return false
	}
	return slices.Equal(s.validMissing(q.ack.MissingChunks), s.LastMissing())
}

// validMissing returns the in-range indices of missing, sorted and unique.
func (s *Session) validMissing(missing []int) []int {
	out := make([]int, 0, len(missing))
	for _, idx := range missing {
		if idx < 0 || idx >= len(s.ranges) {
			s.logger.Warn("ignoring out-of-range missing index", map[string]any{"index": idx})
			continue
		}
		out = append(out, idx)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (s *Session) sendChunk(ctx context.Context, r Range) error {
	c := types.Chunk{
		ID:        types.Identity{SourceID: s.sourceID, ArtifactName: s.artifact.Name},
		Index:     r.Index,
		ChunkSize: s.cfg.ChunkSize,
		Data:      s.artifact.Data[r.Start:r.End],
	}
	if err := s.pub.PublishChunk(ctx, c); err != nil {
		return fmt.Errorf("publish chunk %d: %w", r.Index, err)
	}
	return sleep(ctx, s.clock, s.cfg.ChunkPacing)
}

func (s *Session) abandon(res *Result, start time.Time, err error) (*Result, error) {
	s.finish(PhaseAbandoned)
	s.collector.IncSessionAbandoned()
	s.fill(res, start)
	res.Err = err
	s.logger.Warn("transfer abandoned", map[string]any{
		"retries": res.Retries,
		"error":   err.Error(),
	})
	return res, err
}

func (s *Session) fill(res *Result, start time.Time) {
	s.mu.Lock()
	res.Phase = s.phase
	res.Retries = s.retryCount
	s.mu.Unlock()
	res.Outcome = res.Phase.String()
	res.Duration = s.clock.Since(start)
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) finish(p Phase) {
	s.setPhase(p)
	s.doneOnce.Do(func() { close(s.done) })
}

// sleep waits d on clk or until ctx ends. Non-positive d only checks ctx.
func sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
