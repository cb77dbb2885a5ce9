// Package server wires the receiving side: transport subscriptions feed a
// keyed dispatcher, the reassembly engine persists completed artifacts and
// acknowledgments flow back to sources over the same transport.
package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/reassembly"
	"github.com/pithecene-io/shutter/transport"
	"github.com/pithecene-io/shutter/types"
	"github.com/pithecene-io/shutter/wire"
)

// DefaultCloseTimeout bounds the final flush of complete buffers on exit.
const DefaultCloseTimeout = 10 * time.Second

// TelemetrySink records the telemetry of completed artifacts.
type TelemetrySink interface {
	Write(ctx context.Context, meta types.Metadata, received time.Time) error
}

// Config configures a Receiver.
type Config struct {
	Topics     transport.Topics
	Engine     reassembly.Config
	Workers    int
	QueueDepth int
}

// DefaultConfig returns receiver defaults.
func DefaultConfig() Config {
	return Config{
		Topics:     transport.DefaultTopics(),
		Engine:     reassembly.DefaultConfig(),
		Workers:    4,
		QueueDepth: 64,
	}
}

// SourceState is what the receiver knows about one source.
type SourceState struct {
	SourceID  string    `json:"source_id"`
	Pending   int       `json:"pending"`
	Completed int       `json:"completed"`
	Abandoned int       `json:"abandoned"`
	LastSeen  time.Time `json:"last_seen"`
}

// Option configures a Receiver.
type Option func(*Receiver)

// WithLogger sets the receiver logger.
func WithLogger(l *log.Logger) Option { return func(r *Receiver) { r.logger = l } }

// WithCollector sets the metrics collector.
func WithCollector(c *metrics.Collector) Option { return func(r *Receiver) { r.collector = c } }

// WithClock sets the clock shared with the engine.
func WithClock(c clock.Clock) Option { return func(r *Receiver) { r.clock = c } }

// WithTelemetry records telemetry for every completed artifact.
func WithTelemetry(sink TelemetrySink) Option { return func(r *Receiver) { r.telemetry = sink } }

// WithObserver forwards terminal reassembly events to o.
func WithObserver(o reassembly.Observer) Option {
	return func(r *Receiver) { r.observers = append(r.observers, o) }
}

// Receiver is the server side of the transfer protocol.
type Receiver struct {
	cfg       Config
	transport transport.Transport
	codec     wire.Codec
	logger    *log.Logger
	collector *metrics.Collector
	clock     clock.Clock
	telemetry TelemetrySink
	observers []reassembly.Observer

	engine     *reassembly.Engine
	dispatcher *reassembly.Dispatcher
	completed  chan types.Metadata
	ready      chan struct{}
	readyOnce  sync.Once

	mu      sync.Mutex
	sources map[string]*SourceState
}

// NewReceiver creates a receiver persisting to store.
func NewReceiver(cfg Config, t transport.Transport, codec wire.Codec, store reassembly.Store, opts ...Option) (*Receiver, error) {
	if t == nil {
		return nil, errors.New("receiver requires a transport")
	}
	if codec == nil {
		codec = wire.JSON
	}
	cfg.Topics = cfg.Topics.WithDefaults()
	if err := cfg.Topics.Validate(); err != nil {
		return nil, fmt.Errorf("receiver topics: %w", err)
	}

	r := &Receiver{
		cfg:       cfg,
		transport: t,
		codec:     codec,
		logger:    log.Nop(),
		clock:     clock.New(),
		completed: make(chan types.Metadata, 256),
		ready:     make(chan struct{}),
		sources:   make(map[string]*SourceState),
	}
	for _, opt := range opts {
		opt(r)
	}

	engine, err := reassembly.NewEngine(cfg.Engine, store, r,
		reassembly.WithLogger(r.logger),
		reassembly.WithCollector(r.collector),
		reassembly.WithClock(r.clock),
		reassembly.WithObserver(reassembly.ObserverFunc(r.observe)),
	)
	if err != nil {
		return nil, err
	}
	r.engine = engine
	r.dispatcher = reassembly.NewDispatcher(engine, cfg.Workers, cfg.QueueDepth, r.logger)
	return r, nil
}

// Engine exposes the reassembly engine for inspection.
func (r *Receiver) Engine() *reassembly.Engine { return r.engine }

// Ready is closed once Run has subscribed to its topics.
func (r *Receiver) Ready() <-chan struct{} { return r.ready }

// SendAck implements reassembly.Acker.
func (r *Receiver) SendAck(ctx context.Context, sourceID string, ack types.Ack) error {
	payload, err := wire.EncodeAck(r.codec, ack)
	if err != nil {
		return err
	}
	return r.transport.Publish(ctx, r.cfg.Topics.AckTopic(sourceID), payload)
}

// SendCommand publishes an out-of-band command to a source.
func (r *Receiver) SendCommand(ctx context.Context, sourceID string, cmd types.Command) error {
	return PublishCommand(ctx, r.transport, r.codec, r.cfg.Topics, sourceID, cmd)
}

// PublishCommand publishes cmd on the command topic of sourceID.
func PublishCommand(ctx context.Context, t transport.Transport, codec wire.Codec, topics transport.Topics, sourceID string, cmd types.Command) error {
	payload, err := wire.EncodeCommand(codec, cmd)
	if err != nil {
		return err
	}
	return t.Publish(ctx, topics.WithDefaults().CommandTopic(sourceID), payload)
}

// Sources returns a snapshot of known sources ordered by id.
func (r *Receiver) Sources() []SourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SourceState, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b SourceState) int { return strings.Compare(a.SourceID, b.SourceID) })
	return out
}

// Run subscribes to data and status topics and serves until ctx is
// canceled. On exit, complete buffers are flushed to storage.
func (r *Receiver) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	dataSub, err := r.transport.Subscribe(gctx, r.cfg.Topics.DataPattern(), r.handleData)
	if err != nil {
		return fmt.Errorf("subscribe data: %w", err)
	}
	statusSub, err := r.transport.Subscribe(gctx, r.cfg.Topics.StatusPattern(), r.handleStatus)
	if err != nil {
		return multierr.Append(fmt.Errorf("subscribe status: %w", err), dataSub.Unsubscribe())
	}

	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("receiver started", map[string]any{
		"transport": r.transport.Name(),
		"codec":     r.codec.Name(),
		"data":      r.cfg.Topics.DataPattern(),
		"status":    r.cfg.Topics.StatusPattern(),
	})

	g.Go(func() error { return r.engine.Run(gctx) })
	g.Go(func() error { return r.dispatcher.Run(gctx) })
	g.Go(func() error { return r.recordTelemetry(gctx) })

	runErr := g.Wait()

	errs := multierr.Combine(runErr, dataSub.Unsubscribe(), statusSub.Unsubscribe())

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCloseTimeout)
	defer cancel()
	errs = multierr.Append(errs, r.engine.Close(closeCtx))
	r.drainTelemetry(closeCtx)

	r.logger.Info("receiver stopped", map[string]any{"in_flight": r.engine.Len()})
	return errs
}

func (r *Receiver) handleData(ctx context.Context, msg transport.Message) {
	decoded, err := wire.DecodeData(r.codec, msg.Payload)
	if err != nil {
		r.collector.IncDecodeErrors()
		r.logger.Debug("data message dropped", map[string]any{
			"topic": msg.Topic,
			"error": err.Error(),
		})
		return
	}

	var out reassembly.Message
	var id types.Identity
	switch v := decoded.(type) {
	case *types.Metadata:
		out.Metadata, id = v, v.ID
	case *types.Chunk:
		out.Chunk, id = v, v.ID
	default:
		return
	}

	if topicID, ok := transport.SourceFrom(r.cfg.Topics.Data, msg.Topic); ok && topicID != id.SourceID {
		r.collector.IncDecodeErrors()
		r.logger.Warn("data message source does not match topic", map[string]any{
			"topic":  msg.Topic,
			"source": id.SourceID,
		})
		return
	}
	r.touch(id.SourceID, func(*SourceState) {})

	if err := r.dispatcher.Dispatch(ctx, out); err != nil && !errors.Is(err, reassembly.ErrDispatcherClosed) {
		r.logger.Debug("data message not dispatched", map[string]any{
			"source":   id.SourceID,
			"artifact": id.ArtifactName,
			"error":    err.Error(),
		})
	}
}

func (r *Receiver) handleStatus(_ context.Context, msg transport.Message) {
	status, err := wire.DecodeStatus(r.codec, msg.Payload)
	if err != nil {
		r.collector.IncDecodeErrors()
		r.logger.Debug("status message dropped", map[string]any{
			"topic": msg.Topic,
			"error": err.Error(),
		})
		return
	}

	r.collector.AddStatus(status.PendingCount)
	r.touch(status.SourceID, func(s *SourceState) { s.Pending = status.PendingCount })
	r.logger.Info("source online", map[string]any{
		"source":  status.SourceID,
		"status":  status.Status,
		"pending": status.PendingCount,
	})
}

func (r *Receiver) touch(sourceID string, fn func(*SourceState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[sourceID]
	if !ok {
		s = &SourceState{SourceID: sourceID}
		r.sources[sourceID] = s
	}
	s.LastSeen = r.clock.Now()
	fn(s)
}

// observe runs under the engine's buffer lock; telemetry is handed off.
func (r *Receiver) observe(ctx context.Context, ev reassembly.Event) {
	r.touch(ev.ID.SourceID, func(s *SourceState) {
		if ev.Outcome == reassembly.OutcomeAbandoned {
			s.Abandoned++
			return
		}
		s.Completed++
		if s.Pending > 0 {
			s.Pending--
		}
	})

	if ev.Outcome == reassembly.OutcomeCompleted && ev.Metadata != nil && r.telemetry != nil {
		select {
		case r.completed <- *ev.Metadata:
		default:
			r.logger.Warn("telemetry queue full, dropping record", map[string]any{
				"source":   ev.ID.SourceID,
				"artifact": ev.ID.ArtifactName,
			})
		}
	}

	for _, o := range r.observers {
		o.Observe(ctx, ev)
	}
}

func (r *Receiver) recordTelemetry(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case meta := <-r.completed:
			r.writeTelemetry(ctx, meta)
		}
	}
}

func (r *Receiver) drainTelemetry(ctx context.Context) {
	for {
		select {
		case meta := <-r.completed:
			r.writeTelemetry(ctx, meta)
		default:
			return
		}
	}
}

func (r *Receiver) writeTelemetry(ctx context.Context, meta types.Metadata) {
	if err := r.telemetry.Write(ctx, meta, r.clock.Now()); err != nil {
		r.logger.Error("telemetry write failed", map[string]any{
			"source":   meta.ID.SourceID,
			"artifact": meta.ID.ArtifactName,
			"error":    err.Error(),
		})
	}
}

// Verify Receiver implements reassembly.Acker.
var _ reassembly.Acker = (*Receiver)(nil)
