// Package device wires the sending side: an Agent publishes transfer
// sessions over a transport and routes inbound acks and commands.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/raulk/clock"
	"go.uber.org/multierr"

	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/transfer"
	"github.com/pithecene-io/shutter/transport"
	"github.com/pithecene-io/shutter/types"
	"github.com/pithecene-io/shutter/wire"
)

// ErrNotStarted is returned by Send and Drain before Start.
var ErrNotStarted = errors.New("agent not started")

// CommandHandler receives decoded commands.
type CommandHandler func(ctx context.Context, cmd types.Command)

// Config configures an Agent.
type Config struct {
	SourceID string
	Topics   transport.Topics
	Drain    transfer.DrainConfig
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent logger. Sessions inherit it.
func WithLogger(l *log.Logger) Option { return func(a *Agent) { a.logger = l } }

// WithCollector sets the metrics collector. Sessions inherit it.
func WithCollector(c *metrics.Collector) Option { return func(a *Agent) { a.collector = c } }

// WithClock sets the clock for pacing and timeouts.
func WithClock(c clock.Clock) Option { return func(a *Agent) { a.clock = c } }

// WithCommandHandler registers a handler for inbound commands.
func WithCommandHandler(h CommandHandler) Option { return func(a *Agent) { a.onCommand = h } }

// WithSessionOptions adds options applied to every session.
func WithSessionOptions(opts ...transfer.SessionOption) Option {
	return func(a *Agent) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// Agent is one source's connection to the receiver.
type Agent struct {
	cfg         Config
	transport   transport.Transport
	codec       wire.Codec
	logger      *log.Logger
	collector   *metrics.Collector
	clock       clock.Clock
	onCommand   CommandHandler
	sessionOpts []transfer.SessionOption
	router      *transfer.Router

	mu       sync.Mutex
	subs     []transport.Subscription
	nextWake string
}

// NewAgent creates an agent for cfg.SourceID.
func NewAgent(cfg Config, t transport.Transport, codec wire.Codec, opts ...Option) (*Agent, error) {
	if cfg.SourceID == "" {
		return nil, errors.New("agent requires a source id")
	}
	if t == nil {
		return nil, errors.New("agent requires a transport")
	}
	if codec == nil {
		codec = wire.JSON
	}
	cfg.Topics = cfg.Topics.WithDefaults()
	if err := cfg.Topics.Validate(); err != nil {
		return nil, fmt.Errorf("agent topics: %w", err)
	}

	a := &Agent{
		cfg:       cfg,
		transport: t,
		codec:     codec,
		logger:    log.Nop(),
		clock:     clock.New(),
		router:    &transfer.Router{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(map[string]any{"source": cfg.SourceID})
	return a, nil
}

// SourceID returns the agent's source id.
func (a *Agent) SourceID() string { return a.cfg.SourceID }

// NextWake returns the most recent wake directive, or "".
func (a *Agent) NextWake() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextWake
}

// Start subscribes to the agent's ack and command topics.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.subs) > 0 {
		return nil
	}

	ackSub, err := a.transport.Subscribe(ctx, a.cfg.Topics.AckTopic(a.cfg.SourceID), a.handleAck)
	if err != nil {
		return fmt.Errorf("subscribe ack: %w", err)
	}
	cmdSub, err := a.transport.Subscribe(ctx, a.cfg.Topics.CommandTopic(a.cfg.SourceID), a.handleCommand)
	if err != nil {
		return multierr.Append(fmt.Errorf("subscribe command: %w", err), ackSub.Unsubscribe())
	}
	a.subs = []transport.Subscription{ackSub, cmdSub}
	a.logger.Info("agent started", map[string]any{"transport": a.transport.Name()})
	return nil
}

// Stop removes the agent's subscriptions.
func (a *Agent) Stop() error {
	a.mu.Lock()
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()

	var errs error
	for _, s := range subs {
		errs = multierr.Append(errs, s.Unsubscribe())
	}
	return errs
}

// Send transfers a single artifact. opts apply to this session only.
func (a *Agent) Send(ctx context.Context, art transfer.Artifact, opts ...transfer.SessionOption) (*transfer.Result, error) {
	if !a.started() {
		return nil, ErrNotStarted
	}
	s, err := transfer.NewSession(a.cfg.SourceID, art, a, a.cfg.Drain.Session, append(a.sessionOptions(), opts...)...)
	if err != nil {
		return nil, err
	}
	detach := a.router.Attach(s)
	defer detach()
	res, err := s.Run(ctx)
	a.recordWake(res)
	return res, err
}

// Drain announces the backlog and transfers it one artifact at a time.
func (a *Agent) Drain(ctx context.Context, backlog []transfer.Source) (*transfer.DrainReport, error) {
	if !a.started() {
		return nil, ErrNotStarted
	}
	d := transfer.NewDrain(a.cfg.SourceID, a, a.router, a.cfg.Drain,
		transfer.WithDrainLogger(a.logger),
		transfer.WithDrainCollector(a.collector),
		transfer.WithDrainClock(a.clock),
		transfer.WithSessionOptions(a.sessionOpts...),
	)
	report, err := d.Run(ctx, backlog)
	if report != nil {
		for _, res := range report.Results {
			a.recordWake(res)
		}
	}
	return report, err
}

// PublishMetadata implements transfer.Publisher.
func (a *Agent) PublishMetadata(ctx context.Context, meta types.Metadata) error {
	payload, err := wire.EncodeMetadata(a.codec, meta)
	if err != nil {
		return err
	}
	return a.transport.Publish(ctx, a.cfg.Topics.DataTopic(a.cfg.SourceID), payload)
}

// PublishChunk implements transfer.Publisher.
func (a *Agent) PublishChunk(ctx context.Context, c types.Chunk) error {
	payload, err := wire.EncodeChunk(a.codec, c)
	if err != nil {
		return err
	}
	return a.transport.Publish(ctx, a.cfg.Topics.DataTopic(a.cfg.SourceID), payload)
}

// PublishStatus implements transfer.Announcer.
func (a *Agent) PublishStatus(ctx context.Context, st types.Status) error {
	payload, err := wire.EncodeStatus(a.codec, st)
	if err != nil {
		return err
	}
	return a.transport.Publish(ctx, a.cfg.Topics.StatusTopic(a.cfg.SourceID), payload)
}

func (a *Agent) handleAck(_ context.Context, msg transport.Message) {
	ack, err := wire.DecodeAck(a.codec, msg.Payload)
	if err != nil {
		a.collector.IncDecodeErrors()
		a.logger.Debug("ack dropped", map[string]any{"error": err.Error()})
		return
	}
	if !a.router.Route(*ack) {
		a.logger.Debug("ack without active session", map[string]any{
			"artifact": ack.ArtifactName,
			"success":  ack.IsSuccess(),
		})
	}
}

func (a *Agent) handleCommand(ctx context.Context, msg transport.Message) {
	cmd, err := wire.DecodeCommand(a.codec, msg.Payload)
	if err != nil {
		a.collector.IncDecodeErrors()
		a.logger.Debug("command dropped", map[string]any{"error": err.Error()})
		return
	}
	a.collector.IncCommandReceived()
	a.logger.Info("command received", map[string]any{
		"kind":     string(cmd.Kind),
		"artifact": cmd.ArtifactName,
	})

	if cmd.Kind == types.CommandNextWake && cmd.NextWake != "" {
		a.mu.Lock()
		a.nextWake = cmd.NextWake
		a.mu.Unlock()
	}
	if a.onCommand != nil {
		a.onCommand(ctx, *cmd)
	}
}

func (a *Agent) started() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subs) > 0
}

func (a *Agent) sessionOptions() []transfer.SessionOption {
	return append([]transfer.SessionOption{
		transfer.WithSessionLogger(a.logger),
		transfer.WithSessionCollector(a.collector),
		transfer.WithSessionClock(a.clock),
	}, a.sessionOpts...)
}

func (a *Agent) recordWake(res *transfer.Result) {
	if res == nil || res.NextWakeTime == "" {
		return
	}
	a.mu.Lock()
	a.nextWake = res.NextWakeTime
	a.mu.Unlock()
}

// Verify Agent implements transfer.DrainPublisher.
var _ transfer.DrainPublisher = (*Agent)(nil)
