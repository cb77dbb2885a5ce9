package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/raulk/clock"

	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/types"
)

// Announcer publishes the liveness status that precedes a drain.
type Announcer interface {
	PublishStatus(ctx context.Context, st types.Status) error
}

// DrainPublisher is everything a drain sends.
type DrainPublisher interface {
	Publisher
	Announcer
}

// DrainReport summarizes a drain.
type DrainReport struct {
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Results   []*Result `json:"results"`
}

// DrainConfig configures a Drain.
type DrainConfig struct {
	Session Config
	// InterSessionDelay separates consecutive sessions.
	InterSessionDelay time.Duration
}

// DefaultDrainConfig returns the firmware defaults.
func DefaultDrainConfig() DrainConfig {
	return DrainConfig{Session: DefaultConfig(), InterSessionDelay: time.Second}
}

// DrainOption configures a Drain.
type DrainOption func(*Drain)

// WithDrainLogger sets the drain logger. Sessions inherit it.
func WithDrainLogger(l *log.Logger) DrainOption { return func(d *Drain) { d.logger = l } }

// WithDrainCollector sets the metrics collector. Sessions inherit it.
func WithDrainCollector(c *metrics.Collector) DrainOption {
	return func(d *Drain) { d.collector = c }
}

// WithDrainClock sets the clock for delays. Sessions inherit it.
func WithDrainClock(c clock.Clock) DrainOption { return func(d *Drain) { d.clock = c } }

// WithSessionOptions adds options applied to every session, after the
// inherited logger, collector and clock.
func WithSessionOptions(opts ...SessionOption) DrainOption {
	return func(d *Drain) { d.sessionOpts = append(d.sessionOpts, opts...) }
}

// Drain sends a backlog strictly one artifact at a time.
type Drain struct {
	sourceID    string
	pub         DrainPublisher
	router      *Router
	cfg         DrainConfig
	logger      *log.Logger
	collector   *metrics.Collector
	clock       clock.Clock
	sessionOpts []SessionOption
}

// NewDrain creates a drain for sourceID. Inbound acks must be fed to router.
func NewDrain(sourceID string, pub DrainPublisher, router *Router, cfg DrainConfig, opts ...DrainOption) *Drain {
	d := &Drain{
		sourceID: sourceID,
		pub:      pub,
		router:   router,
		cfg:      cfg,
		logger:   log.Nop(),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run announces the backlog size, then transfers each entry in order.
// The first abandoned session (or load failure) stops the drain; the
// remaining entries are counted as skipped and the error is returned.
func (d *Drain) Run(ctx context.Context, backlog []Source) (*DrainReport, error) {
	report := &DrainReport{Total: len(backlog), Results: make([]*Result, 0, len(backlog))}

	status := types.Status{SourceID: d.sourceID, Status: types.StatusAlive, PendingCount: len(backlog)}
	if err := d.pub.PublishStatus(ctx, status); err != nil {
		report.Skipped = len(backlog)
		return report, fmt.Errorf("announce status: %w", err)
	}
	d.logger.Info("drain started", map[string]any{"pending": len(backlog)})

	for i, src := range backlog {
		if i > 0 {
			if err := sleep(ctx, d.clock, d.cfg.InterSessionDelay); err != nil {
				report.Skipped = len(backlog) - i
				return report, err
			}
		}

		res, err := d.runOne(ctx, src)
		if res != nil {
			report.Results = append(report.Results, res)
		}
		if err != nil {
			report.Failed++
			report.Skipped = len(backlog) - i - 1
			d.logger.Warn("drain stopped", map[string]any{
				"artifact":  src.Name(),
				"succeeded": report.Succeeded,
				"skipped":   report.Skipped,
				"error":     err.Error(),
			})
			return report, err
		}
		report.Succeeded++
	}

	d.logger.Info("drain finished", map[string]any{"succeeded": report.Succeeded})
	return report, nil
}

func (d *Drain) runOne(ctx context.Context, src Source) (*Result, error) {
	art, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", src.Name(), err)
	}

	opts := append([]SessionOption{
		WithSessionLogger(d.logger),
		WithSessionCollector(d.collector),
		WithSessionClock(d.clock),
	}, d.sessionOpts...)
	s, err := NewSession(d.sourceID, art, d.pub, d.cfg.Session, opts...)
	if err != nil {
		return nil, err
	}

	detach := d.router.Attach(s)
	defer detach()
	return s.Run(ctx)
}
