package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/shutter/adapter"
	"github.com/pithecene-io/shutter/cli/config"
	"github.com/pithecene-io/shutter/cli/render"
	"github.com/pithecene-io/shutter/iox"
	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/server"
	"github.com/pithecene-io/shutter/store"
	"github.com/pithecene-io/shutter/transport/memory"
)

// ServeCommand returns the serve command.
// Serve runs the receiver until interrupted, then prints a metrics summary.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the receiver: reassemble artifacts, ack devices and persist results",
		Flags: withFlags(ConnectionFlags(), ReadOnlyFlags(), StorageFlags(), []cli.Flag{
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Reassembly worker count",
			},
			&cli.IntFlag{
				Name:  "retry-budget",
				Usage: "Missing-chunk requests per artifact before abandoning",
			},
			&cli.DurationFlag{
				Name:  "completion-grace",
				Usage: "Silence after the last chunk before the buffer is checked",
			},
			&cli.BoolFlag{
				Name:  "no-telemetry",
				Usage: "Do not record artifact telemetry",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the metrics summary",
			},
		}),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyServeFlags(c, cfg)

	hostname, _ := os.Hostname()
	logger, err := newLogger("receiver", hostname, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, err := newReceiverService(ctx, cfg, logger, nil)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	runErr := svc.run(ctx)
	closeErr := svc.close()

	if !c.Bool("quiet") {
		if err := renderServeSummary(r, svc); err != nil {
			return err
		}
	}
	if err := errors.Join(runErr, closeErr); err != nil {
		return cli.Exit(fmt.Sprintf("receiver failed: %v", err), exitFailure)
	}
	return nil
}

// ServeSummary is printed when serve exits.
type ServeSummary struct {
	Metrics metrics.Snapshot     `json:"metrics"`
	Sources []server.SourceState `json:"sources"`
}

// renderServeSummary prints counters and per-source state. Tables render
// the two parts one after the other.
func renderServeSummary(r *render.Renderer, svc *receiverService) error {
	summary := ServeSummary{
		Metrics: svc.collector.Snapshot(),
		Sources: svc.receiver.Sources(),
	}
	if r.Format() != render.FormatTable {
		return r.Render(summary)
	}
	if err := r.Render(summary.Metrics); err != nil {
		return err
	}
	if len(summary.Sources) == 0 {
		return nil
	}
	return r.Render(summary.Sources)
}

func applyServeFlags(c *cli.Context, cfg *config.Config) {
	applyStorageFlags(c, cfg)
	overlayInt(c, "workers", &cfg.Receiver.Workers)
	if c.IsSet("retry-budget") {
		budget := c.Int("retry-budget")
		cfg.Receiver.RetryBudget = &budget
	}
	if c.IsSet("completion-grace") {
		cfg.Receiver.CompletionGrace = config.Duration{Duration: c.Duration("completion-grace")}
	}
	if c.Bool("no-telemetry") {
		off := false
		cfg.Storage.Telemetry = &off
	}
}

// receiverService bundles a receiver with the resources it owns.
type receiverService struct {
	receiver  *server.Receiver
	notifier  *adapter.Notifier
	collector *metrics.Collector
	store     *store.LodeStore
	closers   []io.Closer
}

// newReceiverService builds the transport, store, telemetry and adapter
// stack described by cfg. bus is shared when the transport is memory.
func newReceiverService(ctx context.Context, cfg *config.Config, logger *log.Logger, bus *memory.Bus) (_ *receiverService, err error) {
	svc := &receiverService{}
	defer func() {
		if err != nil {
			_ = iox.CloseAll(svc.closers...)
		}
	}()

	codec, err := buildCodec(cfg)
	if err != nil {
		return nil, err
	}
	t, err := buildTransport(cfg, "shutter-receiver", bus)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if bus == nil {
		svc.closers = append(svc.closers, t)
	}

	lodeStore, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	svc.store = lodeStore
	svc.collector = metrics.NewCollector("receiver", codec.Name(), t.Name(), lodeStore.Backend())
	instrumented := store.NewInstrumentedStore(lodeStore, svc.collector)
	svc.closers = append(svc.closers, instrumented)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithCollector(svc.collector),
	}
	if cfg.Storage.TelemetryEnabled() {
		tw, err := store.NewTelemetryWriter(lodeStore.Factory())
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		opts = append(opts, server.WithTelemetry(tw))
	}

	a, err := buildAdapter(cfg.Adapter)
	if err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	if a != nil {
		svc.notifier = adapter.NewNotifier(a, logger, adapter.WithPaths(lodeStore.PathOf))
		svc.closers = append(svc.closers, svc.notifier)
		opts = append(opts, server.WithObserver(svc.notifier))
	}

	rcfg := server.DefaultConfig()
	rcfg.Topics = cfg.Topics.WithDefaults()
	rcfg.Engine = cfg.EngineConfig()
	if cfg.Receiver.Workers > 0 {
		rcfg.Workers = cfg.Receiver.Workers
	}
	if cfg.Receiver.QueueDepth > 0 {
		rcfg.QueueDepth = cfg.Receiver.QueueDepth
	}

	svc.receiver, err = server.NewReceiver(rcfg, t, codec, instrumented, opts...)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// run serves until ctx is canceled.
func (s *receiverService) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiver.Run(gctx) })
	if s.notifier != nil {
		g.Go(func() error { return s.notifier.Run(gctx) })
	}
	return g.Wait()
}

func (s *receiverService) close() error {
	return iox.CloseAll(s.closers...)
}
