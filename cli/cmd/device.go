package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shutter/capture"
	"github.com/pithecene-io/shutter/cli/config"
	"github.com/pithecene-io/shutter/cli/render"
	"github.com/pithecene-io/shutter/device"
	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/metrics"
	"github.com/pithecene-io/shutter/transfer"
	"github.com/pithecene-io/shutter/transport/memory"
	"github.com/pithecene-io/shutter/types"
)

const defaultSourceID = "TEST-ESP32-001"

// DeviceCommand returns the device command.
// Device simulates a camera source: it runs the scripted scenarios and,
// with --listen, keeps serving receiver commands until interrupted.
func DeviceCommand() *cli.Command {
	return &cli.Command{
		Name:  "device",
		Usage: "Simulate a camera device against a receiver",
		Flags: withFlags(ConnectionFlags(), ReadOnlyFlags(), []cli.Flag{
			SourceFlag,
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Scenario: normal, missing_chunks, offline_recovery, all",
				Value: device.ScenarioAll,
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Backlog size for offline_recovery",
				Value: 3,
			},
			&cli.IntSliceFlag{
				Name:  "drop",
				Usage: "Chunk indices withheld on the first pass of missing_chunks",
				Value: cli.NewIntSlice(2, 5, 8),
			},
			&cli.StringFlag{
				Name:  "image",
				Usage: "Send this file instead of synthetic frames",
			},
			&cli.StringFlag{
				Name:  "spool",
				Usage: "Spool directory served to send_image commands",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Chunk payload size in bytes",
			},
			&cli.DurationFlag{
				Name:  "pause",
				Usage: "Delay between scenarios",
				Value: 2 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "listen",
				Usage: "Keep serving commands after the scenarios",
			},
		}),
		Action: deviceAction,
	}
}

func deviceAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	overlayString(c, SourceFlag.Name, &cfg.Sender.SourceID)
	overlayString(c, "spool", &cfg.Sender.Spool)
	overlayInt(c, "chunk-size", &cfg.Sender.ChunkSize)
	if cfg.Sender.SourceID == "" {
		cfg.Sender.SourceID = defaultSourceID
	}
	sourceID := cfg.Sender.SourceID

	logger, err := newLogger("device", sourceID, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	frames, err := deviceFrames(c.String("image"))
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	cmds := make(chan types.Command, 8)
	agent, cleanup, err := connectAgent(ctx, cfg, sourceID, logger,
		device.WithCommandHandler(queueCommand(cmds, logger)),
	)
	if err != nil {
		return err
	}
	defer cleanup()

	var lookup device.Lookup
	if cfg.Sender.Spool != "" {
		spool, err := capture.NewSpool(cfg.Sender.Spool)
		if err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}
		lookup = spool.Lookup
	}

	simCfg := device.DefaultSimulatorConfig()
	simCfg.Drop = c.IntSlice("drop")
	simCfg.Backlog = c.Int("count")
	simCfg.Pause = c.Duration("pause")
	sim := device.NewSimulator(agent, frames, lookup, simCfg)

	results, runErr := sim.Run(ctx, c.String("mode"))
	if runErr != nil && ctx.Err() == nil {
		return cli.Exit(runErr.Error(), exitConfigError)
	}

	if c.Bool("listen") && ctx.Err() == nil {
		logger.Info("listening for commands", map[string]any{"topic": cfg.Topics.WithDefaults().CommandTopic(sourceID)})
		_ = sim.Serve(ctx, cmds)
	}

	if err := r.Render(results); err != nil {
		return err
	}
	for _, res := range results {
		if !res.Passed() {
			return cli.Exit("", exitFailure)
		}
	}
	return nil
}

// connectAgent connects the transport and starts an agent for sourceID.
// With the memory transport a loopback receiver shares the bus. cleanup
// releases everything in reverse order.
func connectAgent(ctx context.Context, cfg *config.Config, sourceID string, logger *log.Logger, opts ...device.Option) (_ *device.Agent, _ func(), err error) {
	var undo []func()
	cleanup := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	defer func() {
		if err != nil {
			cleanup()
		}
	}()

	codec, err := buildCodec(cfg)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitConfigError)
	}

	var bus *memory.Bus
	if cfg.Transport.Type == "memory" {
		bus = memory.New()
		undo = append(undo, func() { _ = bus.Close() })
		stop, err := startLoopback(ctx, cfg, bus)
		if err != nil {
			return nil, nil, cli.Exit(fmt.Sprintf("loopback receiver: %v", err), exitFailure)
		}
		undo = append(undo, stop)
	}

	t, err := buildTransport(cfg, "shutter-"+sourceID, bus)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("transport: %v", err), exitFailure)
	}
	if bus == nil {
		undo = append(undo, func() { _ = t.Close() })
	}

	collector := metrics.NewCollector("device", codec.Name(), t.Name(), "")
	opts = append([]device.Option{
		device.WithLogger(logger),
		device.WithCollector(collector),
	}, opts...)
	agent, err := device.NewAgent(device.Config{
		SourceID: sourceID,
		Topics:   cfg.Topics,
		Drain:    cfg.DrainConfig(),
	}, t, codec, opts...)
	if err != nil {
		return nil, nil, cli.Exit(err.Error(), exitConfigError)
	}
	if err := agent.Start(ctx); err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("start agent: %v", err), exitFailure)
	}
	undo = append(undo, func() { _ = agent.Stop() })
	return agent, cleanup, nil
}

// queueCommand hands commands to the serve loop without blocking the
// subscription goroutine.
func queueCommand(cmds chan<- types.Command, logger *log.Logger) device.CommandHandler {
	return func(_ context.Context, cmd types.Command) {
		select {
		case cmds <- cmd:
		default:
			logger.Warn("command dropped: queue full", map[string]any{"kind": string(cmd.Kind)})
		}
	}
}

// deviceFrames returns synthetic frames, or repeats the file at path
// under fresh capture names.
func deviceFrames(path string) (device.Frames, error) {
	synth, err := capture.NewSynthetic(capture.DefaultSyntheticConfig())
	if err != nil {
		return nil, err
	}
	if path == "" {
		return synth, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("read image: %s is empty", filepath.Base(path))
	}
	return &fileFrames{synth: synth, data: data}, nil
}

// fileFrames keeps synthetic names and readings but sends fixed bytes.
type fileFrames struct {
	synth *capture.Synthetic
	data  []byte
}

func (f *fileFrames) Next() transfer.Artifact {
	a := f.synth.Next()
	a.Data = f.data
	return a
}

func (f *fileFrames) Backlog(n int) []transfer.Source {
	out := make([]transfer.Source, n)
	for i := range out {
		out[i] = transfer.StaticSource(f.Next())
	}
	return out
}

// startLoopback runs a receiver on bus so the memory transport works
// without a broker. Storage defaults to memory.
func startLoopback(ctx context.Context, cfg *config.Config, bus *memory.Bus) (func(), error) {
	rcfg := *cfg
	if rcfg.Storage.Backend == "" {
		rcfg.Storage.Backend = "memory"
	}
	logger, err := newLogger("receiver", "loopback", &rcfg)
	if err != nil {
		return nil, err
	}
	svc, err := newReceiverService(ctx, &rcfg, logger, bus)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svc.run(rctx); err != nil {
			logger.Error("loopback receiver failed", map[string]any{"error": err.Error()})
		}
	}()

	select {
	case <-svc.receiver.Ready():
	case <-done:
		cancel()
		_ = svc.close()
		return nil, fmt.Errorf("receiver exited before subscribing")
	case <-ctx.Done():
		cancel()
		<-done
		_ = svc.close()
		return nil, ctx.Err()
	}

	return func() {
		cancel()
		<-done
		_ = svc.close()
	}, nil
}
