package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shutter/capture"
	"github.com/pithecene-io/shutter/cli/render"
	"github.com/pithecene-io/shutter/transfer"
)

// SendCommand returns the send command.
// Send drains a spool directory: it announces the backlog, transfers each
// file in order and removes the ones the receiver acknowledged.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Transfer a spool directory's backlog to the receiver",
		Flags: withFlags(ConnectionFlags(), ReadOnlyFlags(), []cli.Flag{
			SourceFlag,
			&cli.StringFlag{
				Name:  "spool",
				Usage: "Spool directory holding pending artifacts (required)",
			},
			&cli.IntFlag{
				Name:  "chunk-size",
				Usage: "Chunk payload size in bytes",
			},
			&cli.BoolFlag{
				Name:  "keep",
				Usage: "Keep acknowledged files in the spool",
			},
		}),
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	overlayString(c, SourceFlag.Name, &cfg.Sender.SourceID)
	overlayString(c, "spool", &cfg.Sender.Spool)
	overlayInt(c, "chunk-size", &cfg.Sender.ChunkSize)
	if cfg.Sender.SourceID == "" {
		return cli.Exit("--source is required", exitConfigError)
	}
	if cfg.Sender.Spool == "" {
		return cli.Exit("--spool is required", exitConfigError)
	}

	logger, err := newLogger("device", cfg.Sender.SourceID, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	spool, err := capture.NewSpool(cfg.Sender.Spool)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	backlog, err := spool.Backlog(ctx)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	agent, cleanup, err := connectAgent(ctx, cfg, cfg.Sender.SourceID, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	report, drainErr := agent.Drain(ctx, backlog)
	if report != nil && !c.Bool("keep") {
		for _, res := range report.Results {
			if res.Phase != transfer.PhaseAcknowledged {
				continue
			}
			if err := spool.Remove(res.Artifact); err != nil {
				logger.Warn("spool cleanup failed", map[string]any{
					"artifact": res.Artifact,
					"error":    err.Error(),
				})
			}
		}
	}

	if report != nil {
		if r.Format() == render.FormatTable {
			err = r.Render(report.Results)
		} else {
			err = r.Render(report)
		}
		if err != nil {
			return err
		}
	}

	if drainErr != nil {
		r.Outcome("drain", "failed")
		return cli.Exit(fmt.Sprintf("drain stopped: %v", drainErr), exitFailure)
	}
	r.Outcome("drain", "succeeded")
	return nil
}
