package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shutter/server"
	"github.com/pithecene-io/shutter/types"
)

// CommandCommand returns the command command.
// It publishes a single out-of-band directive to one source.
func CommandCommand() *cli.Command {
	return &cli.Command{
		Name:      "command",
		Usage:     "Send a directive to a device (capture, send <name>, wake <time>)",
		ArgsUsage: "capture | send <artifact> | wake <rfc3339>",
		Flags:     withFlags(ConnectionFlags(), []cli.Flag{SourceFlag}),
		Action:    commandAction,
	}
}

// parseCommand maps positional arguments to a command.
func parseCommand(args []string) (types.Command, error) {
	if len(args) == 0 {
		return types.Command{}, fmt.Errorf("missing directive (capture, send or wake)")
	}
	switch args[0] {
	case "capture":
		if len(args) != 1 {
			return types.Command{}, fmt.Errorf("capture takes no arguments")
		}
		return types.Command{Kind: types.CommandCaptureImage}, nil
	case "send":
		if len(args) != 2 || args[1] == "" {
			return types.Command{}, fmt.Errorf("send requires exactly one artifact name")
		}
		return types.Command{Kind: types.CommandSendImage, ArtifactName: args[1]}, nil
	case "wake":
		if len(args) != 2 {
			return types.Command{}, fmt.Errorf("wake requires exactly one RFC 3339 time")
		}
		if _, err := time.Parse(time.RFC3339, args[1]); err != nil {
			return types.Command{}, fmt.Errorf("wake time %q: %w", args[1], err)
		}
		return types.Command{Kind: types.CommandNextWake, NextWake: args[1]}, nil
	default:
		return types.Command{}, fmt.Errorf("unknown directive %q (want capture, send or wake)", args[0])
	}
}

func commandAction(c *cli.Context) error {
	cmd, err := parseCommand(c.Args().Slice())
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	sourceID := c.String(SourceFlag.Name)
	if sourceID == "" {
		return cli.Exit("--source is required", exitConfigError)
	}

	logger, err := newLogger("receiver", "cli", cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	codec, err := buildCodec(cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}
	if cfg.Transport.Type == "memory" {
		return cli.Exit("the memory transport cannot reach another process", exitConfigError)
	}
	t, err := buildTransport(cfg, "shutter-cli", nil)
	if err != nil {
		return cli.Exit(fmt.Sprintf("transport: %v", err), exitFailure)
	}
	defer func() { _ = t.Close() }()

	ctx, cancel := signalContext()
	defer cancel()

	if err := server.PublishCommand(ctx, t, codec, cfg.Topics.WithDefaults(), sourceID, cmd); err != nil {
		return cli.Exit(fmt.Sprintf("publish command: %v", err), exitFailure)
	}
	logger.Sugar().Infof("sent %s to %s", cmd.Kind, sourceID)
	return nil
}
