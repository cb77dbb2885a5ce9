package cmd

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shutter/cli/render"
	"github.com/pithecene-io/shutter/store"
)

// listWarningThreshold is the number of items above which we warn about using --limit.
const listWarningThreshold = 100

// isStderrTTY returns true if stderr is a TTY.
func isStderrTTY() bool {
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ListCommand returns the list command with subcommands.
// List reads what the receiver persisted; it never touches the transport.
func ListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List persisted artifacts and telemetry",
		Subcommands: []*cli.Command{
			listArtifactsCommand(),
			listTelemetryCommand(),
		},
	}
}

func listArtifactsCommand() *cli.Command {
	return &cli.Command{
		Name:  "artifacts",
		Usage: "List stored artifacts, newest first",
		Flags: withFlags(ReadOnlyFlags(), StorageFlags(), []cli.Flag{
			ConfigFlag,
			SourceFlag,
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of artifacts to return (0 = no limit)",
				Value: 0,
			},
		}),
		Action: listArtifactsAction,
	}
}

func listArtifactsAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyStorageFlags(c, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	st, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return cli.Exit(fmt.Sprintf("storage: %v", err), exitFailure)
	}
	defer func() { _ = st.Close() }()

	prefix := store.ArtifactPrefix + "/"
	if source := c.String(SourceFlag.Name); source != "" {
		prefix += "source=" + source + "/"
	}
	paths, err := st.List(ctx, prefix)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	entries := make([]store.ArtifactEntry, 0, len(paths))
	for _, p := range paths {
		if e, ok := store.ParseArtifactPath(p); ok {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b store.ArtifactEntry) int {
		if n := b.PersistedAt.Compare(a.PersistedAt); n != 0 {
			return n
		}
		return strings.Compare(a.Path, b.Path)
	})

	limit := c.Int("limit")
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	// Warn if output is large and --limit was not specified (TTY only to avoid noise in pipelines)
	if len(entries) > listWarningThreshold && limit == 0 && isStderrTTY() {
		fmt.Fprintf(os.Stderr, "Warning: returning %d results. Consider using --limit to reduce output.\n\n", len(entries))
	}

	return r.Render(entries)
}

// TelemetryRow is one telemetry record flattened for display.
type TelemetryRow struct {
	Source     string `json:"source"`
	Artifact   string `json:"artifact"`
	ReceivedAt string `json:"received_at"`
	Location   string `json:"location"`
	Readings   string `json:"readings"`
}

func listTelemetryCommand() *cli.Command {
	return &cli.Command{
		Name:   "telemetry",
		Usage:  "Show the most recent telemetry of each source",
		Flags:  withFlags(ReadOnlyFlags(), StorageFlags(), []cli.Flag{ConfigFlag, SourceFlag}),
		Action: listTelemetryAction,
	}
}

func listTelemetryAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	applyStorageFlags(c, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	st, err := buildStore(ctx, cfg.Storage)
	if err != nil {
		return cli.Exit(fmt.Sprintf("storage: %v", err), exitFailure)
	}
	defer func() { _ = st.Close() }()

	ds, err := store.NewTelemetryDataset(st.Factory())
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	records, err := store.LatestTelemetry(ctx, ds, c.String(SourceFlag.Name))
	if errors.Is(err, store.ErrNoTelemetry) {
		return r.Render([]TelemetryRow{})
	}
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}
	if r.Format() != render.FormatTable {
		return r.Render(records)
	}

	rows := make([]TelemetryRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, telemetryRow(rec))
	}
	return r.Render(rows)
}

func telemetryRow(rec map[string]any) TelemetryRow {
	str := func(key string) string {
		s, _ := rec[key].(string)
		return s
	}
	row := TelemetryRow{
		Source:     str("source"),
		Artifact:   str("artifact"),
		ReceivedAt: str("received_at"),
		Location:   str("location"),
	}
	if readings, ok := rec["readings"].(map[string]any); ok {
		keys := make([]string, 0, len(readings))
		for k := range readings {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+formatReading(readings[k]))
		}
		row.Readings = strings.Join(parts, " ")
	}
	return row
}

func formatReading(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
