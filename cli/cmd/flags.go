// Package cmd provides CLI commands for the shutter binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared output flags.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// Shared connection flags. Each overrides the matching config file value.
var (
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to shutter.yaml",
		EnvVars: []string{"SHUTTER_CONFIG"},
	}

	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error (default: info)",
	}

	CodecFlag = &cli.StringFlag{
		Name:  "codec",
		Usage: "Wire codec: json, msgpack (default: json)",
	}

	TransportFlag = &cli.StringFlag{
		Name:  "transport",
		Usage: "Transport: mqtt, redis, memory (default: mqtt)",
	}

	URLFlag = &cli.StringFlag{
		Name:    "url",
		Usage:   "Broker URL (tcp://host:1883) or redis URL (redis://host:6379)",
		EnvVars: []string{"SHUTTER_URL"},
	}

	SourceFlag = &cli.StringFlag{
		Name:    "source",
		Aliases: []string{"s"},
		Usage:   "Source (device) identifier",
	}
)

// Storage flags, shared by serve and list.
var (
	StorageBackendFlag = &cli.StringFlag{
		Name:  "storage-backend",
		Usage: "Storage backend: fs, s3, memory (default: fs)",
	}

	StoragePathFlag = &cli.StringFlag{
		Name:  "storage-path",
		Usage: "Storage root (fs) or bucket/prefix (s3)",
	}
)

// StorageFlags returns the storage selection flags.
func StorageFlags() []cli.Flag {
	return []cli.Flag{
		StorageBackendFlag,
		StoragePathFlag,
	}
}

// ReadOnlyFlags returns the shared output flags.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// ConnectionFlags returns the flags every transport-using command accepts.
func ConnectionFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		LogLevelFlag,
		CodecFlag,
		TransportFlag,
		URLFlag,
	}
}

func withFlags(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
