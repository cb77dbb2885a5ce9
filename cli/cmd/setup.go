package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/shutter/adapter"
	redisadapter "github.com/pithecene-io/shutter/adapter/redis"
	"github.com/pithecene-io/shutter/adapter/webhook"
	"github.com/pithecene-io/shutter/cli/config"
	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/store"
	"github.com/pithecene-io/shutter/transport"
	"github.com/pithecene-io/shutter/transport/memory"
	"github.com/pithecene-io/shutter/transport/mqtt"
	redistransport "github.com/pithecene-io/shutter/transport/redis"
	"github.com/pithecene-io/shutter/wire"
)

// Exit codes shared by all commands.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitConfigError = 2
)

// Defaults applied when neither flag nor config sets a value.
const (
	defaultMQTTBroker  = "tcp://localhost:1883"
	defaultRedisURL    = "redis://localhost:6379"
	defaultStoragePath = "./data"
	defaultLogLevel    = "info"
)

// loadConfig reads --config when set and overlays the connection flags.
// Configuration problems exit with exitConfigError.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := &config.Config{}
	if path := c.String(ConfigFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, cli.Exit(err.Error(), exitConfigError)
		}
		cfg = loaded
	}

	overlayString(c, LogLevelFlag.Name, &cfg.LogLevel)
	overlayString(c, CodecFlag.Name, &cfg.Codec)
	overlayString(c, TransportFlag.Name, &cfg.Transport.Type)
	overlayString(c, URLFlag.Name, &cfg.Transport.URL)

	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(fmt.Sprintf("invalid configuration: %v", err), exitConfigError)
	}
	return cfg, nil
}

func overlayString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func overlayInt(c *cli.Context, name string, dst *int) {
	if c.IsSet(name) {
		*dst = c.Int(name)
	}
}

// newLogger builds the process logger at the configured level.
func newLogger(role, instance string, cfg *config.Config) (*log.Logger, error) {
	logger := log.NewLogger(role, instance)
	level := cfg.LogLevel
	if level == "" {
		level = defaultLogLevel
	}
	if err := logger.SetLevel(level); err != nil {
		return nil, cli.Exit(err.Error(), exitConfigError)
	}
	return logger, nil
}

func buildCodec(cfg *config.Config) (wire.Codec, error) {
	name := cfg.Codec
	if name == "" {
		name = wire.CodecJSON
	}
	return wire.ByName(name)
}

// buildTransport connects the configured transport. bus is used for the
// memory transport so several components can share one in-process bus.
func buildTransport(cfg *config.Config, clientID string, bus *memory.Bus) (transport.Transport, error) {
	tc := cfg.Transport
	switch tc.Type {
	case "", "mqtt":
		broker := tc.URL
		if broker == "" {
			broker = defaultMQTTBroker
		}
		id := tc.ClientID
		if id == "" {
			id = clientID
		}
		return mqtt.New(mqtt.Config{
			Broker:             broker,
			ClientID:           id,
			Username:           tc.Username,
			Password:           tc.Password,
			QoS:                byte(tc.QoS),
			CAFile:             tc.CAFile,
			InsecureSkipVerify: tc.InsecureSkipVerify,
			ConnectTimeout:     tc.ConnectTimeout.Duration,
		})
	case "redis":
		url := tc.URL
		if url == "" {
			url = defaultRedisURL
		}
		rc := redistransport.Config{URL: url, Timeout: tc.Timeout.Duration}
		if tc.Retries != nil {
			rc.Retries = *tc.Retries
		}
		return redistransport.New(rc)
	case "memory":
		if bus == nil {
			bus = memory.New()
		}
		return bus, nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", tc.Type)
	}
}

// buildStore opens the configured artifact store.
func buildStore(ctx context.Context, sc config.StorageConfig) (*store.LodeStore, error) {
	switch sc.Backend {
	case "", "fs":
		path := sc.Path
		if path == "" {
			path = defaultStoragePath
		}
		return store.NewFSStore(path)
	case "s3":
		bucket, prefix := store.ParseS3Path(sc.Path)
		return store.NewS3Store(ctx, store.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       sc.Region,
			Endpoint:     sc.Endpoint,
			UsePathStyle: sc.S3PathStyle,
		})
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
	}
}

// buildAdapter returns the configured event adapter, or nil when none is set.
func buildAdapter(ac config.AdapterConfig) (adapter.Adapter, error) {
	switch ac.Type {
	case "":
		return nil, nil
	case "webhook":
		wc := webhook.Config{
			URL:     ac.URL,
			Headers: ac.Headers,
			Events:  ac.Events,
			Timeout: ac.Timeout.Duration,
			Retries: webhook.DefaultRetries,
		}
		if ac.Retries != nil {
			wc.Retries = *ac.Retries
		}
		return webhook.New(wc)
	case "redis":
		rc := redisadapter.Config{
			URL:       ac.URL,
			Channel:   ac.Channel,
			PerSource: ac.PerSource,
			Timeout:   ac.Timeout.Duration,
			Retries:   redisadapter.DefaultRetries,
		}
		if ac.Retries != nil {
			rc.Retries = *ac.Retries
		}
		return redisadapter.New(rc)
	default:
		return nil, fmt.Errorf("unknown adapter type %q", ac.Type)
	}
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

func applyStorageFlags(c *cli.Context, cfg *config.Config) {
	overlayString(c, StorageBackendFlag.Name, &cfg.Storage.Backend)
	overlayString(c, StoragePathFlag.Name, &cfg.Storage.Path)
}
