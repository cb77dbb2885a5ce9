// Package redis implements the transport over Redis pub/sub.
//
// Topics map one-to-one onto Redis channels. Subscriptions use PSUBSCRIBE
// with MQTT wildcards translated to glob patterns; because a glob "*" also
// spans "/", every delivery is re-checked with transport.Match.
// Publishes retry with exponential backoff on connection errors.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/shutter/retry"
	"github.com/pithecene-io/shutter/transport"
)

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis transport.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
}

// Transport publishes and subscribes via Redis.
type Transport struct {
	config Config
	client *goredis.Client

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// New creates a Redis transport from the given config.
// Returns an error if the URL is empty or invalid.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis transport requires a URL")
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis transport: invalid URL: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Transport{
		config: cfg,
		client: goredis.NewClient(opts),
		subs:   make(map[*subscription]struct{}),
	}, nil
}

// Name returns "redis".
func (t *Transport) Name() string { return "redis" }

// Publish sends payload to the topic channel.
// Retries with exponential backoff on failures.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	err := retry.Do(ctx, "redis", t.config.Retries, func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
		defer cancel()
		return t.client.Publish(publishCtx, topic, payload).Err()
	})
	if err != nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Subscribe registers a pattern subscription. It returns once Redis has
// confirmed the subscription, so messages published afterwards are seen.
func (t *Transport) Subscribe(ctx context.Context, pattern string, h transport.Handler) (transport.Subscription, error) {
	ps := t.client.PSubscribe(ctx, globPattern(pattern))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &transport.Error{Op: "subscribe", Topic: pattern, Err: err}
	}

	s := &subscription{t: t, ps: ps, done: make(chan struct{})}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer close(s.done)
		for {
			select {
			case <-ctx.Done():
				_ = s.Unsubscribe()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !transport.Match(pattern, msg.Channel) {
					continue
				}
				h(ctx, transport.Message{Topic: msg.Channel, Payload: []byte(msg.Payload)})
			}
		}
	}()
	return s, nil
}

// Close closes every subscription and the client.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return t.client.Close()
}

type subscription struct {
	t    *Transport
	ps   *goredis.PubSub
	once sync.Once
	err  error
	done chan struct{}
}

// Unsubscribe closes the underlying PubSub connection.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		s.t.mu.Lock()
		delete(s.t.subs, s)
		s.t.mu.Unlock()
	})
	return s.err
}

// globPattern translates MQTT wildcards to a Redis glob, escaping glob
// metacharacters in literal levels.
func globPattern(pattern string) string {
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		switch level {
		case "+", "#":
			levels[i] = "*"
		default:
			levels[i] = globEscaper.Replace(level)
		}
	}
	return strings.Join(levels, "/")
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// Verify Transport implements the transport interface.
var _ transport.Transport = (*Transport)(nil)
