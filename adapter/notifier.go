package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/reassembly"
	"github.com/pithecene-io/shutter/types"
)

// DefaultQueueDepth is the default number of events buffered by a Notifier.
const DefaultQueueDepth = 256

// DefaultFlushTimeout bounds publishing of queued events after Run's
// context is canceled.
const DefaultFlushTimeout = 5 * time.Second

// PathFunc resolves the storage path of a persisted artifact.
type PathFunc func(id types.Identity) (string, bool)

// Notifier bridges reassembly events to an Adapter. Observe only enqueues;
// Run publishes in the background so a slow downstream never stalls
// reassembly. Events are dropped with a warning when the queue is full.
type Notifier struct {
	adapter Adapter
	logger  *log.Logger
	paths   PathFunc
	queue   chan *ArtifactEvent
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithPaths sets the resolver used to fill StoragePath.
func WithPaths(fn PathFunc) NotifierOption { return func(n *Notifier) { n.paths = fn } }

// WithQueueDepth overrides DefaultQueueDepth.
func WithQueueDepth(depth int) NotifierOption {
	return func(n *Notifier) {
		if depth > 0 {
			n.queue = make(chan *ArtifactEvent, depth)
		}
	}
}

// NewNotifier creates a notifier publishing through a.
func NewNotifier(a Adapter, logger *log.Logger, opts ...NotifierOption) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	n := &Notifier{
		adapter: a,
		logger:  logger,
		queue:   make(chan *ArtifactEvent, DefaultQueueDepth),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Observe implements reassembly.Observer.
func (n *Notifier) Observe(_ context.Context, ev reassembly.Event) {
	var path string
	if n.paths != nil && ev.Outcome == reassembly.OutcomeCompleted {
		path, _ = n.paths(ev.ID)
	}
	event := NewArtifactEvent(ev, path)

	select {
	case n.queue <- event:
	default:
		n.logger.Warn("adapter queue full, dropping event", map[string]any{
			"source":   event.SourceID,
			"artifact": event.ArtifactName,
			"outcome":  event.Outcome,
		})
	}
}

// Run publishes queued events until ctx is canceled, then flushes what is
// left within DefaultFlushTimeout. Publish failures are logged.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case event := <-n.queue:
			n.publish(ctx, event)
		case <-ctx.Done():
			n.flush(ctx)
			return nil
		}
	}
}

func (n *Notifier) flush(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), DefaultFlushTimeout)
	defer cancel()
	for {
		select {
		case event := <-n.queue:
			n.publish(ctx, event)
		default:
			return
		}
	}
}

func (n *Notifier) publish(ctx context.Context, event *ArtifactEvent) {
	if err := n.adapter.Publish(ctx, event); err != nil {
		n.logger.Error("adapter publish failed", map[string]any{
			"source":   event.SourceID,
			"artifact": event.ArtifactName,
			"event":    event.EventType,
			"error":    err.Error(),
		})
		return
	}
	n.logger.Debug("artifact event published", map[string]any{
		"source":   event.SourceID,
		"artifact": event.ArtifactName,
		"event":    event.EventType,
	})
}

// Close closes the underlying adapter.
func (n *Notifier) Close() error {
	return n.adapter.Close()
}

// Verify Notifier implements reassembly.Observer.
var _ reassembly.Observer = (*Notifier)(nil)
