package reassembly

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/shutter/log"
	"github.com/pithecene-io/shutter/types"
)

// Handler consumes decoded data messages.
type Handler interface {
	HandleMetadata(ctx context.Context, meta types.Metadata) error
	HandleChunk(ctx context.Context, c types.Chunk) error
}

// Message is one decoded data message. Exactly one field is set.
type Message struct {
	Metadata *types.Metadata
	Chunk    *types.Chunk
}

func (m Message) identity() types.Identity {
	if m.Metadata != nil {
		return m.Metadata.ID
	}
	if m.Chunk != nil {
		return m.Chunk.ID
	}
	return types.Identity{}
}

// ErrDispatcherClosed is returned by Dispatch after Run has returned.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher fans data messages out to a fixed set of workers. Messages
// for one identity always land on the same worker so they are handled in
// arrival order; different identities proceed in parallel.
type Dispatcher struct {
	handler Handler
	logger  *log.Logger
	shards  []chan Message
	done    chan struct{}
}

// NewDispatcher creates a dispatcher with the given worker count and
// per-worker queue depth.
func NewDispatcher(h Handler, workers, depth int, logger *log.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if depth < 0 {
		depth = 0
	}
	if logger == nil {
		logger = log.Nop()
	}
	shards := make([]chan Message, workers)
	for i := range shards {
		shards[i] = make(chan Message, depth)
	}
	return &Dispatcher{handler: h, logger: logger, shards: shards, done: make(chan struct{})}
}

// Dispatch queues msg for its identity's worker, blocking while the queue
// is full.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	select {
	case <-d.done:
		return ErrDispatcherClosed
	default:
	}

	id := msg.identity()
	shard := d.shards[xxhash.Sum64String(id.String())%uint64(len(d.shards))]
	select {
	case shard <- msg:
		return nil
	case <-d.done:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is canceled. Handler errors
// are logged, not propagated: one bad transfer must not stop the others.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)

	g, ctx := errgroup.WithContext(ctx)
	for _, shard := range d.shards {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg := <-shard:
					d.handle(ctx, msg)
				}
			}
		})
	}
	return g.Wait()
}

func (d *Dispatcher) handle(ctx context.Context, msg Message) {
	var err error
	switch {
	case msg.Metadata != nil:
		err = d.handler.HandleMetadata(ctx, *msg.Metadata)
	case msg.Chunk != nil:
		err = d.handler.HandleChunk(ctx, *msg.Chunk)
	default:
		return
	}
	if err != nil {
		id := msg.identity()
		d.logger.Debug("data message not applied", map[string]any{
			"source":   id.SourceID,
			"artifact": id.ArtifactName,
			"error":    err.Error(),
		})
	}
}
