// Package memory implements an in-process transport.
//
// Every subscription owns an unbounded queue drained by its own goroutine,
// so Publish never blocks on a slow handler and handlers may publish
// freely. A Fault hook can drop, duplicate or reorder messages for tests
// and simulations.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/pithecene-io/shutter/transport"
)

// Action is a fault decision for one published message.
type Action int

// Fault actions.
const (
	Deliver Action = iota
	Drop
	Duplicate
	// Reorder holds the message back and delivers it right after the next
	// published message. Only one message is held at a time; a held
	// message is lost if nothing is published after it.
	Reorder
)

// Fault decides what happens to a published message.
type Fault func(msg transport.Message) Action

// Option configures a Bus.
type Option func(*Bus)

// WithFault installs a fault hook.
func WithFault(f Fault) Option {
	return func(b *Bus) { b.fault = f }
}

// Bus is an in-process pub/sub bus. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	fault  Fault
	closed bool

	heldMu sync.Mutex
	held   *transport.Message

	statsMu   sync.Mutex
	published int
	dropped   int
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[uint64]*subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns "memory".
func (b *Bus) Name() string { return "memory" }

// SetFault replaces the fault hook. nil restores plain delivery.
func (b *Bus) SetFault(f Fault) {
	b.mu.Lock()
	b.fault = f
	b.mu.Unlock()
}

// Publish copies payload to every matching subscription.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: err}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return &transport.Error{Op: "publish", Topic: topic, Err: transport.ErrClosed}
	}

	msg := transport.Message{Topic: topic, Payload: slices.Clone(payload)}
	action := Deliver
	if b.fault != nil {
		action = b.fault(msg)
	}

	var release *transport.Message
	b.heldMu.Lock()
	if action == Reorder && b.held == nil {
		b.held = &msg
	} else {
		release, b.held = b.held, nil
		if action == Reorder {
			action = Deliver
		}
	}
	b.heldMu.Unlock()

	b.statsMu.Lock()
	b.published++
	if action == Drop {
		b.dropped++
	}
	b.statsMu.Unlock()

	switch action {
	case Deliver:
		b.deliver(msg)
	case Duplicate:
		b.deliver(msg)
		b.deliver(msg)
	}
	if release != nil {
		b.deliver(*release)
	}
	return nil
}

// deliver enqueues msg on every matching subscription. b.mu must be held.
func (b *Bus) deliver(msg transport.Message) {
	for _, s := range b.subs {
		if transport.Match(s.pattern, msg.Topic) {
			s.enqueue(msg)
		}
	}
}

// Subscribe starts delivering matching messages to h.
func (b *Bus) Subscribe(ctx context.Context, pattern string, h transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, &transport.Error{Op: "subscribe", Topic: pattern, Err: transport.ErrClosed}
	}

	id := b.nextID
	b.nextID++
	s := &subscription{
		bus:     b,
		id:      id,
		pattern: pattern,
		handler: h,
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
	b.subs[id] = s
	go s.run(ctx)
	return s, nil
}

// Stats returns the number of published and dropped messages.
func (b *Bus) Stats() (published, dropped int) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.published, b.dropped
}

// Close stops every subscription. Further use fails with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[uint64]*subscription)
	b.closed = true
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type subscription struct {
	bus     *Bus
	id      uint64
	pattern string
	handler transport.Handler

	mu    sync.Mutex
	queue []transport.Message

	notify   chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func (s *subscription) enqueue(msg transport.Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) pop() (transport.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return transport.Message{}, false
	}
	msg := s.queue[0]
	s.queue[0] = transport.Message{}
	s.queue = s.queue[1:]
	return msg, true
}

func (s *subscription) run(ctx context.Context) {
	defer s.bus.remove(s.id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-s.notify:
		}
		for {
			msg, ok := s.pop()
			if !ok {
				break
			}
			select {
			case <-s.quit:
				return
			default:
			}
			s.handler(ctx, msg)
		}
	}
}

func (s *subscription) stop() {
	s.quitOnce.Do(func() { close(s.quit) })
}

// Unsubscribe stops delivery. Messages already queued are discarded.
func (s *subscription) Unsubscribe() error {
	s.stop()
	s.bus.remove(s.id)
	return nil
}

var _ transport.Transport = (*Bus)(nil)
