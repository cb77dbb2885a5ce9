// Package transport defines the pub/sub boundary between devices and the
// receiver.
//
// A Transport publishes byte payloads to topics and delivers messages that
// match a subscription pattern to a handler. Delivery is best-effort and
// at-least-once at most; ordering across topics is not guaranteed.
// Patterns use MQTT wildcards: "+" matches one level, "#" the remainder.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one inbound pub/sub message.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes inbound messages. Each subscription calls its handler
// sequentially on a dedicated goroutine.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is a topic-addressed pub/sub client.
type Transport interface {
	// Name identifies the implementation ("memory", "redis", "mqtt").
	Name() string
	// Publish sends payload to topic. Failures are *Error.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe delivers messages matching pattern to h until ctx ends or
	// the subscription is removed.
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
	// Close releases the client.
	Close() error
}

// ErrTransport matches every *Error.
var ErrTransport = errors.New("transport failure")

// ErrClosed indicates use of a closed transport.
var ErrClosed = errors.New("transport closed")

// Error wraps a publish or subscribe failure.
type Error struct {
	Op    string // "publish", "subscribe", "connect"
	Topic string
	Err   error
}

func (e *Error) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport.
func (e *Error) Is(target error) bool {
	return target == ErrTransport
}

// Match reports whether topic matches an MQTT-style pattern.
func Match(pattern, topic string) bool {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	for i, p := range ps {
		if p == "#" {
			return i == len(ps)-1
		}
		if i >= len(ts) {
			return false
		}
		if p != "+" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
