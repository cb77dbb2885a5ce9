// Package mqtt implements the transport over an MQTT broker using the
// Eclipse Paho client.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pithecene-io/shutter/transport"
)

// DefaultConnectTimeout bounds the initial broker connection.
const DefaultConnectTimeout = 10 * time.Second

// Config configures the MQTT transport.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883" or
	// "ssl://broker:8883" (required).
	Broker   string
	ClientID string
	Username string
	Password string
	// QoS applies to publishes and subscriptions (0, 1 or 2).
	QoS byte
	// CAFile is a PEM bundle used to verify the broker. Empty uses the
	// system pool.
	CAFile string
	// InsecureSkipVerify disables broker certificate verification.
	InsecureSkipVerify bool
	// ConnectTimeout bounds Connect (default 10s).
	ConnectTimeout time.Duration
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqtt transport requires a broker URL")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.QoS)
	}
	return nil
}

// TLSConfig builds the TLS settings, or nil when no TLS option is set.
func (c Config) TLSConfig() (*tls.Config, error) {
	if c.CAFile == "" && !c.InsecureSkipVerify {
		return nil, nil
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("mqtt: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mqtt: no certificates in %s", c.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// Transport publishes and subscribes via an MQTT broker.
type Transport struct {
	config Config
	client pahomqtt.Client
}

// New connects to the broker.
func New(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, &transport.Error{Op: "connect", Topic: cfg.Broker, Err: errors.New("timed out")}
	}
	if err := token.Error(); err != nil {
		return nil, &transport.Error{Op: "connect", Topic: cfg.Broker, Err: err}
	}

	return &Transport{config: cfg, client: client}, nil
}

// Name returns "mqtt".
func (t *Transport) Name() string { return "mqtt" }

// Publish sends payload to topic and waits for the broker per QoS.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	token := t.client.Publish(topic, t.config.QoS, false, payload)
	if err := wait(ctx, token); err != nil {
		return &transport.Error{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Subscribe registers h for pattern. Paho delivers messages for one
// subscription in order on its router goroutine.
func (t *Transport) Subscribe(ctx context.Context, pattern string, h transport.Handler) (transport.Subscription, error) {
	token := t.client.Subscribe(pattern, t.config.QoS, func(_ pahomqtt.Client, m pahomqtt.Message) {
		if ctx.Err() != nil {
			return
		}
		h(ctx, transport.Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if err := wait(ctx, token); err != nil {
		return nil, &transport.Error{Op: "subscribe", Topic: pattern, Err: err}
	}
	return &subscription{t: t, pattern: pattern}, nil
}

// Close disconnects from the broker.
func (t *Transport) Close() error {
	t.client.Disconnect(250)
	return nil
}

type subscription struct {
	t       *Transport
	pattern string
}

// Unsubscribe removes the subscription from the broker.
func (s *subscription) Unsubscribe() error {
	token := s.t.client.Unsubscribe(s.pattern)
	if !token.WaitTimeout(s.t.config.ConnectTimeout) {
		return &transport.Error{Op: "unsubscribe", Topic: s.pattern, Err: errors.New("timed out")}
	}
	return token.Error()
}

func wait(ctx context.Context, token pahomqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

// Verify Transport implements the transport interface.
var _ transport.Transport = (*Transport)(nil)
