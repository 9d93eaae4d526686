package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"payswap-backend/internal/config"
	"payswap-backend/internal/metrics"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Event subjects, published under the configured prefix.
const (
	SubjectPaymentRecorded = "payments.recorded"
	SubjectSwapCompleted   = "swaps.completed"
	SubjectSwapFailed      = "swaps.failed"
)

// EventPublisher fans pipeline events out to downstream consumers.
// Publishing is best effort: callers log failures and move on.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload interface{}) error
	Close()
}

// NATSClient publishes pipeline events to a JetStream stream.
type NATSClient struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	prefix     string
	streamName string
	log        *logrus.Entry
}

// NewNATSClient connects and makes sure the stream covering prefix.> exists.
func NewNATSClient(cfg config.NATSConfig, log *logrus.Logger) (*NATSClient, error) {
	entry := log.WithField("component", "nats")
	connectTimeout := timeoutOrDefault(cfg.Timeout, 10*time.Second)

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			entry.WithError(err).Warn("⚠️ [NATS] Disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			entry.Info("🔌 [NATS] Reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	client := &NATSClient{
		conn:       conn,
		js:         js,
		prefix:     strings.Trim(cfg.SubjectPrefix, "."),
		streamName: cfg.StreamName,
		log:        entry,
	}
	if err := client.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	metrics.NATSConnectionStatus.Set(1)
	entry.WithField("url", cfg.URL).Info("✅ [NATS] Publisher connected")
	return client, nil
}

func (c *NATSClient) ensureStream() error {
	if _, err := c.js.StreamInfo(c.streamName); err == nil {
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:      c.streamName,
		Subjects:  []string{c.subject(">")},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", c.streamName, err)
	}
	c.log.WithField("stream", c.streamName).Info("✅ [NATS] Stream created")
	return nil
}

func (c *NATSClient) subject(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "." + name
}

// Publish encodes payload as JSON and waits for the JetStream ack.
func (c *NATSClient) Publish(ctx context.Context, subject string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", subject, err)
	}
	full := c.subject(subject)
	if _, err := c.js.Publish(full, data, nats.Context(ctx)); err != nil {
		metrics.EventsPublished.WithLabelValues(subject, "error").Inc()
		return fmt.Errorf("failed to publish %s: %w", full, err)
	}
	metrics.EventsPublished.WithLabelValues(subject, "ok").Inc()
	return nil
}

func (c *NATSClient) Close() {
	if c.conn != nil {
		c.conn.Drain()
	}
}

// NoopPublisher is used when NATS is not configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	return nil
}

func (NoopPublisher) Close() {}
