// Package events forwards committed bus events to a NATS broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/otel"
)

const DefaultSubjectPrefix = "workqueue"

// Publisher is the slice of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the JSON body of every forwarded message.
type Envelope struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Connect dials the broker with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("workqueue"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("events: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("events: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

type Bridge struct {
	bus    *bus.Bus
	pub    Publisher
	prefix string
	logger *slog.Logger
	tracer trace.Tracer
}

func NewBridge(b *bus.Bus, pub Publisher, prefix string, logger *slog.Logger, tracer trace.Tracer) *Bridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: b, pub: pub, prefix: prefix, logger: logger, tracer: otel.Tracer(tracer)}
}

// Subject maps a bus topic to its broker subject.
func (b *Bridge) Subject(topic string) string {
	return b.prefix + "." + topic
}

// Run forwards events until ctx is done. Publish failures are logged and the
// event is dropped; the bus is not a durable outbox.
func (b *Bridge) Run(ctx context.Context) error {
	sub := b.bus.Subscribe()
	defer b.bus.Unsubscribe(sub)
	b.logger.InfoContext(ctx, "events: bridge started", "prefix", b.prefix)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, ev bus.Event) {
	subject := b.Subject(ev.Topic)
	_, span := otel.StartProducerSpan(ctx, b.tracer, "events.publish")
	data, err := json.Marshal(Envelope{Seq: ev.Seq, Topic: ev.Topic, At: ev.At, Payload: ev.Payload})
	if err == nil {
		err = b.pub.Publish(subject, data)
	}
	otel.EndSpan(span, err)
	if err != nil {
		b.logger.WarnContext(ctx, "events: publish failed", "subject", subject, "seq", ev.Seq, "error", err)
	}
}
