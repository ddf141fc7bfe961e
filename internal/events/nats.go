package events

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"starling/internal/domain"
)

// NATSBridge republishes every bus event to a NATS subject of the form
// <prefix>.<execution_id>, so external consumers can follow executions
// without holding an in-process subscription.
type NATSBridge struct {
	conn   *nats.Conn
	prefix string
	logger *log.Logger
	cancel func()
}

func NewNATSBridge(url, prefix string, bus *Bus, logger *log.Logger) (*NATSBridge, error) {
	if logger == nil {
		logger = log.Default()
	}
	if prefix == "" {
		prefix = "starling.events"
	}
	conn, err := nats.Connect(url, nats.Name("starling-events"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	ch, cancel := bus.Subscribe("")
	b := &NATSBridge{conn: conn, prefix: prefix, logger: logger, cancel: cancel}
	go b.forward(ch)
	return b, nil
}

func (b *NATSBridge) forward(ch <-chan domain.Event) {
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			b.logger.Printf("events: marshal %s: %v", ev.Kind, err)
			continue
		}
		subject := b.prefix + "." + ev.ExecutionID
		if err := b.conn.Publish(subject, data); err != nil {
			b.logger.Printf("events: publish %s: %v", subject, err)
		}
	}
}

func (b *NATSBridge) Close() {
	b.cancel()
	b.conn.Drain()
}
