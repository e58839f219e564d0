package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject prefix events are published under.
const DefaultSubject = "catchlog"

// NATS publishes JSON events to "<subject>.<type>".
type NATS struct {
	conn    *nats.Conn
	subject string
}

// NewNATS connects to url with automatic reconnection.
func NewNATS(url, subject string) (*NATS, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("catchlog"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATS{conn: nc, subject: subject}, nil
}

// Subject returns the full subject for an event type.
func (n *NATS) Subject(t Type) string {
	return n.subject + "." + string(t)
}

// Publish marshals ev and publishes it. Delivery is fire-and-forget.
func (n *NATS) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return n.conn.Publish(n.Subject(ev.Type), data)
}

// Flush waits until the server has processed all published events.
func (n *NATS) Flush() error {
	return n.conn.Flush()
}

// Close drains and closes the connection.
func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
