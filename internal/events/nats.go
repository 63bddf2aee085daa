package events

import (
	"encoding/json"
	"fmt"
	"time"

	"lstapp/internal/model"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSPublisher mirrors the event log onto a NATS subject, one message per
// event, subject suffixed with the event kind.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to url and reconnects forever on disconnect.
func NewNATSPublisher(url, subject string, logger *logrus.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("lstapp"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Publish(ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.conn.Publish(Subject(p.subject, ev), data)
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// Subject builds "<base>.<flow>.<kind>".
func Subject(base string, ev model.Event) string {
	flow := string(ev.Flow)
	if flow == "" {
		flow = string(model.FlowStake)
	}
	return fmt.Sprintf("%s.%s.%s", base, flow, ev.Kind)
}
