// Package bus publishes alerts to a NATS subject for downstream
// delivery channels (email, chat). Delivery is best-effort.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"dbops-platform/internal/alerting"
)

type Publisher struct {
	Conn    *nats.Conn
	Subject string
}

func NewPublisher(url, subject string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	if subject == "" {
		subject = "dbops.alerts"
	}
	return &Publisher{Conn: conn, Subject: subject}, nil
}

func (p *Publisher) Close() {
	if p.Conn != nil {
		p.Conn.Drain()
		p.Conn.Close()
	}
}

// Notify implements alerting.Notifier.
func (p *Publisher) Notify(alert alerting.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return p.Conn.Publish(p.Subject, payload)
}
