package publish

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tturner/mbmap/internal/logging"
	"github.com/tturner/mbmap/internal/report"
)

// Publisher sends register reports to a NATS subject as JSON.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *logging.Logger
}

// NewPublisher connects to the NATS server at url.
func NewPublisher(url, subject string, logger *logging.Logger) (*Publisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats subject is required")
	}
	nc, err := nats.Connect(url,
		nats.Name("mbmap"),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.Info("Connected to NATS server at %s", url)
	return &Publisher{nc: nc, subject: subject, logger: logger}, nil
}

// Encode returns the message body published for rep.
func Encode(rep *report.RegisterReport) ([]byte, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// Publish sends rep to the configured subject.
func (p *Publisher) Publish(rep *report.RegisterReport) error {
	data, err := Encode(rep)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	p.logger.Debug("Published %d-byte snapshot to %s", len(data), p.subject)
	return nil
}

// Subject returns the subject reports are published on.
func (p *Publisher) Subject() string {
	return p.subject
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	p.logger.Verbose("NATS connection drained and closed")
	return nil
}
