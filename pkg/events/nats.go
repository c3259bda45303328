package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// Publisher forwards envelopes to NATS as JSON on <prefix>.<topic>
type Publisher struct {
	conn      Conn
	prefix    string
	logger    log.Logger
	published func()
}

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithPublishHook calls fn after every successful publish
func WithPublishHook(fn func()) PublisherOption {
	return func(p *Publisher) { p.published = fn }
}

// NewPublisher publishes on conn under prefix
func NewPublisher(conn Conn, prefix string, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		conn:      conn,
		prefix:    strings.TrimSuffix(prefix, "."),
		logger:    log.Root().New("module", "nats"),
		published: func() {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect dials url and returns a publisher on it. The connection retries
// forever once established.
func Connect(url, prefix string, opts ...PublisherOption) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return NewPublisher(nc, prefix, opts...), nil
}

// Subject returns the subject topic is published on
func (p *Publisher) Subject(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + "." + topic
}

// Publish implements Subscriber
func (p *Publisher) Publish(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Warn("Failed to encode event", "topic", env.Topic, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(env.Topic), data); err != nil {
		p.logger.Warn("Failed to publish event", "topic", env.Topic, "error", err)
		return
	}
	p.published()
}

// Close flushes pending messages and closes the connection
func (p *Publisher) Close() {
	if err := p.conn.Flush(); err != nil {
		p.logger.Warn("NATS flush failed", "error", err)
	}
	p.conn.Close()
}
