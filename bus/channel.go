// Package bus publishes presence change events to an external AMQP
// exchange: it observes the presence engine, aggregates, serializes, and
// emits to exchange "presence" with routing key "status_changes".
// Reconnection with backoff is the channel adaptor's responsibility; the
// publisher only ever awaits channel readiness before emitting.
package bus

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	presbackoff "github.com/tippresence/presenced/backoff"
	"github.com/tippresence/presenced/config"
)

// Channel is the collaborator contract the publisher depends on; a real
// *amqp091.Channel satisfies it through the AMQPChannel adaptor below.
type Channel interface {
	ExchangeDeclare(ctx context.Context, name, kind string, durable bool) error
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// DialOptions configures AMQPChannel's connect/reconnect loop.
type DialOptions struct {
	URI      string
	Vhost    string
	Username string
	Password string

	ReconnectInitialInterval time.Duration
	ReconnectMultiplier      float64
}

// DialOptionsFromPresenceConfig builds DialOptions from the amqp_* fields
// of a PresenceConfig, its natural source per spec.md §6.
func DialOptionsFromPresenceConfig(c env.PresenceConfig) DialOptions {
	return DialOptions{
		URI:      c.AMQPURI,
		Vhost:    c.AMQPVhost,
		Username: c.AMQPUsername,
		Password: c.AMQPPassword,
	}
}

func (o DialOptions) withDefaults() DialOptions {
	if o.ReconnectInitialInterval == 0 {
		o.ReconnectInitialInterval = 500 * time.Millisecond
	}
	if o.ReconnectMultiplier == 0 {
		o.ReconnectMultiplier = 2
	}
	return o
}

// AMQPChannel is a Channel backed by a real amqp091-go connection/channel
// pair, established (and, on Reconnect, re-established) through an
// exponential backoff loop mirroring storage.Redis's reconnect discipline.
type AMQPChannel struct {
	opts DialOptions
	log  *logrus.Entry

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects (with backoff retry until ctx is cancelled) and
// returns a ready-to-use AMQPChannel.
func DialAMQP(ctx context.Context, opts DialOptions) (*AMQPChannel, error) {
	opts = opts.withDefaults()
	a := &AMQPChannel{opts: opts, log: logrus.WithField("component", "bus.amqp")}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AMQPChannel) connect(ctx context.Context) error {
	bw := presbackoff.New(ctx, a.opts.ReconnectInitialInterval, 0.5, a.opts.ReconnectMultiplier, 0)
	bw.SetDoOperation(func() (any, error) {
		conn, err := amqp.DialConfig(a.opts.URI, amqp.Config{
			Vhost: a.opts.Vhost,
			SASL:  []amqp.Authentication{&amqp.PlainAuth{Username: a.opts.Username, Password: a.opts.Password}},
		})
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}

		a.mu.Lock()
		a.conn = conn
		a.ch = ch
		a.mu.Unlock()
		return nil, nil
	})
	bw.SetNotify(func(err error, d time.Duration) {
		a.log.WithError(err).WithField("retry_in", d).Warn("amqp connect failed, retrying")
	})
	return bw.Exec()
}

// Reconnect re-establishes the connection/channel pair with backoff. A
// caller that observes a channel-level error (amqp091 closes the channel
// on any protocol error) should call this before retrying its publish.
func (a *AMQPChannel) Reconnect(ctx context.Context) error {
	return a.connect(ctx)
}

func (a *AMQPChannel) channel() *amqp.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ch
}

func (a *AMQPChannel) ExchangeDeclare(_ context.Context, name, kind string, durable bool) error {
	return a.channel().ExchangeDeclare(name, kind, durable, false, false, false, nil)
}

func (a *AMQPChannel) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	return a.channel().PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

// Close tears down the channel and connection.
func (a *AMQPChannel) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
