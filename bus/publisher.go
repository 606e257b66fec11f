package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tippresence/presenced/presence"
)

const (
	exchangeName = "presence"
	routingKey   = "status_changes"
)

// Publisher observes the presence engine and republishes every change as
// a JSON [resource, {presence:{status}}] payload on the AMQP bus. It
// never fails the triggering presence write: publish errors are logged
// and otherwise swallowed.
type Publisher struct {
	channel Channel
	log     *logrus.Entry

	readyOnce sync.Once
	ready     chan struct{}
}

// NewPublisher constructs a Publisher over channel. The publisher starts
// not-ready; call MarkReady once the exchange has been declared and the
// channel is safe to publish on.
func NewPublisher(channel Channel) *Publisher {
	return &Publisher{
		channel: channel,
		log:     logrus.WithField("component", "bus.publisher"),
		ready:   make(chan struct{}),
	}
}

// MarkReady signals that the channel is ready to publish on. Safe to call
// more than once; only the first call has effect.
func (p *Publisher) MarkReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// DeclareExchange declares the "presence" topic exchange this publisher
// emits on, then marks the publisher ready.
func (p *Publisher) DeclareExchange(ctx context.Context) error {
	if err := p.channel.ExchangeDeclare(ctx, exchangeName, "topic", true); err != nil {
		return err
	}
	p.MarkReady()
	return nil
}

// Attach registers the publisher as an observer of engine.
func (p *Publisher) Attach(engine *presence.Engine) {
	engine.Watch(p.onPresenceChange)
}

func (p *Publisher) onPresenceChange(resource string, active []presence.TaggedStatus) {
	<-p.ready
	ctx := context.Background()

	payload := []any{resource, presence.AggregatedPresence(active)}
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.WithError(err).WithField("resource", resource).Error("serialize status change failed")
		return
	}

	if err := p.channel.Publish(ctx, exchangeName, routingKey, data); err != nil {
		p.log.WithError(err).WithField("resource", resource).Error("publish status change failed")
	}
}
