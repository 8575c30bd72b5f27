package events

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Publisher publishes terminal events with at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handler consumes decoded inbound events. A returned error signals a
// transient failure and causes redelivery; permanent drops (unknown
// type, missing job) must return nil after logging.
type Handler interface {
	HandleEvent(ctx context.Context, env Envelope) error
}

// PubSub is the Cloud Pub/Sub event bus adapter.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

var _ Publisher = (*PubSub)(nil)

// NewPubSub dials Pub/Sub and binds the outbound topic.
func NewPubSub(ctx context.Context, projectID, topic string, opts ...option.ClientOption) (*PubSub, error) {
	if topic == "" {
		return nil, fmt.Errorf("event topic is required")
	}
	var client, err = pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing pubsub: %w", err)
	}
	return &PubSub{client: client, topic: client.Topic(topic)}, nil
}

// Close flushes pending publishes and releases the client.
func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

// Publish blocks until the transport has accepted the event. The
// client library retries transport errors internally.
func (p *PubSub) Publish(ctx context.Context, env Envelope) error {
	var data, err = env.Encode()
	if err != nil {
		return err
	}
	var result = p.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err = result.Get(ctx); err != nil {
		return fmt.Errorf("publishing %s for job %s: %w", env.EventType, env.JobID, err)
	}
	return nil
}

// Subscribe pulls the subscription until ctx is canceled, decoding
// each delivery and dispatching it to handler with the platform's
// delivery concurrency. Malformed payloads are acked (dropped);
// handler errors are nacked so redelivery recovers.
func (p *PubSub) Subscribe(ctx context.Context, subscription string, maxConcurrency int, handler Handler) error {
	var sub = p.client.Subscription(subscription)
	if maxConcurrency > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = maxConcurrency
	}
	var err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var env, err = Decode(msg.Data)
		if err != nil {
			log.WithField("err", err).Warn("dropping malformed event")
			msg.Ack()
			return
		}
		if err = handler.HandleEvent(ctx, env); err != nil {
			log.WithFields(log.Fields{
				"jobID": env.JobID,
				"type":  env.EventType,
				"err":   err,
			}).Warn("event handling failed; leaving for redelivery")
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receiving from %s: %w", subscription, err)
	}
	return nil
}
