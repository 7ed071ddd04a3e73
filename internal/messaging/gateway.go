// Package messaging wraps the Pub/Sub client behind the worker's
// subscribe/publish surface: one inbound subscription, two email topics,
// a realtime topic, and the dead-letter topic.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"

	"github.com/parsely-labs/docalert-fanout/internal/apperrors"
	"github.com/parsely-labs/docalert-fanout/internal/retry"
	"github.com/parsely-labs/docalert-fanout/internal/telemetry"
)

// EmailKind selects between the immediate and daily-digest email topics.
type EmailKind string

const (
	EmailImmediate EmailKind = "immediate"
	EmailDaily     EmailKind = "daily"
)

// Disposition is the handler's terminal verdict for one delivery.
type Disposition int

const (
	// Ack marks the message terminally handled; the broker must not
	// redeliver it.
	Ack Disposition = iota
	// Nack requests broker redelivery.
	Nack
)

// Message is one received delivery, decoupled from the SDK type so
// handlers and tests never touch *pubsub.Message directly.
type Message struct {
	ID          string
	PublishTime time.Time
	Attributes  map[string]string
	Data        []byte
}

// Handler processes one delivery to completion and returns its
// disposition. Delivery is at-least-once; handlers must be idempotent or
// guarded by the dedupe layer.
type Handler func(ctx context.Context, msg *Message) Disposition

// Config names the subscription and topics the gateway binds to.
type Config struct {
	ProjectID           string
	SubscriptionName    string
	DLQTopic            string
	EmailImmediateTopic string
	EmailDailyTopic     string
	RealtimeTopic       string
	MaxOutstanding      int
}

// publishRetryConfig is the side-channel publish schedule: 2 attempts,
// 1 second initial delay.
var publishRetryConfig = retry.Config{
	MaxAttempts: 2,
	Base:        1 * time.Second,
	Multiplier:  2,
	Max:         4 * time.Second,
}

// Gateway owns the process-wide Pub/Sub client, its topic handles, and
// the subscription receive loop. Safe for concurrent use.
type Gateway struct {
	client *pubsub.Client
	cfg    Config

	// onTransportError is invoked when the receive loop fails; the
	// supervisor wires it to the Status component.
	onTransportError func(err error)

	mu        sync.Mutex
	topics    map[string]*pubsub.Topic
	reiniting bool
	closed    bool
}

// New connects the Pub/Sub client. onTransportError may be nil.
func New(ctx context.Context, cfg Config, onTransportError func(err error)) (*Gateway, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, apperrors.NewPubSubConnectionError(err)
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 4
	}
	return &Gateway{
		client:           client,
		cfg:              cfg,
		onTransportError: onTransportError,
		topics:           make(map[string]*pubsub.Topic),
	}, nil
}

// Subscribe starts the receive loop in a goroutine and returns. The loop
// runs until ctx is cancelled; cancelling ctx stops new deliveries while
// in-flight handlers finish, which is the drain half of shutdown. On a
// transport failure the loop reports the error and reattempts after a
// 30-second delay, single-flighted so overlapping failures schedule only
// one reinitialization.
func (g *Gateway) Subscribe(ctx context.Context, handler Handler) {
	sub := g.client.Subscription(g.cfg.SubscriptionName)
	sub.ReceiveSettings.MaxOutstandingMessages = g.cfg.MaxOutstanding

	go func() {
		for {
			err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
				m := &Message{
					ID:          msg.ID,
					PublishTime: msg.PublishTime,
					Attributes:  msg.Attributes,
					Data:        msg.Data,
				}
				if handler(ctx, m) == Ack {
					msg.Ack()
				} else {
					msg.Nack()
				}
			})

			if ctx.Err() != nil {
				return
			}
			if err == nil {
				// Receive returned cleanly without cancellation; treat as
				// a transport hiccup and reattach.
				err = errors.New("subscription receive returned unexpectedly")
			}

			telemetry.GetContextualLogger(ctx).WithFields(logrus.Fields{
				"subscription": g.cfg.SubscriptionName,
			}).WithError(err).Error("subscription receive failed, scheduling reattach")

			if g.onTransportError != nil {
				g.onTransportError(apperrors.NewPubSubConnectionError(err))
			}

			if !g.beginReinit() {
				return
			}
			select {
			case <-ctx.Done():
				g.endReinit()
				return
			case <-time.After(30 * time.Second):
				g.endReinit()
			}
		}
	}()
}

func (g *Gateway) beginReinit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.reiniting {
		return false
	}
	g.reiniting = true
	return true
}

func (g *Gateway) endReinit() {
	g.mu.Lock()
	g.reiniting = false
	g.mu.Unlock()
}

// topic returns a cached topic handle, creating it on first use.
func (g *Gateway) topic(name string) *pubsub.Topic {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.topics[name]; ok {
		return t
	}
	t := g.client.Topic(name)
	g.topics[name] = t
	return t
}

// publish marshals payload and publishes it with the side-channel retry
// schedule. Returns the server-assigned message id, or "" on permanent
// failure (the caller decides whether that is fatal).
func (g *Gateway) publish(ctx context.Context, topicName string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperrors.NewPubSubPublishError(topicName, err)
	}

	var id string
	err = retry.Do(ctx, publishRetryConfig, func(err error) bool {
		// Context expiry is terminal; everything else the transport
		// surfaces is worth the one extra attempt.
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}, func(ctx context.Context) error {
		result := g.topic(topicName).Publish(ctx, &pubsub.Message{Data: data})
		id, err = result.Get(ctx)
		return err
	})
	if err != nil {
		return "", apperrors.NewPubSubPublishError(topicName, err)
	}
	return id, nil
}

// PublishEmail publishes an email payload to the immediate or daily topic.
func (g *Gateway) PublishEmail(ctx context.Context, kind EmailKind, payload EmailPayload) (string, error) {
	topicName := g.cfg.EmailImmediateTopic
	if kind == EmailDaily {
		topicName = g.cfg.EmailDailyTopic
	}
	return g.publish(ctx, topicName, payload)
}

// PublishRealtime publishes a realtime notification event.
func (g *Gateway) PublishRealtime(ctx context.Context, payload RealtimePayload) (string, error) {
	return g.publish(ctx, g.cfg.RealtimeTopic, payload)
}

// PublishDLQ routes a failed message to the dead-letter topic. original
// is the decoded message when parsing succeeded, raw the original bytes;
// the payload carries original when it is non-nil and raw otherwise.
func (g *Gateway) PublishDLQ(ctx context.Context, original interface{}, raw []byte, cause error) (string, error) {
	payload := NewDLQPayload(original, raw, cause)
	return g.publish(ctx, g.cfg.DLQTopic, payload)
}

// Close stops every cached topic's publish goroutines and closes the
// client.
func (g *Gateway) Close() error {
	g.mu.Lock()
	g.closed = true
	topics := make([]*pubsub.Topic, 0, len(g.topics))
	for _, t := range g.topics {
		topics = append(topics, t)
	}
	g.mu.Unlock()

	for _, t := range topics {
		t.Stop()
	}
	return g.client.Close()
}
