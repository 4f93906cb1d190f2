// Package pubsub publishes operator notifications to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-crawler/internal/crawler"
)

// Notifier publishes each notification as a JSON message. Publish results
// are awaited in the background so Notify never blocks on the broker.
type Notifier struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New dials Pub/Sub and verifies the topic exists.
func New(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*Notifier, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil || !exists {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("close pubsub client after topic check", zap.Error(closeErr))
		}
		if err != nil {
			return nil, fmt.Errorf("check pubsub topic %q: %w", topicID, err)
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	n := NewWithTopic(topic, logger)
	n.client = client
	return n, nil
}

// NewWithTopic wraps an existing topic handle; the caller owns its client.
func NewWithTopic(topic *pubsub.Topic, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{topic: topic, logger: logger.Named("notify.pubsub")}
}

// Notify publishes n without waiting for the broker's acknowledgement.
func (n *Notifier) Notify(ctx context.Context, msg crawler.Notification) {
	data, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("encode notification", zap.Error(err))
		return
	}
	result := n.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"severity": string(msg.Severity),
			"category": msg.Category,
		},
	})

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if _, err := result.Get(context.WithoutCancel(ctx)); err != nil {
			n.logger.Warn("publish notification failed",
				zap.String("category", msg.Category),
				zap.Error(err),
			)
		}
	}()
}

// Close flushes pending messages and releases the client when New created it.
func (n *Notifier) Close() error {
	n.topic.Stop()
	n.wg.Wait()
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			return fmt.Errorf("close pubsub client: %w", err)
		}
	}
	return nil
}
