package events

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubEmitter publishes decision events to a Google Cloud Pub/Sub
// topic. Publishing runs in a goroutine per event; failures are logged
// and dropped.
type PubSubEmitter struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubEmitter connects to the project and binds the topic.
func NewPubSubEmitter(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubEmitter, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &PubSubEmitter{
		client: client,
		topic:  client.Topic(topicID),
		logger: logger,
	}, nil
}

// Emit implements Emitter.
func (e *PubSubEmitter) Emit(event DecisionEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("event marshal failed", zap.Error(err))
		return
	}
	go func() {
		ctx := context.Background()
		res := e.topic.Publish(ctx, &pubsub.Message{
			Data: raw,
			Attributes: map[string]string{
				"outcome":   event.Outcome,
				"route":     event.Route,
				"namespace": event.Namespace,
			},
		})
		if _, err := res.Get(ctx); err != nil {
			e.logger.Warn("event publish failed",
				zap.String("request_id", event.RequestID),
				zap.Error(err),
			)
		}
	}()
}

// Close flushes pending publishes and releases the client.
func (e *PubSubEmitter) Close() error {
	e.topic.Stop()
	return e.client.Close()
}
