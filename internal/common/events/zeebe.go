package events

import (
	"context"
	"fmt"
	"time"

	"filing-workflow/internal/common/logger"
)

// MessageClient publishes correlated process messages.
type MessageClient interface {
	PublishMessage(ctx context.Context, name, correlationKey, messageID string, ttl time.Duration, vars map[string]interface{}) error
}

// ZeebePublisher turns events into messages named "filing.<type>" correlated
// by application ID.
type ZeebePublisher struct {
	client MessageClient
	ttl    time.Duration
	logger logger.Logger
}

func NewZeebePublisher(client MessageClient, ttl time.Duration, log logger.Logger) *ZeebePublisher {
	return &ZeebePublisher{
		client: client,
		ttl:    ttl,
		logger: log.WithFields(map[string]interface{}{"sink": "zeebe"}),
	}
}

func MessageName(t Type) string {
	return "filing." + string(t)
}

func (p *ZeebePublisher) Publish(ctx context.Context, event Event) error {
	name := MessageName(event.Type)
	if err := p.client.PublishMessage(ctx, name, event.ApplicationID, event.ID, p.ttl, event.Variables()); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", name, err)
	}
	p.logger.Debug("Message published to Zeebe", map[string]interface{}{
		"messageName":    name,
		"correlationKey": event.ApplicationID,
	})
	return nil
}
