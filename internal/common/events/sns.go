package events

import (
	"context"
	"encoding/json"
	"fmt"

	"filing-workflow/internal/common/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the subset of the SNS client used for publishing.
type SNSAPI interface {
	Publish(ctx context.Context, input *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSPublisher struct {
	client   SNSAPI
	topicARN string
	logger   logger.Logger
}

func NewSNSPublisher(client SNSAPI, topicARN string, log logger.Logger) *SNSPublisher {
	return &SNSPublisher{
		client:   client,
		topicARN: topicARN,
		logger:   log.WithFields(map[string]interface{}{"sink": "sns"}),
	}
}

func (p *SNSPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"applicationId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.ApplicationID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s to SNS: %w", event.Type, err)
	}

	p.logger.Debug("Event published to SNS", map[string]interface{}{
		"eventId":   event.ID,
		"eventType": string(event.Type),
		"messageId": aws.ToString(out.MessageId),
	})
	return nil
}
