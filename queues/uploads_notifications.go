package queues

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Yulian302/lfusys-services-ingest/models"
	"github.com/Yulian302/lfusys-services-ingest/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// UploadsPublisher announces terminal upload states to downstream consumers.
type UploadsPublisher interface {
	Publish(ctx context.Context, evt models.UploadEvent) error
}

type SqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SqsUploadsPublisherImpl struct {
	client   SqsSender
	queueUrl string
}

func NewSqsUploadsPublisherImpl(client SqsSender, queueUrl string) *SqsUploadsPublisherImpl {
	return &SqsUploadsPublisherImpl{
		client:   client,
		queueUrl: queueUrl,
	}
}

// Publish sends evt to the FIFO queue. Events of one upload share a message
// group and are deduplicated on upload id and type.
func (p *SqsUploadsPublisherImpl) Publish(ctx context.Context, evt models.UploadEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal upload event: %w", err)
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
				QueueUrl:               aws.String(p.queueUrl),
				MessageBody:            aws.String(string(body)),
				MessageGroupId:         aws.String(evt.UploadId),
				MessageDeduplicationId: aws.String(evt.UploadId + ":" + evt.Type),
			})
			return err
		},
		retries.IsRetriableStoreError,
	)
}

type NullUploadsPublisher struct{}

func NewNullUploadsPublisher() *NullUploadsPublisher {
	return &NullUploadsPublisher{}
}

func (NullUploadsPublisher) Publish(context.Context, models.UploadEvent) error { return nil }
