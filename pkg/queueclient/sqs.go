package queueclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithy "github.com/aws/smithy-go"

	"github.com/queue-keeper/queue-keeper/pkg/normalize"
)

// SQSQueue sends to Amazon SQS. FIFO queues (name suffixed ".fifo") provide
// Native session support via MessageGroupId; standard queues are
// Unsupported for ordering.
type SQSQueue struct {
	client   *sqs.Client
	urlCache map[string]string
	fifo     bool
}

// SQSConfig configures an SQSQueue.
type SQSConfig struct {
	Region string
	FIFO   bool
}

// NewSQSQueue creates an SQS-backed Provider.
func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SQSQueue{
		client:   sqs.NewFromConfig(awsCfg),
		urlCache: make(map[string]string),
		fifo:     cfg.FIFO,
	}, nil
}

func (q *SQSQueue) Name() string { return "sqs" }

func (q *SQSQueue) SessionSupport() SessionSupport {
	if q.fifo {
		return SessionNative
	}
	return SessionUnsupported
}

func (q *SQSQueue) queueURL(ctx context.Context, queue string) (string, error) {
	if url, ok := q.urlCache[queue]; ok {
		return url, nil
	}
	out, err := q.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("resolve queue url for %q: %w", queue, err)
	}
	q.urlCache[queue] = aws.ToString(out.QueueUrl)
	return q.urlCache[queue], nil
}

func (q *SQSQueue) Send(ctx context.Context, queue string, envelope normalize.EventEnvelope, opts SendOptions) (MessageID, error) {
	url, err := q.queueURL(ctx, queue)
	if err != nil {
		return "", classifySQSError(err)
	}

	body, err := MarshalEnvelope(envelope)
	if err != nil {
		return "", &PermanentError{Cause: err}
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_id":       {DataType: aws.String("String"), StringValue: aws.String(envelope.EventID.String())},
			"correlation_id": {DataType: aws.String("String"), StringValue: aws.String(string(envelope.CorrelationID))},
			"event_type":     {DataType: aws.String("String"), StringValue: aws.String(envelope.EventType)},
		},
	}

	if opts.Ordered && q.fifo {
		input.MessageGroupId = aws.String(opts.SessionID)
		input.MessageDeduplicationId = aws.String(envelope.EventID.String())
	}

	out, err := q.client.SendMessage(ctx, input)
	if err != nil {
		return "", classifySQSError(err)
	}
	return MessageID(aws.ToString(out.MessageId)), nil
}

func (q *SQSQueue) Ping(queue string) error {
	_, err := q.queueURL(context.Background(), queue)
	return err
}

// classifySQSError maps AWS SDK errors onto the Transient/Permanent split:
// access/parameter errors are permanent, everything else (throttling,
// connectivity) is treated as transient and left for the retry loop.
func classifySQSError(err error) error {
	var apiErr smithy.APIError
	if ok := asSmithyAPIError(err, &apiErr); ok {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidParameterValue", "QueueDoesNotExist":
			return &PermanentError{Cause: err}
		}
	}
	return err
}

func asSmithyAPIError(err error, target *smithy.APIError) bool {
	for err != nil {
		if apiErr, ok := err.(smithy.APIError); ok {
			*target = apiErr
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
