package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/mnma/mnma-backend/internal/logger"
	"github.com/mnma/mnma-backend/internal/types"
)

type sqsTransport struct {
	log      *logger.Logger
	client   *sqs.Client
	queueURL string
}

func NewSQSTransport(log *logger.Logger) (Transport, error) {
	serviceLog := log.With("service", "SQSTransport")

	queueName := strings.TrimSpace(os.Getenv("AWS_SQS_QUEUE"))
	if queueName == "" {
		return nil, fmt.Errorf("missing AWS_SQS_QUEUE")
	}
	region := strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION"))
	if region == "" {
		region = "us-west-2"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	accessKey := strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	secretKey := strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := strings.TrimSpace(os.Getenv("AWS_SQS_ENDPOINT"))
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	urlOut, err := client.GetQueueUrl(context.Background(), &sqs.GetQueueUrlInput{
		QueueName: aws.String(queueName),
	})
	if err != nil {
		return nil, fmt.Errorf("resolve queue url for %q: %w", queueName, err)
	}

	serviceLog.Info("SQS transport ready", "queue", queueName)
	return &sqsTransport{
		log:      serviceLog,
		client:   client,
		queueURL: aws.ToString(urlOut.QueueUrl),
	}, nil
}

func (t *sqsTransport) Enqueue(ctx context.Context, job types.IndexJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal index job: %w", err)
	}
	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (t *sqsTransport) Receive(ctx context.Context, maxMessages int, wait time.Duration) ([]Message, error) {
	if maxMessages < 1 {
		maxMessages = 1
	}
	if maxMessages > 10 {
		maxMessages = 10
	}
	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(t.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(wait / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		var job types.IndexJob
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &job); err != nil {
			// Malformed body: acknowledge so it does not loop forever.
			t.log.Warn("Discarding malformed queue message", "error", err)
			_ = t.Acknowledge(ctx, aws.ToString(m.ReceiptHandle))
			continue
		}
		msgs = append(msgs, Message{
			Job:           job,
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (t *sqsTransport) Acknowledge(ctx context.Context, receiptHandle string) error {
	if strings.TrimSpace(receiptHandle) == "" {
		return nil
	}
	_, err := t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(t.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}
