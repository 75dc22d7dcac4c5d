package reconcile

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the subset of the SQS client used by SQSConsumer.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConsumer ingests SES event notifications that SNS fans out to an SQS
// queue. The queue is private to the account, so messages are trusted
// without a webhook signature.
type SQSConsumer struct {
	client     SQSAPI
	queueURL   string
	reconciler *Reconciler
	wait       int32
	max        int32

	done    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewSQSConsumer creates a consumer. wait and max default to 20 seconds
// and 10 messages.
func NewSQSConsumer(client SQSAPI, queueURL string, reconciler *Reconciler, wait, max int32) *SQSConsumer {
	if wait <= 0 {
		wait = 20
	}
	if max <= 0 || max > 10 {
		max = 10
	}
	return &SQSConsumer{
		client:     client,
		queueURL:   queueURL,
		reconciler: reconciler,
		wait:       wait,
		max:        max,
		done:       make(chan struct{}),
	}
}

// Start polls until ctx is cancelled or Stop is called.
func (c *SQSConsumer) Start(ctx context.Context) {
	log.Printf("[SESEvents] SQS consumer started (queue=%s)", c.queueURL)
	c.wg.Add(1)
	go c.poll(ctx)
}

// Stop ends polling and waits for the in-flight batch.
func (c *SQSConsumer) Stop() {
	c.stopped.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *SQSConsumer) poll(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[SESEvents] SQS receive error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// PollOnce receives one batch and processes it. Messages are deleted once
// recorded, or when they can never be parsed; a ledger failure leaves the
// message for redelivery.
func (c *SQSConsumer) PollOnce(ctx context.Context) (Result, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.max,
		WaitTimeSeconds:     c.wait,
	})
	if err != nil {
		return Result{}, err
	}

	var total Result
	for _, msg := range out.Messages {
		parsed, err := parseSNS([]byte(aws.ToString(msg.Body)))
		if err != nil {
			log.Printf("[SESEvents] SQS bad message %s: %v", aws.ToString(msg.MessageId), err)
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}

		res, err := c.reconciler.Record(ctx, parsed.Events)
		total.Received += res.Received
		total.Recorded += res.Recorded
		total.Duplicates += res.Duplicates
		total.Unattributed += res.Unattributed
		total.Ignored += res.Ignored + parsed.Ignored
		if err != nil {
			log.Printf("[SESEvents] SQS process error: %v", err)
			continue
		}
		c.deleteMessage(ctx, msg.ReceiptHandle)
	}
	return total, nil
}

func (c *SQSConsumer) deleteMessage(ctx context.Context, receiptHandle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[SESEvents] SQS delete error: %v", err)
	}
}
