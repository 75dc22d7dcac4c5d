package reconcile

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/queue/memory"
	"github.com/ignite/newsletter-queue/internal/stats"
)

type fakeSQS struct {
	messages []types.Message
	deleted  []string
	input    *sqs.ReceiveMessageInput
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.input = in
	msgs := f.messages
	f.messages = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSConsumer_PollOnce(t *testing.T) {
	ledger := stats.NewMemoryLedger()
	r := New(memory.New(), ledger, nil)

	complaint := `{"eventType":"Complaint","mail":{"messageId":"m-9","tags":{"newsletter_id":["7"]}},
		"complaint":{"complainedRecipients":[{"emailAddress":"grumpy@example.com"}]}}`
	fake := &fakeSQS{messages: []types.Message{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("rh-1"), Body: aws.String(string(snsNotification(t, complaint)))},
		{MessageId: aws.String("2"), ReceiptHandle: aws.String("rh-2"), Body: aws.String("garbage")},
	}}

	c := NewSQSConsumer(fake, "https://sqs.us-west-2.amazonaws.com/123/ses-events", r, 0, 0)
	res, err := c.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recorded)
	assert.ElementsMatch(t, []string{"rh-1", "rh-2"}, fake.deleted)
	assert.Equal(t, int32(10), fake.input.MaxNumberOfMessages)
	assert.Equal(t, int32(20), fake.input.WaitTimeSeconds)

	counts, err := ledger.Counts(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.EventComplained].Total)
}

func TestSQSConsumer_KeepsMessageOnLedgerFailure(t *testing.T) {
	r := New(memory.New(), failingLedger{}, nil)
	open := `{"eventType":"Open","mail":{"messageId":"m","destination":["a@example.com"],"tags":{"newsletter_id":["7"]}},"open":{}}`
	fake := &fakeSQS{messages: []types.Message{
		{MessageId: aws.String("1"), ReceiptHandle: aws.String("rh-1"), Body: aws.String(string(snsNotification(t, open)))},
	}}

	_, err := NewSQSConsumer(fake, "q", r, 5, 5).PollOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fake.deleted)
}
