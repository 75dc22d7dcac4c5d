package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter-queue/internal/domain"
	"github.com/ignite/newsletter-queue/internal/queue/memory"
	"github.com/ignite/newsletter-queue/internal/stats"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

const dsnMessage = `From: Mail Delivery Subsystem <mailer-daemon@mx.example.net>
To: bounces@pta.example.org
Subject: Undelivered Mail Returned to Sender
Date: Thu, 01 Jan 2026 10:00:00 +0000
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="BOUNDARY"

--BOUNDARY
Content-Type: text/plain; charset=us-ascii

Your message could not be delivered.

--BOUNDARY
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.example.net
Arrival-Date: Thu, 01 Jan 2026 09:59:58 +0000

Final-Recipient: rfc822; gone@example.com
Action: failed
Status: 5.1.1
Diagnostic-Code: smtp; 550 5.1.1 user unknown

Final-Recipient: rfc822; slow@example.com
Action: delayed
Status: 4.4.1

--BOUNDARY
Content-Type: text/rfc822-headers

From: news@pta.example.org
To: gone@example.com
Subject: March news
Message-ID: <0193a7c2@pta.example.org>
X-Newsletter-ID: 7
X-Queue-Job-ID: 0193a7c2-0000-7000-8000-000000000001

--BOUNDARY--
`

func TestParseBounce_DSN(t *testing.T) {
	events, err := ParseBounce(crlf(dsnMessage))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, domain.EventBounced, ev.Type)
	assert.Equal(t, "gone@example.com", ev.RecipientEmail)
	assert.Equal(t, int64(7), ev.NewsletterID)
	assert.Equal(t, "0193a7c2-0000-7000-8000-000000000001", ev.JobID)
	assert.Equal(t, "0193a7c2@pta.example.org", ev.ProviderMessageID)
	assert.Equal(t, 2026, ev.OccurredAt.Year())
}

func TestParseBounce_PlainTextFallback(t *testing.T) {
	msg := `From: postmaster@school.example.edu
To: bounces@pta.example.org
Subject: Delivery Status Notification (Failure)
Content-Type: text/plain

Delivery to the following recipient failed permanently:

     guardian@school.example.edu

Technical details of permanent failure: mailbox unavailable
`
	events, err := ParseBounce(crlf(msg))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "guardian@school.example.edu", events[0].RecipientEmail)
	assert.Zero(t, events[0].NewsletterID)
}

func TestParseBounce_NotABounce(t *testing.T) {
	msg := `From: parent@example.com
To: bounces@pta.example.org
Subject: Re: March news
Content-Type: text/plain

Thanks for the update!
`
	_, err := ParseBounce(crlf(msg))
	assert.ErrorIs(t, err, ErrParse)
}

type fakeMailbox struct {
	msgs    []RawMessage
	seen    []uint32
	closed  bool
	markErr error
}

func (m *fakeMailbox) Unseen(_ context.Context, max int, skip map[uint32]bool) ([]RawMessage, error) {
	seen := make(map[uint32]bool, len(m.seen))
	for _, uid := range m.seen {
		seen[uid] = true
	}
	var out []RawMessage
	for _, msg := range m.msgs {
		if seen[msg.UID] || skip[msg.UID] {
			continue
		}
		out = append(out, msg)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

func (m *fakeMailbox) MarkSeen(_ context.Context, uids []uint32) error {
	m.seen = append(m.seen, uids...)
	return m.markErr
}

func (m *fakeMailbox) Close() error {
	m.closed = true
	return nil
}

func dialer(m *fakeMailbox) MailboxDialer {
	return func(context.Context) (Mailbox, error) { return m, nil }
}

func TestBouncePoller_BounceForDeletedJob(t *testing.T) {
	store := memory.New()
	ledger := stats.NewMemoryLedger()
	r := New(store, ledger, nil)

	mbox := &fakeMailbox{msgs: []RawMessage{
		{UID: 11, Body: crlf(dsnMessage)},
		{UID: 12, Body: crlf("From: parent@example.com\nSubject: hi\n\nhello\n")},
	}}
	p := NewBouncePoller(dialer(mbox), r, 0, 50)

	res, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 2, Recorded: 1, Unparsable: 1}, res)
	assert.Equal(t, []uint32{11}, mbox.seen, "unparsable message stays unread")
	assert.True(t, mbox.closed)

	counts, err := ledger.Counts(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.EventBounced].Total)
}

func TestBouncePoller_UnparsableMessagesDoNotStarveBounces(t *testing.T) {
	ledger := stats.NewMemoryLedger()
	r := New(memory.New(), ledger, nil)

	junk := crlf("From: parent@example.com\nSubject: out of office\n\nback monday\n")
	mbox := &fakeMailbox{msgs: []RawMessage{
		{UID: 1, Body: junk},
		{UID: 2, Body: junk},
		{UID: 3, Body: crlf(dsnMessage)},
	}}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	p := NewBouncePoller(dialer(mbox), r, 0, 2)
	p.Now = func() time.Time { return now }
	ctx := context.Background()

	res, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 2, Unparsable: 2}, res)

	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 1, Recorded: 1}, res)
	assert.Equal(t, []uint32{3}, mbox.seen)

	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Fetched, "parked messages are left alone")

	now = now.Add(parkFor)
	res, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, PollResult{Fetched: 2, Unparsable: 2}, res)

	counts, err := ledger.Counts(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.EventBounced].Total)
}

func TestBouncePoller_LedgerFailureLeavesUnread(t *testing.T) {
	r := New(memory.New(), failingLedger{}, nil)
	mbox := &fakeMailbox{msgs: []RawMessage{{UID: 5, Body: crlf(dsnMessage)}}}

	res, err := NewBouncePoller(dialer(mbox), r, 0, 50).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Empty(t, mbox.seen)
}

func TestBouncePoller_DialError(t *testing.T) {
	p := NewBouncePoller(func(context.Context) (Mailbox, error) {
		return nil, errors.New("connection refused")
	}, New(memory.New(), stats.NewMemoryLedger(), nil), 0, 50)

	_, err := p.Poll(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}
