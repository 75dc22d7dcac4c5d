package reconcile

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/ignite/newsletter-queue/internal/config"
)

// RawMessage is one unread mailbox message.
type RawMessage struct {
	UID  uint32
	Body []byte
}

// Mailbox is the bounce mailbox as the poller sees it.
type Mailbox interface {
	// Unseen returns up to max unread messages, oldest first, leaving out
	// the UIDs in skip.
	Unseen(ctx context.Context, max int, skip map[uint32]bool) ([]RawMessage, error)
	MarkSeen(ctx context.Context, uids []uint32) error
	Close() error
}

// MailboxDialer opens a fresh mailbox session for one poll.
type MailboxDialer func(ctx context.Context) (Mailbox, error)

// IMAPMailbox is a Mailbox over an IMAPS session.
type IMAPMailbox struct {
	client *imapclient.Client
}

// IMAPDialer returns a MailboxDialer for cfg. Each call logs in and
// selects the configured mailbox.
func IMAPDialer(cfg config.BounceConfig) MailboxDialer {
	return func(ctx context.Context) (Mailbox, error) {
		c, err := imapclient.DialTLS(cfg.Addr(), nil)
		if err != nil {
			return nil, fmt.Errorf("dial imap %s: %w", cfg.Addr(), err)
		}
		if err := c.Login(cfg.Username, cfg.Password).Wait(); err != nil {
			c.Close()
			return nil, fmt.Errorf("imap login: %w", err)
		}
		if _, err := c.Select(cfg.Mailbox, nil).Wait(); err != nil {
			c.Close()
			return nil, fmt.Errorf("imap select %s: %w", cfg.Mailbox, err)
		}
		return &IMAPMailbox{client: c}, nil
	}
}

// Unseen fetches up to max unread messages without setting \Seen.
func (m *IMAPMailbox) Unseen(ctx context.Context, max int, skip map[uint32]bool) ([]RawMessage, error) {
	data, err := m.client.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	var uids []imap.UID
	for _, uid := range data.AllUIDs() {
		if skip[uint32(uid)] {
			continue
		}
		uids = append(uids, uid)
		if max > 0 && len(uids) == max {
			break
		}
	}
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := m.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch: %w", err)
	}

	out := make([]RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, RawMessage{UID: uint32(msg.UID), Body: msg.FindBodySection(section)})
	}
	return out, nil
}

// MarkSeen flags the given messages \Seen.
func (m *IMAPMailbox) MarkSeen(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}
	err := m.client.Store(imap.UIDSetNum(set...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("imap store: %w", err)
	}
	return nil
}

// Close logs out and closes the connection.
func (m *IMAPMailbox) Close() error {
	if err := m.client.Logout().Wait(); err != nil {
		m.client.Close()
		return err
	}
	return m.client.Close()
}
