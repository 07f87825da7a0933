package delivery

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/outreach"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(strings.TrimPrefix(s, "\n"), "\n", "\r\n"))
}

func dsn(action string) []byte {
	return crlf(`
From: Mail Delivery System <MAILER-DAEMON@mx.acme.io>
To: outreach@northwind.io
Subject: Delivery Status Notification
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status; boundary="b1"

--b1
Content-Type: text/plain

Your message could not be delivered.

--b1
Content-Type: message/delivery-status

Reporting-MTA: dns; mx.acme.io
Original-Envelope-Id: env-1

Final-Recipient: rfc822; Ada@Acme.io
Action: ` + action + `
Status: 5.1.1

--b1
Content-Type: text/rfc822-headers

Message-ID: <re_123@mail.provider.io>
X-Lead-Id: lead-1
Subject: Hello

--b1--
`)
}

func TestParseDSN(t *testing.T) {
	cases := map[string]domain.DeliveryStatus{
		"failed":    domain.DeliveryBounced,
		"delayed":   domain.DeliveryDelayed,
		"delivered": domain.DeliveryDelivered,
	}
	for action, want := range cases {
		t.Run(action, func(t *testing.T) {
			p, err := ParseMessage(dsn(action))
			require.NoError(t, err)
			require.NotNil(t, p.Bounce)
			assert.Nil(t, p.Reply)
			assert.Equal(t, want, p.Bounce.Status)
			assert.Equal(t, "re_123@mail.provider.io", p.Bounce.MessageID)
			assert.Equal(t, "lead-1", p.Bounce.LeadID)
			assert.Equal(t, "ada@acme.io", p.Bounce.Recipient)
		})
	}
}

func TestParseDSNUnknownAction(t *testing.T) {
	_, err := ParseMessage(dsn("teleported"))
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestParseReply(t *testing.T) {
	raw := crlf(`
From: "Ada Lovelace" <Ada@Acme.io>
To: outreach@northwind.io
Subject: Re: Hello
Message-ID: <reply-1@acme.io>
In-Reply-To: <re_123@mail.provider.io>
Content-Type: text/plain; charset=utf-8

Sounds good, tell me more.

On Tue, Mar 10, 2026 at 10:00 AM Northwind <outreach@northwind.io> wrote:
> I am an AI sales pilot. Reply STOP to pause.
`)
	p, err := ParseMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, p.Reply)
	assert.Nil(t, p.Bounce)

	in := p.Reply
	assert.Equal(t, "ada@acme.io", in.From)
	assert.Equal(t, "Re: Hello", in.Subject)
	assert.Equal(t, "reply-1@acme.io", in.MessageID)
	assert.Equal(t, []string{"re_123@mail.provider.io"}, in.InReplyTo)
	assert.Equal(t, "Sounds good, tell me more.", in.Body)
	assert.Equal(t, outreach.ReplyInterested, outreach.ClassifyReply(in.Body))
}

func TestParseReplyHTMLOnly(t *testing.T) {
	raw := crlf(`
From: bob@acme.io
Subject: Re: Hi
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="x"

--x
Content-Type: text/html; charset=utf-8

<html><body><p>Please unsubscribe me.</p></body></html>
--x--
`)
	p, err := ParseMessage(raw)
	require.NoError(t, err)
	require.NotNil(t, p.Reply)
	assert.Equal(t, "Please unsubscribe me.", p.Reply.Body)
}

func TestMailboxProcessRoutesBounceAndReply(t *testing.T) {
	db := openStore(t)
	lead := seedSend(t, db, "ada@acme.io", "re_123")
	rec := &replyRecorder{}
	p := NewMailboxPoller(MailboxConfig{}, NewIngester(db, rec, nil, nil), nil)
	ctx := context.Background()

	res, err := p.Process(ctx, dsn("delayed"))
	require.NoError(t, err)
	assert.Equal(t, ResultStatus, res.Kind)
	assert.True(t, res.Matched)
	assert.Equal(t, "re_123", res.MessageID)

	e, err := db.FindSendByMessageID(ctx, "re_123")
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelayed, e.Metadata.(domain.SendOutcome).DeliveryStatus)

	res, err = p.Process(ctx, crlf(`
From: someone@else.io
Subject: Re: Hello
In-Reply-To: <re_123@mail.provider.io>
Content-Type: text/plain

out of office until Monday
`))
	require.NoError(t, err)
	assert.Equal(t, ResultReply, res.Kind)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, lead.ID, rec.calls[0].leadID)
	assert.Equal(t, outreach.ReplyOutOfOffice, res.Class)
}

type closeCounter struct{ n atomic.Int32 }

func (c *closeCounter) Close() error {
	c.n.Add(1)
	return nil
}

func TestCloseOnCancel(t *testing.T) {
	t.Run("cancel closes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c := &closeCounter{}
		closeOnCancel(ctx, c)
		cancel()
		assert.Eventually(t, func() bool { return c.n.Load() == 1 }, time.Second, 5*time.Millisecond)
	})
	t.Run("released hook never fires", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		c := &closeCounter{}
		release := closeOnCancel(ctx, c)
		assert.True(t, release())
		cancel()
		time.Sleep(20 * time.Millisecond)
		assert.Zero(t, c.n.Load())
	})
}

func TestPollOnceRequiresConfig(t *testing.T) {
	p := NewMailboxPoller(MailboxConfig{}, NewIngester(openStore(t), &replyRecorder{}, nil, nil), nil)
	_, err := p.PollOnce(context.Background())
	assert.Error(t, err)
}
