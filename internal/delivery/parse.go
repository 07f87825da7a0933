package delivery

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"outreach-engine/internal/compliance"
	"outreach-engine/internal/domain"
)

const maxBodyBytes = 64 << 10

// Bounce is a delivery status notification for one of our sends.
type Bounce struct {
	Status    domain.DeliveryStatus
	Action    string
	Recipient string
	MessageID string
	LeadID    string
}

// Inbound is a human (or auto-responder) reply.
type Inbound struct {
	From      string
	Subject   string
	Body      string
	MessageID string
	// InReplyTo holds In-Reply-To then References ids, newest thread link first.
	InReplyTo []string
	LeadID    string
}

// Parsed holds exactly one of Bounce or Reply.
type Parsed struct {
	Bounce *Bounce
	Reply  *Inbound
}

// ParseMessage splits raw RFC 5322 bytes into a DSN bounce or a reply.
func ParseMessage(raw []byte) (Parsed, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return Parsed{}, fmt.Errorf("parse message: %w", err)
	}

	mt, params, _ := e.Header.ContentType()
	if strings.EqualFold(mt, "multipart/report") && strings.EqualFold(params["report-type"], "delivery-status") {
		b, err := parseDSN(e)
		if err != nil {
			return Parsed{}, err
		}
		return Parsed{Bounce: &b}, nil
	}

	in, err := parseReply(e)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{Reply: &in}, nil
}

// dsnAction maps RFC 3464 Action values onto delivery statuses.
var dsnAction = map[string]domain.DeliveryStatus{
	"failed":    domain.DeliveryBounced,
	"delayed":   domain.DeliveryDelayed,
	"delivered": domain.DeliveryDelivered,
	"relayed":   domain.DeliveryDelivered,
	"expanded":  domain.DeliveryDelivered,
}

func parseDSN(e *message.Entity) (Bounce, error) {
	mr := e.MultipartReader()
	if mr == nil {
		return Bounce{}, fmt.Errorf("%w: report is not multipart", ErrBadEvent)
	}

	var (
		b        Bounce
		envelope string
	)
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return Bounce{}, fmt.Errorf("read report part: %w", err)
		}

		t, _, _ := p.Header.ContentType()
		switch strings.ToLower(t) {
		case "message/delivery-status", "message/global-delivery-status":
			blocks, err := statusBlocks(p.Body)
			if err != nil {
				return Bounce{}, err
			}
			if len(blocks) == 0 {
				continue
			}
			envelope = blocks[0].Get("Original-Envelope-Id")
			// first recipient block decides; we send one recipient per message
			for _, rh := range blocks[1:] {
				if a := strings.ToLower(strings.TrimSpace(rh.Get("Action"))); a != "" {
					b.Action = a
					b.Recipient = recipientAddr(rh.Get("Final-Recipient"))
					break
				}
			}
		case "message/rfc822", "text/rfc822-headers", "message/rfc822-headers", "message/global-headers":
			h, err := textproto.ReadHeader(bufio.NewReader(io.LimitReader(p.Body, maxBodyBytes)))
			if err != nil && h.Len() == 0 {
				continue
			}
			b.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
			b.LeadID = strings.TrimSpace(h.Get("X-Lead-Id"))
		}
	}

	st, ok := dsnAction[b.Action]
	if !ok {
		return Bounce{}, fmt.Errorf("%w: dsn action %q", ErrUnknownStatus, b.Action)
	}
	b.Status = st
	if b.MessageID == "" {
		b.MessageID = strings.TrimSpace(envelope)
	}
	return b, nil
}

// statusBlocks splits a delivery-status body into its per-message block and
// per-recipient blocks.
func statusBlocks(r io.Reader) ([]textproto.Header, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read delivery-status: %w", err)
	}
	text := strings.ReplaceAll(string(body), "\r\n", "\n")

	var out []textproto.Header
	for _, chunk := range strings.Split(text, "\n\n") {
		chunk = strings.Trim(chunk, "\n")
		if chunk == "" {
			continue
		}
		h, err := textproto.ReadHeader(bufio.NewReader(strings.NewReader(chunk + "\n\n")))
		if err != nil {
			return nil, fmt.Errorf("parse delivery-status fields: %w", err)
		}
		out = append(out, h)
	}
	return out, nil
}

// recipientAddr strips the address-type prefix from "rfc822; ada@acme.io".
func recipientAddr(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[i+1:]
	}
	return domain.NormalizeEmail(v)
}

func parseReply(e *message.Entity) (Inbound, error) {
	mr := mail.NewReader(e)
	h := mr.Header

	var in Inbound
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		in.From = domain.NormalizeEmail(addrs[0].Address)
	} else {
		in.From = bareAddress(h.Get("From"))
	}
	in.Subject, _ = h.Subject()
	in.MessageID, _ = h.MessageID()
	in.LeadID = strings.TrimSpace(h.Get("X-Lead-Id"))
	for _, field := range []string{"In-Reply-To", "References"} {
		ids, _ := h.MsgIDList(field)
		in.InReplyTo = append(in.InReplyTo, ids...)
	}

	var htmlBody string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return Inbound{}, fmt.Errorf("read reply part: %w", err)
		}
		ih, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		b, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
		if err != nil {
			return Inbound{}, fmt.Errorf("read reply body: %w", err)
		}
		switch {
		case ct == "text/plain" || ct == "":
			in.Body = string(b)
		case ct == "text/html" && htmlBody == "":
			htmlBody = string(b)
		}
		if in.Body != "" {
			break
		}
	}
	if in.Body == "" && htmlBody != "" {
		text, err := compliance.VisibleText(htmlBody)
		if err != nil {
			return Inbound{}, err
		}
		in.Body = text
	}
	in.Body = stripQuoted(in.Body)
	return in, nil
}

// stripQuoted drops the quoted thread below a reply so our own outbound text
// (which contains "Reply STOP") is not classified as the lead's answer.
func stripQuoted(body string) string {
	var keep []string
	for _, line := range strings.Split(body, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, ">") {
			continue
		}
		if strings.HasPrefix(t, "On ") && strings.HasSuffix(t, "wrote:") {
			break
		}
		if t == "-----Original Message-----" {
			break
		}
		keep = append(keep, line)
	}
	return strings.TrimSpace(strings.Join(keep, "\n"))
}
