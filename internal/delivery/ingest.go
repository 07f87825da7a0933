package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"outreach-engine/internal/domain"
	"outreach-engine/internal/events"
	"outreach-engine/internal/metrics"
	"outreach-engine/internal/outreach"
	"outreach-engine/internal/store"
)

var (
	ErrBadEvent      = errors.New("malformed delivery event")
	ErrUnknownStatus = errors.New("unknown delivery status")
)

// Store is what ingestion reads and writes. *store.DB implements it.
type Store interface {
	MergeDeliveryStatus(ctx context.Context, messageID string, status domain.DeliveryStatus) (bool, error)
	FindSendByMessageID(ctx context.Context, messageID string) (domain.AuditLogEntry, error)
	GetLeadByEmail(ctx context.Context, email string) (domain.Lead, error)
}

// ReplyHandler applies classified replies and bounces to a lead. *outreach.Engine implements it.
type ReplyHandler interface {
	HandleReply(ctx context.Context, leadID string, r outreach.Reply) (outreach.ReplyClass, domain.Lead, error)
	Disqualify(ctx context.Context, leadID, cause string) (domain.Lead, error)
}

const causeBounce = "bounce"

// Event is a provider callback. Both the typed envelope
// ({"type":"email.bounced","data":{"email_id":...}}) and the flat
// {"messageId":...,"status":...} form are accepted.
type Event struct {
	Type string    `json:"type"`
	Data EventData `json:"data"`

	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status,omitempty"`
}

type EventData struct {
	EmailID string            `json:"email_id,omitempty"`
	ID      string            `json:"id,omitempty"`
	From    string            `json:"from,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Text    string            `json:"text,omitempty"`
	HTML    string            `json:"html,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

var typedStatus = map[string]domain.DeliveryStatus{
	"email.delivered":        domain.DeliveryDelivered,
	"email.bounced":          domain.DeliveryBounced,
	"email.delivery_delayed": domain.DeliveryDelayed,
}

const typeReceived = "email.received"

type ResultKind string

const (
	ResultStatus  ResultKind = "status"
	ResultReply   ResultKind = "reply"
	ResultIgnored ResultKind = "ignored"
)

type Result struct {
	Kind      ResultKind            `json:"kind"`
	MessageID string                `json:"messageId,omitempty"`
	Status    domain.DeliveryStatus `json:"status,omitempty"`
	Matched   bool                  `json:"matched"`
	LeadID    string                `json:"leadId,omitempty"`
	Class     outreach.ReplyClass   `json:"class,omitempty"`
	Note      string                `json:"note,omitempty"`
}

// Ingester routes delivery callbacks and inbound replies.
type Ingester struct {
	store   Store
	replies ReplyHandler
	events  events.Publisher
	log     *slog.Logger
}

func NewIngester(s Store, replies ReplyHandler, pub events.Publisher, log *slog.Logger) *Ingester {
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{store: s, replies: replies, events: pub, log: log.With("component", "delivery")}
}

// Ingest handles one provider event. Unknown message ids are not an error:
// the callback may refer to an entry that aged out or was never recorded.
func (i *Ingester) Ingest(ctx context.Context, ev Event) (Result, error) {
	typ := strings.TrimSpace(ev.Type)
	switch {
	case typ == typeReceived:
		return i.ingestReply(ctx, ev.Data)
	case typ != "":
		st, ok := typedStatus[typ]
		if !ok {
			return Result{Kind: ResultIgnored, Note: "event type " + typ + " not tracked"}, nil
		}
		id := firstNonEmpty(ev.Data.EmailID, ev.Data.ID)
		return i.MergeStatus(ctx, id, st)
	default:
		st, ok := domain.ParseDeliveryStatus(strings.TrimSpace(ev.Status))
		if !ok {
			return Result{}, fmt.Errorf("%w: %q", ErrUnknownStatus, ev.Status)
		}
		return i.MergeStatus(ctx, ev.MessageID, st)
	}
}

// MergeStatus records status on the send entry carrying messageID. A bounce
// also disqualifies the lead the message went to.
func (i *Ingester) MergeStatus(ctx context.Context, messageID string, st domain.DeliveryStatus) (Result, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return Result{}, fmt.Errorf("%w: message id is required", ErrBadEvent)
	}
	matched, err := i.store.MergeDeliveryStatus(ctx, messageID, st)
	if err != nil {
		return Result{}, fmt.Errorf("merge delivery status: %w", err)
	}
	metrics.DeliveryEvents.WithLabelValues(string(st), metrics.BoolLabel(matched)).Inc()

	res := Result{Kind: ResultStatus, MessageID: messageID, Status: st, Matched: matched}
	if !matched {
		i.log.Warn("delivery status for unknown message", "message_id", messageID, "status", string(st))
		return res, nil
	}
	if st == domain.DeliveryBounced {
		leadID, err := i.disqualifyBounced(ctx, messageID)
		if err != nil {
			return res, err
		}
		res.LeadID = leadID
	}
	i.events.Publish(events.MakeEvent("", events.TypeDelivery, 1, res))
	return res, nil
}

func (i *Ingester) disqualifyBounced(ctx context.Context, messageID string) (string, error) {
	send, err := i.store.FindSendByMessageID(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && send.LeadID == "") {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find bounced send: %w", err)
	}
	lead, err := i.replies.Disqualify(ctx, send.LeadID, causeBounce)
	if errors.Is(err, store.ErrNotFound) {
		i.log.Warn("bounced message for missing lead", "message_id", messageID, "lead_id", send.LeadID)
		return send.LeadID, nil
	}
	if err != nil {
		return "", fmt.Errorf("disqualify lead %s after bounce: %w", send.LeadID, err)
	}
	i.log.Info("lead disqualified after bounce", "lead_id", lead.ID, "status", string(lead.Status), "message_id", messageID)
	return lead.ID, nil
}

func (i *Ingester) ingestReply(ctx context.Context, d EventData) (Result, error) {
	h := lowerKeys(d.Headers)
	leadID, err := i.resolveLead(ctx, h["x-lead-id"], firstNonEmpty(h["in-reply-to"], h["references"]), d.From)
	if err != nil {
		return Result{}, err
	}
	if leadID == "" {
		i.log.Warn("inbound email matched no lead", "from", d.From)
		return Result{Kind: ResultIgnored, Note: "no lead found for inbound email"}, nil
	}

	body := d.Text
	if strings.TrimSpace(body) == "" {
		body = d.HTML
	}
	return i.applyReply(ctx, leadID, outreach.Reply{From: d.From, Subject: d.Subject, Body: body, MessageID: d.ID})
}

func (i *Ingester) applyReply(ctx context.Context, leadID string, r outreach.Reply) (Result, error) {
	class, lead, err := i.replies.HandleReply(ctx, leadID, r)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Kind: ResultIgnored, LeadID: leadID, Note: "lead not found"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("handle reply for lead %s: %w", leadID, err)
	}
	return Result{Kind: ResultReply, Matched: true, LeadID: lead.ID, Class: class, MessageID: r.MessageID}, nil
}

// resolveLead tries an explicit lead header, then the thread's original send,
// then the sender address.
func (i *Ingester) resolveLead(ctx context.Context, explicit, inReplyTo, from string) (string, error) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	for _, ref := range strings.Fields(inReplyTo) {
		for _, cand := range messageIDCandidates(ref) {
			e, err := i.store.FindSendByMessageID(ctx, cand)
			if err == nil && e.LeadID != "" {
				return e.LeadID, nil
			}
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return "", fmt.Errorf("match thread: %w", err)
			}
		}
	}
	if addr := bareAddress(from); addr != "" {
		l, err := i.store.GetLeadByEmail(ctx, addr)
		if err == nil {
			return l.ID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("match sender: %w", err)
		}
	}
	return "", nil
}

// messageIDCandidates yields "<abc@host>" as "abc@host" and "abc". Providers
// embed their id in the local part of the SMTP Message-ID.
func messageIDCandidates(raw string) []string {
	id := strings.Trim(strings.TrimSpace(raw), "<>")
	if id == "" {
		return nil
	}
	out := []string{id}
	if at := strings.IndexByte(id, '@'); at > 0 {
		out = append(out, id[:at])
	}
	return out
}

func bareAddress(from string) string {
	if i := strings.LastIndexByte(from, '<'); i >= 0 {
		if j := strings.IndexByte(from[i:], '>'); j > 0 {
			from = from[i+1 : i+j]
		}
	}
	return domain.NormalizeEmail(from)
}

func lowerKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

func firstNonEmpty(xs ...string) string {
	for _, x := range xs {
		if s := strings.TrimSpace(x); s != "" {
			return s
		}
	}
	return ""
}
