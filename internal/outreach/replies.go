package outreach

import (
	"context"
	"fmt"
	"regexp"

	"outreach-engine/internal/domain"
)

type ReplyClass string

const (
	ReplyStop            ReplyClass = "STOP"
	ReplyInterested      ReplyClass = "INTERESTED"
	ReplyOutOfOffice     ReplyClass = "OOO"
	ReplyHumanEscalation ReplyClass = "HUMAN_ESCALATION"
	ReplyNotInterested   ReplyClass = "NOT_INTERESTED"
)

// Checked in order; the first matching class wins.
var replyRules = []struct {
	class ReplyClass
	re    *regexp.Regexp
}{
	{ReplyStop, regexp.MustCompile(`(?i)\b(stop|unsubscribe|not interested)\b`)},
	{ReplyInterested, regexp.MustCompile(`(?i)\b(interested|tell me more|demo)\b`)},
	{ReplyOutOfOffice, regexp.MustCompile(`(?i)\b(out of (the )?office|ooo|away)\b`)},
	{ReplyHumanEscalation, regexp.MustCompile(`(?i)\b(speak to|human|call me)\b`)},
}

// ClassifyReply buckets an inbound reply. Anything unrecognised counts as
// not interested.
func ClassifyReply(text string) ReplyClass {
	for _, r := range replyRules {
		if r.re.MatchString(text) {
			return r.class
		}
	}
	return ReplyNotInterested
}

// Reply is one inbound human message matched to a lead.
type Reply struct {
	From      string
	Subject   string
	Body      string
	MessageID string
}

// HandleReply records an inbound reply and applies its lifecycle effect.
// Stop requests and refusals opt the lead out permanently, even when the
// lead is already finished.
func (e *Engine) HandleReply(ctx context.Context, leadID string, r Reply) (ReplyClass, domain.Lead, error) {
	class := ClassifyReply(r.Subject + "\n" + r.Body)
	inbound := domain.Inbound{From: r.From, Subject: r.Subject, Classification: string(class), MessageID: r.MessageID}

	lead, err := e.update(ctx, leadID, func(cur domain.Lead) (domain.Lead, domain.AuditLogEntry, error) {
		next := cur
		entry := domain.AuditLogEntry{Action: domain.ActionEmailReceived, Metadata: inbound}

		switch class {
		case ReplyStop, ReplyNotInterested:
			next.OptOut = true
			if CanTransition(cur.Status, domain.StatusDoNotContact) {
				next.Status = domain.StatusDoNotContact
			}
			next.ScheduledSendAt = nil
			entry.Reasoning = fmt.Sprintf("Reply classified %s; lead opted out", class)
		case ReplyInterested:
			next.Status = replyTarget(cur.Status, domain.StatusInterested)
			entry.Reasoning = fmt.Sprintf("Reply classified %s", class)
		default:
			next.Status = replyTarget(cur.Status, domain.StatusReplied)
			entry.Reasoning = fmt.Sprintf("Reply classified %s; awaiting human follow-up", class)
		}
		if next.Status != domain.StatusScheduled {
			next.ScheduledSendAt = nil
		}
		return next, entry, nil
	})
	if err != nil {
		return class, lead, err
	}
	e.log.Info("reply handled", "lead_id", leadID, "class", string(class), "status", string(lead.Status))
	return class, lead, nil
}

// replyTarget walks from cur toward want through REPLIED, stopping where the
// lifecycle does not allow the next hop.
func replyTarget(cur, want domain.LeadStatus) domain.LeadStatus {
	s := cur
	if s != domain.StatusReplied && CanTransition(s, domain.StatusReplied) {
		s = domain.StatusReplied
	}
	if want != domain.StatusReplied && s == domain.StatusReplied && CanTransition(s, want) {
		s = want
	}
	return s
}
