package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"outreach-engine/internal/outreach"
)

type MailboxConfig struct {
	Addr     string
	Username string
	Mailbox  string
	// Password is resolved per poll so keychain rotation needs no restart.
	Password    func() (string, error)
	MaxMessages int
	// Lookback bounds the UNSEEN search window.
	Lookback time.Duration
	TLS      *tls.Config
}

type PollSummary struct {
	Fetched int `json:"fetched"`
	Bounces int `json:"bounces"`
	Replies int `json:"replies"`
	Ignored int `json:"ignored"`
	Failed  int `json:"failed"`
}

// MailboxPoller reads bounce reports and replies from the sending mailbox.
type MailboxPoller struct {
	cfg MailboxConfig
	ing *Ingester
	log *slog.Logger
}

func NewMailboxPoller(cfg MailboxConfig, ing *Ingester, log *slog.Logger) *MailboxPoller {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 200
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 14 * 24 * time.Hour
	}
	if cfg.Addr != "" && !strings.Contains(cfg.Addr, ":") {
		cfg.Addr += ":993"
	}
	if log == nil {
		log = slog.Default()
	}
	return &MailboxPoller{cfg: cfg, ing: ing, log: log.With("component", "mailbox")}
}

// PollOnce fetches unseen messages, routes each one, and marks the handled
// ones \Seen. A message that fails stays unseen for the next poll.
func (p *MailboxPoller) PollOnce(ctx context.Context) (PollSummary, error) {
	var sum PollSummary
	if p.cfg.Addr == "" || p.cfg.Username == "" {
		return sum, errors.New("mailbox addr and username are required")
	}
	if p.cfg.Password == nil {
		return sum, errors.New("mailbox password source is not configured")
	}
	pw, err := p.cfg.Password()
	if err != nil {
		return sum, fmt.Errorf("mailbox password: %w", err)
	}

	c, release, err := dialAndLogin(ctx, p.cfg.Addr, p.cfg.Username, pw, p.cfg.TLS)
	if err != nil {
		return sum, err
	}
	defer logoutAndClose(c, release, p.log)

	if _, err := c.Select(p.cfg.Mailbox, &imap.SelectOptions{ReadOnly: false}).Wait(); err != nil {
		return sum, fmt.Errorf("imap select %s: %w", p.cfg.Mailbox, err)
	}

	msgs, err := fetchUnseen(ctx, c, p.cfg.MaxMessages, time.Now().Add(-p.cfg.Lookback))
	if err != nil {
		return sum, err
	}
	sum.Fetched = len(msgs)

	var done []imap.UID
	for _, m := range msgs {
		res, err := p.Process(ctx, m.raw)
		if err != nil {
			sum.Failed++
			p.log.Warn("mailbox message not processed", "uid", uint32(m.uid), "err", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		switch res.Kind {
		case ResultStatus:
			sum.Bounces++
		case ResultReply:
			sum.Replies++
		default:
			sum.Ignored++
		}
		done = append(done, m.uid)
	}

	if err := markSeen(c, done); err != nil {
		return sum, err
	}
	p.log.Info("mailbox polled", "fetched", sum.Fetched, "bounces", sum.Bounces, "replies", sum.Replies,
		"ignored", sum.Ignored, "failed", sum.Failed)
	return sum, nil
}

// Process routes one raw message. Unparseable DSNs are reported as errors so
// they stay unseen; everything else resolves to a Result.
func (p *MailboxPoller) Process(ctx context.Context, raw []byte) (Result, error) {
	parsed, err := ParseMessage(raw)
	if err != nil {
		return Result{}, err
	}
	if b := parsed.Bounce; b != nil {
		if b.MessageID == "" {
			return Result{Kind: ResultIgnored, Status: b.Status, Note: "bounce without original message id"}, nil
		}
		var last Result
		for _, cand := range messageIDCandidates(b.MessageID) {
			last, err = p.ing.MergeStatus(ctx, cand, b.Status)
			if err != nil || last.Matched {
				return last, err
			}
		}
		return last, nil
	}

	in := parsed.Reply
	leadID, err := p.ing.resolveLead(ctx, in.LeadID, strings.Join(in.InReplyTo, " "), in.From)
	if err != nil {
		return Result{}, err
	}
	if leadID == "" {
		return Result{Kind: ResultIgnored, Note: "no lead found for " + in.From}, nil
	}
	return p.ing.applyReply(ctx, leadID, outreach.Reply{
		From:      in.From,
		Subject:   in.Subject,
		Body:      in.Body,
		MessageID: in.MessageID,
	})
}

type fetched struct {
	uid imap.UID
	raw []byte
}

// closeOnCancel closes c once ctx is done. The returned release detaches the
// hook and must be called when the connection is finished with.
func closeOnCancel(ctx context.Context, c io.Closer) (release func() bool) {
	return context.AfterFunc(ctx, func() { _ = c.Close() })
}

func dialAndLogin(ctx context.Context, addr, username, password string, tlsCfg *tls.Config) (*imapclient.Client, func() bool, error) {
	if tlsCfg == nil {
		host := addr
		if i := strings.LastIndexByte(addr, ':'); i > 0 {
			host = addr[:i]
		}
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	}
	c, err := imapclient.DialTLS(addr, &imapclient.Options{TLSConfig: tlsCfg})
	if err != nil {
		return nil, nil, fmt.Errorf("imap dial tls: %w", err)
	}
	// unblocks pending commands when the poll is cancelled
	release := closeOnCancel(ctx, c)
	if err := c.Login(username, password).Wait(); err != nil {
		release()
		_ = c.Close()
		return nil, nil, fmt.Errorf("imap login: %w", err)
	}
	return c, release, nil
}

// fetchUnseen pulls up to max unseen messages, newest first, with BODY.PEEK[]
// so fetching alone does not set \Seen.
func fetchUnseen(ctx context.Context, c *imapclient.Client, max int, since time.Time) ([]fetched, error) {
	data, err := c.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
		Since:   since,
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap uid search unseen: %w", err)
	}

	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	for i, j := 0, len(uids)-1; i < j; i, j = i+1, j-1 {
		uids[i], uids[j] = uids[j], uids[i]
	}
	if len(uids) > max {
		uids = uids[:max]
	}

	section := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierNone, Peek: true}
	cmd := c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	})
	defer func() { _ = cmd.Close() }()

	out := make([]fetched, 0, len(uids))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, fmt.Errorf("imap fetch collect: %w", err)
		}
		if b := buf.FindBodySection(section); len(b) > 0 {
			out = append(out, fetched{uid: buf.UID, raw: append([]byte(nil), b...)})
		}
	}
	if err := cmd.Close(); err != nil {
		return nil, fmt.Errorf("imap fetch close: %w", err)
	}
	return out, nil
}

func markSeen(c *imapclient.Client, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	cmd := c.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap store add seen: %w", err)
	}
	return nil
}

func logoutAndClose(c *imapclient.Client, release func() bool, log *slog.Logger) {
	release()
	if err := c.Logout().Wait(); err != nil {
		log.Debug("imap logout", "err", err)
	}
	_ = c.Close()
}
