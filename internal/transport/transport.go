package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTransport marks failures talking to the provider. Callers may retry.
var ErrTransport = errors.New("transport error")

type Message struct {
	To      string
	Subject string
	Body    string
	HTML    bool
	LeadID  string
	// SendAt asks the provider to hold the message until the given instant.
	SendAt *time.Time
}

type Receipt struct {
	MessageID string `json:"messageId"`
	ThreadID  string `json:"threadId,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, m Message) (Receipt, error)
}

// HTTPSender posts messages as JSON to the provider's send endpoint.
type HTTPSender struct {
	Endpoint string
	From     string
	// APIKey is resolved per call so a rotated key is picked up without restart.
	APIKey func() (string, error)
	Client *http.Client
}

type sendRequest struct {
	From        string    `json:"from"`
	To          []string  `json:"to"`
	Subject     string    `json:"subject"`
	HTML        string    `json:"html,omitempty"`
	Text        string    `json:"text,omitempty"`
	ScheduledAt string    `json:"scheduled_at,omitempty"`
	Tags        []sendTag `json:"tags,omitempty"`
}

type sendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type sendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

func (s *HTTPSender) Send(ctx context.Context, m Message) (Receipt, error) {
	if strings.TrimSpace(s.Endpoint) == "" {
		return Receipt{}, fmt.Errorf("%w: endpoint not configured", ErrTransport)
	}

	req := sendRequest{
		From:    s.From,
		To:      []string{m.To},
		Subject: m.Subject,
	}
	if m.HTML {
		req.HTML = m.Body
	} else {
		req.Text = m.Body
	}
	if m.SendAt != nil {
		req.ScheduledAt = m.SendAt.UTC().Format(time.RFC3339)
	}
	if m.LeadID != "" {
		req.Tags = []sendTag{{Name: "lead_id", Value: m.LeadID}}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Receipt{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.APIKey != nil {
		key, err := s.APIKey()
		if err != nil {
			return Receipt{}, fmt.Errorf("resolve api key: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	res, err := client.Do(httpReq)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return Receipt{}, fmt.Errorf("%w: provider status %d: %s", ErrTransport, res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Receipt{}, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if out.ID == "" {
		return Receipt{}, fmt.Errorf("%w: provider returned no message id", ErrTransport)
	}
	thread := out.ThreadID
	if thread == "" {
		thread = out.ID
	}
	return Receipt{MessageID: out.ID, ThreadID: thread}, nil
}
