package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultPostmarkURL is Postmark's single-message endpoint.
const DefaultPostmarkURL = "https://api.postmarkapp.com/email"

// Postmark sends mail through the Postmark HTTP API.
type Postmark struct {
	token  string
	url    string
	client *http.Client
}

// PostmarkOption configures a Postmark sender.
type PostmarkOption func(*Postmark)

// WithPostmarkURL overrides the API endpoint, for tests.
func WithPostmarkURL(url string) PostmarkOption {
	return func(p *Postmark) { p.url = url }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) PostmarkOption {
	return func(p *Postmark) { p.client = c }
}

// NewPostmark returns a sender authenticating with a server token.
func NewPostmark(token string, opts ...PostmarkOption) *Postmark {
	p := &Postmark{
		token:  token,
		url:    DefaultPostmarkURL,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HTMLBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

type postmarkResponse struct {
	To        string `json:"To"`
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (p *Postmark) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(postmarkRequest{
		From:     msg.From,
		To:       msg.To,
		Subject:  msg.Subject,
		HTMLBody: msg.HTML,
		TextBody: msg.Text,
	})
	if err != nil {
		return fmt.Errorf("encoding postmark request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("postmark request failed: %w", err)
	}
	defer resp.Body.Close()

	var out postmarkResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return fmt.Errorf("postmark returned status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || out.ErrorCode != 0 {
		return fmt.Errorf("%w: status %d, code %d: %s", ErrRejected, resp.StatusCode, out.ErrorCode, out.Message)
	}
	return nil
}
