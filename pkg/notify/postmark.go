// Package notify delivers dunning notices.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/platinummonkey/recur/pkg/billing"
)

// DefaultPostmarkURL is the Postmark API base URL
const DefaultPostmarkURL = "https://api.postmarkapp.com"

// AccountLookup resolves the recipient of a notice
type AccountLookup interface {
	GetAccount(ctx context.Context, id int64) (*billing.Account, error)
}

// Postmark sends notices as email through the Postmark API
type Postmark struct {
	serverToken string
	fromEmail   string
	apiURL      string
	accounts    AccountLookup
	httpClient  *http.Client
	retry       *RetryPolicy
}

// Option configures a Postmark notifier
type Option func(*Postmark)

// WithHTTPClient sets the HTTP client used for API calls
func WithHTTPClient(c *http.Client) Option {
	return func(p *Postmark) {
		p.httpClient = c
	}
}

// WithAPIURL overrides the Postmark API base URL
func WithAPIURL(url string) Option {
	return func(p *Postmark) {
		p.apiURL = url
	}
}

// WithRetry retries transient send failures with exponential backoff
func WithRetry(cfg RetryConfig) Option {
	return func(p *Postmark) {
		p.retry = NewRetryPolicy(cfg)
	}
}

// NewPostmark creates a Postmark notifier
func NewPostmark(serverToken, fromEmail string, accounts AccountLookup, opts ...Option) *Postmark {
	p := &Postmark{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		apiURL:      DefaultPostmarkURL,
		accounts:    accounts,
		httpClient:  http.DefaultClient,
		retry:       NewRetryPolicy(RetryConfig{MaxAttempts: 1}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configured returns true if the server token is set.
func (p *Postmark) Configured() bool {
	return p.serverToken != ""
}

type postmarkEmail struct {
	From          string            `json:"From"`
	To            string            `json:"To"`
	Subject       string            `json:"Subject"`
	TextBody      string            `json:"TextBody"`
	Tag           string            `json:"Tag,omitempty"`
	MessageStream string            `json:"MessageStream,omitempty"`
	Metadata      map[string]string `json:"Metadata,omitempty"`
}

// Notify implements billing.Notifier
func (p *Postmark) Notify(ctx context.Context, accountID int64, templateKey string, data map[string]any) error {
	if !p.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	to, _ := data["email"].(string)
	if to == "" {
		acct, err := p.accounts.GetAccount(ctx, accountID)
		if err != nil {
			return fmt.Errorf("failed to look up account %d: %w", accountID, err)
		}
		to = acct.Email
	}
	if to == "" {
		return fmt.Errorf("account %d has no email address", accountID)
	}

	msg, err := render(templateKey, data)
	if err != nil {
		return err
	}

	body, err := json.Marshal(postmarkEmail{
		From:          p.fromEmail,
		To:            to,
		Subject:       msg.Subject,
		TextBody:      msg.TextBody,
		Tag:           templateKey,
		MessageStream: "outbound",
		Metadata:      map[string]string{"account_id": fmt.Sprintf("%d", accountID)},
	})
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	return p.retry.Do(ctx, func(ctx context.Context) error {
		return p.send(ctx, body)
	})
}

func (p *Postmark) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiURL+"/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var apiErr struct {
			ErrorCode int    `json:"ErrorCode"`
			Message   string `json:"Message"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil {
			statusErr.Code = apiErr.ErrorCode
			statusErr.Message = apiErr.Message
		}
		return statusErr
	}

	return nil
}
