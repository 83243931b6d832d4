// Package graph delivers buffered messages through the Microsoft Graph
// sendMail API using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-sender-lite/internal/parser"
	"github.com/shineum/smtp-sender-lite/internal/transport"
)

// Config holds the configuration for creating a Delivery.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the message is sent as.
	Sender string
}

const (
	graphScope  = "https://graph.microsoft.com/.default"
	httpTimeout = 30 * time.Second
)

// Delivery sends messages via the Graph API. Tokens are fetched and cached
// by the oauth2 client credentials source.
type Delivery struct {
	sendURL    string
	httpClient *http.Client
}

// New creates a Delivery for the given tenant and sender mailbox.
func New(cfg Config) *Delivery {
	return newWithOverrides(
		cfg,
		"https://graph.microsoft.com/v1.0/users/"+url.PathEscape(cfg.Sender)+"/sendMail",
		"https://login.microsoftonline.com/"+url.PathEscape(cfg.TenantID)+"/oauth2/v2.0/token",
		&http.Client{Timeout: httpTimeout},
	)
}

// newWithOverrides creates a Delivery with custom URLs and base HTTP client,
// used for testing.
func newWithOverrides(cfg Config, sendURL, tokenURL string, base *http.Client) *Delivery {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return &Delivery{sendURL: sendURL, httpClient: client}
}

// Deliver parses raw and posts it as a sendMail request.
func (d *Delivery) Deliver(ctx context.Context, env transport.Envelope, raw []byte) error {
	msg, err := parser.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	bodyJSON, err := json.Marshal(buildSendMailRequest(msg, env))
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Graph API request failed: %w", err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		slog.Info("message accepted by Graph",
			"recipients", len(env.To),
			"attachments", len(msg.Attachments),
		)
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		return &SendError{StatusCode: resp.StatusCode, Code: graphErrResp.Error.Code, Message: graphErrResp.Error.Message}
	}
	return &SendError{StatusCode: resp.StatusCode, Message: string(body)}
}

// Name returns the delivery name.
func (d *Delivery) Name() string {
	return "msgraph"
}

// SendError is a non-success response from the sendMail endpoint.
type SendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("Graph API error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Temporary reports throttling and server-side failures.
func (e *SendError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
