package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/transport"
)

const rawMessage = "From: sender@example.com\r\n" +
	"To: \"Alice\" <alice@example.com>, bob@example.com\r\n" +
	"Cc: carol@example.com\r\n" +
	"Subject: Test\r\n" +
	"X-Trace: abc\r\n" +
	"Content-Type: text/plain; charset=UTF-8\r\n" +
	"\r\n" +
	"Body\r\n"

func newTokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("token request form: %v", err)
		}
		if got := r.Form.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type: got %q, want %q", got, "client_credentials")
		}
		if got := r.Form.Get("scope"); got != graphScope {
			t.Errorf("scope: got %q, want %q", got, graphScope)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildSendMailRequest_Recipients(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		To:      `"Alice" <alice@example.com>, bob@example.com`,
		Cc:      "carol@example.com",
		ReplyTo: "replies@example.com",
		Subject: "Test Subject",
		Body:    "Hello, World!",
	}
	env := transport.Envelope{
		From: "sender@example.com",
		To:   []string{"alice@example.com", "Bob@example.com", "carol@example.com", "hidden@example.com"},
	}

	req := buildSendMailRequest(msg, env)

	if req.Message.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Test Subject")
	}
	if req.Message.Body.ContentType != "text" || req.Message.Body.Content != "Hello, World!" {
		t.Errorf("Body: got %+v", req.Message.Body)
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if got := req.Message.ToRecipients[0].EmailAddress; got.Name != "Alice" || got.Address != "alice@example.com" {
		t.Errorf("ToRecipients[0]: got %+v", got)
	}
	if len(req.Message.CcRecipients) != 1 || req.Message.CcRecipients[0].EmailAddress.Address != "carol@example.com" {
		t.Errorf("CcRecipients: got %+v", req.Message.CcRecipients)
	}
	if len(req.Message.BccRecipients) != 1 || req.Message.BccRecipients[0].EmailAddress.Address != "hidden@example.com" {
		t.Errorf("BccRecipients: got %+v", req.Message.BccRecipients)
	}
	if len(req.Message.ReplyTo) != 1 || req.Message.ReplyTo[0].EmailAddress.Address != "replies@example.com" {
		t.Errorf("ReplyTo: got %+v", req.Message.ReplyTo)
	}
}

func TestBuildSendMailRequest_HTMLAndAttachments(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		To:   "user@example.com",
		Body: "Plain text",
		HTML: "<p>HTML content</p>",
		Attachments: []email.Attachment{
			{Filename: "report.pdf", Content: []byte("Hello World")},
			{Filename: "logo.png", Content: []byte{1}, ContentID: "logo", ContentType: "image/png"},
		},
	}

	req := buildSendMailRequest(msg, transport.Envelope{To: []string{"user@example.com"}})

	if req.Message.Body.ContentType != "html" || req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body: got %+v", req.Message.Body)
	}
	if len(req.Message.Attachments) != 2 {
		t.Fatalf("Attachments: got %d, want 2", len(req.Message.Attachments))
	}
	pdf := req.Message.Attachments[0]
	if pdf.ContentType != "application/pdf" || pdf.ContentBytes != "SGVsbG8gV29ybGQ=" || pdf.IsInline {
		t.Errorf("Attachments[0]: got %+v", pdf)
	}
	logo := req.Message.Attachments[1]
	if logo.ContentID != "logo" || !logo.IsInline || logo.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("Attachments[1]: got %+v", logo)
	}
	if len(req.Message.BccRecipients) != 0 {
		t.Errorf("BccRecipients: got %d, want 0", len(req.Message.BccRecipients))
	}
}

func TestDelivery_Name(t *testing.T) {
	t.Parallel()

	if got := (&Delivery{}).Name(); got != "msgraph" {
		t.Errorf("Name: got %q, want %q", got, "msgraph")
	}
}

func TestDelivery_DeliverSuccess(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	var sends atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization header: got %q, want %q", got, "Bearer test-token")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type header: got %q, want %q", got, "application/json")
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}
		if body.Message.Body.Content != "Body\r\n" {
			t.Errorf("Body content: got %q", body.Message.Body.Content)
		}
		if len(body.Message.Headers) != 1 || body.Message.Headers[0].Name != "X-Trace" {
			t.Errorf("internetMessageHeaders: got %+v", body.Message.Headers)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	d := newWithOverrides(
		Config{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "sender@example.com"},
		graphServer.URL, tokenServer.URL, graphServer.Client(),
	)

	env := transport.Envelope{From: "sender@example.com", To: []string{"alice@example.com", "bob@example.com", "carol@example.com"}}
	for i := 0; i < 2; i++ {
		if err := d.Deliver(context.Background(), env, []byte(rawMessage)); err != nil {
			t.Fatalf("Deliver #%d: unexpected error: %v", i, err)
		}
	}

	if got := sends.Load(); got != 2 {
		t.Errorf("send calls: got %d, want 2", got)
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token calls: got %d, want 1 (token should be cached)", got)
	}
}

func TestDelivery_ErrorResponseNotRetried(t *testing.T) {
	t.Parallel()

	tokenServer := newTokenServer(t, nil)

	var sends atomic.Int32
	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(graphErrorResponse{
			Error: graphError{Code: "ServiceUnavailable", Message: "try later"},
		})
	}))
	defer graphServer.Close()

	d := newWithOverrides(Config{ClientID: "c", ClientSecret: "s"}, graphServer.URL, tokenServer.URL, graphServer.Client())

	err := d.Deliver(context.Background(), transport.Envelope{To: []string{"bob@example.com"}}, []byte(rawMessage))

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error: got %v, want *SendError", err)
	}
	if sendErr.StatusCode != http.StatusServiceUnavailable || sendErr.Code != "ServiceUnavailable" {
		t.Errorf("SendError: got %+v", sendErr)
	}
	if !sendErr.Temporary() {
		t.Error("Temporary: got false, want true")
	}
	if got := sends.Load(); got != 1 {
		t.Errorf("send calls: got %d, want 1", got)
	}
}

func TestDelivery_UnparseableMessage(t *testing.T) {
	t.Parallel()

	d := newWithOverrides(Config{}, "http://127.0.0.1:0", "http://127.0.0.1:0", http.DefaultClient)
	err := d.Deliver(context.Background(), transport.Envelope{}, []byte("not a valid email at all\x00"))
	if err == nil || !strings.Contains(err.Error(), "parse") {
		t.Fatalf("error: got %v, want parse failure", err)
	}
}

func TestSendError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *SendError
		want string
	}{
		{&SendError{StatusCode: 400, Code: "ErrorInvalidRecipients", Message: "bad"}, "Graph API error (HTTP 400, ErrorInvalidRecipients): bad"},
		{&SendError{StatusCode: 502, Message: "gateway"}, "Graph API error (HTTP 502): gateway"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error(): got %q, want %q", got, tt.want)
		}
	}
	if (&SendError{StatusCode: 403}).Temporary() {
		t.Error("403 should not be temporary")
	}
}
