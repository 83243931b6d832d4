package graph

import (
	"encoding/base64"
	"strings"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/transport"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject       string            `json:"subject"`
	Body          messageBody       `json:"body"`
	ToRecipients  []recipient       `json:"toRecipients"`
	CcRecipients  []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients []recipient       `json:"bccRecipients,omitempty"`
	ReplyTo       []recipient       `json:"replyTo,omitempty"`
	Headers       []internetHeader  `json:"internetMessageHeaders,omitempty"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// internetHeader is a custom x-header. Graph only accepts names starting
// with "X-".
type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
	ContentID    string `json:"contentId,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a parsed message into a sendMail request.
// Envelope recipients missing from the To and Cc headers are sent as Bcc.
func buildSendMailRequest(msg *email.Message, env transport.Envelope) *sendMailRequest {
	body := messageBody{
		ContentType: "text",
		Content:     msg.Body,
	}
	if msg.HTML != "" {
		body.ContentType = "html"
		body.Content = msg.HTML
	}

	listed := make(map[string]bool)
	to := recipients(msg.To, listed)
	cc := recipients(msg.Cc, listed)

	var bcc []recipient
	for _, addr := range env.To {
		key := strings.ToLower(addr)
		if listed[key] {
			continue
		}
		listed[key] = true
		bcc = append(bcc, recipient{EmailAddress: emailAddress{Address: addr}})
	}

	var headers []internetHeader
	for name, value := range msg.Headers {
		if strings.HasPrefix(strings.ToLower(name), "x-") {
			headers = append(headers, internetHeader{Name: name, Value: value})
		}
	}

	attachments := make([]graphAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = codec.MediaType(att.Filename)
		}
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  contentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			ContentID:    att.ContentID,
			IsInline:     att.ContentID != "",
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:       msg.Subject,
			Body:          body,
			ToRecipients:  to,
			CcRecipients:  cc,
			BccRecipients: bcc,
			ReplyTo:       recipients(msg.ReplyTo, nil),
			Headers:       headers,
			Attachments:   attachments,
		},
		SaveToSentItems: true,
	}
}

// recipients parses a header address list, recording each address in seen.
func recipients(raw string, seen map[string]bool) []recipient {
	parsed := codec.ParseAddresses(raw)
	out := make([]recipient, 0, len(parsed))
	for _, a := range parsed {
		if seen != nil {
			seen[strings.ToLower(a.Address)] = true
		}
		out = append(out, recipient{EmailAddress: emailAddress{
			Name:    codec.DecodeHeader(a.Name),
			Address: a.Address,
		}})
	}
	return out
}
