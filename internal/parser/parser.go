// Package parser reads an RFC 5322 message, such as a composed payload, back
// into an email.Message with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/email"
)

// standard lists the headers mapped onto Message fields or produced by the
// composer itself. Everything else lands in Message.Headers.
var standard = map[string]bool{
	"From":                      true,
	"To":                        true,
	"Cc":                        true,
	"Bcc":                       true,
	"Reply-To":                  true,
	"Subject":                   true,
	"Mime-Version":              true,
	"Content-Type":              true,
	"Content-Transfer-Encoding": true,
}

// Parse parses a raw message. Address headers are kept as raw lists, the
// subject and custom header values are decoded from encoded-words, and text
// parts are decoded from their transfer encoding. Unrecognized MIME parts are
// logged as warnings.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := email.NewMessage()
	for key, values := range msg.Header {
		if standard[key] || len(values) == 0 {
			continue
		}
		result.Headers[key] = codec.DecodeHeader(values[0])
	}

	result.Sender = msg.Header.Get("From")
	result.To = msg.Header.Get("To")
	result.Cc = msg.Header.Get("Cc")
	result.Bcc = msg.Header.Get("Bcc")
	result.ReplyTo = msg.Header.Get("Reply-To")
	result.Subject = codec.DecodeHeader(msg.Header.Get("Subject"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.Body = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeContent(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/plain":
		result.Body = string(body)
	case "text/html":
		result.HTML = string(body)
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.Body = string(body)
	}
	return result, nil
}

// parseMultipart walks a multipart body, recursing into nested multiparts.
// The first text/plain and text/html parts become the bodies; parts with an
// attachment disposition or a filename become attachments.
func parseMultipart(body io.Reader, boundary string, result *email.Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		// multipart.Reader already strips quoted-printable; only base64 is left.
		content, err := decodeContent(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition := part.Header.Get("Content-Disposition")
		if strings.HasPrefix(disposition, "attachment") {
			result.AddAttachment(attachment(part.Header, params, mediaType, content))
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.Body == "" {
				result.Body = string(content)
			}
		case "text/html":
			if result.HTML == "" {
				result.HTML = string(content)
			}
		default:
			if filename(part.Header, params) != "" {
				result.AddAttachment(attachment(part.Header, params, mediaType, content))
				continue
			}
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
				"disposition", disposition,
			)
		}
	}

	return nil
}

func attachment(h textproto.MIMEHeader, params map[string]string, mediaType string, content []byte) email.Attachment {
	name := filename(h, params)
	if name == "" {
		name = "attachment"
		if _, sub, ok := strings.Cut(mediaType, "/"); ok {
			name += "." + sub
		}
	}
	return email.Attachment{
		Filename:    name,
		Content:     content,
		ContentID:   strings.Trim(strings.TrimSpace(h.Get("Content-Id")), "<>"),
		ContentType: mediaType,
	}
}

// filename reads the Content-Disposition filename, falling back to the
// Content-Type name parameter, and decodes encoded-words.
func filename(h textproto.MIMEHeader, params map[string]string) string {
	if _, dp, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil && dp["filename"] != "" {
		return codec.DecodeHeader(dp["filename"])
	}
	return codec.DecodeHeader(params["name"])
}

// decodeContent reads r and reverses a base64 or quoted-printable transfer
// encoding. Other encodings are returned as read.
func decodeContent(r io.Reader, encoding string) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := codec.DecodeQuotedPrintable(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode quoted-printable content: %w", err)
		}
		return []byte(decoded), nil
	default:
		return raw, nil
	}
}
