package compose

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/email"
)

// reserved lists the fields the composer writes itself; custom headers with
// these names are dropped.
var reserved = map[string]bool{
	"x-mailer":                  true,
	"from":                      true,
	"to":                        true,
	"cc":                        true,
	"bcc":                       true,
	"reply-to":                  true,
	"subject":                   true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}

// Headers renders the header block for msg under plan, appending the sender
// and recipient addresses to env. Lines are folded and joined with CRLF; the
// block has no trailing line break.
func (c *Composer) Headers(msg *email.Message, plan Plan, env *Envelope) string {
	lines := []string{"X-Mailer: " + MailerName + " (" + Version + ")"}
	lines = append(lines, customHeaders(msg.Headers)...)

	if v := normalizeAddresses(msg.Sender, 1, &env.From, true); v != "" {
		lines = append(lines, "From: "+v)
	}
	for _, f := range []struct{ name, raw string }{
		{"To", msg.To},
		{"Cc", msg.Cc},
		{"Bcc", msg.Bcc},
	} {
		if v := normalizeAddresses(f.raw, 0, &env.To, true); v != "" {
			lines = append(lines, f.name+": "+v)
		}
	}
	if v := normalizeAddresses(msg.ReplyTo, 1, nil, true); v != "" {
		lines = append(lines, "Reply-To: "+v)
	}

	lines = append(lines,
		"Subject: "+codec.EncodeIfNeeded(email.Charset, msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: "+plan.ContentType,
	)
	if !plan.Multipart {
		lines = append(lines, "Content-Transfer-Encoding: "+plan.TransferEncoding)
	}

	for i, l := range lines {
		lines[i] = codec.FoldLine(l)
	}
	return strings.Join(lines, "\r\n")
}

// customHeaders renders caller supplied headers in key order. Names that
// collapse to the same canonical form are written once.
func customHeaders(h map[string]string) []string {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool, len(keys))
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		name := titleCase(strings.TrimSpace(k), false)
		lower := strings.ToLower(name)
		if name == "" || seen[lower] {
			continue
		}
		if reserved[lower] {
			slog.Warn("custom header dropped", "header", name)
			continue
		}
		if !validFieldName(name) {
			slog.Warn("custom header with invalid name dropped", "header", name)
			continue
		}
		seen[lower] = true
		lines = append(lines, name+": "+codec.EncodeIfNeeded(email.Charset, h[k]))
	}
	return lines
}

// validFieldName reports whether name is a legal header field name: printable
// US-ASCII without spaces or colons.
func validFieldName(name string) bool {
	for i := 0; i < len(name); i++ {
		if c := name[i]; c <= ' ' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}
