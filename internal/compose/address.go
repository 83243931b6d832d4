package compose

import (
	"strings"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/email"
)

// Envelope holds the plain addresses gathered while rendering the From and
// To/Cc/Bcc headers. It is append-only.
type Envelope struct {
	From []string
	To   []string
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// normalizeAddresses parses a raw address list and formats it for a header.
// Plain addresses are appended to target when it is non-nil; calling it twice
// with the same target appends twice. A positive limit truncates both the
// formatted output and this call's target entries. Display names are
// title-cased; keepCase leaves the rest of each name as written.
func normalizeAddresses(raw string, limit int, target *[]string, keepCase bool) string {
	parsed := codec.ParseAddresses(raw)

	out := make([]string, 0, len(parsed))
	plain := make([]string, 0, len(parsed))
	for _, p := range parsed {
		addr := strings.TrimSpace(p.Address)
		if addr == "" {
			continue
		}
		plain = append(plain, addr)

		display := codec.EncodeIfNeeded(email.Charset, addr)
		name := strings.TrimSpace(p.Name)
		if name == "" {
			out = append(out, display)
			continue
		}
		name = codec.EncodeIfNeeded(email.Charset, titleCase(name, keepCase))
		out = append(out, `"`+quoteEscaper.Replace(name)+`" <`+display+`>`)
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
		plain = plain[:limit]
	}
	if target != nil {
		*target = append(*target, plain...)
	}
	return strings.Join(out, ", ")
}

// titleCase upper-cases the first ASCII letter of s and every letter that
// follows a hyphen or whitespace: "x-custom-id" -> "X-Custom-Id". Unless
// keepCase is set the rest of s is lower-cased first.
func titleCase(s string, keepCase bool) string {
	if !keepCase {
		s = strings.ToLower(s)
	}
	b := []byte(s)
	boundary := true
	for i, ch := range b {
		if boundary && ch >= 'a' && ch <= 'z' {
			b[i] = ch - 'a' + 'A'
		}
		boundary = ch == '-' || ch == ' ' || ch == '\t'
	}
	return string(b)
}
