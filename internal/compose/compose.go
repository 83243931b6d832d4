// Package compose turns an email.Message into a framed RFC 5322 payload: it
// decides the MIME structure, renders the header and body blocks and collects
// the plain envelope addresses the relay conversation needs.
package compose

import (
	"strings"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/uid"
)

// MailerName identifies the composer in the X-Mailer header.
const MailerName = "smtp-sender-lite"

// Version is reported in the X-Mailer header. Overridden at build time with
// -ldflags "-X github.com/shineum/smtp-sender-lite/internal/compose.Version=...".
var Version = "0.1.0"

// Composer renders messages. It is safe for concurrent use as long as its
// Generator is.
type Composer struct {
	hostname string
	ids      uid.Generator
}

// New returns a Composer. hostname is the local host name used for generated
// content ids; ids mints boundary and content-id tokens.
func New(hostname string, ids uid.Generator) *Composer {
	if hostname == "" {
		hostname = "localhost"
	}
	if ids == nil {
		ids = uid.NewSequence(nil)
	}
	return &Composer{hostname: hostname, ids: ids}
}

// Payload is a fully rendered message plus the envelope collected while
// rendering its headers. Headers and Body are both dot-stuffed, so String()
// can be streamed into a DATA section unchanged.
type Payload struct {
	Plan     Plan
	Headers  string
	Body     string
	Envelope Envelope
}

// Compose prepares the formatting plan for msg and renders it. The message
// itself is not modified.
func (c *Composer) Compose(msg *email.Message) *Payload {
	p := &Payload{Plan: c.Prepare(msg)}
	p.Headers = codec.EscapeDots(c.Headers(msg, p.Plan, &p.Envelope))
	p.Body = c.Body(msg, p.Plan)
	return p
}

// String returns the wire form: header block, blank line, body block.
func (p *Payload) String() string {
	var b strings.Builder
	b.Grow(p.Size())
	b.WriteString(p.Headers)
	b.WriteString("\r\n\r\n")
	b.WriteString(p.Body)
	return b.String()
}

// Size is the length in bytes of String().
func (p *Payload) Size() int {
	return len(p.Headers) + 4 + len(p.Body)
}
