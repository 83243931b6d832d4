package compose

import (
	"encoding/base64"
	"strings"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/email"
)

// base64LineLength is the wrap width for attachment content.
const base64LineLength = 78

// Body renders the body block for msg under plan. Lines are CRLF separated
// and every line starting with "." has that dot doubled.
func (c *Composer) Body(msg *email.Message, plan Plan) string {
	if !plan.Multipart {
		return codec.EscapeDots(codec.EncodeQuotedPrintable(msg.Body))
	}

	inner := plan.Boundary
	var rows []string
	if plan.Mixed {
		inner = c.boundary()
		rows = append(rows,
			"--"+plan.Boundary,
			"Content-Type: multipart/alternative; boundary="+inner,
			"",
		)
	}

	text := strings.TrimSpace(msg.Body)
	if text == "" && msg.HTML != "" {
		text = codec.StripHTML(msg.HTML)
	}
	rows = append(rows, textPart(inner, "text/plain", text)...)
	if msg.HTML != "" {
		rows = append(rows, textPart(inner, "text/html", strings.TrimSpace(msg.HTML))...)
	}
	if plan.Mixed {
		rows = append(rows, "--"+inner+"--")
	}

	for _, a := range msg.Attachments {
		rows = append(rows, c.attachmentPart(plan.Boundary, a)...)
	}
	rows = append(rows, "--"+plan.Boundary+"--")

	return codec.EscapeDots(strings.Join(rows, "\r\n"))
}

func textPart(boundary, mediaType, content string) []string {
	return []string{
		"--" + boundary,
		"Content-Type: " + mediaType + "; charset=" + email.Charset,
		"Content-Transfer-Encoding: quoted-printable",
		"",
		codec.EncodeQuotedPrintable(content),
	}
}

func (c *Composer) attachmentPart(boundary string, a email.Attachment) []string {
	name := strings.ReplaceAll(a.Filename, `"`, "")
	if codec.HasNonASCII(name) {
		name = codec.EncodeWord(email.Charset, name)
	}
	mediaType := a.ContentType
	if mediaType == "" {
		mediaType = codec.MediaType(a.Filename)
	}
	cid := a.ContentID
	if cid == "" {
		cid = c.ids.Generate() + "@" + c.hostname
	}

	rows := []string{
		"--" + boundary,
		codec.FoldLine("Content-Type: " + mediaType + `; name="` + name + `"`),
		codec.FoldLine(`Content-Disposition: attachment; filename="` + name + `"`),
		"Content-ID: <" + cid + ">",
		"Content-Transfer-Encoding: base64",
		"",
	}
	return append(rows, wrap(base64.StdEncoding.EncodeToString(a.Content), base64LineLength)...)
}

// wrap splits s into chunks of at most n bytes. An empty s yields one empty
// line.
func wrap(s string, n int) []string {
	if len(s) <= n {
		return []string{s}
	}
	out := make([]string, 0, len(s)/n+1)
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
