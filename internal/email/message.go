// Package email defines the outgoing message model used throughout the sender.
package email

// Charset is the only output character set the composer produces.
const Charset = "UTF-8"

// Message is a single outgoing email as supplied by the caller.
//
// Address fields hold raw comma-separated address lists
// (`"Name" <a@example.com>, b@example.com`); they are parsed and normalized
// when the message is composed, not when it is built.
type Message struct {
	Sender      string
	Headers     map[string]string
	To          string
	Cc          string
	Bcc         string
	ReplyTo     string
	Subject     string
	Body        string
	HTML        string
	Attachments []Attachment

	// Debug makes the transport log the full relay conversation.
	Debug bool
}

// Attachment is a file attached to a message. A non-empty ContentID lets the
// HTML body reference the part inline (cid:...). ContentType, when set, takes
// precedence over the media type derived from the filename extension.
type Attachment struct {
	Filename    string
	Content     []byte
	ContentID   string
	ContentType string
}

// NewMessage returns an empty message ready for the chained setters.
func NewMessage() *Message {
	return &Message{Headers: make(map[string]string)}
}

// From sets the sender address list. Only the first address is used.
func (m *Message) From(sender string) *Message {
	m.Sender = sender
	return m
}

// SetTo sets the To address list.
func (m *Message) SetTo(to string) *Message {
	m.To = to
	return m
}

// SetCc sets the Cc address list.
func (m *Message) SetCc(cc string) *Message {
	m.Cc = cc
	return m
}

// SetBcc sets the Bcc address list.
func (m *Message) SetBcc(bcc string) *Message {
	m.Bcc = bcc
	return m
}

// SetReplyTo sets the Reply-To address. Only the first address is used.
func (m *Message) SetReplyTo(replyTo string) *Message {
	m.ReplyTo = replyTo
	return m
}

// SetSubject sets the subject line.
func (m *Message) SetSubject(subject string) *Message {
	m.Subject = subject
	return m
}

// SetBody sets the plain text body.
func (m *Message) SetBody(body string) *Message {
	m.Body = body
	return m
}

// SetHTML sets the HTML body.
func (m *Message) SetHTML(html string) *Message {
	m.HTML = html
	return m
}

// SetHeader adds a custom header. Key casing is normalized at compose time.
func (m *Message) SetHeader(key, value string) *Message {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
	return m
}

// AddAttachment appends an attachment, keeping input order.
func (m *Message) AddAttachment(a Attachment) *Message {
	m.Attachments = append(m.Attachments, a)
	return m
}

// SetDebug toggles relay conversation logging for this message.
func (m *Message) SetDebug(debug bool) *Message {
	m.Debug = debug
	return m
}

// HasAttachments reports whether the message carries any attachment.
func (m *Message) HasAttachments() bool {
	return len(m.Attachments) > 0
}
