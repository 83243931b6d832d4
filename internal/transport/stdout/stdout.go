// Package stdout implements a Delivery that prints messages to standard
// output instead of sending them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/docker/go-units"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/parser"
	"github.com/shineum/smtp-sender-lite/internal/transport"
)

const separator = "========================================\n"

// Delivery prints message summaries in a human-readable format.
type Delivery struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
	// raw prints the message source instead of a summary.
	raw bool
}

// New creates a Delivery that writes to os.Stdout.
func New(raw bool) *Delivery {
	return &Delivery{writer: os.Stdout, raw: raw}
}

// NewWithWriter creates a Delivery that writes to w. This is useful for
// testing.
func NewWithWriter(w io.Writer, raw bool) *Delivery {
	return &Delivery{writer: w, raw: raw}
}

// Deliver prints the message. Only a message that cannot be parsed or a
// failed write is reported as an error.
func (d *Delivery) Deliver(_ context.Context, env transport.Envelope, raw []byte) error {
	var b strings.Builder
	b.WriteString(separator)

	if d.raw {
		fmt.Fprintf(&b, "MAIL FROM: <%s>\n", env.From)
		fmt.Fprintf(&b, "RCPT TO: %s\n\n", strings.Join(env.To, ", "))
		b.Write(raw)
	} else {
		msg, err := parser.Parse(raw)
		if err != nil {
			return fmt.Errorf("failed to parse message: %w", err)
		}

		fmt.Fprintf(&b, "From: %s\n", codec.DecodeHeader(msg.Sender))
		fmt.Fprintf(&b, "To: %s\n", codec.DecodeHeader(msg.To))
		if msg.Cc != "" {
			fmt.Fprintf(&b, "Cc: %s\n", codec.DecodeHeader(msg.Cc))
		}
		fmt.Fprintf(&b, "Envelope: %s\n", strings.Join(env.To, ", "))
		fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
		b.WriteString("Body:\n")

		body := msg.Body
		if body == "" {
			body = msg.HTML
		}
		b.WriteString(strings.ReplaceAll(strings.TrimRight(body, "\r\n"), "\r\n", "\n") + "\n")

		if len(msg.Attachments) > 0 {
			attachments := make([]string, 0, len(msg.Attachments))
			for _, att := range msg.Attachments {
				attachments = append(attachments,
					fmt.Sprintf("%s (%s)", att.Filename, units.HumanSize(float64(len(att.Content)))))
			}
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
		}
	}

	b.WriteString(separator)
	if _, err := io.WriteString(d.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the delivery name.
func (d *Delivery) Name() string {
	return "stdout"
}
