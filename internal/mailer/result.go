package mailer

import (
	"errors"

	"github.com/shineum/smtp-sender-lite/internal/transport"
)

// Pre-flight errors, reported with outcome EnvelopeFailed before any relay
// session is opened.
var (
	ErrNoSender          = errors.New("message has no sender address")
	ErrNoRecipients      = errors.New("message has no recipient addresses")
	ErrMessageTooLarge   = errors.New("message exceeds the maximum message size")
	errUnexpectedOutcome = errors.New("send ended without an outcome")
)

// Outcome tags how a send ended.
type Outcome int

const (
	// Delivered: the relay accepted the end-of-data marker.
	Delivered Outcome = iota + 1
	// Rejected: the relay refused the fully streamed message. The message
	// itself is well formed and may be resubmitted.
	Rejected
	// TransportFailed: the connection or the session failed.
	TransportFailed
	// EnvelopeFailed: the relay refused a sender, recipient or data-start
	// command, or the message failed pre-flight checks.
	EnvelopeFailed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case TransportFailed:
		return "transport_failed"
	case EnvelopeFailed:
		return "envelope_failed"
	default:
		return "unknown"
	}
}

// Result is the single report of one send.
type Result struct {
	Outcome Outcome

	// Err explains every outcome except Delivered. For Rejected and
	// relay-refused envelope commands it is a *transport.ReplyError.
	Err error

	// Command and Reply are the last exchange with the relay.
	Command string
	Reply   transport.Reply

	// SendID correlates log lines of one send.
	SendID string
}

// Delivered reports whether the relay accepted the message.
func (r Result) Delivered() bool {
	return r.Outcome == Delivered
}
