// Package transport defines the relay session contract the mailer drives and
// provides its implementations: a real SMTP relay client and a buffered
// emulation that hands the finished payload to an API-backed Delivery.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// EndOfData is submitted after the payload has been written. Together with
// the trailing CRLF added by Submit it forms the "<CRLF>.<CRLF>" terminator.
const EndOfData = "\r\n."

// DefaultTimeout bounds every awaited reply when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrClosed is returned by operations on a closed Transport.
var ErrClosed = errors.New("transport closed")

// Transport is one relay session. At most one Submit may be outstanding.
type Transport interface {
	// Submit sends a command line and waits for the relay's reply. Replies
	// with a code of 400 or above are returned as a *ReplyError.
	Submit(ctx context.Context, cmd string) (Reply, error)

	// Write sends raw bytes without waiting for a reply.
	Write(ctx context.Context, p []byte) error

	// Close tears the session down. It is safe to call more than once.
	Close() error
}

// Options configures a relay session.
type Options struct {
	Host string
	Port int

	// Hostname is announced in EHLO.
	Hostname string

	UseAuthentication bool
	Username          string
	Password          string

	// SSL dials with implicit TLS; StartTLS upgrades a plain connection.
	SSL                bool
	StartTLS           bool
	InsecureSkipVerify bool

	// Timeout bounds dialing and each awaited reply.
	Timeout time.Duration

	// Debug logs every command and reply.
	Debug bool
}

// Addr returns host:port.
func (o Options) Addr() string {
	return o.Host + ":" + strconv.Itoa(o.Port)
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// Dialer opens a Transport.
type Dialer func(ctx context.Context, opts Options) (Transport, error)

// Reply is a relay response.
type Reply struct {
	Code    int
	Message string
}

func (r Reply) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// ReplyError reports a relay reply that refused a command.
type ReplyError struct {
	Command string
	Reply   Reply
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("relay rejected %q: %s", e.Command, e.Reply)
}

// Temporary reports a 4xx reply.
func (e *ReplyError) Temporary() bool {
	return e.Reply.Code >= 400 && e.Reply.Code < 500
}

// replyResult turns a reply into the Submit return values.
func replyResult(cmd string, r Reply) (Reply, error) {
	if r.Code >= 400 {
		return r, &ReplyError{Command: cmd, Reply: r}
	}
	return r, nil
}
