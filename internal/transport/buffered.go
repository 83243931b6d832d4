package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/smtpcmd"
)

// Envelope is the sender and recipients collected by a buffered session.
type Envelope struct {
	From string
	To   []string
}

// Delivery hands a finished message to an API-backed service. raw is the
// message exactly as a relay would have stored it: dots unescaped and ending
// in CRLF.
type Delivery interface {
	Deliver(ctx context.Context, env Envelope, raw []byte) error

	// Name returns the human-readable name of this delivery backend.
	Name() string
}

// Session states of the emulated relay.
const (
	stateReady = iota
	stateMail
	stateRcpt
	stateData
	stateQuit
)

// buffered answers envelope commands locally and passes the payload to a
// Delivery when the end-of-data marker arrives. A delivery failure is
// reported as a 554 reply to that marker.
type buffered struct {
	delivery Delivery
	debug    bool

	mu     sync.Mutex
	state  int
	env    Envelope
	data   bytes.Buffer
	closed bool
}

// NewBuffered returns a Transport backed by d.
func NewBuffered(d Delivery, opts Options) Transport {
	return &buffered{delivery: d, debug: opts.Debug}
}

// BufferedDialer returns a Dialer that opens buffered sessions for d.
func BufferedDialer(d Delivery) Dialer {
	return func(_ context.Context, opts Options) (Transport, error) {
		return NewBuffered(d, opts), nil
	}
}

func (b *buffered) Submit(ctx context.Context, cmd string) (Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Reply{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	r := b.handle(ctx, cmd)
	if b.debug {
		slog.Info("relay exchange",
			"delivery", b.delivery.Name(),
			"command", display(cmd),
			"reply", r.String(),
		)
	}
	return replyResult(display(cmd), r)
}

func (b *buffered) handle(ctx context.Context, cmd string) Reply {
	if cmd == EndOfData {
		return b.endData(ctx)
	}
	if b.state == stateData {
		return Reply{503, "5.5.1 Payload in progress, send end-of-data marker"}
	}

	verb, arg := smtpcmd.Parse(cmd)
	switch verb {
	case "MAIL":
		if b.state != stateReady {
			return Reply{503, "5.5.1 Nested MAIL command"}
		}
		addr, ok := smtpcmd.Path(arg, "FROM:")
		if !ok {
			return Reply{501, "5.5.4 Syntax: MAIL FROM:<address>"}
		}
		b.env.From = addr
		b.state = stateMail
		return Reply{250, "2.1.0 OK"}
	case "RCPT":
		if b.state != stateMail && b.state != stateRcpt {
			return Reply{503, "5.5.1 Send MAIL FROM first"}
		}
		addr, ok := smtpcmd.Path(arg, "TO:")
		if !ok || addr == "" {
			return Reply{501, "5.5.4 Syntax: RCPT TO:<address>"}
		}
		b.env.To = append(b.env.To, addr)
		b.state = stateRcpt
		return Reply{250, "2.1.5 OK"}
	case "DATA":
		if b.state != stateRcpt {
			return Reply{503, "5.5.1 Send RCPT TO first"}
		}
		b.data.Reset()
		b.state = stateData
		return Reply{354, "Start mail input; end with <CRLF>.<CRLF>"}
	case "RSET":
		b.reset()
		return Reply{250, "2.0.0 OK"}
	case "NOOP":
		return Reply{250, "2.0.0 OK"}
	case "QUIT":
		b.state = stateQuit
		return Reply{221, "2.0.0 Bye"}
	default:
		return Reply{500, "5.5.2 Unrecognized command"}
	}
}

func (b *buffered) endData(ctx context.Context) Reply {
	if b.state != stateData {
		return Reply{503, "5.5.1 No payload in progress"}
	}
	defer b.reset()

	raw := []byte(codec.UnescapeDots(b.data.String()) + "\r\n")
	if err := b.delivery.Deliver(ctx, b.env, raw); err != nil {
		slog.Error("delivery failed",
			"delivery", b.delivery.Name(),
			"error", err,
		)
		return Reply{554, fmt.Sprintf("5.3.0 Delivery via %s failed: %v", b.delivery.Name(), err)}
	}
	return Reply{250, "2.0.0 OK queued via " + b.delivery.Name()}
}

func (b *buffered) Write(ctx context.Context, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.state != stateData {
		return fmt.Errorf("payload written outside DATA")
	}
	b.data.Write(p)
	return nil
}

func (b *buffered) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.data.Reset()
	return nil
}

func (b *buffered) reset() {
	b.env = Envelope{}
	b.data.Reset()
	b.state = stateReady
}
