package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	tlsutil "github.com/shineum/smtp-sender-lite/internal/tls"
)

// smtpTransport is a session with a real SMTP relay. The go-smtp client
// performs the greeting, EHLO, STARTTLS and AUTH; envelope and data commands
// go through its text connection so replies reach the caller unchanged.
type smtpTransport struct {
	conn    net.Conn
	client  *smtp.Client
	timeout time.Duration
	debug   bool

	mu     sync.Mutex
	closed bool
}

// DialSMTP connects to the relay named in opts and completes the session
// handshake.
func DialSMTP(ctx context.Context, opts Options) (Transport, error) {
	timeout := opts.timeout()
	dialer := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	if opts.SSL {
		td := &tls.Dialer{
			NetDialer: dialer,
			Config:    tlsutil.ClientConfig(opts.Host, opts.InsecureSkipVerify),
		}
		conn, err = td.DialContext(ctx, "tcp", opts.Addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", opts.Addr())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay %s: %w", opts.Addr(), err)
	}

	t := &smtpTransport{conn: conn, timeout: timeout, debug: opts.Debug}
	if err := t.handshake(ctx, opts); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return t, nil
}

func (t *smtpTransport) handshake(ctx context.Context, opts Options) error {
	stop := t.arm(ctx)
	defer stop()

	c, err := smtp.NewClient(t.conn, opts.Host)
	if err != nil {
		return fmt.Errorf("relay greeting failed: %w", err)
	}
	t.client = c

	hostname := opts.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}

	if opts.StartTLS && !opts.SSL {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("relay does not support STARTTLS")
		}
		if err := c.StartTLS(tlsutil.ClientConfig(opts.Host, opts.InsecureSkipVerify)); err != nil {
			return fmt.Errorf("STARTTLS failed: %w", err)
		}
	}

	if opts.UseAuthentication {
		if err := c.Auth(sasl.NewPlainClient("", opts.Username, opts.Password)); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	if t.debug {
		slog.Info("relay session established",
			"addr", opts.Addr(),
			"ssl", opts.SSL,
			"starttls", opts.StartTLS,
			"auth", opts.UseAuthentication,
		)
	}
	return nil
}

// arm bounds the next exchange by the reply timeout and the context. The
// returned func disarms the context watch.
func (t *smtpTransport) arm(ctx context.Context) func() bool {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetDeadline(deadline)
	return context.AfterFunc(ctx, func() {
		_ = t.conn.SetDeadline(time.Now())
	})
}

func (t *smtpTransport) Submit(ctx context.Context, cmd string) (Reply, error) {
	if t.isClosed() {
		return Reply{}, ErrClosed
	}
	stop := t.arm(ctx)
	defer stop()

	text := t.client.Text
	id, err := text.Cmd("%s", cmd)
	if err != nil {
		return Reply{}, t.wrap(ctx, fmt.Errorf("failed to send %q: %w", display(cmd), err))
	}
	text.StartResponse(id)
	code, msg, err := text.ReadResponse(0)
	text.EndResponse(id)
	if err != nil {
		return Reply{}, t.wrap(ctx, fmt.Errorf("failed to read reply to %q: %w", display(cmd), err))
	}

	r := Reply{Code: code, Message: msg}
	if t.debug {
		slog.Info("relay exchange", "command", display(cmd), "reply", r.String())
	}
	return replyResult(display(cmd), r)
}

func (t *smtpTransport) Write(ctx context.Context, p []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	stop := t.arm(ctx)
	defer stop()

	w := t.client.Text.W
	if _, err := w.Write(p); err != nil {
		return t.wrap(ctx, fmt.Errorf("failed to write payload: %w", err))
	}
	if err := w.Flush(); err != nil {
		return t.wrap(ctx, fmt.Errorf("failed to write payload: %w", err))
	}
	if t.debug {
		slog.Info("relay write", "bytes", len(p))
	}
	return nil
}

func (t *smtpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *smtpTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// wrap prefers the context error when the context ended the exchange.
func (t *smtpTransport) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// display renders a command for logs and errors.
func display(cmd string) string {
	if cmd == EndOfData {
		return "."
	}
	return strings.TrimSpace(cmd)
}
