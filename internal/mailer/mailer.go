// Package mailer drives one composed message through a relay session: it
// declares the envelope, streams the payload and reports a tagged Result.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/compose"
	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/transport"
	"github.com/shineum/smtp-sender-lite/internal/uid"
)

const (
	cmdData = "DATA"
	cmdQuit = "QUIT"
)

// Sender sends messages through relay sessions opened by its Dialer. The
// relay options are fixed at construction; a Sender is safe for
// concurrent use and every send owns its own session.
type Sender struct {
	relay    transport.Options
	dial     transport.Dialer
	composer *compose.Composer
	sendIDs  uid.Generator
	maxSize  int64
}

// Option customizes a Sender.
type Option func(*Sender)

// WithComposer replaces the default composer.
func WithComposer(c *compose.Composer) Option {
	return func(s *Sender) { s.composer = c }
}

// WithSendIDs replaces the UUID generator used for Result.SendID.
func WithSendIDs(g uid.Generator) Option {
	return func(s *Sender) { s.sendIDs = g }
}

// WithMaxMessageSize refuses payloads larger than n bytes before dialing.
// Zero disables the check.
func WithMaxMessageSize(n int64) Option {
	return func(s *Sender) { s.maxSize = n }
}

// New returns a Sender for the relay described by relay.
func New(relay transport.Options, dial transport.Dialer, opts ...Option) *Sender {
	s := &Sender{relay: relay, dial: dial}
	for _, o := range opts {
		o(s)
	}
	if s.composer == nil {
		s.composer = compose.New(relay.Hostname, uid.NewSequence(nil))
	}
	if s.sendIDs == nil {
		s.sendIDs = uid.NewUUID()
	}
	return s
}

// SendAsync runs Send on its own goroutine and calls done exactly once with
// the result.
func (s *Sender) SendAsync(ctx context.Context, msg *email.Message, done func(Result)) {
	go func() {
		done(s.Send(ctx, msg))
	}()
}

// Send composes msg and drives it through one relay session.
func (s *Sender) Send(ctx context.Context, msg *email.Message) Result {
	id := s.sendIDs.Generate()
	log := slog.With("send_id", id)
	start := time.Now()

	payload := s.composer.Compose(msg)
	res := s.send(ctx, msg, payload, log)
	res.SendID = id

	attrs := []any{
		"outcome", res.Outcome.String(),
		"recipients", len(payload.Envelope.To),
		"bytes", payload.Size(),
		"duration", time.Since(start),
	}
	switch res.Outcome {
	case Delivered:
		log.Info("message delivered", attrs...)
	case Rejected:
		log.Warn("message rejected by relay", append(attrs, "reply", res.Reply.String())...)
	default:
		log.Error("message send failed", append(attrs, "error", res.Err)...)
	}
	return res
}

func (s *Sender) send(ctx context.Context, msg *email.Message, payload *compose.Payload, log *slog.Logger) Result {
	queue, err := commandQueue(payload.Envelope)
	if err != nil {
		return Result{Outcome: EnvelopeFailed, Err: err}
	}
	if s.maxSize > 0 && int64(payload.Size()) > s.maxSize {
		return Result{
			Outcome: EnvelopeFailed,
			Err:     fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, payload.Size(), s.maxSize),
		}
	}

	opts := s.relay
	opts.Debug = opts.Debug || msg.Debug

	t, err := s.dial(ctx, opts)
	if err != nil {
		return Result{Outcome: TransportFailed, Err: fmt.Errorf("failed to open relay session: %w", err)}
	}

	f := &flow{t: t, queue: queue, payload: payload, log: log}
	return f.run(ctx)
}

// commandQueue builds the envelope commands: one sender (only the first
// collected address is used), every distinct recipient in first-seen order
// compared case-insensitively, then DATA.
func commandQueue(env compose.Envelope) ([]string, error) {
	if len(env.From) == 0 {
		return nil, ErrNoSender
	}

	queue := []string{"MAIL FROM:<" + env.From[0] + ">"}
	seen := make(map[string]bool, len(env.To))
	for _, rcpt := range env.To {
		key := strings.ToLower(rcpt)
		if seen[key] {
			continue
		}
		seen[key] = true
		queue = append(queue, "RCPT TO:<"+rcpt+">")
	}
	if len(queue) == 1 {
		return nil, ErrNoRecipients
	}
	return append(queue, cmdData), nil
}

type state int

const (
	stateEnvelope state = iota
	stateAnnounce
	stateStream
	stateFinalize
	stateQuit
	stateClosed
)

func (s state) String() string {
	return [...]string{"envelope", "announce", "stream", "finalize", "quit", "closed"}[s]
}

// flow is the state machine of one send. Exactly one command is
// outstanding at a time.
type flow struct {
	t       transport.Transport
	queue   []string
	payload *compose.Payload
	log     *slog.Logger
	result  Result
}

func (f *flow) run(ctx context.Context) Result {
	defer func() {
		if err := f.t.Close(); err != nil {
			f.log.Debug("closing relay session", "error", err)
		}
	}()

	for st := stateEnvelope; st != stateClosed; {
		next := f.step(ctx, st)
		f.log.Debug("send state", "from", st.String(), "to", next.String())
		st = next
	}
	if f.result.Outcome == 0 {
		f.result = Result{Outcome: TransportFailed, Err: errUnexpectedOutcome}
	}
	return f.result
}

func (f *flow) step(ctx context.Context, st state) state {
	switch st {
	case stateEnvelope:
		if f.queue[0] == cmdData {
			return stateAnnounce
		}
		if !f.submit(ctx, f.pop()) {
			return stateClosed
		}
		return stateEnvelope

	case stateAnnounce:
		if !f.submit(ctx, f.pop()) {
			return stateClosed
		}
		return stateStream

	case stateStream:
		if err := f.t.Write(ctx, []byte(f.payload.Headers+"\r\n\r\n")); err != nil {
			return f.fail(TransportFailed, err)
		}
		if err := f.t.Write(ctx, []byte(f.payload.Body)); err != nil {
			return f.fail(TransportFailed, err)
		}
		return stateFinalize

	case stateFinalize:
		f.result.Command = "."
		reply, err := f.t.Submit(ctx, transport.EndOfData)
		f.result.Reply = reply
		if err != nil {
			var re *transport.ReplyError
			if errors.As(err, &re) {
				return f.fail(Rejected, err)
			}
			return f.fail(TransportFailed, err)
		}
		return stateQuit

	case stateQuit:
		// The message is already accepted; a failed QUIT changes nothing.
		if _, err := f.t.Submit(ctx, cmdQuit); err != nil {
			f.log.Debug("QUIT failed after delivery", "error", err)
		}
		f.result.Outcome = Delivered
		return stateClosed

	default:
		return stateClosed
	}
}

func (f *flow) pop() string {
	cmd := f.queue[0]
	f.queue = f.queue[1:]
	return cmd
}

// submit issues an envelope command. A refusal from the relay ends the send
// as EnvelopeFailed; any other error as TransportFailed.
func (f *flow) submit(ctx context.Context, cmd string) bool {
	f.result.Command = cmd
	reply, err := f.t.Submit(ctx, cmd)
	f.result.Reply = reply
	if err == nil {
		return true
	}

	var re *transport.ReplyError
	if errors.As(err, &re) {
		f.fail(EnvelopeFailed, err)
	} else {
		f.fail(TransportFailed, err)
	}
	return false
}

func (f *flow) fail(o Outcome, err error) state {
	f.result.Outcome = o
	f.result.Err = err
	return stateClosed
}
