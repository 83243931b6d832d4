// Package smtptest provides a scriptable SMTP relay that runs in the test
// process. It records every command it receives, stores accepted messages
// and lets tests override the reply to any envelope or data command.
package smtptest

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-units"
)

// shutdownTimeout is the maximum time Close waits for in-flight sessions.
const shutdownTimeout = 5 * time.Second

// DefaultMaxMessageSize applies when Config.MaxMessageSize is empty.
const DefaultMaxMessageSize = 10 * units.MiB

// NoReply makes a Hook swallow the command: the relay sends nothing back
// and keeps reading, as a stalled peer would.
const NoReply = -1

// Hook may override the reply to a command. verb is the upper-cased
// command ("MAIL", "RCPT", "DATA", "QUIT") or "." for the end-of-data
// marker. Returning code 0 keeps the default reply.
type Hook func(verb, arg string) (code int, text string)

// Config configures a Server.
type Config struct {
	// Hostname is the server hostname used in the greeting and EHLO reply.
	Hostname string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// Username and Password enable and require SMTP AUTH.
	Username string
	Password string

	// MaxMessageSize is a human-readable size ("10MB", "512KiB").
	MaxMessageSize string

	Hook Hook
}

// Message is a message accepted by the relay, with dots unescaped.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Server is an in-process SMTP relay.
type Server struct {
	config  Config
	auth    *Authenticator
	maxSize int64

	listener net.Listener
	cancel   context.CancelFunc

	mu       sync.Mutex
	messages []Message
	commands []string

	// wg tracks in-flight session goroutines for shutdown.
	wg sync.WaitGroup
}

// New creates a Server. An unparseable MaxMessageSize is an error.
func New(cfg Config) (*Server, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	maxSize := int64(DefaultMaxMessageSize)
	if cfg.MaxMessageSize != "" {
		n, err := units.RAMInBytes(cfg.MaxMessageSize)
		if err != nil {
			return nil, err
		}
		maxSize = n
	}

	return &Server{
		config:  cfg,
		auth:    NewAuthenticator(cfg.Username, cfg.Password),
		maxSize: maxSize,
	}, nil
}

// Start listens on a loopback port and serves sessions until ctx is
// cancelled or Close is called. The listener is bound when Start returns.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	slog.Debug("test relay listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_size", units.BytesSize(float64(s.maxSize)),
	)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go s.serve(ctx)
	return nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s).handle(ctx)
		}()
	}
}

// Close stops the listener and waits for in-flight sessions.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("test relay shutdown timeout reached")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Messages returns the accepted messages in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Commands returns every command line received, in order, across all
// sessions. AUTH payloads are masked.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) record(line string) {
	s.mu.Lock()
	s.commands = append(s.commands, line)
	s.mu.Unlock()
}

func (s *Server) store(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}
