package smtptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-sender-lite/internal/smtpcmd"
)

// Session states for the relay state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 30 * time.Second

// session is a single client connection.
type session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	server *Server

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

func newSession(conn net.Conn, srv *Server) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		server: srv,
	}
}

// handle processes commands until the client quits, the connection fails or
// ctx is cancelled.
func (s *session) handle(ctx context.Context) {
	raw := s.conn
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { _ = raw.SetDeadline(time.Now()) })
	defer stop()

	s.writeLine("220 %s ESMTP smtptest", s.server.config.Hostname)

	for {
		if ctx.Err() != nil {
			s.writeLine("421 Service shutting down")
			return
		}
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("test relay read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		verb, arg := smtpcmd.Parse(line)
		if verb == "AUTH" {
			s.server.record("AUTH " + strings.SplitN(arg, " ", 2)[0])
		} else {
			s.server.record(line)
		}
		if s.handleCommand(verb, arg) {
			return
		}
	}
}

// handleCommand processes a single command and returns true if the session should end.
func (s *session) handleCommand(verb, arg string) bool {
	switch verb {
	case "EHLO", "HELO":
		s.handleEHLO(verb, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		if !s.hooked(verb, arg) {
			s.handleMAIL(arg)
		}
	case "RCPT":
		if !s.hooked(verb, arg) {
			s.handleRCPT(arg)
		}
	case "DATA":
		if !s.hooked(verb, arg) {
			s.handleDATA()
		}
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		if !s.hooked(verb, arg) {
			s.writeLine("221 Bye")
		}
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// hooked applies the configured Hook and reports whether it produced (or
// swallowed) the reply.
func (s *session) hooked(verb, arg string) bool {
	hook := s.server.config.Hook
	if hook == nil {
		return false
	}
	code, text := hook(verb, arg)
	switch {
	case code == 0:
		return false
	case code == NoReply:
		return true
	default:
		s.writeLine("%d %s", code, text)
		return true
	}
}

func (s *session) handleEHLO(verb, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", verb)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}
	if verb == "HELO" {
		s.writeLine("250 %s Hello %s", s.server.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.server.config.Hostname, arg)
	if s.server.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.server.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250 SIZE %d", s.server.maxSize)
}

// handleSTARTTLS upgrades the connection to TLS.
func (s *session) handleSTARTTLS() {
	if s.server.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.server.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("test relay TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
}

// handleAUTH processes AUTH PLAIN and AUTH LOGIN.
func (s *session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.server.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		if initial == "" {
			if initial, err = s.challenge(""); err != nil {
				return
			}
		}
		err = s.server.auth.VerifyPlain(initial)
	case "LOGIN":
		var user, pass string
		if user, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return
		}
		if pass, err = s.challenge("UGFzc3dvcmQ6"); err != nil {
			return
		}
		err = s.server.auth.VerifyLogin(user, pass)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		s.writeLine("535 Authentication failed")
		return
	}
	s.state = stateAuthOK
	s.writeLine("235 Authentication successful")
}

// challenge sends a 334 prompt and reads the client's answer. A "*"
// answer cancels the exchange.
func (s *session) challenge(prompt string) (string, error) {
	if prompt == "" {
		s.writeLine("334 ")
	} else {
		s.writeLine("334 %s", prompt)
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		s.writeLine("501 Authentication cancelled")
		return "", fmt.Errorf("authentication cancelled")
	}
	return line, nil
}

func (s *session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.server.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	addr, ok := smtpcmd.Path(arg, "FROM:")
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	addr, ok := smtpcmd.Path(arg, "TO:")
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the payload up to the lone dot, unescaping leading dots,
// and stores it unless the end-of-data hook or the size limit refuses it.
func (s *session) handleDATA() {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var data strings.Builder
	tooBig := false
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("test relay error reading DATA", "error", err)
			return
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}
		if strings.HasPrefix(trimmed, ".") {
			line = line[1:]
		}
		if int64(data.Len()+len(line)) > s.server.maxSize {
			tooBig = true
			continue
		}
		data.WriteString(line)
	}
	s.server.record(".")

	defer s.resetTransaction()
	if tooBig {
		s.writeLine("552 Message exceeds fixed maximum message size")
		return
	}
	if s.hooked(".", "") {
		return
	}

	s.server.store(Message{
		From: s.mailFrom,
		To:   append([]string(nil), s.rcptTo...),
		Data: []byte(data.String()),
	})
	s.writeLine("250 OK message queued")
}

// resetTransaction clears the current mail transaction without affecting
// greeting or authentication state.
func (s *session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.server.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *session) writeLine(format string, args ...any) {
	if _, err := fmt.Fprintf(s.writer, format+"\r\n", args...); err != nil {
		slog.Debug("test relay write failed", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("test relay flush failed", "error", err)
	}
}
