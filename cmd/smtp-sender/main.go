// Package main is the entry point for the smtp-sender command: it builds one
// message from flags and sends it through the configured transport.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/shineum/smtp-sender-lite/internal/clock"
	"github.com/shineum/smtp-sender-lite/internal/compose"
	"github.com/shineum/smtp-sender-lite/internal/config"
	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/mailer"
	"github.com/shineum/smtp-sender-lite/internal/transport"
	"github.com/shineum/smtp-sender-lite/internal/transport/graph"
	"github.com/shineum/smtp-sender-lite/internal/transport/ses"
	"github.com/shineum/smtp-sender-lite/internal/transport/stdout"
	"github.com/shineum/smtp-sender-lite/internal/uid"
)

// Exit codes.
const (
	exitDelivered = 0
	exitFailed    = 1
	exitRejected  = 2
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ", ")
}

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	var (
		attachments listFlag
		headers     listFlag
	)
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	from := flag.String("from", "", "sender address")
	to := flag.String("to", "", "comma-separated To addresses")
	cc := flag.String("cc", "", "comma-separated Cc addresses")
	bcc := flag.String("bcc", "", "comma-separated Bcc addresses")
	replyTo := flag.String("reply-to", "", "Reply-To address")
	subject := flag.String("subject", "", "subject line")
	body := flag.String("body", "", "plain text body")
	html := flag.String("html", "", "HTML body")
	debug := flag.Bool("debug", false, "log the relay conversation")
	flag.Var(&attachments, "attach", "attachment path, optionally path=content-id (repeatable)")
	flag.Var(&headers, "header", `custom header "Key: value" (repeatable)`)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(exitFailed)
	}

	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(exitFailed)
	}

	msg := email.NewMessage().
		From(*from).
		SetTo(*to).
		SetCc(*cc).
		SetBcc(*bcc).
		SetReplyTo(*replyTo).
		SetSubject(*subject).
		SetBody(*body).
		SetHTML(*html).
		SetDebug(*debug)

	for _, h := range headers {
		key, value, err := parseHeader(h)
		if err != nil {
			slog.Error("invalid -header flag", "header", h, "error", err)
			os.Exit(exitFailed)
		}
		msg.SetHeader(key, value)
	}
	for _, arg := range attachments {
		a, err := loadAttachment(arg)
		if err != nil {
			slog.Error("failed to load attachment", "attach", arg, "error", err)
			os.Exit(exitFailed)
		}
		msg.AddAttachment(a)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, aborting send", "signal", sig)
		cancel()
	}()

	dial, err := selectDialer(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up transport", "transport", cfg.Transport, "error", err)
		os.Exit(exitFailed)
	}

	maxSize, _ := cfg.MaxMessageBytes()
	sender := mailer.New(cfg.TransportOptions(), dial,
		mailer.WithMaxMessageSize(maxSize),
		mailer.WithComposer(compose.New(cfg.Relay.Hostname, uid.NewSequence(clock.New()))),
	)

	res := sender.Send(ctx, msg)
	os.Exit(exitCode(res))
}

// exitCode maps a send outcome to the process exit status.
func exitCode(res mailer.Result) int {
	switch res.Outcome {
	case mailer.Delivered:
		return exitDelivered
	case mailer.Rejected:
		return exitRejected
	default:
		return exitFailed
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectDialer returns the session dialer for the configured transport. The
// API-backed transports run a local relay emulation in front of their
// delivery.
func selectDialer(ctx context.Context, cfg *config.Config) (transport.Dialer, error) {
	switch cfg.Transport {
	case config.TransportSMTP:
		slog.Info("using SMTP relay",
			"addr", cfg.TransportOptions().Addr(),
			"ssl", cfg.Relay.SSL,
			"starttls", cfg.Relay.StartTLS,
			"auth", cfg.Relay.UseAuthentication,
		)
		return transport.DialSMTP, nil

	case config.TransportSES:
		slog.Info("using AWS SES transport",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		d, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, err
		}
		return transport.BufferedDialer(d), nil

	case config.TransportGraph:
		slog.Info("using Microsoft Graph transport",
			"sender", cfg.Graph.Sender,
		)
		return transport.BufferedDialer(graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		})), nil

	case config.TransportStdout:
		slog.Info("using stdout transport", "raw", cfg.Stdout.Raw)
		return transport.BufferedDialer(stdout.New(cfg.Stdout.Raw)), nil

	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// parseHeader splits a "Key: value" flag.
func parseHeader(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, ":")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", errors.New(`expected "Key: value"`)
	}
	return key, strings.TrimSpace(value), nil
}

// loadAttachment reads "path" or "path=cid" into an attachment named after
// the file.
func loadAttachment(arg string) (email.Attachment, error) {
	path, cid, _ := strings.Cut(arg, "=")
	content, err := os.ReadFile(path)
	if err != nil {
		return email.Attachment{}, err
	}
	return email.Attachment{
		Filename:  filepath.Base(path),
		Content:   content,
		ContentID: cid,
	}, nil
}
