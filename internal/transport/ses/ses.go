// Package ses delivers buffered messages through the AWS SES v2 raw email API.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-sender-lite/internal/transport"
)

// Config holds the settings for creating a Delivery.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender, when set, replaces the envelope sender as the SES
	// FromEmailAddress. SES only accepts verified identities there.
	Sender string

	ConfigurationSet string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Delivery sends the composed message unchanged as SES raw content.
type Delivery struct {
	client           SendEmailAPI
	sender           string
	configurationSet string
}

// New creates a Delivery using the default AWS credential chain, or static
// credentials when both keys are configured.
func New(ctx context.Context, cfg Config) (*Delivery, error) {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewWithClient creates a Delivery with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, cfg Config) *Delivery {
	return &Delivery{
		client:           client,
		sender:           cfg.Sender,
		configurationSet: cfg.ConfigurationSet,
	}
}

// Deliver submits raw to SES. Every envelope recipient is listed in the
// destination so Bcc recipients, which only exist in the envelope, receive
// the message too.
func (d *Delivery) Deliver(ctx context.Context, env transport.Envelope, raw []byte) error {
	input := &sesv2.SendEmailInput{
		Destination: &types.Destination{ToAddresses: env.To},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}

	from := env.From
	if d.sender != "" {
		from = d.sender
	}
	if from != "" {
		input.FromEmailAddress = aws.String(from)
	}
	if d.configurationSet != "" {
		input.ConfigurationSetName = aws.String(d.configurationSet)
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("SES API request failed: %w", err)
	}

	slog.Info("message accepted by SES",
		"message_id", aws.ToString(out.MessageId),
		"recipients", len(env.To),
		"bytes", len(raw),
	)
	return nil
}

// Name returns the delivery name.
func (d *Delivery) Name() string {
	return "ses"
}
