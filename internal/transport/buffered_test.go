package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDelivery struct {
	env Envelope
	raw []byte
	err error
	n   int
}

func (d *recordingDelivery) Deliver(_ context.Context, env Envelope, raw []byte) error {
	d.n++
	d.env = env
	d.raw = raw
	return d.err
}

func (d *recordingDelivery) Name() string {
	return "recording"
}

func submitAll(t *testing.T, tr Transport, cmds ...string) {
	t.Helper()
	for _, cmd := range cmds {
		_, err := tr.Submit(context.Background(), cmd)
		require.NoError(t, err, cmd)
	}
}

func TestBuffered_Delivers(t *testing.T) {
	t.Parallel()

	d := &recordingDelivery{}
	tr, err := BufferedDialer(d)(context.Background(), Options{})
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	submitAll(t, tr, "MAIL FROM:<s@example.com>", "RCPT TO:<a@example.com>", "RCPT TO:<b@example.com>")

	r, err := tr.Submit(ctx, "DATA")
	require.NoError(t, err)
	assert.Equal(t, 354, r.Code)

	require.NoError(t, tr.Write(ctx, []byte("Subject: x\r\n\r\n")))
	require.NoError(t, tr.Write(ctx, []byte("..dot\r\nline")))

	r, err = tr.Submit(ctx, EndOfData)
	require.NoError(t, err)
	assert.Equal(t, 250, r.Code)
	assert.Contains(t, r.Message, "recording")

	require.Equal(t, 1, d.n)
	assert.Equal(t, "s@example.com", d.env.From)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, d.env.To)
	assert.Equal(t, "Subject: x\r\n\r\n.dot\r\nline\r\n", string(d.raw))

	r, err = tr.Submit(ctx, "QUIT")
	require.NoError(t, err)
	assert.Equal(t, 221, r.Code)
}

func TestBuffered_DeliveryFailureIsRejection(t *testing.T) {
	t.Parallel()

	d := &recordingDelivery{err: errors.New("quota exceeded")}
	tr := NewBuffered(d, Options{})
	defer tr.Close()

	submitAll(t, tr, "MAIL FROM:<s@example.com>", "RCPT TO:<a@example.com>", "DATA")
	require.NoError(t, tr.Write(context.Background(), []byte("body")))

	r, err := tr.Submit(context.Background(), EndOfData)
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 554, r.Code)
	assert.Equal(t, ".", re.Command)
	assert.Contains(t, re.Reply.Message, "quota exceeded")

	// The session is ready for a new transaction.
	submitAll(t, tr, "MAIL FROM:<s@example.com>")
}

func TestBuffered_CommandOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup []string
		cmd   string
		code  int
	}{
		{name: "RCPT before MAIL", cmd: "RCPT TO:<a@example.com>", code: 503},
		{name: "DATA before RCPT", setup: []string{"MAIL FROM:<s@example.com>"}, cmd: "DATA", code: 503},
		{name: "nested MAIL", setup: []string{"MAIL FROM:<s@example.com>"}, cmd: "MAIL FROM:<t@example.com>", code: 503},
		{name: "end of data outside DATA", cmd: EndOfData, code: 503},
		{name: "bad MAIL syntax", cmd: "MAIL s@example.com", code: 501},
		{name: "empty recipient", setup: []string{"MAIL FROM:<>"}, cmd: "RCPT TO:<>", code: 501},
		{name: "unknown verb", cmd: "VRFY someone", code: 500},
		{name: "command during DATA", setup: []string{"MAIL FROM:<s@example.com>", "RCPT TO:<a@example.com>", "DATA"}, cmd: "NOOP", code: 503},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr := NewBuffered(&recordingDelivery{}, Options{})
			defer tr.Close()
			submitAll(t, tr, tt.setup...)

			r, err := tr.Submit(context.Background(), tt.cmd)
			var re *ReplyError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.code, r.Code)
		})
	}
}

func TestBuffered_ResetAndNoop(t *testing.T) {
	t.Parallel()

	tr := NewBuffered(&recordingDelivery{}, Options{})
	defer tr.Close()

	submitAll(t, tr, "MAIL FROM:<s@example.com>", "RSET", "NOOP", "MAIL FROM:<t@example.com>")
}

func TestBuffered_WriteOutsideData(t *testing.T) {
	t.Parallel()

	tr := NewBuffered(&recordingDelivery{}, Options{})
	defer tr.Close()

	assert.Error(t, tr.Write(context.Background(), []byte("early")))
}

func TestBuffered_Closed(t *testing.T) {
	t.Parallel()

	tr := NewBuffered(&recordingDelivery{}, Options{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Submit(context.Background(), "NOOP")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tr.Write(context.Background(), nil), ErrClosed)
}

func TestBuffered_CancelledContext(t *testing.T) {
	t.Parallel()

	tr := NewBuffered(&recordingDelivery{}, Options{})
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Submit(ctx, "NOOP")
	assert.ErrorIs(t, err, context.Canceled)
}
