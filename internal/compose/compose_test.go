package compose

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/smtp-sender-lite/internal/codec"
	"github.com/shineum/smtp-sender-lite/internal/email"
	"github.com/shineum/smtp-sender-lite/internal/parser"
	"github.com/shineum/smtp-sender-lite/internal/uid"
)

const stamp = "1700000000123"

// fixedIDs mints "<n>.<stamp>" tokens from its own counter, so each test
// composer starts at 1 whatever other tests have generated.
type fixedIDs struct {
	n int
}

func (f *fixedIDs) Generate() string {
	f.n++
	return fmt.Sprintf("%d.%s", f.n, stamp)
}

func newTestComposer() *Composer {
	return New("mail.example.com", &fixedIDs{})
}

func headerLines(p *Payload) []string {
	return strings.Split(p.Headers, "\r\n")
}

func TestPrepare_Subtypes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		msg       *email.Message
		multipart bool
		mixed     bool
		subtype   string
	}{
		{
			name: "plain text only",
			msg:  email.NewMessage().SetBody("hi"),
		},
		{
			name:      "html only",
			msg:       email.NewMessage().SetHTML("<p>hi</p>"),
			multipart: true,
			subtype:   SubtypeAlternative,
		},
		{
			name:      "attachment without content id",
			msg:       email.NewMessage().AddAttachment(email.Attachment{Filename: "a.txt"}),
			multipart: true,
			mixed:     true,
			subtype:   SubtypeMixed,
		},
		{
			name: "any attachment with content id",
			msg: email.NewMessage().
				AddAttachment(email.Attachment{Filename: "a.txt"}).
				AddAttachment(email.Attachment{Filename: "logo.png", ContentID: "logo"}),
			multipart: true,
			mixed:     true,
			subtype:   SubtypeRelated,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := newTestComposer().Prepare(tt.msg)
			assert.Equal(t, tt.multipart, p.Multipart)
			assert.Equal(t, tt.mixed, p.Mixed)
			assert.Equal(t, tt.subtype, p.Subtype)
			if !tt.multipart {
				assert.Equal(t, "text/plain; charset=UTF-8", p.ContentType)
				assert.Equal(t, "quoted-printable", p.TransferEncoding)
				assert.Empty(t, p.Boundary)
				return
			}
			assert.Equal(t, "----SMTPSENDER-1."+stamp, p.Boundary)
			assert.Equal(t, "multipart/"+tt.subtype+"; boundary="+p.Boundary, p.ContentType)
			assert.Empty(t, p.TransferEncoding)
		})
	}
}

func TestCompose_SimpleMessage(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().
		From("s@a.com").
		SetTo("r@b.com").
		SetSubject("Hi").
		SetBody("Hello")

	p := newTestComposer().Compose(msg)

	want := strings.Join([]string{
		"X-Mailer: smtp-sender-lite (" + Version + ")",
		"From: s@a.com",
		"To: r@b.com",
		"Subject: Hi",
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: quoted-printable",
	}, "\r\n")
	assert.Equal(t, want, p.Headers)
	assert.Equal(t, codec.EncodeQuotedPrintable("Hello"), p.Body)
	assert.Equal(t, []string{"s@a.com"}, p.Envelope.From)
	assert.Equal(t, []string{"r@b.com"}, p.Envelope.To)
	assert.Equal(t, p.Headers+"\r\n\r\n"+p.Body, p.String())
	assert.Equal(t, len(p.String()), p.Size())
}

func TestCompose_EmptyBody(t *testing.T) {
	t.Parallel()

	p := newTestComposer().Compose(email.NewMessage().From("s@a.com").SetTo("r@b.com"))
	assert.Empty(t, p.Body)
	assert.Contains(t, headerLines(p), "Subject: ")
}

func TestCompose_DotLines(t *testing.T) {
	t.Parallel()

	single := newTestComposer().Compose(email.NewMessage().SetBody("one\n.\nthree"))
	assert.Equal(t, "one\r\n..\r\nthree", single.Body)

	multi := newTestComposer().Compose(email.NewMessage().
		SetBody("one\n.\nthree").
		SetHTML("<p>x</p>\n.\n"))
	assert.Contains(t, multi.Body, "\r\none\r\n..\r\nthree\r\n")
	assert.Contains(t, multi.Body, "\r\n<p>x</p>\r\n..\r\n--")
	for _, l := range strings.Split(multi.Body, "\r\n") {
		assert.NotEqual(t, ".", l)
	}
}

func TestCompose_SenderAndReplyToCapped(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().
		From("first@a.com, second@a.com").
		SetReplyTo("r1@a.com, r2@a.com").
		SetTo("x@b.com, y@b.com").
		SetCc("z@b.com").
		SetBcc("hidden@b.com")

	p := newTestComposer().Compose(msg)
	lines := headerLines(p)

	assert.Contains(t, lines, "From: first@a.com")
	assert.Contains(t, lines, "Reply-To: r1@a.com")
	assert.Contains(t, lines, "To: x@b.com, y@b.com")
	assert.Contains(t, lines, "Cc: z@b.com")
	assert.Contains(t, lines, "Bcc: hidden@b.com")
	assert.Equal(t, []string{"first@a.com"}, p.Envelope.From)
	assert.Equal(t, []string{"x@b.com", "y@b.com", "z@b.com", "hidden@b.com"}, p.Envelope.To)
}

func TestCompose_OmitsEmptyAddressFields(t *testing.T) {
	t.Parallel()

	p := newTestComposer().Compose(email.NewMessage().SetTo("r@b.com").SetCc("not an address<"))
	for _, l := range headerLines(p) {
		assert.False(t, strings.HasPrefix(l, "From:"), l)
		assert.False(t, strings.HasPrefix(l, "Cc:"), l)
		assert.False(t, strings.HasPrefix(l, "Bcc:"), l)
		assert.False(t, strings.HasPrefix(l, "Reply-To:"), l)
	}
	assert.Empty(t, p.Envelope.From)
	assert.Equal(t, []string{"r@b.com"}, p.Envelope.To)
}

func TestCompose_CustomHeaders(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().From("s@a.com").SetTo("r@b.com")
	msg.SetHeader("x-id", "42")
	msg.SetHeader("MESSAGE-ID", "<m@example.com>")
	msg.SetHeader("X-Greet", "héllo")
	msg.SetHeader("from", "evil@example.com")
	msg.SetHeader("X-ID", "shadowed")

	p := newTestComposer().Compose(msg)
	lines := headerLines(p)

	require.GreaterOrEqual(t, len(lines), 5)
	assert.Equal(t, []string{
		"Message-Id: <m@example.com>",
		"X-Greet: =?UTF-8?q?h=C3=A9llo?=",
		"X-Id: shadowed",
	}, lines[1:4])
	assert.Equal(t, "From: s@a.com", lines[4])
	assert.NotContains(t, p.Headers, "evil@example.com")
	assert.NotContains(t, p.Headers, "X-Id: 42")
}

func TestCompose_SubjectEncoding(t *testing.T) {
	t.Parallel()

	ascii := newTestComposer().Compose(email.NewMessage().SetSubject("Plain subject"))
	assert.Contains(t, headerLines(ascii), "Subject: Plain subject")

	utf := newTestComposer().Compose(email.NewMessage().SetSubject("Grüße"))
	assert.Contains(t, headerLines(utf), "Subject: =?UTF-8?q?Gr=C3=BC=C3=9Fe?=")
}

func TestCompose_HeaderLineBreaksEncoded(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().
		From("s@a.com").
		SetTo("r@b.com").
		SetSubject("Hi\n.\nRSET").
		SetHeader("X-Note", "a\r\nBcc: victim@example.com")

	p := newTestComposer().Compose(msg)

	values := map[string]string{}
	for _, l := range headerLines(p) {
		assert.NotEqual(t, ".", l)
		assert.False(t, strings.HasPrefix(l, "RSET"), l)
		assert.False(t, strings.HasPrefix(l, "Bcc:"), l)
		if name, value, ok := strings.Cut(l, ": "); ok {
			values[name] = value
		}
	}
	assert.NotContains(t, strings.ReplaceAll(p.Headers, "\r\n", ""), "\n")
	assert.Equal(t, "Hi\n.\nRSET", codec.DecodeHeader(values["Subject"]))
	assert.Equal(t, "a\r\nBcc: victim@example.com", codec.DecodeHeader(values["X-Note"]))
}

func TestCompose_HeaderBlockDotStuffed(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().From("s@a.com").SetTo("r@b.com").SetHeader(".trace", "a")
	p := newTestComposer().Compose(msg)

	assert.Equal(t, "..trace: a", headerLines(p)[1])

	got, err := parser.Parse([]byte(codec.UnescapeDots(p.String())))
	require.NoError(t, err)
	assert.Equal(t, "s@a.com", got.Sender)
}

func TestCompose_InvalidHeaderNamesDropped(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().From("s@a.com").SetTo("r@b.com")
	msg.SetHeader("x custom", "spaced")
	msg.SetHeader("bad:name", "colon")
	msg.SetHeader("x-caf\u00e9", "accent")
	msg.SetHeader("x-ok", "kept")

	p := newTestComposer().Compose(msg)

	assert.Contains(t, headerLines(p), "X-Ok: kept")
	assert.NotContains(t, p.Headers, "spaced")
	assert.NotContains(t, p.Headers, "colon")
	assert.NotContains(t, p.Headers, "accent")
}

func TestCompose_HeaderFolding(t *testing.T) {
	t.Parallel()

	subject := strings.TrimSpace(strings.Repeat("quarterly report ", 12))
	p := newTestComposer().Compose(email.NewMessage().SetSubject(subject))

	for _, l := range headerLines(p) {
		assert.LessOrEqual(t, len(l), codec.MaxLineLength, l)
	}
	unfolded := strings.ReplaceAll(p.Headers, "\r\n ", " ")
	assert.Contains(t, unfolded, "Subject: "+subject)
}

func TestCompose_AlternativeSynthesizesPlainText(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().
		From("s@a.com").
		SetTo("r@b.com").
		SetBody("   ").
		SetHTML("<p>Hello <b>world</b></p>")

	p := newTestComposer().Compose(msg)
	boundary := "----SMTPSENDER-1." + stamp

	assert.NotContains(t, p.Headers, "Content-Transfer-Encoding")
	assert.True(t, strings.HasPrefix(p.Body, "--"+boundary+"\r\n"), p.Body)
	assert.True(t, strings.HasSuffix(p.Body, "\r\n--"+boundary+"--"), p.Body)
	assert.Contains(t, p.Body, "Content-Type: text/plain; charset=UTF-8\r\nContent-Transfer-Encoding: quoted-printable\r\n\r\nHello world\r\n")
	assert.Contains(t, p.Body, "Content-Type: text/html; charset=UTF-8")
}

func TestCompose_MixedNestsAlternative(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().
		SetBody("see attached").
		AddAttachment(email.Attachment{Filename: "notes.txt", Content: []byte("n")})

	p := newTestComposer().Compose(msg)
	outer := "----SMTPSENDER-1." + stamp
	inner := "----SMTPSENDER-2." + stamp

	assert.Equal(t, "multipart/mixed; boundary="+outer, p.Plan.ContentType)
	assert.True(t, strings.HasPrefix(p.Body,
		"--"+outer+"\r\nContent-Type: multipart/alternative; boundary="+inner+"\r\n\r\n--"+inner+"\r\n"), p.Body)
	assert.Contains(t, p.Body, "\r\n--"+inner+"--\r\n--"+outer+"\r\n")
	assert.Contains(t, p.Body, "Content-Type: text/plain; name=\"notes.txt\"")
	assert.Contains(t, p.Body, "Content-Disposition: attachment; filename=\"notes.txt\"")
	assert.Contains(t, p.Body, "Content-ID: <3."+stamp+"@mail.example.com>")
	assert.True(t, strings.HasSuffix(p.Body, "\r\n--"+outer+"--"))
}

func TestCompose_AttachmentNamesAndTypes(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage().
		AddAttachment(email.Attachment{Filename: "résumé.pdf", Content: []byte("%PDF")}).
		AddAttachment(email.Attachment{Filename: `my"file".txt`, Content: []byte("x")}).
		AddAttachment(email.Attachment{Filename: "export.bin", Content: []byte("a,b"), ContentType: "text/csv"}).
		AddAttachment(email.Attachment{Filename: "blob", Content: []byte{0}, ContentID: "blob-1"})

	p := newTestComposer().Compose(msg)

	assert.Contains(t, p.Body, `Content-Type: application/pdf; name="=?UTF-8?q?r=C3=A9sum=C3=A9.pdf?="`)
	assert.Contains(t, p.Body, `filename="=?UTF-8?q?r=C3=A9sum=C3=A9.pdf?="`)
	assert.Contains(t, p.Body, `filename="myfile.txt"`)
	assert.Contains(t, p.Body, `Content-Type: text/csv; name="export.bin"`)
	assert.Contains(t, p.Body, `Content-Type: application/octet-stream; name="blob"`)
	assert.Contains(t, p.Body, "Content-ID: <blob-1>")
	assert.Equal(t, SubtypeRelated, p.Plan.Subtype)
}

func TestCompose_Base64Wrapping(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("0123456789abcdef"), 200)
	p := newTestComposer().Compose(email.NewMessage().
		AddAttachment(email.Attachment{Filename: "data.bin", Content: content}))

	longest := 0
	for _, l := range strings.Split(p.Body, "\r\n") {
		assert.LessOrEqual(t, len(l), base64LineLength, l)
		longest = max(longest, len(l))
	}
	assert.Equal(t, base64LineLength, longest)
}

func TestCompose_RoundTrip(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G', 0, 1, 2, 3}
	msg := email.NewMessage().
		From(`"Sender" <s@a.com>`).
		SetTo("r@b.com").
		SetSubject("Überblick").
		SetBody("line one\n.\nline three").
		SetHTML(`<p>hi <img src="cid:logo"></p>`).
		SetHeader("x-trace", "abc").
		AddAttachment(email.Attachment{Filename: "logo.png", Content: png, ContentID: "logo"}).
		AddAttachment(email.Attachment{Filename: "report.pdf", Content: bytes.Repeat([]byte("pdf"), 100)})

	p := newTestComposer().Compose(msg)
	got, err := parser.Parse([]byte(codec.UnescapeDots(p.String())))
	require.NoError(t, err)

	assert.Equal(t, "Überblick", got.Subject)
	assert.Equal(t, "line one\r\n.\r\nline three", got.Body)
	assert.Equal(t, `<p>hi <img src="cid:logo"></p>`, got.HTML)
	assert.Equal(t, "abc", got.Headers["X-Trace"])
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, "logo.png", got.Attachments[0].Filename)
	assert.Equal(t, "logo", got.Attachments[0].ContentID)
	assert.Equal(t, "image/png", got.Attachments[0].ContentType)
	assert.Equal(t, png, got.Attachments[0].Content)
	assert.Equal(t, "report.pdf", got.Attachments[1].Filename)
	assert.Equal(t, msg.Attachments[1].Content, got.Attachments[1].Content)
	assert.True(t, strings.HasSuffix(got.Attachments[1].ContentID, "@mail.example.com"))
}

func TestCompose_ConcurrentBoundariesUnique(t *testing.T) {
	t.Parallel()

	c := New("mail.example.com", uid.NewSequence(nil))
	const n = 64

	var mu sync.Mutex
	seen := make(map[string]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := c.Compose(email.NewMessage().SetHTML(fmt.Sprintf("<p>%d</p>", i)))
			mu.Lock()
			seen[p.Plan.Boundary] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, seen, n)
}

func TestCompose_SeparateComposersUniqueTokens(t *testing.T) {
	t.Parallel()

	a := New("h.example", nil)
	b := New("h.example", nil)
	msg := email.NewMessage().
		SetHTML("<p>hi</p>").
		AddAttachment(email.Attachment{Filename: "a.txt", Content: []byte("a")})

	const n = 50
	boundaries := make(map[string]bool, 2*n)
	cids := make(map[string]bool, 2*n)
	for i := 0; i < n; i++ {
		for _, c := range []*Composer{a, b} {
			p := c.Compose(msg)
			require.False(t, boundaries[p.Plan.Boundary], "duplicate boundary %q", p.Plan.Boundary)
			boundaries[p.Plan.Boundary] = true

			_, rest, ok := strings.Cut(p.Body, "Content-ID: <")
			require.True(t, ok, p.Body)
			cid, _, _ := strings.Cut(rest, ">")
			require.False(t, cids[cid], "duplicate content id %q", cid)
			cids[cid] = true
		}
	}
}

func TestNormalizeAddresses(t *testing.T) {
	t.Parallel()

	t.Run("cap truncates output and envelope", func(t *testing.T) {
		t.Parallel()
		var env []string
		got := normalizeAddresses("a@x.com, b@y.com", 1, &env, true)
		assert.Equal(t, "a@x.com", got)
		assert.Equal(t, []string{"a@x.com"}, env)
	})

	t.Run("repeated calls duplicate envelope entries", func(t *testing.T) {
		t.Parallel()
		var env []string
		normalizeAddresses("a@x.com", 0, &env, true)
		normalizeAddresses("a@x.com", 0, &env, true)
		assert.Equal(t, []string{"a@x.com", "a@x.com"}, env)
	})

	t.Run("display names", func(t *testing.T) {
		t.Parallel()
		got := normalizeAddresses(`"john mcDonald" <j@x.com>, plain@x.com`, 0, nil, true)
		assert.Equal(t, `"John McDonald" <j@x.com>, plain@x.com`, got)

		got = normalizeAddresses(`"john mcDonald" <j@x.com>`, 0, nil, false)
		assert.Equal(t, `"John Mcdonald" <j@x.com>`, got)
	})

	t.Run("non-ascii name is word encoded", func(t *testing.T) {
		t.Parallel()
		got := normalizeAddresses(`"josé" <j@x.com>`, 0, nil, true)
		assert.Equal(t, `"=?UTF-8?q?Jos=C3=A9?=" <j@x.com>`, got)
	})

	t.Run("malformed list degrades to empty", func(t *testing.T) {
		t.Parallel()
		var env []string
		assert.Empty(t, normalizeAddresses("not an address<", 0, &env, true))
		assert.Empty(t, env)
		assert.Empty(t, normalizeAddresses("", 1, &env, true))
	})
}

func TestTitleCase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		keepCase bool
		want     string
	}{
		{"x-id", false, "X-Id"},
		{"MESSAGE-ID", false, "Message-Id"},
		{"x-custom header", false, "X-Custom Header"},
		{"x-MixedCase", true, "X-MixedCase"},
		{"", false, ""},
	}
	for _, tt := range tests {
		tt := tt
		assert.Equal(t, tt.want, titleCase(tt.in, tt.keepCase), "titleCase(%q, %v)", tt.in, tt.keepCase)
	}
}
