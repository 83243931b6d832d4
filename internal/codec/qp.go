package codec

import (
	"bytes"
	"io"
	"strings"

	qp "gopkg.in/alexcesaro/quotedprintable.v3"
)

// EncodeQuotedPrintable encodes text as quoted-printable with CRLF line
// breaks and soft breaks at 76 characters.
func EncodeQuotedPrintable(s string) string {
	var buf bytes.Buffer
	w := qp.NewWriter(&buf)
	// Writes into a bytes.Buffer cannot fail.
	_, _ = io.WriteString(w, s)
	_ = w.Close()
	return buf.String()
}

// DecodeQuotedPrintable reverses EncodeQuotedPrintable.
func DecodeQuotedPrintable(s string) (string, error) {
	b, err := io.ReadAll(qp.NewReader(strings.NewReader(s)))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EscapeDots doubles the leading dot of every line that starts with one, so
// no line of a message body can be mistaken for the end-of-data marker and
// relays that strip one leading dot restore the original text.
func EscapeDots(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, ".") {
			lines[i] = "." + l
		}
	}
	return strings.Join(lines, "\n")
}

// UnescapeDots removes the leading dot EscapeDots added, the way a relay
// does when it reads a DATA section.
func UnescapeDots(s string) string {
	if s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, "..") {
			lines[i] = l[1:]
		}
	}
	return strings.Join(lines, "\n")
}
