package codec

import (
	"strings"
	"unicode/utf8"

	qp "gopkg.in/alexcesaro/quotedprintable.v3"
)

// HasNonASCII reports whether s contains any code point above U+007F.
func HasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// EncodeWord returns s as one or more Q encoded words in the given charset.
func EncodeWord(charset, s string) string {
	return qp.QEncoding.Encode(charset, s)
}

// HasLineBreak reports whether s contains CR or LF.
func HasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

// EncodeIfNeeded encodes s when it holds non-ASCII text or a line break, so
// the result always fits on a single header line.
func EncodeIfNeeded(charset, s string) string {
	if !HasNonASCII(s) && !HasLineBreak(s) {
		return s
	}
	return EncodeWord(charset, s)
}

// DecodeHeader decodes every encoded word found in a header value. Values
// that fail to decode are returned unchanged.
func DecodeHeader(s string) string {
	dec := new(qp.WordDecoder)
	out, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}
