package codec

import "strings"

// MaxLineLength is the folding limit for header lines.
const MaxLineLength = 76

// FoldLine folds a single header line at whitespace so that no physical line
// exceeds MaxLineLength where a break opportunity exists. Continuation lines
// start with the whitespace they were split on. A run without whitespace is
// left intact even when it is too long.
func FoldLine(line string) string {
	if len(line) <= MaxLineLength {
		return line
	}

	// Never break between the field name and its value.
	lo := 1
	if i := strings.Index(line, ": "); i >= 0 {
		lo = i + 2
	}

	var b strings.Builder
	for len(line) > MaxLineLength {
		cut := -1
		for i := MaxLineLength; i >= lo; i-- {
			if line[i] == ' ' || line[i] == '\t' {
				cut = i
				break
			}
		}
		if cut < 0 {
			from := MaxLineLength
			if lo > from {
				from = lo
			}
			next := strings.IndexAny(line[from:], " \t")
			if next < 0 {
				break
			}
			cut = from + next
		}

		b.WriteString(line[:cut])
		b.WriteString("\r\n")
		line = line[cut:]
		lo = 1
	}
	b.WriteString(line)
	return b.String()
}
