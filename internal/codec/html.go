package codec

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t\r\n\f]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// blockTags end the current line of text when opened or closed.
var blockTags = map[string]bool{
	"address": true, "article": true, "blockquote": true, "div": true,
	"footer": true, "h1": true, "h2": true, "h3": true, "h4": true,
	"h5": true, "h6": true, "header": true, "hr": true, "ol": true,
	"p": true, "pre": true, "section": true, "table": true, "ul": true,
}

// lineTags end the current line without opening a paragraph.
var lineTags = map[string]bool{"br": true, "li": true, "tr": true}

// skipTags have content that is never shown as text.
var skipTags = map[string]bool{
	"head": true, "script": true, "style": true, "title": true,
}

// StripHTML renders an HTML document as plain text: markup is dropped,
// entities are decoded, whitespace is collapsed the way a browser would and
// block elements become line breaks.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))

	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyText(b.String())
		case html.TextToken:
			if skip == 0 {
				b.WriteString(spaceRun.ReplaceAllString(string(z.Text()), " "))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case skipTags[tag] && tt == html.StartTagToken:
				skip++
			case lineTags[tag]:
				b.WriteByte('\n')
			case blockTags[tag]:
				b.WriteString("\n\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case skipTags[tag]:
				if skip > 0 {
					skip--
				}
			case blockTags[tag]:
				b.WriteString("\n\n")
			}
		}
	}
}

func tidyText(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	out := strings.Join(lines, "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
