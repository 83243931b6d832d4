// Package smtpcmd parses SMTP command lines. It is shared by the buffered
// transport and the in-process test relay, which both sit on the server side
// of a conversation.
package smtpcmd

import "strings"

// Parse splits a command line into the upper-cased verb and its argument.
func Parse(line string) (verb, arg string) {
	verb, arg, _ = strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// Path extracts the address from a "FROM:<a@b>" or "TO:<a@b>" argument,
// accepting the bare form as well. An empty reverse-path "<>" is valid.
func Path(arg, prefix string) (string, bool) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", false
	}
	s := strings.TrimSpace(arg[len(prefix):])
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return s[1:end], true
	}
	addr, _, _ := strings.Cut(s, " ")
	return addr, true
}
