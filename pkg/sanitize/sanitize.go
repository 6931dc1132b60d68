// Package sanitize strips provider control tokens and illegal byte
// sequences from text crossing the LLM boundary, in either direction.
package sanitize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// pipeToken matches the <|...|> chat-template delimiter family
// (llama header ids, ChatML im_start/im_end, endoftext and friends).
var pipeToken = regexp.MustCompile(`<\|[^<>|]{1,64}\|>`)

// literalTokens are control markers that do not follow the <|...|> shape.
var literalTokens = []string{
	"[INST]",
	"[/INST]",
	"<<SYS>>",
	"<</SYS>>",
}

// Clean returns text with all known control tokens and malformed byte
// sequences removed. It never fails; input consisting only of control
// tokens comes back as an empty string. Clean is idempotent:
// Clean(Clean(s)) == Clean(s).
func Clean(text string) string {
	if text == "" {
		return ""
	}

	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	text = stripControlChars(text)

	// Removing a token can splice surrounding bytes into a new token,
	// so strip to a fixed point.
	for {
		next := stripTokens(text)
		if next == text {
			return text
		}
		text = next
	}
}

func stripTokens(s string) string {
	s = pipeToken.ReplaceAllString(s, "")
	for _, tok := range literalTokens {
		s = strings.ReplaceAll(s, tok, "")
	}
	return s
}

// stripControlChars drops NUL and other C0 control characters that
// provider transports reject, keeping tab, newline and carriage return.
func stripControlChars(s string) string {
	if !strings.ContainsFunc(s, isDisallowed) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isDisallowed(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isDisallowed(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}
