// Package truncate bounds oversized text to a budget by keeping the head
// and tail and eliding the middle. Titles and headers cluster at the top
// of scraped content, summaries and errors at the bottom; the middle is
// the lowest-value region for a bounded context window.
package truncate

import (
	"fmt"
	"unicode/utf8"
)

// Default head and tail shares applied to tool results before they enter
// the transcript.
const (
	DefaultHead = 4000
	DefaultTail = 4000
)

// Policy holds the head and tail shares used when eliding the middle.
type Policy struct {
	Head int
	Tail int
}

// DefaultPolicy returns the standard per-result policy.
func DefaultPolicy() Policy {
	return Policy{Head: DefaultHead, Tail: DefaultTail}
}

func marker(omitted int) string {
	return fmt.Sprintf("\n... [%d characters omitted] ...\n", omitted)
}

// Apply bounds text using the policy's fixed head and tail shares. Text
// that fits within head+tail comes back unchanged. Truncation never
// lengthens its input.
func (p Policy) Apply(text string) string {
	head, tail := normalizeShares(p.Head, p.Tail)
	if len(text) <= head+tail {
		return text
	}
	out := splice(text, head, tail)
	if len(out) >= len(text) {
		return text
	}
	return out
}

// Cap bounds text to an explicit budget: len(result) <= budget always
// holds, and text already within budget comes back unchanged. The
// policy's head/tail shares are used as-is when they fit, and shrink
// proportionally when the budget is smaller than head+tail.
func (p Policy) Cap(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if len(text) <= budget {
		return text
	}

	head, tail := normalizeShares(p.Head, p.Tail)
	if head+tail > budget {
		share := budget * head / (head + tail)
		head, tail = share, budget-share
	}

	// The marker itself consumes budget; shave the shares until the
	// assembled result fits. Each pass strictly shrinks head+tail, so
	// this terminates.
	for head+tail > 0 {
		m := marker(len(text) - head - tail)
		over := head + tail + len(m) - budget
		if over <= 0 {
			return assemble(text, head, tail, m)
		}
		shaveHead := (over + 1) / 2
		shaveTail := over - shaveHead
		head -= shaveHead
		tail -= shaveTail
		if head < 0 {
			head = 0
		}
		if tail < 0 {
			tail = 0
		}
	}

	// Budget too small for any marker; keep the head only.
	return text[:alignLeft(text, budget)]
}

// HeadTail is shorthand for Policy{head, tail}.Apply.
func HeadTail(text string, head, tail int) string {
	return Policy{Head: head, Tail: tail}.Apply(text)
}

func splice(text string, head, tail int) string {
	m := marker(len(text) - head - tail)
	return assemble(text, head, tail, m)
}

func assemble(text string, head, tail int, m string) string {
	head = alignLeft(text, head)
	tail = alignRight(text, tail)
	return text[:head] + m + text[len(text)-tail:]
}

func normalizeShares(head, tail int) (int, int) {
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if head == 0 && tail == 0 {
		head, tail = DefaultHead, DefaultTail
	}
	return head, tail
}

// alignLeft shrinks n until text[:n] ends on a rune boundary.
func alignLeft(text string, n int) int {
	if n >= len(text) {
		return len(text)
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return n
}

// alignRight shrinks n until text[len-n:] starts on a rune boundary.
func alignRight(text string, n int) int {
	if n >= len(text) {
		return len(text)
	}
	for n > 0 && !utf8.RuneStart(text[len(text)-n]) {
		n--
	}
	return n
}
