package converter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// CompressionOptions configures the deterministic half of the
// history-compression pipeline. The LLM-based summarization strategy itself
// is an external collaborator reached through an interface; everything here
// is the regex/truncation fallback path that always runs regardless of
// whether that collaborator is wired up.
type CompressionOptions struct {
	Enabled bool

	// ThinkingStrategy is one of "discard", "truncate", "keep".
	ThinkingStrategy string
	// ThinkingMaxChars bounds a thinking block's length (in bytes, cut on
	// rune boundaries) when ThinkingStrategy is "truncate".
	ThinkingMaxChars int

	ToolResultMaxLines     int
	ToolUseInputMaxChars   int
	ToolDescriptionMaxChars int
	KeepFirstSystemPairs   int
	MaxHistoryMessages     int
}

// DefaultCompressionOptions mirrors internal/config's getter-with-default
// values so callers that pass a zero-value CompressionOptions still get
// sane behavior.
func DefaultCompressionOptions() CompressionOptions {
	return CompressionOptions{
		Enabled:                 true,
		ThinkingStrategy:        "truncate",
		ThinkingMaxChars:        4000,
		ToolResultMaxLines:      40,
		ToolUseInputMaxChars:    2000,
		ToolDescriptionMaxChars: 1024,
		KeepFirstSystemPairs:    2,
		MaxHistoryMessages:      200,
	}
}

var whitespaceRun = regexp.MustCompile(`[ \t]{2,}`)

// Compress applies whitespace coalescing, thinking-block handling,
// tool_result/tool_use truncation, and history-pair truncation to msgs.
func Compress(msgs []decodedMessage, opts CompressionOptions) []decodedMessage {
	if !opts.Enabled {
		return msgs
	}
	msgs = truncateHistory(msgs, opts.KeepFirstSystemPairs, opts.MaxHistoryMessages)
	for i := range msgs {
		if msgs[i].isPlain {
			msgs[i].plain = coalesceWhitespace(msgs[i].plain)
			continue
		}
		kept := msgs[i].blocks[:0]
		for _, b := range msgs[i].blocks {
			b = compressBlock(b, opts)
			if b.Type == "thinking" && opts.ThinkingStrategy == "discard" {
				continue
			}
			kept = append(kept, b)
		}
		msgs[i].blocks = kept
	}
	return msgs
}

func compressBlock(b ContentBlock, opts CompressionOptions) ContentBlock {
	switch b.Type {
	case "text":
		b.Text = coalesceWhitespace(b.Text)
	case "thinking":
		if opts.ThinkingStrategy == "truncate" {
			b.Thinking = truncateMiddle(b.Thinking, opts.ThinkingMaxChars)
		}
	case "tool_use":
		if len(b.Input) > opts.ToolUseInputMaxChars {
			b.Input = []byte(fmt.Sprintf("%q", truncateMiddle(string(b.Input), opts.ToolUseInputMaxChars)))
		}
	case "tool_result":
		if s, ok := asPlainString(b.Content); ok {
			b.Content = mustJSON(truncateLines(s, opts.ToolResultMaxLines))
		}
	}
	return b
}

func coalesceWhitespace(s string) string {
	return whitespaceRun.ReplaceAllString(s, " ")
}

// truncateLines keeps the first and last half of maxLines lines, replacing
// the middle with an "[N lines omitted]" marker.
func truncateLines(s string, maxLines int) string {
	if maxLines <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	head := maxLines / 2
	tail := maxLines - head
	omitted := len(lines) - head - tail
	out := make([]string, 0, maxLines+1)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("[%d lines omitted]", omitted))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n")
}

// truncateMiddle keeps a rune-safe prefix and suffix of s, replacing the
// middle with a marker. Byte offsets are backed off to the nearest rune
// boundary so a multi-byte codepoint straddling the cut point is never split.
func truncateMiddle(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	half := maxChars / 2
	head := validPrefix(s, half)
	tail := validSuffix(s, len(s)-half)
	return head + fmt.Sprintf("...[%d chars omitted]...", len(s)-maxChars) + tail
}

func validPrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.ValidString(s[:n]) {
		n--
	}
	return s[:n]
}

func validSuffix(s string, n int) string {
	if n <= 0 {
		return s
	}
	for n < len(s) && !utf8.ValidString(s[n:]) {
		n++
	}
	return s[n:]
}

func asPlainString(raw []byte) (string, bool) {
	if len(raw) < 2 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// truncateHistory bounds the conversation length: when msgs exceeds
// maxMessages, the first keepPairs user/assistant pairs are kept intact,
// the newest messages fill the rest of the budget, and the middle is
// dropped on a pair boundary so role alternation survives the cut.
func truncateHistory(msgs []decodedMessage, keepPairs, maxMessages int) []decodedMessage {
	if maxMessages <= 0 || len(msgs) <= maxMessages {
		return msgs
	}
	head := keepPairs * 2
	if head > maxMessages {
		head = maxMessages
	}
	tail := maxMessages - head
	start := len(msgs) - tail
	if (start-head)%2 != 0 {
		start++
	}
	out := make([]decodedMessage, 0, head+len(msgs)-start)
	out = append(out, msgs[:head]...)
	out = append(out, msgs[start:]...)
	return out
}
