package dispatch

import (
	"strings"
	"unicode/utf8"
)

// whitespaceWindow bounds how far back from the limit a split point is
// searched before giving up and cutting at the limit.
const whitespaceWindow = 256

// splitMessage cuts text into chunks of at most limit bytes. Splits prefer
// whitespace within the search window (newlines over spaces), never land
// inside a UTF-8 sequence, and drop the whitespace the split consumed.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}

		if at := splitPoint(text[:cut]); at > 0 {
			chunks = append(chunks, text[:at])
			text = strings.TrimLeft(text[at:], " \t\n\r")
			continue
		}

		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// splitPoint returns the index of the best whitespace split in s, searching
// only the trailing window. Newlines win over spaces and tabs. Returns -1
// when the window holds no whitespace.
func splitPoint(s string) int {
	min := len(s) - whitespaceWindow
	if min < 0 {
		min = 0
	}
	if at := strings.LastIndexByte(s, '\n'); at >= min {
		return at
	}
	if at := strings.LastIndexAny(s, " \t"); at >= min {
		return at
	}
	return -1
}
