package dispatch

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessageShort(t *testing.T) {
	chunks := splitMessage("hello", 4096)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks %v", chunks)
	}
	if chunks := splitMessage("", 4096); chunks != nil {
		t.Fatalf("empty text should yield no chunks, got %v", chunks)
	}
}

func TestSplitMessageLimits(t *testing.T) {
	words := strings.Repeat("word ", 2000) // 10000 bytes
	chunks := splitMessage(words, 4096)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 4096 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	text := strings.Repeat("a", 90) + "\n" + strings.Repeat("b", 20)
	chunks := splitMessage(text, 100)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 90) {
		t.Errorf("expected split at newline, got %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 20) {
		t.Errorf("split whitespace should be dropped, got %q", chunks[1])
	}
}

func TestSplitMessageWordBoundary(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("alpha ", 50))
	for _, chunk := range splitMessage(text, 64) {
		if strings.HasSuffix(chunk, " ") || strings.HasPrefix(chunk, " ") {
			t.Errorf("chunk carries split whitespace: %q", chunk)
		}
		if !strings.HasSuffix(chunk, "alpha") {
			t.Errorf("chunk cut mid-word: %q", chunk)
		}
	}
}

func TestSplitMessageMultiByteSafe(t *testing.T) {
	// No whitespace anywhere, so every split lands on the byte limit and
	// must back off to a rune boundary.
	text := strings.Repeat("日本語", 200)
	for i, chunk := range splitMessage(text, 100) {
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %d split inside a UTF-8 sequence", i)
		}
		if len(chunk) > 100 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
	}
	if got := strings.Join(splitMessage(text, 100), ""); got != text {
		t.Error("chunks do not reassemble the original text")
	}
}

func TestSplitMessageNoWhitespace(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := splitMessage(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Error("hard splits must preserve all bytes")
	}
}
