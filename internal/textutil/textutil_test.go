package textutil

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// StripANSI
// ---------------------------------------------------------------------------

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\nworld", "hello\nworld"},
		{"color codes", "\x1b[31mred\x1b[0m text", "red text"},
		{"cursor movement", "\x1b[2J\x1b[Hprompt", "prompt"},
		{"osc title", "\x1b]0;my title\x07body", "body"},
		{"carriage returns", "line1\r\nline2\rline3", "line1\nline2\nline3"},
		{"control chars", "a\x08b\x00c", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripANSI(tt.in); got != tt.want {
				t.Errorf("StripANSI(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// SplitForChat
// ---------------------------------------------------------------------------

func TestSplitShortMessage(t *testing.T) {
	chunks := SplitForChat("Hello, world!", MaxMessageLength)
	if len(chunks) != 1 || chunks[0] != "Hello, world!" {
		t.Fatalf("got %v, want single unchanged chunk", chunks)
	}
}

func TestSplitExactlyAtLimit(t *testing.T) {
	msg := strings.Repeat("a", MaxMessageLength)
	chunks := SplitForChat(msg, MaxMessageLength)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
}

func TestSplitJustOverLimit(t *testing.T) {
	msg := strings.Repeat("a", MaxMessageLength+1)
	chunks := SplitForChat(msg, MaxMessageLength)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > MaxMessageLength {
			t.Errorf("chunk %d has %d runes, over limit", i, n)
		}
	}
}

func TestSplitMultibyteContent(t *testing.T) {
	msg := strings.Repeat("界", 2500)
	chunks := SplitForChat(msg, MaxMessageLength)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if strings.Join(chunks, "") != msg {
		t.Error("chunks do not reassemble to original message")
	}
}

func TestSplitPrefersNewlineBreak(t *testing.T) {
	msg := strings.Repeat("a", 1500) + "\n" + strings.Repeat("b", 800)
	chunks := SplitForChat(msg, MaxMessageLength)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Error("first chunk should end at the newline boundary")
	}
	if !strings.HasPrefix(chunks[1], "b") {
		t.Errorf("second chunk starts with %q, want b", chunks[1][:1])
	}
}

func TestSplitReopensCodeFence(t *testing.T) {
	msg := "```go\n" + strings.Repeat("x := 1\n", 400) + "```\n"
	chunks := SplitForChat(msg, MaxMessageLength)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(strings.TrimSpace(chunks[0]), "```") {
		t.Error("first chunk should close its open fence")
	}
	if !strings.HasPrefix(chunks[1], "```go\n") {
		t.Errorf("second chunk should reopen the fence with language tag, got %q", chunks[1][:10])
	}
}

// ---------------------------------------------------------------------------
// ExtractFilePaths / StripFilePaths
// ---------------------------------------------------------------------------

func TestExtractFilePathsDeduplicates(t *testing.T) {
	text := "See `/tmp/a.png` and again /tmp/a.png and /tmp/b.pdf"
	got := ExtractFilePaths(text)
	want := []string{"/tmp/a.png", "/tmp/b.pdf"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("path %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestExtractFilePathsIgnoresUnsupportedExtensions(t *testing.T) {
	if got := ExtractFilePaths("built /tmp/a.out and /usr/bin/env"); len(got) != 0 {
		t.Errorf("got %v, want none", got)
	}
}

func TestStripFilePathsRemovesAllForms(t *testing.T) {
	path := "/tmp/project/out.png"
	text := "Result: ![chart](" + path + ") see `" + path + "` or " + path
	stripped := StripFilePaths(text, []string{path})
	if strings.Contains(stripped, path) {
		t.Errorf("path still present in %q", stripped)
	}
	if !strings.Contains(stripped, "Result:") {
		t.Errorf("surrounding text lost: %q", stripped)
	}
}

func TestStripFilePathsCollapsesBlankLines(t *testing.T) {
	path := "/tmp/x.csv"
	text := "before\n\n" + path + "\n\n\nafter"
	stripped := StripFilePaths(text, []string{path})
	if strings.Contains(stripped, "\n\n\n") {
		t.Errorf("blank lines not collapsed: %q", stripped)
	}
}
