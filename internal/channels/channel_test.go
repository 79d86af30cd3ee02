package channels

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short passes through", "hello", 10, "hello"},
		{"exact length passes through", "hello", 5, "hello"},
		{"long gets ellipsis", "hello world", 8, "hello wo..."},
		{"empty", "", 5, ""},
		{"multibyte not split", "héllo wörld", 6, "héllo..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.max)
			if got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("Truncate produced invalid UTF-8: %q", got)
			}
		})
	}
}

func TestSplitMessageShort(t *testing.T) {
	chunks := SplitMessage("hello", 100)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if chunks := SplitMessage("", 100); chunks != nil {
		t.Errorf("chunks = %v, want nil", chunks)
	}
}

func TestSplitMessagePrefersNewline(t *testing.T) {
	content := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	chunks := SplitMessage(content, 100)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("first chunk does not end at newline: %q", chunks[0])
	}
	if chunks[1] != strings.Repeat("b", 60) {
		t.Errorf("second chunk = %q", chunks[1])
	}
}

func TestSplitMessageHardCut(t *testing.T) {
	content := strings.Repeat("a", 250)
	chunks := SplitMessage(content, 100)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d has length %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != content {
		t.Error("chunks do not reassemble to the original content")
	}
}

func TestSplitMessageRuneBoundary(t *testing.T) {
	content := strings.Repeat("é", 60) // 2 bytes per rune
	chunks := SplitMessage(content, 101)

	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is invalid UTF-8: %q", i, c)
		}
	}
	if strings.Join(chunks, "") != content {
		t.Error("chunks do not reassemble to the original content")
	}
}
