package channels

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"
)

// Truncate shortens a string to max bytes on a rune boundary, appending
// "..." when cut. Used for log previews of message bodies.
func Truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// SplitMessage breaks content into transport-sized chunks, preferring a
// newline boundary past the midpoint and never splitting a rune. Empty
// content yields no chunks.
func SplitMessage(content string, max int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	for len(content) > max {
		cut := max
		if idx := strings.LastIndexByte(content[:max], '\n'); idx > max/2 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}

// Typer is implemented by channels that can show a typing indicator
// while a turn is in flight.
type Typer interface {
	Typing(ctx context.Context, accountID, to string) error
}

// ReadMarker is implemented by channels able to mark inbound messages
// as read.
type ReadMarker interface {
	MarkRead(accountID, chatID, messageID string) error
}

// ConnectionTracker reports when an account's transport session last
// connected. Anchors the pairing grace window.
type ConnectionTracker interface {
	ConnectedAt(accountID string) (time.Time, bool)
}
