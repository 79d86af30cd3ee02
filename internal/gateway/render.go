package gateway

import "regexp"

// WhatsApp renders *bold* and _italic_ but not markdown headings,
// double-asterisk bold, or bracketed links; those arrive as literal
// punctuation. Telegram and Discord receive the answer untouched:
// Discord renders markdown natively and Telegram messages are sent
// without a parse mode.
var (
	headingRe = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+)$`)
	boldRe    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// RenderFor adapts agent output to the target channel's formatting.
func RenderFor(channel, text string) string {
	if channel == "whatsapp" {
		return renderWhatsApp(text)
	}
	return text
}

func renderWhatsApp(text string) string {
	out := headingRe.ReplaceAllString(text, "*$1*")
	out = boldRe.ReplaceAllString(out, "*$1*")
	out = linkRe.ReplaceAllString(out, "$1 ($2)")
	return out
}
