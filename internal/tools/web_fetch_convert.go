package tools

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// extractJSON pretty-prints JSON content, falling back to raw bytes.
func extractJSON(body []byte) (string, string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err == nil {
		formatted, _ := json.MarshalIndent(data, "", "  ")
		return string(formatted), "json"
	}
	return string(body), "raw"
}

// nonContentRes match the elements that never carry article text.
// One regexp per tag pair; RE2 has no backreferences to pair an
// opening tag with its own closer in a single pattern.
var nonContentRes = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[\s\S]*?</script>`),
	regexp.MustCompile(`(?is)<style[\s\S]*?</style>`),
	regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`),
	regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`),
	regexp.MustCompile(`<!--[\s\S]*?-->`),
}

var (
	reHeading   = regexp.MustCompile(`(?i)<h([1-6])[^>]*>([\s\S]*?)</h[1-6]>`)
	rePre       = regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`)
	reCode      = regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`)
	reAnchor    = regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	reStrong    = regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	reEm        = regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
	reParagraph = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	reBreak     = regexp.MustCompile(`(?i)<br\s*/?>`)
	reListItem  = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
	reAnyTag    = regexp.MustCompile(`<[^>]+>`)
	reMultiNL   = regexp.MustCompile(`\n{3,}`)
	reMultiSP   = regexp.MustCompile(`[ \t]{2,}`)
)

type htmlRule struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: pre and code before the generic tag strip, inline
// styles before block elements so their markers survive.
var markdownRules = []htmlRule{
	{rePre, "\n```\n$1\n```\n"},
	{reCode, "`$1`"},
	{reAnchor, "[$2]($1)"},
	{reStrong, "**$1**"},
	{reEm, "*$1*"},
	{reParagraph, "\n$1\n"},
	{reBreak, "\n"},
	{reListItem, "\n- $1"},
}

var textRules = []htmlRule{
	{reParagraph, "\n$1\n"},
	{reBreak, "\n"},
	{reListItem, "\n- $1"},
}

// htmlToMarkdown converts HTML to a markdown-like format. Not a full
// Readability implementation but covers common article structure.
func htmlToMarkdown(page string) string {
	s := stripNonContent(page)

	s = reHeading.ReplaceAllStringFunc(s, func(match string) string {
		m := reHeading.FindStringSubmatch(match)
		level := int(m[1][0] - '0')
		return "\n" + strings.Repeat("#", level) + " " + m[2] + "\n"
	})
	for _, rule := range markdownRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	s = reAnyTag.ReplaceAllString(s, "")

	return strings.TrimSpace(tidyText(s))
}

// htmlToText extracts plain text from HTML content.
func htmlToText(page string) string {
	s := stripNonContent(page)
	for _, rule := range textRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	s = reAnyTag.ReplaceAllString(s, "")
	s = tidyText(s)

	var clean []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

func stripNonContent(s string) string {
	for _, re := range nonContentRes {
		s = re.ReplaceAllString(s, "")
	}
	return s
}

// tidyText decodes entities and collapses runs of blank lines and
// spaces. UnescapeString emits U+00A0 for &nbsp;, which the space
// collapse would otherwise miss.
func tidyText(s string) string {
	s = html.UnescapeString(s)
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = reMultiNL.ReplaceAllString(s, "\n\n")
	return reMultiSP.ReplaceAllString(s, " ")
}
