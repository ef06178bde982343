// Package sanitize neutralizes user-supplied chat text so it can never be
// interpreted as markup by a rendering client.
package sanitize

import (
	"html"
	"strings"
	"unicode"

	xhtml "golang.org/x/net/html"
)

// rawText elements have their content dropped along with the tags.
var rawText = map[string]bool{
	"script":   true,
	"style":    true,
	"textarea": true,
	"option":   true,
	"noscript": true,
	"iframe":   true,
	"xmp":      true,
	"noembed":  true,
	"noframes": true,
	"title":    true,
}

// Text removes every tag, drops the content of script-like elements,
// escapes what remains and strips control characters other than newline
// and tab. The result is trimmed.
func Text(s string) string {
	z := xhtml.NewTokenizer(strings.NewReader(s))

	var b strings.Builder
	skipDepth := 0
	for {
		switch z.Next() {
		case xhtml.ErrorToken:
			// io.EOF, or a reader error a strings.Reader never produces.
			return finish(b.String())
		case xhtml.TextToken:
			if skipDepth == 0 {
				b.WriteString(html.EscapeString(string(z.Text())))
			}
		case xhtml.StartTagToken:
			name, _ := z.TagName()
			if rawText[string(name)] {
				skipDepth++
			}
		case xhtml.EndTagToken:
			name, _ := z.TagName()
			if rawText[string(name)] && skipDepth > 0 {
				skipDepth--
			}
		}
	}
}

func finish(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}
