// Package normalize turns item description markup into matchable plain text.
package normalize

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// blocks start a new line of output. Everything else is inline.
var blocks = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true, "br": true,
	"dd": true, "div": true, "dl": true, "dt": true, "figcaption": true, "figure": true,
	"footer": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "ol": true, "p": true, "pre": true,
	"section": true, "table": true, "td": true, "th": true, "tr": true, "ul": true,
}

// Text extracts the text of an HTML fragment. Each block element yields one
// line holding its inner text, with images replaced in place by their alt
// text. Lines are joined with newlines in document order and blank lines
// are dropped. Input that cannot be parsed is returned unchanged.
func Text(raw string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return raw
	}

	w := &lineWriter{}
	w.walk(doc.Selection)
	w.flush()
	return strings.Join(w.lines, "\n")
}

type lineWriter struct {
	cur   strings.Builder
	lines []string
}

func (w *lineWriter) walk(sel *goquery.Selection) {
	sel.Contents().Each(func(_ int, s *goquery.Selection) {
		name := goquery.NodeName(s)
		switch {
		case name == "#text":
			w.cur.WriteString(s.Text())
		case name == "img":
			w.cur.WriteString(s.AttrOr("alt", ""))
		case name == "script" || name == "style" || name == "#comment":
		case blocks[name]:
			w.flush()
			w.walk(s)
			w.flush()
		default:
			w.walk(s)
		}
	})
}

func (w *lineWriter) flush() {
	line := w.cur.String()
	w.cur.Reset()
	if strings.TrimSpace(line) != "" {
		w.lines = append(w.lines, line)
	}
}
