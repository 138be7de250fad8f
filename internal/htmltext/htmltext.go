// Package htmltext derives a plain text body from an HTML email body.
package htmltext

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "section": true, "header": true, "footer": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "head": true, "title": true,
}

// FromHTML strips markup, keeps link targets next to their text and collapses
// whitespace so that each block ends up on its own line.
func FromHTML(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(html)
	}

	var b strings.Builder
	walk(doc.Selection, &b)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func walk(s *goquery.Selection, b *strings.Builder) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		name := goquery.NodeName(c)
		switch {
		case name == "#text":
			b.WriteString(c.Text())
		case skipTags[name], name == "#comment":
		case name == "a":
			text := strings.Join(strings.Fields(c.Text()), " ")
			href, _ := c.Attr("href")
			b.WriteString(text)
			if href != "" && text != "" && text != href && !strings.HasPrefix(href, "mailto:") {
				b.WriteString(" (" + href + ")")
			}
		default:
			block := blockTags[name]
			if block {
				b.WriteByte('\n')
			}
			walk(c, b)
			if block {
				b.WriteByte('\n')
			}
		}
	})
}
