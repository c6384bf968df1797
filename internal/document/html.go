package document

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// section is one header-delimited run of an HTML document.
type section struct {
	title string
	text  string
}

var headerTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
}

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true, "title": true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "li": true, "tr": true, "br": true,
	"section": true, "article": true, "table": true, "ul": true, "ol": true,
}

// splitHTMLSections parses HTML and returns one section per H1..H5 run.
// Content before the first header becomes an untitled leading section.
// Sections with no body text are dropped.
func splitHTMLSections(r io.Reader) ([]section, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var (
		sections []section
		cur      section
		buf      strings.Builder
	)

	flush := func() {
		if text := strings.TrimSpace(buf.String()); text != "" {
			cur.text = text
			sections = append(sections, cur)
		}
		buf.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipTags[n.Data] {
				return
			}
			if headerTags[n.Data] {
				flush()
				cur = section{title: collapseSpace(textContent(n))}
				return
			}
		}
		if n.Type == html.TextNode {
			appendText(&buf, n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			buf.WriteByte('\n')
		}
	}
	walk(root)
	flush()

	return sections, nil
}

// textContent concatenates the text nodes under n.
func textContent(n *html.Node) string {
	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			appendText(&buf, n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return buf.String()
}

func appendText(buf *strings.Builder, raw string) {
	t := strings.TrimSpace(raw)
	if t == "" {
		return
	}
	if buf.Len() > 0 {
		last := buf.String()[buf.Len()-1]
		if last != ' ' && last != '\n' {
			buf.WriteByte(' ')
		}
	}
	buf.WriteString(collapseSpace(t))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
