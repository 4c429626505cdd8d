// ABOUTME: Single-edge content converters used by the transformation graph
// ABOUTME: goldmark renders and walks Markdown, x/net/html reads HTML, gjson reads JSON

package transform

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"

	"github.com/2389/coven-relay/internal/message"
)

// structuredToJSON unwraps a {"type": ..., "data": ...} envelope into
// pretty-printed JSON. Content without the envelope is treated as the data.
func structuredToJSON(content string, meta map[string]any) (string, error) {
	if !gjson.Valid(content) {
		return "", fmt.Errorf("%w: structured content is not valid JSON", ErrMalformedContent)
	}

	doc := gjson.Parse(content)
	data := doc
	if doc.IsObject() {
		typ := doc.Get("type")
		payload := doc.Get("data")
		if typ.Type == gjson.String && payload.Exists() {
			meta[message.MetaStructuredType] = typ.String()
			data = payload
		}
	}
	return strings.TrimRight(string(pretty.Pretty([]byte(data.Raw))), "\n"), nil
}

// jsonToMarkdown renders a JSON document as nested bullet lists.
func jsonToMarkdown(content string, _ map[string]any) (string, error) {
	if !gjson.Valid(content) {
		return "", fmt.Errorf("%w: content is not valid JSON", ErrMalformedContent)
	}

	var b strings.Builder
	renderJSON(&b, gjson.Parse(content), 0)
	return strings.TrimRight(b.String(), "\n"), nil
}

func renderJSON(b *strings.Builder, r gjson.Result, depth int) {
	indent := strings.Repeat("  ", depth)
	switch {
	case r.IsObject():
		empty := true
		r.ForEach(func(key, value gjson.Result) bool {
			empty = false
			if isScalar(value) {
				fmt.Fprintf(b, "%s- **%s**: %s\n", indent, key.String(), scalarText(value))
			} else {
				fmt.Fprintf(b, "%s- **%s**:\n", indent, key.String())
				renderJSON(b, value, depth+1)
			}
			return true
		})
		if empty {
			fmt.Fprintf(b, "%s- (empty)\n", indent)
		}
	case r.IsArray():
		items := r.Array()
		if len(items) == 0 {
			fmt.Fprintf(b, "%s- (none)\n", indent)
		}
		for i, item := range items {
			if isScalar(item) {
				fmt.Fprintf(b, "%s- %s\n", indent, scalarText(item))
			} else {
				fmt.Fprintf(b, "%s- item %d:\n", indent, i+1)
				renderJSON(b, item, depth+1)
			}
		}
	default:
		b.WriteString(indent + scalarText(r) + "\n")
	}
}

func isScalar(r gjson.Result) bool {
	return !r.IsObject() && !r.IsArray()
}

func scalarText(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return r.String()
	case gjson.Null:
		return "null"
	default:
		return r.Raw
	}
}

func markdownToHTML(content string, _ map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("rendering markdown: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

var markdownParser = goldmark.New().Parser()

// markdownToText walks the Markdown AST and keeps only literal text.
func markdownToText(content string, _ map[string]any) (string, error) {
	src := []byte(content)
	doc := markdownParser.Parse(text.NewReader(src))

	var buf bytes.Buffer
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(src))
				}
				buf.WriteByte('\n')
			}
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if entering {
				buf.WriteString("- ")
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock, *ast.ThematicBreak:
			if !entering {
				buf.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", fmt.Errorf("walking markdown: %w", err)
	}
	return collapseBlankLines(buf.String()), nil
}

func htmlToMarkdown(content string, _ map[string]any) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	w := &htmlWriter{markdown: true}
	w.walk(doc)
	return collapseBlankLines(w.buf.String()), nil
}

func htmlToText(content string, _ map[string]any) (string, error) {
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	w := &htmlWriter{}
	w.walk(doc)
	return collapseBlankLines(w.buf.String()), nil
}

// htmlWriter flattens an HTML tree to Markdown or plain text.
type htmlWriter struct {
	buf      strings.Builder
	markdown bool
	inPre    bool
}

func (w *htmlWriter) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		if w.inPre {
			w.buf.WriteString(n.Data)
		} else {
			w.buf.WriteString(collapseSpace(n.Data))
		}
		return
	case html.ElementNode:
		w.element(n)
		return
	case html.CommentNode, html.DoctypeNode:
		return
	}
	w.children(n)
}

func (w *htmlWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c)
	}
}

func (w *htmlWriter) wrap(n *html.Node, mark string) {
	if w.markdown {
		w.buf.WriteString(mark)
	}
	w.children(n)
	if w.markdown {
		w.buf.WriteString(mark)
	}
}

func (w *htmlWriter) element(n *html.Node) {
	switch n.Data {
	case "script", "style", "head", "template":
	case "h1", "h2", "h3", "h4", "h5", "h6":
		w.buf.WriteString("\n")
		if w.markdown {
			w.buf.WriteString(strings.Repeat("#", int(n.Data[1]-'0')) + " ")
		}
		w.children(n)
		w.buf.WriteString("\n\n")
	case "p", "div", "section", "article", "table":
		w.children(n)
		w.buf.WriteString("\n\n")
	case "tr":
		w.children(n)
		w.buf.WriteString("\n")
	case "td", "th":
		w.children(n)
		w.buf.WriteString(" ")
	case "br":
		w.buf.WriteString("\n")
	case "hr":
		if w.markdown {
			w.buf.WriteString("\n---\n\n")
		} else {
			w.buf.WriteString("\n\n")
		}
	case "strong", "b":
		w.wrap(n, "**")
	case "em", "i":
		w.wrap(n, "*")
	case "code":
		if w.inPre {
			w.children(n)
		} else {
			w.wrap(n, "`")
		}
	case "pre":
		w.inPre = true
		if w.markdown {
			w.buf.WriteString("\n```\n")
		}
		w.children(n)
		if w.markdown {
			w.buf.WriteString("\n```")
		}
		w.buf.WriteString("\n\n")
		w.inPre = false
	case "a":
		if !w.markdown {
			w.children(n)
			return
		}
		w.buf.WriteString("[")
		w.children(n)
		w.buf.WriteString("](" + attr(n, "href") + ")")
	case "ul", "ol":
		w.buf.WriteString("\n")
		w.children(n)
		w.buf.WriteString("\n")
	case "li":
		w.buf.WriteString("- ")
		w.children(n)
		w.buf.WriteString("\n")
	case "blockquote":
		if w.markdown {
			w.buf.WriteString("> ")
		}
		w.children(n)
		w.buf.WriteString("\n\n")
	default:
		w.children(n)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// collapseSpace folds runs of whitespace into single spaces, keeping a
// single leading or trailing space when the input had one.
func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if strings.TrimLeft(s, " \t\r\n") != s {
		out = " " + out
	}
	if strings.TrimRight(s, " \t\r\n") != s {
		out += " "
	}
	return out
}

// collapseBlankLines trims trailing spaces per line, keeps at most one blank
// line between blocks and trims the result.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		line = strings.TrimLeft(line, " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
