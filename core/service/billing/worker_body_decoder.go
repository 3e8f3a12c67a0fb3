package billing

import (
	"bytes"
	"mime"
	"strings"
	"unicode/utf8"

	"billscan_worker/core/port/out"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultHTMLBudget is the character budget of StructuredHTML.
const DefaultHTMLBudget = 12000

// DecodedBody holds the first text/plain and text/html parts of a message.
type DecodedBody struct {
	Text string
	HTML string
}

func (b DecodedBody) Empty() bool {
	return strings.TrimSpace(b.Text) == "" && strings.TrimSpace(b.HTML) == ""
}

// DecodeBody walks the part tree depth-first. A single-part body without a
// usable MIME type is taken as HTML when it looks like markup, text otherwise.
func DecodeBody(root *out.MessagePart) DecodedBody {
	var body DecodedBody
	walkParts(root, &body)
	if body.Empty() && root != nil && len(root.Data) > 0 {
		raw := toUTF8(root.Data, charsetOf(root))
		if looksLikeHTML(raw) {
			body.HTML = raw
		} else {
			body.Text = raw
		}
	}
	return body
}

func walkParts(p *out.MessagePart, body *DecodedBody) {
	if p == nil {
		return
	}
	if p.Filename == "" && len(p.Data) > 0 {
		mediaType := strings.ToLower(p.MimeType)
		switch {
		case mediaType == "text/plain" && body.Text == "":
			body.Text = toUTF8(p.Data, charsetOf(p))
		case mediaType == "text/html" && body.HTML == "":
			body.HTML = toUTF8(p.Data, charsetOf(p))
		}
	}
	for _, child := range p.Parts {
		walkParts(child, body)
	}
}

func charsetOf(p *out.MessagePart) string {
	ct := p.Header("Content-Type")
	if ct == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

func toUTF8(data []byte, charset string) string {
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return strings.ToValidUTF8(string(data), "�")
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(decoded)
}

func looksLikeHTML(s string) bool {
	head := strings.ToLower(s)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<body") ||
		strings.Contains(head, "<table") || strings.Contains(head, "<div") ||
		strings.Contains(head, "<p>") || strings.Contains(head, "<br")
}

// PlainText prefers the text/plain part and strips the HTML part otherwise.
func (b DecodedBody) PlainText() string {
	if strings.TrimSpace(b.Text) != "" {
		return collapseLines(b.Text)
	}
	if b.HTML == "" {
		return ""
	}
	return StripHTML(b.HTML)
}

// StructuredHTML returns the cleaned HTML part truncated to budget runes,
// or the plain text when the message has no HTML part.
func (b DecodedBody) StructuredHTML(budget int) string {
	if budget <= 0 {
		budget = DefaultHTMLBudget
	}
	if strings.TrimSpace(b.HTML) == "" {
		return truncateRunes(collapseLines(b.Text), budget)
	}
	return truncateRunes(CleanHTML(b.HTML), budget)
}

var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Head:     true,
	atom.Title:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Ul: true,
	atom.Ol: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Blockquote: true, atom.Pre: true,
	atom.Hr: true, atom.Table: true, atom.Tr: true, atom.Center: true,
}

var tableElements = map[atom.Atom]bool{
	atom.Table: true, atom.Thead: true, atom.Tbody: true, atom.Tfoot: true,
	atom.Tr: true, atom.Td: true, atom.Th: true,
}

// StripHTML removes all markup. Block tags become newlines, entities are decoded.
func StripHTML(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return collapseLines(src)
	}
	var buf strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.CommentNode:
			return
		case html.TextNode:
			buf.WriteString(n.Data)
			return
		case html.ElementNode:
			if skippedElements[n.DataAtom] {
				return
			}
			if blockElements[n.DataAtom] {
				buf.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Td || n.DataAtom == atom.Th:
				buf.WriteByte(' ')
			case blockElements[n.DataAtom]:
				buf.WriteByte('\n')
			}
		}
	}
	walk(doc)
	return collapseLines(buf.String())
}

// CleanHTML keeps table markup and text, drops everything else.
func CleanHTML(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return collapseLines(src)
	}
	var buf bytes.Buffer
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.CommentNode:
			return
		case html.TextNode:
			text := strings.Join(strings.Fields(n.Data), " ")
			if text != "" {
				buf.WriteString(html.EscapeString(text))
				buf.WriteByte(' ')
			}
			return
		case html.ElementNode:
			if skippedElements[n.DataAtom] {
				return
			}
			if tableElements[n.DataAtom] {
				writeOpenTag(&buf, n)
			} else if blockElements[n.DataAtom] {
				buf.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && tableElements[n.DataAtom] {
			buf.WriteString("</" + n.Data + ">")
			if n.DataAtom == atom.Tr || n.DataAtom == atom.Table {
				buf.WriteByte('\n')
			}
		}
	}
	walk(doc)
	return collapseLines(buf.String())
}

func writeOpenTag(buf *bytes.Buffer, n *html.Node) {
	buf.WriteString("<" + n.Data)
	for _, a := range n.Attr {
		if a.Key == "colspan" || a.Key == "rowspan" {
			buf.WriteString(" " + a.Key + `="` + html.EscapeString(a.Val) + `"`)
		}
	}
	buf.WriteByte('>')
}

func collapseLines(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func truncateRunes(s string, budget int) string {
	if utf8.RuneCountInString(s) <= budget {
		return s
	}
	n := 0
	for i := range s {
		if n == budget {
			return s[:i]
		}
		n++
	}
	return s
}
