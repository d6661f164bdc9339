package whatsapp

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var mdParser = goldmark.New(goldmark.WithExtensions(extension.Strikethrough)).Parser()

// Markup rewrites Markdown from the model into WhatsApp formatting:
// **bold** and headings become *bold*, *em* becomes _em_, ~~del~~ becomes
// ~del~, list items get bullets, and links keep their URL in brackets.
// Text without Markdown comes back unchanged apart from trimming.
func Markup(md string) string {
	src := []byte(md)
	r := &markupWriter{src: src}
	r.blocks(mdParser.Parse(text.NewReader(src)))

	out := strings.TrimSpace(r.b.String())
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	if out == "" {
		return strings.TrimSpace(md)
	}
	return out
}

type markupWriter struct {
	src []byte
	b   strings.Builder
}

func (r *markupWriter) sub(n ast.Node, inline bool) string {
	w := &markupWriter{src: r.src}
	if inline {
		w.inlines(n)
	} else {
		w.blocks(n)
	}
	return w.b.String()
}

func (r *markupWriter) blocks(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.block(n)
	}
}

func (r *markupWriter) block(n ast.Node) {
	switch n := n.(type) {
	case *ast.Heading:
		r.b.WriteString("*" + strings.TrimSpace(r.sub(n, true)) + "*\n\n")
	case *ast.Paragraph:
		r.inlines(n)
		r.b.WriteString("\n\n")
	case *ast.TextBlock:
		r.inlines(n)
		r.b.WriteString("\n")
	case *ast.List:
		r.list(n)
		r.b.WriteString("\n")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		r.b.WriteString("```\n")
		r.lines(n)
		r.b.WriteString("```\n\n")
	case *ast.Blockquote:
		body := strings.TrimSpace(r.sub(n, false))
		r.b.WriteString("> " + strings.ReplaceAll(body, "\n", "\n> ") + "\n\n")
	case *ast.ThematicBreak:
		r.b.WriteString("───\n\n")
	case *ast.HTMLBlock:
		r.lines(n)
		r.b.WriteString("\n")
	default:
		r.blocks(n)
	}
}

func (r *markupWriter) list(l *ast.List) {
	num := l.Start
	for item := l.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "• "
		if l.IsOrdered() {
			marker = strconv.Itoa(num) + ". "
			num++
		}
		body := strings.TrimSpace(r.sub(item, false))
		indent := strings.Repeat(" ", utf8.RuneCountInString(marker))
		r.b.WriteString(marker + strings.ReplaceAll(body, "\n", "\n"+indent) + "\n")
	}
}

func (r *markupWriter) lines(n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.b.Write(seg.Value(r.src))
	}
}

func (r *markupWriter) inlines(parent ast.Node) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		r.inline(n)
	}
}

func (r *markupWriter) inline(n ast.Node) {
	switch n := n.(type) {
	case *ast.Text:
		r.b.Write(n.Segment.Value(r.src))
		if n.SoftLineBreak() || n.HardLineBreak() {
			r.b.WriteByte('\n')
		}
	case *ast.String:
		r.b.Write(n.Value)
	case *ast.Emphasis:
		mark := "_"
		if n.Level >= 2 {
			mark = "*"
		}
		r.b.WriteString(mark + r.sub(n, true) + mark)
	case *east.Strikethrough:
		r.b.WriteString("~" + r.sub(n, true) + "~")
	case *ast.CodeSpan:
		r.b.WriteString("`" + r.sub(n, true) + "`")
	case *ast.Link:
		label, dest := r.sub(n, true), string(n.Destination)
		r.b.WriteString(label)
		if dest != "" && dest != label {
			r.b.WriteString(" (" + dest + ")")
		}
	case *ast.AutoLink:
		r.b.Write(n.URL(r.src))
	case *ast.Image:
		r.inlines(n)
	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			r.b.Write(seg.Value(r.src))
		}
	default:
		r.inlines(n)
	}
}
