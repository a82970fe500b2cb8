package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const (
	listIndent  = 6.0
	quoteIndent = 8.0
	maxTableCol = 6
)

var headingSizes = map[int]float64{1: 16, 2: 14, 3: 12, 4: 11}

var markdownParser = goldmark.New(
	goldmark.WithExtensions(extension.Table, extension.Strikethrough, extension.Linkify),
)

// Markdown renders Markdown source as a PDF document.
func Markdown(source []byte, opts Options) ([]byte, error) {
	doc := newDocument(opts)
	if err := writeMarkdown(doc, source); err != nil {
		return nil, err
	}
	return doc.bytes()
}

func writeMarkdown(doc *document, source []byte) error {
	doc.header()
	root := markdownParser.Parser().Parse(text.NewReader(source))
	w := &mdWriter{doc: doc, source: source}
	w.baseLeft, _, _, _ = doc.pdf.GetMargins()
	if err := ast.Walk(root, w.walk); err != nil {
		return fmt.Errorf("render markdown: %w", err)
	}
	return nil
}

type listState struct {
	ordered bool
	next    int
}

type mdWriter struct {
	doc      *document
	source   []byte
	baseLeft float64

	bold   bool
	italic bool
	link   string
	size   float64
	lists  []listState
	quotes int
}

func (w *mdWriter) setFont() {
	style := ""
	if w.bold {
		style += "B"
	}
	if w.italic {
		style += "I"
	}
	size := w.size
	if size == 0 {
		size = baseSize
	}
	w.doc.pdf.SetFont(fontFamily, style, size)
}

func (w *mdWriter) indent() {
	left := w.baseLeft + float64(len(w.lists))*listIndent + float64(w.quotes)*quoteIndent
	w.doc.pdf.SetLeftMargin(left)
	w.doc.pdf.SetX(left)
}

// newline moves to a fresh line unless the cursor already sits at the margin.
func (w *mdWriter) newline() {
	left, _, _, _ := w.doc.pdf.GetMargins()
	if w.doc.pdf.GetX() > left+0.01 {
		w.doc.pdf.Ln(lineHeight)
	}
}

func (w *mdWriter) write(s string) {
	if s == "" {
		return
	}
	if w.link != "" {
		w.doc.pdf.WriteLinkString(lineHeight, w.doc.tr(s), w.link)
		return
	}
	w.doc.pdf.Write(lineHeight, w.doc.tr(s))
}

func (w *mdWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		w.heading(node, entering)
	case *ast.Paragraph:
		if entering {
			w.newline()
		} else {
			w.doc.pdf.Ln(lineHeight + 1.5)
		}
	case *ast.TextBlock:
		if !entering && node.NextSibling() != nil {
			w.doc.pdf.Ln(lineHeight)
		}
	case *ast.Text:
		if entering {
			w.write(string(node.Segment.Value(w.source)))
			switch {
			case node.HardLineBreak():
				w.doc.pdf.Ln(lineHeight)
			case node.SoftLineBreak():
				w.write(" ")
			}
		}
	case *ast.String:
		if entering {
			w.write(string(node.Value))
		}
	case *ast.Emphasis:
		if node.Level >= 2 {
			w.bold = entering
		} else {
			w.italic = entering
		}
		w.setFont()
	case *extast.Strikethrough:
		// rendered as plain text
	case *ast.CodeSpan:
		if entering {
			w.doc.pdf.SetFont("Courier", "", baseSize)
			w.write(plainText(node, w.source))
			w.setFont()
		}
		return ast.WalkSkipChildren, nil
	case *ast.FencedCodeBlock:
		if entering {
			w.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			w.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.Link:
		w.linkTo(string(node.Destination), entering)
	case *ast.AutoLink:
		if entering {
			w.linkTo(string(node.URL(w.source)), true)
			w.write(string(node.Label(w.source)))
			w.linkTo("", false)
		}
		return ast.WalkSkipChildren, nil
	case *ast.Image:
		if entering {
			alt := plainText(node, w.source)
			if alt == "" {
				alt = "image"
			}
			w.write("[" + alt + "]")
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		w.list(node, entering)
	case *ast.ListItem:
		w.listItem(entering)
	case *ast.Blockquote:
		w.blockquote(entering)
	case *ast.ThematicBreak:
		if entering {
			w.newline()
			w.doc.rule()
		}
	case *extast.Table:
		if entering {
			w.table(node)
		}
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock, *ast.RawHTML:
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (w *mdWriter) heading(n *ast.Heading, entering bool) {
	if entering {
		w.newline()
		w.doc.pdf.Ln(2)
		size, ok := headingSizes[n.Level]
		if !ok {
			size = baseSize + 0.5
		}
		w.bold, w.size = true, size
		w.setFont()
		return
	}
	w.doc.pdf.Ln(w.size*0.5 + 1)
	w.bold, w.size = false, 0
	w.setFont()
}

func (w *mdWriter) linkTo(dest string, entering bool) {
	if entering && dest != "" {
		w.link = dest
		w.doc.pdf.SetTextColor(20, 70, 170)
		return
	}
	w.link = ""
	w.doc.pdf.SetTextColor(0, 0, 0)
}

func (w *mdWriter) codeBlock(lines *text.Segments) {
	w.newline()
	w.doc.pdf.SetFont("Courier", "", 8.5)
	w.doc.pdf.SetFillColor(245, 245, 245)
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		txt := strings.TrimRight(string(line.Value(w.source)), "\r\n")
		w.doc.pdf.MultiCell(0, 4.2, w.doc.tr(txt), "", "L", true)
	}
	w.doc.pdf.SetFillColor(255, 255, 255)
	w.doc.pdf.Ln(2)
	w.setFont()
}

func (w *mdWriter) list(n *ast.List, entering bool) {
	if entering {
		w.newline()
		w.lists = append(w.lists, listState{ordered: n.IsOrdered(), next: n.Start})
		w.indent()
		return
	}
	w.lists = w.lists[:len(w.lists)-1]
	w.indent()
	if len(w.lists) == 0 {
		w.doc.pdf.Ln(1.5)
	}
}

func (w *mdWriter) listItem(entering bool) {
	if !entering {
		w.newline()
		return
	}
	w.newline()
	top := &w.lists[len(w.lists)-1]
	marker := "•"
	if top.ordered {
		marker = strconv.Itoa(top.next) + "."
		top.next++
	}
	left, _, _, _ := w.doc.pdf.GetMargins()
	w.doc.pdf.SetX(left - listIndent + 1)
	w.doc.pdf.CellFormat(listIndent-1, lineHeight, w.doc.tr(marker), "", 0, "L", false, 0, "")
}

func (w *mdWriter) blockquote(entering bool) {
	w.newline()
	if entering {
		w.quotes++
		w.italic = true
		w.doc.pdf.SetTextColor(90, 90, 90)
	} else {
		w.quotes--
		w.italic = w.quotes > 0
		if w.quotes == 0 {
			w.doc.pdf.SetTextColor(0, 0, 0)
		}
	}
	w.indent()
	w.setFont()
}

func (w *mdWriter) table(n *extast.Table) {
	var rows [][]string
	var collect func(node ast.Node)
	collect = func(node ast.Node) {
		for child := node.FirstChild(); child != nil; child = child.NextSibling() {
			switch child.(type) {
			case *extast.TableHeader, *extast.TableRow:
				var row []string
				for cell := child.FirstChild(); cell != nil; cell = cell.NextSibling() {
					row = append(row, plainText(cell, w.source))
				}
				rows = append(rows, row)
			}
		}
	}
	collect(n)
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}

	cols := min(len(rows[0]), maxTableCol)
	left, _, right, _ := w.doc.pdf.GetMargins()
	pageWidth, _ := w.doc.pdf.GetPageSize()
	colWidth := (pageWidth - left - right) / float64(cols)

	w.newline()
	w.doc.pdf.SetFont(fontFamily, "", 8)
	for i, row := range rows {
		fill := i == 0
		if fill {
			w.doc.pdf.SetFillColor(230, 230, 230)
		}
		for j := 0; j < cols; j++ {
			cell := ""
			if j < len(row) {
				cell = w.fit(row[j], colWidth-2)
			}
			w.doc.pdf.CellFormat(colWidth, 6, w.doc.tr(cell), "1", 0, "L", fill, 0, "")
		}
		w.doc.pdf.Ln(6)
		w.doc.pdf.SetFillColor(255, 255, 255)
	}
	w.doc.pdf.Ln(2)
	w.setFont()
}

// fit truncates s with an ellipsis so it fits width at the current font.
func (w *mdWriter) fit(s string, width float64) string {
	if w.doc.pdf.GetStringWidth(w.doc.tr(s)) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && w.doc.pdf.GetStringWidth(w.doc.tr(string(runes)+"...")) > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "..."
}

// plainText concatenates the text below n.
func plainText(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := child.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			sb.Write(t.Value)
		case *ast.AutoLink:
			sb.Write(t.Label(source))
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}
