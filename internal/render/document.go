// Package render produces the PDF documents the capture strategies return:
// Markdown pages, degraded page summaries and placeholders.
package render

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// ContentType is the MIME type of every rendered document.
const ContentType = "application/pdf"

// Extension is the file extension of every rendered document.
const Extension = "pdf"

const (
	fontFamily = "Helvetica"
	baseSize   = 10.0
	lineHeight = 5.0
	margin     = 15.0
)

// Options describes the page and the header printed above the content.
type Options struct {
	Landscape  bool
	Title      string
	SourceURL  string
	CapturedAt time.Time
	// Banner is printed in a shaded box at the top when set.
	Banner string
}

type document struct {
	pdf  *fpdf.Fpdf
	tr   func(string) string
	opts Options
}

func newDocument(opts Options) *document {
	orientation := "P"
	if opts.Landscape {
		orientation = "L"
	}
	pdf := fpdf.New(orientation, "mm", "A4", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetCreator("pagecapture", true)
	if opts.Title != "" {
		pdf.SetTitle(opts.Title, true)
	}
	if !opts.CapturedAt.IsZero() {
		pdf.SetCreationDate(opts.CapturedAt)
	}
	d := &document{
		pdf:  pdf,
		tr:   pdf.UnicodeTranslatorFromDescriptor(""),
		opts: opts,
	}
	pdf.AddPage()
	pdf.SetFont(fontFamily, "", baseSize)
	return d
}

// header prints the banner and the source line.
func (d *document) header() {
	if d.opts.Banner != "" {
		d.pdf.SetFont(fontFamily, "B", 11)
		d.pdf.SetFillColor(238, 238, 238)
		d.pdf.CellFormat(0, 9, d.tr(d.opts.Banner), "1", 1, "C", true, 0, "")
		d.pdf.SetFillColor(255, 255, 255)
		d.pdf.Ln(2)
	}
	if d.opts.SourceURL == "" && d.opts.CapturedAt.IsZero() {
		d.pdf.SetFont(fontFamily, "", baseSize)
		return
	}
	d.pdf.SetFont(fontFamily, "", 8)
	d.pdf.SetTextColor(110, 110, 110)
	if d.opts.SourceURL != "" {
		d.pdf.Write(4, d.tr("Source: "))
		d.pdf.WriteLinkString(4, d.tr(d.opts.SourceURL), d.opts.SourceURL)
		d.pdf.Ln(4)
	}
	if !d.opts.CapturedAt.IsZero() {
		d.pdf.Write(4, d.tr("Captured: "+d.opts.CapturedAt.UTC().Format(time.RFC1123)))
		d.pdf.Ln(4)
	}
	d.rule()
	d.pdf.SetTextColor(0, 0, 0)
	d.pdf.SetFont(fontFamily, "", baseSize)
}

func (d *document) rule() {
	left, _, right, _ := d.pdf.GetMargins()
	width, _ := d.pdf.GetPageSize()
	d.pdf.Ln(2)
	y := d.pdf.GetY()
	d.pdf.SetDrawColor(200, 200, 200)
	d.pdf.Line(left, y, width-right, y)
	d.pdf.SetDrawColor(0, 0, 0)
	d.pdf.Ln(3)
}

func (d *document) heading(text string, size float64) {
	d.pdf.SetFont(fontFamily, "B", size)
	d.pdf.MultiCell(0, size*0.5, d.tr(text), "", "L", false)
	d.pdf.Ln(1.5)
	d.pdf.SetFont(fontFamily, "", baseSize)
}

func (d *document) paragraph(text string) {
	d.pdf.MultiCell(0, lineHeight, d.tr(text), "", "L", false)
	d.pdf.Ln(2)
}

func (d *document) bytes() ([]byte, error) {
	if err := d.pdf.Error(); err != nil {
		return nil, fmt.Errorf("build pdf: %w", err)
	}
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buf.Bytes(), nil
}
