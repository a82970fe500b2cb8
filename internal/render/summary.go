package render

import "time"

// Link is an anchor listed in a summary.
type Link struct {
	Text string
	URL  string
}

// Summary is the metadata extracted from a page that could not be captured
// in full.
type Summary struct {
	Title       string
	SiteName    string
	Description string
	Image       string
	Headings    []string
	Links       []Link
}

// SummaryDocument renders s under a "Summary capture" banner.
func SummaryDocument(s Summary, opts Options) ([]byte, error) {
	if opts.Banner == "" {
		opts.Banner = "Summary capture: the full page could not be rendered"
	}
	if opts.Title == "" {
		opts.Title = s.Title
	}
	doc := newDocument(opts)
	doc.header()

	title := s.Title
	if title == "" {
		title = opts.SourceURL
	}
	doc.heading(title, 16)
	if s.SiteName != "" {
		doc.pdf.SetFont(fontFamily, "I", 9)
		doc.paragraph(s.SiteName)
		doc.pdf.SetFont(fontFamily, "", baseSize)
	}
	if s.Description != "" {
		doc.paragraph(s.Description)
	}
	if s.Image != "" {
		doc.pdf.SetFont(fontFamily, "", 8)
		doc.pdf.Write(4, doc.tr("Preview image: "))
		doc.pdf.WriteLinkString(4, doc.tr(s.Image), s.Image)
		doc.pdf.Ln(6)
		doc.pdf.SetFont(fontFamily, "", baseSize)
	}

	if len(s.Headings) > 0 {
		doc.heading("Outline", 12)
		for _, h := range s.Headings {
			doc.pdf.MultiCell(0, lineHeight, doc.tr("•  "+h), "", "L", false)
		}
		doc.pdf.Ln(2)
	}
	if len(s.Links) > 0 {
		doc.heading("Links", 12)
		for _, l := range s.Links {
			label := l.Text
			if label == "" {
				label = l.URL
			}
			doc.pdf.Write(lineHeight, doc.tr("•  "))
			doc.pdf.SetTextColor(20, 70, 170)
			doc.pdf.WriteLinkString(lineHeight, doc.tr(label), l.URL)
			doc.pdf.SetTextColor(0, 0, 0)
			doc.pdf.Ln(lineHeight)
		}
	}
	return doc.bytes()
}

// PlaceholderDocument renders the page emitted when nothing else worked. It
// never touches the network.
func PlaceholderDocument(sourceURL string, at time.Time, landscape bool) ([]byte, error) {
	doc := newDocument(Options{
		Landscape:  landscape,
		Title:      "Capture unavailable",
		SourceURL:  sourceURL,
		CapturedAt: at,
		Banner:     "This page could not be captured",
	})
	doc.header()
	doc.heading("Capture unavailable", 16)
	doc.paragraph("Every capture method failed for the address below. " +
		"The page may be offline, blocking automated access, or too slow to load.")
	doc.pdf.SetFont(fontFamily, "B", baseSize)
	doc.paragraph(sourceURL)
	doc.pdf.SetFont(fontFamily, "", baseSize)
	return doc.bytes()
}
