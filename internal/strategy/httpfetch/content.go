package httpfetch

import (
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const boilerplate = "script, style, noscript, template, iframe, svg, nav, footer, form, aside, [aria-hidden=true]"

var contentRoots = []string{"main", "article", "[role=main]", "#content", "body"}

// pageTitle prefers the OpenGraph title, then <title>, then the first h1.
func pageTitle(doc *goquery.Document) string {
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// stripBoilerplate removes non-content elements and returns the length of
// the remaining visible body text.
func stripBoilerplate(doc *goquery.Document) int {
	doc.Find(boilerplate).Remove()
	return len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
}

// mainContent picks the most specific element that holds text.
func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentRoots {
		s := doc.Find(sel).First()
		if s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			return s
		}
	}
	return doc.Selection
}

// toMarkdown converts the page's main content, resolving links and images
// against pageURL, and prefixes the title when the content has no heading.
func toMarkdown(doc *goquery.Document, pageURL, title string) string {
	base, _ := url.Parse(pageURL)
	conv := md.NewConverter(md.DomainFromURL(pageURL), true, &md.Options{
		CodeBlockStyle: "fenced",
		GetAbsoluteURL: func(_ *goquery.Selection, raw string, _ string) string {
			return resolve(base, raw)
		},
	})
	out := strings.TrimSpace(conv.Convert(mainContent(doc)))
	if title != "" && !strings.HasPrefix(out, "# ") {
		out = "# " + title + "\n\n" + out
	}
	return out
}

func resolve(base *url.URL, raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || base == nil || u.Scheme == "data" {
		return raw
	}
	return base.ResolveReference(u).String()
}
