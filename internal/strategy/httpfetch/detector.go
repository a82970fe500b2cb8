package httpfetch

import (
	"bytes"
	"strings"
)

const (
	defaultBodyThreshold = 2048
	defaultMinText       = 200
)

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Detector recognises application shells whose content only appears after
// scripts run.
type Detector struct {
	BodyLengthThreshold int
	MinTextLength       int
}

// NewDetector builds a Detector. A zero threshold selects the default.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Detector{BodyLengthThreshold: threshold, MinTextLength: defaultMinText}
}

// ScriptRendered reports whether body needs a browser to show anything
// useful. textLen is the length of the page's visible text.
func (d *Detector) ScriptRendered(body []byte, textLen int) bool {
	if len(bytes.TrimSpace(body)) == 0 || textLen == 0 {
		return true
	}
	if len(body) < d.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	if textLen >= d.MinTextLength {
		return false
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
