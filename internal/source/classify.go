// Package source implements registry oracles: a plain-HTTP colly
// source and a chromedp source for the JS-rendered registry variant.
package source

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

// Body markers the registries embed in 200 responses. Matched
// case-insensitively against the rendered page.
var (
	absentMarkers = []string{
		"no record found",
		"no case found",
		"case does not exist",
	}
	staleMarkers = []string{
		"session expired",
		"session has timed out",
		"please log in again",
	}
)

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>\s*(.*?)\s*</title>`)

// classifyResponse maps a registry response onto the oracle error
// taxonomy. A nil return means the page carries a real record.
func classifyResponse(statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusNotFound:
		return &harvest.SourceError{Kind: harvest.KindNotFound, StatusCode: statusCode}
	case statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable:
		return &harvest.SourceError{Kind: harvest.KindTransient, StatusCode: statusCode}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &harvest.SourceError{Kind: harvest.KindTransient, StatusCode: statusCode, SessionStale: true}
	case statusCode >= 500:
		return &harvest.SourceError{Kind: harvest.KindTransient, StatusCode: statusCode}
	case statusCode >= 400:
		return &harvest.SourceError{Kind: harvest.KindFatal, StatusCode: statusCode}
	}

	page := strings.ToLower(string(body))
	for _, marker := range absentMarkers {
		if strings.Contains(page, marker) {
			return &harvest.SourceError{Kind: harvest.KindNotFound, StatusCode: statusCode}
		}
	}
	for _, marker := range staleMarkers {
		if strings.Contains(page, marker) {
			return &harvest.SourceError{Kind: harvest.KindTransient, StatusCode: statusCode, SessionStale: true}
		}
	}
	return nil
}

// extractFields pulls the small field bag the harvester keeps
// alongside the raw payload. The page itself stays opaque.
func extractFields(body []byte) map[string]string {
	fields := map[string]string{}
	if m := titlePattern.FindSubmatch(body); m != nil {
		fields["title"] = strings.TrimSpace(string(m[1]))
	}
	return fields
}
