// Package sanitizer strips the HTML body of a received message down to
// something safe to store and later render: scripts and inline event
// handlers removed, external image sources blocked (tracking pixels),
// embedded data-URI images left alone.
package sanitizer

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// HTMLSanitizer sanitizes the HTML part of a received message before it is
// persisted.
type HTMLSanitizer interface {
	// Sanitize applies all sanitization rules to HTML content
	Sanitize(html string) string
	// RemoveScripts removes all script tags and their content
	RemoveScripts(html string) string
	// RemoveEventHandlers removes all inline event handlers (onclick, onload, etc.)
	RemoveEventHandlers(html string) string
	// BlockExternalImages replaces external image sources with a placeholder
	BlockExternalImages(html string) string
	// AllowInlineImages allows base64 data URI images
	AllowInlineImages(html string) string
}

// DefaultHTMLSanitizer implements HTMLSanitizer on top of bluemonday's UGC
// policy, extended with the document-structure and formatting elements a
// full email body uses that bluemonday's default doesn't allow.
type DefaultHTMLSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer builds a sanitizer policy suitable for HTML mail bodies.
func NewHTMLSanitizer() *DefaultHTMLSanitizer {
	policy := bluemonday.UGCPolicy()

	policy.AllowElements("html", "head", "body", "title", "meta")

	policy.AllowElements(
		"p", "br", "hr", "div", "span",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"strong", "b", "em", "i", "u", "s", "strike",
		"blockquote", "pre", "code",
		"ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td",
		"a", "img",
		"font", "center",
	)

	policy.AllowAttrs("href").OnElements("a")
	policy.AllowAttrs("src", "alt", "width", "height").OnElements("img")
	policy.AllowAttrs("style", "class", "id").Globally()
	policy.AllowAttrs("align", "valign", "bgcolor", "color", "size", "face").Globally()
	policy.AllowAttrs("colspan", "rowspan", "border", "cellpadding", "cellspacing").OnElements("table", "td", "th")

	policy.AllowDataURIImages()

	return &DefaultHTMLSanitizer{
		policy: policy,
	}
}

// dataURIPlaceholderPrefix marks a data URI parked aside while bluemonday runs.
const dataURIPlaceholderPrefix = "___DATA_URI_PLACEHOLDER_"

// Sanitize runs the full pipeline: strip scripts and event handlers, block
// external image sources, then hand the rest to bluemonday. Data URIs are
// parked aside first since bluemonday can mangle the base64 payload.
func (s *DefaultHTMLSanitizer) Sanitize(html string) string {
	if html == "" {
		return ""
	}

	result := s.RemoveScripts(html)
	result = s.RemoveEventHandlers(result)
	result = s.BlockExternalImages(result)

	dataURIs := make(map[string]string)
	result = s.preserveDataURIs(result, dataURIs)

	result = s.policy.Sanitize(result)

	result = s.restoreDataURIs(result, dataURIs)

	return result
}

// preserveDataURIs swaps each data: URI in a src attribute for a placeholder
// token so bluemonday's sanitization pass can't corrupt the base64 payload.
func (s *DefaultHTMLSanitizer) preserveDataURIs(html string, store map[string]string) string {
	dataURIRegex := regexp.MustCompile(`(?i)(src\s*=\s*["'])(data:[^"']+)(["'])`)

	counter := 0
	result := dataURIRegex.ReplaceAllStringFunc(html, func(match string) string {
		submatches := dataURIRegex.FindStringSubmatch(match)
		if len(submatches) < 4 {
			return match
		}

		prefix := submatches[1]  // src="
		dataURI := submatches[2] // data:...
		suffix := submatches[3]  // "

		placeholder := dataURIPlaceholderPrefix + string(rune('A'+counter))
		store[placeholder] = dataURI
		counter++

		return prefix + placeholder + suffix
	})

	return result
}

// restoreDataURIs restores the original data URIs from placeholders
func (s *DefaultHTMLSanitizer) restoreDataURIs(html string, store map[string]string) string {
	result := html
	for placeholder, dataURI := range store {
		result = strings.ReplaceAll(result, placeholder, dataURI)
	}
	return result
}

// RemoveScripts strips script and noscript tags, including self-closing
// <script src="..."/> forms, before bluemonday ever sees the markup.
func (s *DefaultHTMLSanitizer) RemoveScripts(html string) string {
	if html == "" {
		return ""
	}

	scriptRegex := regexp.MustCompile(`(?i)<script[^>]*>[\s\S]*?</script>`)
	result := scriptRegex.ReplaceAllString(html, "")

	selfClosingScript := regexp.MustCompile(`(?i)<script[^>]*/?>`)
	result = selfClosingScript.ReplaceAllString(result, "")

	noscriptRegex := regexp.MustCompile(`(?i)<noscript[^>]*>[\s\S]*?</noscript>`)
	result = noscriptRegex.ReplaceAllString(result, "")

	return result
}

// RemoveEventHandlers strips inline on* handlers (onclick, onload, ...) from
// every element's attribute list.
func (s *DefaultHTMLSanitizer) RemoveEventHandlers(html string) string {
	if html == "" {
		return ""
	}

	eventHandlerRegex := regexp.MustCompile(`(?i)\s+on[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>]+)`)
	return eventHandlerRegex.ReplaceAllString(html, "")
}

// BlockExternalImages replaces any <img> src that points off-host with an
// inline placeholder SVG, defeating read-tracking pixels. data: and cid:
// sources (inline/embedded images) pass through untouched.
func (s *DefaultHTMLSanitizer) BlockExternalImages(html string) string {
	if html == "" {
		return ""
	}

	const blockedImagePlaceholder = "data:image/svg+xml,%3Csvg xmlns='http://www.w3.org/2000/svg' width='100' height='100'%3E%3Crect fill='%23f0f0f0' width='100' height='100'/%3E%3Ctext x='50' y='55' text-anchor='middle' fill='%23999' font-size='12'%3EImage Blocked%3C/text%3E%3C/svg%3E"

	imgRegex := regexp.MustCompile(`(?i)(<img[^>]*\s+src\s*=\s*)("[^"]*"|'[^']*')([^>]*>)`)

	result := imgRegex.ReplaceAllStringFunc(html, func(match string) string {
		srcRegex := regexp.MustCompile(`(?i)src\s*=\s*["']([^"']*)["']`)
		srcMatch := srcRegex.FindStringSubmatch(match)

		if len(srcMatch) < 2 {
			return match
		}

		srcValue := srcMatch[1]

		if strings.HasPrefix(strings.ToLower(srcValue), "data:") {
			return match
		}
		if strings.HasPrefix(strings.ToLower(srcValue), "cid:") {
			return match
		}
		if isExternalURL(srcValue) {
			return srcRegex.ReplaceAllString(match, `src="`+blockedImagePlaceholder+`"`)
		}

		return match
	})

	return result
}

// AllowInlineImages exists for interface completeness: data URIs already
// pass through BlockExternalImages untouched, so there is nothing to undo.
func (s *DefaultHTMLSanitizer) AllowInlineImages(html string) string {
	return html
}

// isExternalURL reports whether url points off-host: protocol-relative,
// http(s), or ftp.
func isExternalURL(url string) bool {
	url = strings.TrimSpace(strings.ToLower(url))

	if strings.HasPrefix(url, "//") {
		return true
	}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return true
	}
	if strings.HasPrefix(url, "ftp://") {
		return true
	}

	return false
}
