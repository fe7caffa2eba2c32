package safehttp

import (
	"net/http"
	"sort"
	"strings"
)

const (
	// MaxCustomHeaders bounds how many caller-supplied headers are merged.
	MaxCustomHeaders = 20
	// MaxHeaderNameLength is the longest accepted header name.
	MaxHeaderNameLength = 256
	// MaxHeaderValueLength is the longest accepted header value after trimming.
	MaxHeaderValueLength = 8192
)

// reservedHeaders are forbidden fetch headers plus the headers the fetcher
// sets itself. Keys are lower case.
var reservedHeaders = map[string]struct{}{
	"accept-charset":                 {},
	"accept-encoding":                {},
	"access-control-request-headers": {},
	"access-control-request-method":  {},
	"connection":                     {},
	"content-length":                 {},
	"cookie":                         {},
	"cookie2":                        {},
	"date":                           {},
	"dnt":                            {},
	"expect":                         {},
	"host":                           {},
	"keep-alive":                     {},
	"origin":                         {},
	"permissions-policy":             {},
	"referer":                        {},
	"set-cookie":                     {},
	"te":                             {},
	"trailer":                        {},
	"transfer-encoding":              {},
	"upgrade":                        {},
	"via":                            {},

	"authorization":          {},
	"api-key":                {},
	"x-api-key":              {},
	"content-type":           {},
	"anthropic-version":      {},
	"anthropic-beta":         {},
	"openai-intent":          {},
	"x-request-id":           {},
	"x-interaction-id":       {},
	"x-initiator":            {},
	"copilot-vision-request": {},
}

// methodOverrideHeaders are rejected when they try to smuggle a method that
// the fetch standard forbids.
var methodOverrideHeaders = map[string]struct{}{
	"x-http-method":          {},
	"x-http-method-override": {},
	"x-method-override":      {},
}

var forbiddenMethods = map[string]struct{}{
	"CONNECT": {},
	"TRACE":   {},
	"TRACK":   {},
}

// Violation records a header that was dropped and why.
type Violation struct {
	Name   string
	Reason string
}

// IsReserved reports whether name may never be supplied by a caller.
func IsReserved(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if _, ok := reservedHeaders[lower]; ok {
		return true
	}
	return strings.HasPrefix(lower, "proxy-") || strings.HasPrefix(lower, "sec-")
}

// SanitizeHeaders validates caller-supplied headers and returns the ones that
// may be merged into an outbound request. Invalid entries never fail the
// request; each one is reported as a Violation instead.
func SanitizeHeaders(custom map[string]string) (http.Header, []Violation) {
	out := make(http.Header)
	var violations []Violation

	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, rawName := range names {
		name := strings.TrimSpace(rawName)
		rawValue := custom[rawName]
		value := strings.TrimSpace(rawValue)

		if reason := checkName(name); reason != "" {
			violations = append(violations, Violation{Name: rawName, Reason: reason})
			continue
		}
		if IsReserved(name) {
			violations = append(violations, Violation{Name: name, Reason: "reserved header"})
			continue
		}
		if _, ok := methodOverrideHeaders[strings.ToLower(name)]; ok {
			if _, bad := forbiddenMethods[strings.ToUpper(value)]; bad {
				violations = append(violations, Violation{Name: name, Reason: "forbidden method override"})
				continue
			}
		}
		if reason := checkValue(rawValue, value); reason != "" {
			violations = append(violations, Violation{Name: name, Reason: reason})
			continue
		}
		if len(out) >= MaxCustomHeaders {
			violations = append(violations, Violation{Name: name, Reason: "too many custom headers"})
			continue
		}
		out.Set(name, value)
	}

	return out, violations
}

func checkName(name string) string {
	switch {
	case name == "":
		return "empty name"
	case len(name) > MaxHeaderNameLength:
		return "name too long"
	}
	for i := 0; i < len(name); i++ {
		if !isTokenChar(name[i]) {
			return "invalid name"
		}
	}
	return ""
}

// checkValue inspects the raw value for control characters so that a
// trailing CRLF is not hidden by trimming.
func checkValue(raw, value string) string {
	if len(value) > MaxHeaderValueLength {
		return "value too long"
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return "control character in value"
		}
		if isInvisibleFormat(r) {
			return "bidi or zero-width character in value"
		}
	}
	return ""
}

// isTokenChar implements the RFC 7230 tchar production.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}

func isInvisibleFormat(r rune) bool {
	switch {
	case r >= 0x200b && r <= 0x200f: // zero-width space/joiners, LRM, RLM
		return true
	case r >= 0x202a && r <= 0x202e: // embeddings and overrides
		return true
	case r >= 0x2060 && r <= 0x2064:
		return true
	case r >= 0x2066 && r <= 0x2069: // isolates
		return true
	case r == 0xfeff, r == 0x061c:
		return true
	}
	return false
}
