package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// UpstreamRateLimitCode marks a 503 caused by the upstream model provider.
const UpstreamRateLimitCode = "upstream_provider_rate_limit"

// Classification is the outcome of classifying a non-200 response.
type Classification struct {
	Kind   domain.FailureKind
	Reason string

	RetryAfter       time.Time
	RateLimitKey     string
	AuthorizationURL string
	// Code is the machine-readable upstream error code, when known.
	Code string
	// Data is the upstream error payload.
	Data json.RawMessage

	// CredentialReset asks the caller to invalidate the credential that was
	// used for the request.
	CredentialReset bool
}

// Classify maps an HTTP failure to a FailureKind. The first matching rule
// wins. now anchors relative Retry-After values; Classify has no other
// inputs and performs no I/O.
func Classify(status int, header http.Header, body []byte, now time.Time) Classification {
	text := string(body)
	parsed := domain.ParseErrorBody(body)
	if parsed == nil {
		parsed = &domain.ErrorBody{}
	}

	switch {
	case status == http.StatusBadRequest && strings.Contains(text, "off_topic"):
		return Classification{
			Kind:   domain.FailureOffTopic,
			Reason: "filtered as off_topic by intent classifier: message was not programming related",
		}

	case status == http.StatusUnauthorized && strings.Contains(text, "authorize_url") && parsed.AuthorizeURL != "":
		return Classification{
			Kind:             domain.FailureUnauthorized,
			Reason:           http.StatusText(status),
			AuthorizationURL: parsed.AuthorizeURL,
			Data:             parsed.Raw,
		}

	case status == http.StatusBadRequest && parsed.Code == "previous_response_not_found":
		return Classification{
			Kind:   domain.FailureInvalidPreviousResponseID,
			Reason: orDefault(parsed.Message, "Invalid previous response ID"),
			Code:   parsed.Code,
			Data:   parsed.Raw,
		}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Classification{
			Kind:            domain.FailureTokenExpiredOrInvalid,
			Reason:          orDefault(parsed.Message, fmt.Sprintf("token expired or invalid: %d", status)),
			CredentialReset: true,
		}

	case status == http.StatusPaymentRequired:
		return Classification{
			Kind:            domain.FailureQuotaExceeded,
			Reason:          orDefault(parsed.Message, "Free tier quota exceeded"),
			RetryAfter:      parseRetryAfter(header.Get("Retry-After"), now),
			Data:            parsed.Raw,
			CredentialReset: true,
		}

	case status == http.StatusNotFound:
		reason := text
		if len(parsed.Raw) > 0 {
			var buf bytes.Buffer
			if err := json.Compact(&buf, parsed.Raw); err == nil {
				reason = buf.String()
			}
		}
		return Classification{Kind: domain.FailureNotFound, Reason: reason}

	case status == http.StatusUnprocessableEntity:
		return Classification{Kind: domain.FailureContentFilter, Reason: "Filtered by Responsible AI Service"}

	case status == http.StatusFailedDependency:
		return Classification{Kind: domain.FailureFailedDependency, Reason: text}

	case status == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(header.Get("Retry-After"), now)
		if parsed.Code == "extension_blocked" && parsed.Type == "rate_limit_error" {
			return Classification{
				Kind:       domain.FailureExtensionBlocked,
				Reason:     "Extension blocked",
				RetryAfter: retryAfter,
				Code:       parsed.Code,
				Data:       parsed.Raw,
			}
		}
		return Classification{
			Kind:         domain.FailureRateLimited,
			Reason:       orDefault(parsed.Message, orDefault(parsed.Code, text)),
			RetryAfter:   retryAfter,
			RateLimitKey: header.Get("X-Ratelimit-Exceeded"),
			Code:         parsed.Code,
			Data:         parsed.Raw,
		}

	case status == 466:
		return Classification{Kind: domain.FailureClientNotSupported, Reason: "client not supported: " + text}

	case status == 499:
		return Classification{Kind: domain.FailureServerCanceled, Reason: "canceled by server"}

	case status == http.StatusServiceUnavailable:
		return Classification{
			Kind:   domain.FailureRateLimited,
			Reason: "Upstream provider rate limit hit",
			Code:   UpstreamRateLimitCode,
		}

	case status >= 500 && status < 600:
		return Classification{Kind: domain.FailureServerError, Reason: fmt.Sprintf("Server error: %d", status)}

	default:
		return Classification{Kind: domain.FailureUnknown, Reason: fmt.Sprintf("Request Failed: %d %s", status, text)}
	}
}

// parseRetryAfter accepts an HTTP date, an RFC 3339 timestamp or a number of
// seconds relative to now. It returns the zero time when value is unusable.
func parseRetryAfter(value string, now time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := http.ParseTime(value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return now.Add(time.Duration(seconds) * time.Second)
	}
	return time.Time{}
}

func orDefault(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
