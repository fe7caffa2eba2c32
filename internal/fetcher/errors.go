package fetcher

import (
	"context"
	"errors"
	"log/slog"
	"regexp"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

const (
	reasonDisconnected = "It appears you're not connected to the internet, please check your network connection and try again."
	reasonUnexpected   = "Error on conversation request. Check the log for more details."
)

var loggedInAs = regexp.MustCompile(`(?i)(logged in as )(\S+)`)

// processError maps an error raised before or while streaming to a result.
// Caller aborts become Canceled, transport failures NetworkError, and
// anything else Failed.
func processError(err error, requestID, username string, logger *slog.Logger) *domain.FetchResult {
	switch {
	case transport.IsAbortError(err):
		return canceled("network request aborted", requestID)
	case errors.Is(err, context.Canceled):
		return canceled("Got a cancellation error", requestID)
	case transport.IsPrematureClose(err):
		return canceled("Stream closed prematurely", requestID)
	}

	logger.Error("error on conversation request", slog.String("error", scrub(err.Error(), username)))

	detail := scrub(transport.UserMessage(err), username)
	switch {
	case transport.IsInternetDisconnected(err):
		return &domain.FetchResult{
			Type:         domain.ResultNetworkError,
			Reason:       reasonDisconnected,
			ReasonDetail: detail,
			RequestID:    requestID,
		}
	case transport.IsFetcherError(err):
		return &domain.FetchResult{
			Type:         domain.ResultNetworkError,
			Reason:       detail,
			ReasonDetail: detail,
			RequestID:    requestID,
		}
	default:
		return &domain.FetchResult{
			Type:         domain.ResultFailed,
			Kind:         domain.FailureUnknown,
			Reason:       reasonUnexpected,
			ReasonDetail: detail,
			RequestID:    requestID,
		}
	}
}

// scrub removes login names from s.
func scrub(s, username string) string {
	s = loggedInAs.ReplaceAllString(s, "${1}<login>")
	if username == "" {
		return s
	}
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(username))
	return re.ReplaceAllString(s, "<login>")
}

func canceled(reason, requestID string) *domain.FetchResult {
	res := domain.Canceled(reason)
	res.RequestID = requestID
	return res
}
