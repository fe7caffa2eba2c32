package fetcher

import (
	"log/slog"
	"sort"
	"time"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// extensionBlockedRetryAfter applies when a blocked extension gets no
// Retry-After header.
const extensionBlockedRetryAfter = 300 * time.Second

// minLineRepetitions is the count from which line repetition is logged.
const minLineRepetitions = 10

// buildResult turns the decoder's finished choices and the accumulated
// deltas into the terminal result of a streamed response.
func buildResult(p *pendingRequest, completions []domain.Completion, serverRequestID string, logger *slog.Logger) *domain.FetchResult {
	sort.Slice(completions, func(i, j int) bool { return completions[i].Choice < completions[j].Choice })

	kept := completions[:0:0]
	for _, c := range completions {
		text := p.text(c.Choice)
		if stats := lineRepetitionStats(text); stats.repetitions >= minLineRepetitions {
			logger.Warn("line repetition detected",
				slog.Int("choice", c.Choice),
				slog.String("finish_reason", string(c.FinishReason)),
				slog.Int("repetitions", stats.repetitions),
				slog.Int("line_length", len(stats.line)),
				slog.Int("total_lines", stats.totalLines))
		}
		if isRepetitive(p.tokens(c.Choice)) {
			logger.Warn("dropping repetitive choice",
				slog.Int("choice", c.Choice),
				slog.Int("tokens", len(p.tokens(c.Choice))))
			continue
		}
		kept = append(kept, c)
	}

	var successful []domain.Completion
	for _, c := range kept {
		if c.FinishReason.IsSuccess() {
			successful = append(successful, c)
		}
	}

	base := domain.FetchResult{RequestID: p.requestID, ServerRequestID: serverRequestID}

	if len(successful) > 0 {
		res := base
		res.Type = domain.ResultSuccess
		res.ResolvedModel = successful[0].Model
		res.StatefulMarker = p.statefulMarker
		// Usage is per response; it only describes the choice when there is one.
		if len(successful) == 1 {
			res.Usage = p.usage
		}
		for _, c := range successful {
			res.Text = append(res.Text, p.text(c.Choice))
		}
		logger.Debug("fetch succeeded",
			slog.Int("choices", len(successful)),
			slog.Int("tool_calls", p.toolCalls(successful[0].Choice)),
			slog.Duration("time_to_first_token", p.timeToFirstToken()))
		return &res
	}

	if len(kept) == 0 {
		return unknownResult(base)
	}

	first := kept[0]
	switch first.FinishReason {
	case domain.FinishContentFilter:
		res := base
		res.Type = domain.ResultFilteredRetry
		res.Reason = "Response got filtered."
		res.FilterCategory = first.FilterReason
		if res.FilterCategory == "" {
			res.FilterCategory = domain.FilterCopyright
		}
		for _, c := range kept {
			res.Text = append(res.Text, p.text(c.Choice))
		}
		return &res

	case domain.FinishLength:
		res := base
		res.Type = domain.ResultLength
		res.Reason = "Response too long."
		res.TruncatedText = p.text(first.Choice)
		return &res

	case domain.FinishServerError:
		res := base
		res.Type = domain.ResultFailed
		res.Kind = domain.FailureServerError
		res.Reason = "Server error. Stream terminated"
		res.ReasonDetail = first.Error
		return &res
	}

	return unknownResult(base)
}

func unknownResult(base domain.FetchResult) *domain.FetchResult {
	base.Type = domain.ResultUnknown
	base.Reason = "Response contained no choices."
	return &base
}

// classificationResult maps a classified HTTP failure onto the result
// union.
func classificationResult(c Classification, requestID, serverRequestID string, now time.Time) *domain.FetchResult {
	res := &domain.FetchResult{
		Kind:            c.Kind,
		Reason:          c.Reason,
		RequestID:       requestID,
		ServerRequestID: serverRequestID,
		Data:            c.Data,
	}

	switch c.Kind {
	case domain.FailureRateLimited:
		res.Type = domain.ResultRateLimited
		res.RetryAfter = c.RetryAfter
		res.RateLimitKey = c.RateLimitKey
	case domain.FailureQuotaExceeded:
		res.Type = domain.ResultQuotaExceeded
		res.RetryAfter = c.RetryAfter
	case domain.FailureExtensionBlocked:
		res.Type = domain.ResultFailed
		res.RetryAfter = c.RetryAfter
		if res.RetryAfter.IsZero() {
			res.RetryAfter = now.Add(extensionBlockedRetryAfter)
		}
	case domain.FailureUnauthorized:
		res.Type = domain.ResultFailed
		res.AuthorizationURL = c.AuthorizationURL
	case domain.FailureContentFilter:
		res.Type = domain.ResultFailed
		res.FilterCategory = domain.FilterPrompt
	default:
		res.Type = domain.ResultFailed
	}
	return res
}
