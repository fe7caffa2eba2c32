// Package fetcher sends chat requests to a configured endpoint, streams the
// decoded deltas to the caller and turns every outcome into a
// domain.FetchResult.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/provider"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

const (
	tracerName = "github.com/tjfontaine/polyglot-llm-fetch/internal/fetcher"

	// deltaBuffer bounds how far the decoder may run ahead of the caller.
	deltaBuffer = 64
	// maxErrorBody caps how much of a failed response is read.
	maxErrorBody = 1 << 20

	retryReasonNetwork = "network_error"
)

// DeltaFunc receives every delta in arrival order. It is called from the
// goroutine running FetchMany.
type DeltaFunc func(domain.Delta)

// Request describes one logical fetch.
type Request struct {
	Endpoint *domain.Endpoint
	Options  domain.RequestOptions

	// DebugName identifies the call site in logs and traces.
	DebugName     string
	UserInitiated bool

	// EnableRetryOnFilter re-asks the model once when its answer was
	// filtered.
	EnableRetryOnFilter bool
	// EnableRetryOnError retries once on a network change. It defaults to
	// EnableRetryOnFilter when nil.
	EnableRetryOnError *bool

	// InteractionID groups the attempts of one logical call. A random id is
	// used when empty.
	InteractionID string
	// RetryTag is set on retried attempts.
	RetryTag string

	useAlternate bool
}

func (r *Request) retryOnError() bool {
	if r.EnableRetryOnError != nil {
		return *r.EnableRetryOnError
	}
	return r.EnableRetryOnFilter
}

// Fetcher orchestrates requests. It holds no per-request state and is safe
// for concurrent use.
type Fetcher struct {
	logger      *slog.Logger
	primary     transport.Transport
	alternate   transport.Transport
	credentials domain.CredentialSource
	tokens      domain.TokenCounter
	tracer      trace.Tracer
	metrics     Recorder
	timeout     time.Duration

	goos  string
	now   func() time.Time
	newID func() string
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithTransport sets the primary transport.
func WithTransport(t transport.Transport) Option {
	return func(f *Fetcher) {
		f.primary = t
	}
}

// WithAlternateTransport sets the transport used to retry after a network
// change.
func WithAlternateTransport(t transport.Transport) Option {
	return func(f *Fetcher) {
		f.alternate = t
	}
}

// WithCredentials sets the credential source for non-BYOK endpoints.
func WithCredentials(c domain.CredentialSource) Option {
	return func(f *Fetcher) {
		f.credentials = c
	}
}

// WithTokenCounter enables prompt token counts in logs.
func WithTokenCounter(c domain.TokenCounter) Option {
	return func(f *Fetcher) {
		f.tokens = c
	}
}

// WithTracer sets the tracer used for per-attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(f *Fetcher) {
		f.tracer = t
	}
}

// Recorder receives per-attempt measurements. *metrics.Metrics implements
// it.
type Recorder interface {
	ObserveFetch(endpoint string, result domain.ResultType, d time.Duration)
	ObserveTimeToFirstToken(endpoint string, d time.Duration)
	ObserveRetry(reason string)
	ObserveUsage(endpoint string, u domain.Usage)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFetch(string, domain.ResultType, time.Duration) {}
func (nopRecorder) ObserveTimeToFirstToken(string, time.Duration)         {}
func (nopRecorder) ObserveRetry(string)                                   {}
func (nopRecorder) ObserveUsage(string, domain.Usage)                     {}

// WithMetrics records attempt outcomes, retries and usage.
func WithMetrics(r Recorder) Option {
	return func(f *Fetcher) {
		f.metrics = r
	}
}

// WithTimeout sets how long to wait for response headers.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = d
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		logger:  slog.Default(),
		metrics: nopRecorder{},
		goos:    runtime.GOOS,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.primary == nil {
		f.primary = transport.New(transport.WithLogger(f.logger))
	}
	if f.alternate == nil {
		f.alternate = transport.NewAlternate(transport.WithLogger(f.logger))
	}
	if f.tracer == nil {
		f.tracer = otel.Tracer(tracerName)
	}
	return f
}

// FetchOne fetches a single choice and returns its text alongside the
// result. The text is empty unless the result is a success.
func (f *Fetcher) FetchOne(ctx context.Context, req *Request, onDelta DeltaFunc) (string, *domain.FetchResult) {
	one := *req
	one.Options.Sampling.N = 1
	res := f.FetchMany(ctx, &one, onDelta)
	if res.IsSuccess() && len(res.Text) > 0 {
		return res.Text[0], res
	}
	return "", res
}

// FetchMany sends req and streams its deltas to onDelta. It always returns
// a result; failures are reported through it, never as panics.
func (f *Fetcher) FetchMany(ctx context.Context, req *Request, onDelta DeltaFunc) *domain.FetchResult {
	if req.Endpoint == nil {
		verr := unexpected("endpoint", "No endpoint provided")
		return domain.Failed(domain.FailureValidationFailed, verr.Message)
	}
	if req.InteractionID == "" {
		r := *req
		r.InteractionID = f.newID()
		req = &r
	}
	if onDelta == nil {
		onDelta = func(domain.Delta) {}
	}

	start := f.now()
	res := f.fetch(ctx, req, onDelta)
	f.metrics.ObserveFetch(req.Endpoint.Name, res.Type, f.now().Sub(start))
	return res
}

// fetch runs one attempt and, at most once per kind, the retry it calls
// for. Retries recurse with the corresponding flag cleared.
func (f *Fetcher) fetch(ctx context.Context, req *Request, onDelta DeltaFunc) *domain.FetchResult {
	requestID := f.newID()
	opts := withDefaults(req.Endpoint, req.Options)

	logger := f.logger.With(
		slog.String("request_id", requestID),
		slog.String("debug_name", req.DebugName),
		slog.String("endpoint", req.Endpoint.Name),
		slog.String("model", modelName(req.Endpoint, &opts)),
	)
	if req.RetryTag != "" {
		logger = logger.With(slog.String("retry", req.RetryTag))
	}

	ctx, span := f.tracer.Start(ctx, "fetcher.fetch", trace.WithAttributes(
		attribute.String("fetch.request_id", requestID),
		attribute.String("fetch.interaction_id", req.InteractionID),
		attribute.String("fetch.debug_name", req.DebugName),
		attribute.String("fetch.endpoint", req.Endpoint.Name),
		attribute.String("fetch.retry", req.RetryTag),
		attribute.Bool("fetch.user_initiated", req.UserInitiated),
	))
	defer span.End()

	res := f.attempt(ctx, req, &opts, requestID, onDelta, logger)

	span.SetAttributes(attribute.String("fetch.result", string(res.Type)))
	if res.Type != domain.ResultSuccess {
		span.SetStatus(codes.Error, res.Reason)
	}
	return res
}

func (f *Fetcher) attempt(ctx context.Context, req *Request, opts *domain.RequestOptions, requestID string, onDelta DeltaFunc, logger *slog.Logger) *domain.FetchResult {
	if verr := validate(opts); verr != nil {
		logger.Warn("request failed validation", slog.String("field", verr.Field))
		res := domain.Failed(domain.FailureValidationFailed, verr.Message)
		res.RequestID = requestID
		return res
	}

	pending := newPendingRequest(requestID, req.DebugName, req.RetryTag, f.now())
	enableRetryOnError := req.retryOnError()

	out, err := f.fetchAndStream(ctx, req, opts, pending, onDelta, logger)
	if err != nil {
		res := processError(err, requestID, pending.username, logger)
		if res.Type == domain.ResultNetworkError && transport.IsNetworkChanged(err) &&
			f.networkRetrySupported() && enableRetryOnError {
			logger.Info("retrying with alternate transport after network change")
			onDelta(domain.Retry(retryReasonNetwork))
			f.metrics.ObserveRetry(retryReasonNetwork)

			retry := *req
			retry.DebugName = "retry-error-" + req.DebugName
			retry.UserInitiated = false
			retry.EnableRetryOnError = boolPtr(false)
			retry.RetryTag = "network_changed"
			retry.useAlternate = true
			return f.fetch(ctx, &retry, onDelta)
		}
		return res
	}
	if out.result != nil {
		return out.result
	}

	f.logPromptTokens(ctx, req.Endpoint, opts, logger)

	res := buildResult(pending, out.completions, out.serverRequestID, logger)
	if ttft := pending.timeToFirstToken(); ttft > 0 {
		f.metrics.ObserveTimeToFirstToken(req.Endpoint.Name, ttft)
	}
	if res.Usage != nil {
		f.metrics.ObserveUsage(req.Endpoint.Name, *res.Usage)
	}
	if res.Type != domain.ResultFilteredRetry {
		return res
	}

	if req.EnableRetryOnFilter {
		// Emitted even when there is no partial text to retry with.
		onDelta(domain.Retry(string(res.FilterCategory)))
	}
	if req.EnableRetryOnFilter && len(res.Text) > 0 && res.Text[0] != "" {
		f.metrics.ObserveRetry(string(res.FilterCategory))

		retry := *req
		retry.DebugName = "retry-" + req.DebugName
		retry.Options.Messages = append(append([]domain.ChatMessage(nil), req.Options.Messages...),
			domain.NewTextMessage(domain.RoleUser, filterRetryPrompt(res.FilterCategory, res.Text[0])))
		retry.UserInitiated = false
		retry.EnableRetryOnFilter = false
		retry.EnableRetryOnError = boolPtr(enableRetryOnError)
		retry.RetryTag = "filter_" + string(res.FilterCategory)

		logger.Info("retrying filtered response", slog.String("category", string(res.FilterCategory)))
		if retried := f.fetch(ctx, &retry, onDelta); retried.IsSuccess() {
			return retried
		}
	}

	return &domain.FetchResult{
		Type:            domain.ResultFiltered,
		FilterCategory:  res.FilterCategory,
		Reason:          "Response got filtered.",
		RequestID:       res.RequestID,
		ServerRequestID: res.ServerRequestID,
	}
}

// streamOutcome is either a terminal result reached without a stream, or
// the completions of a fully consumed stream.
type streamOutcome struct {
	result          *domain.FetchResult
	completions     []domain.Completion
	serverRequestID string
}

func (f *Fetcher) fetchAndStream(ctx context.Context, req *Request, opts *domain.RequestOptions, pending *pendingRequest, onDelta DeltaFunc, logger *slog.Logger) (*streamOutcome, error) {
	if ctx.Err() != nil {
		return &streamOutcome{result: canceled("before fetch request", pending.requestID)}, nil
	}

	ep := req.Endpoint
	token, err := f.credential(ctx, ep, pending)
	if errors.Is(err, domain.ErrMissingCredential) {
		logger.Error("failed to send request due to missing key")
		res := domain.Failed(domain.FailureTokenExpiredOrInvalid, domain.ErrMissingCredential.Error())
		res.RequestID = pending.requestID
		return &streamOutcome{result: res}, nil
	}
	if err != nil {
		return nil, err
	}

	prepared, err := provider.Prepare(provider.Params{
		Endpoint:      ep,
		Options:       opts,
		Token:         token,
		RequestID:     pending.requestID,
		InteractionID: req.InteractionID,
		UserInitiated: req.UserInitiated,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("prepare request: %w", err)
	}
	prepared.Request.Timeout = f.timeout

	t := f.primary
	if req.useAlternate {
		t = f.alternate
	}

	resp, err := t.Do(ctx, prepared.Request)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if ctx.Err() != nil {
		// Closing tells the server we no longer want the response.
		resp.Body.Close()
		return &streamOutcome{result: canceled("after fetch request", pending.requestID)}, nil
	}

	serverRequestID := resp.Header.Get(provider.HeaderRequestID)

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			logger.Warn("failed to read error body", slog.String("error", readErr.Error()))
		}
		class := Classify(resp.StatusCode, resp.Header, body, f.now())
		if class.CredentialReset && f.credentials != nil && !ep.BYOK {
			f.credentials.Reset(resp.StatusCode)
		}
		logger.Info("request failed",
			slog.Int("status", resp.StatusCode),
			slog.String("kind", class.Kind.String()),
			slog.String("server_request_id", serverRequestID))
		return &streamOutcome{result: classificationResult(class, pending.requestID, serverRequestID, f.now())}, nil
	}

	// Cancellation closes the body so a blocked read returns.
	stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
	defer stop()

	deltas := make(chan domain.Delta, deltaBuffer)
	decodeErr := make(chan error, 1)
	go func() {
		defer close(deltas)
		decodeErr <- prepared.Decoder.Decode(ctx, resp.Body, deltas)
	}()

	for d := range deltas {
		pending.add(d, f.now())
		onDelta(d)
	}

	if err := <-decodeErr; err != nil {
		if ctx.Err() != nil {
			return &streamOutcome{result: canceled("network request aborted", pending.requestID)}, nil
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return &streamOutcome{result: canceled("network request aborted", pending.requestID)}, nil
	}

	logger.Debug("stream finished",
		slog.Int("deltas", pending.deltas),
		slog.Duration("elapsed", f.now().Sub(pending.start)))

	return &streamOutcome{completions: prepared.Decoder.Completions(), serverRequestID: serverRequestID}, nil
}

// credential resolves the bearer token for ep. BYOK endpoints use their own
// key, which may be empty.
func (f *Fetcher) credential(ctx context.Context, ep *domain.Endpoint, pending *pendingRequest) (string, error) {
	if ep.APIKey != "" || ep.BYOK {
		return ep.APIKey, nil
	}
	if f.credentials == nil {
		return "", domain.ErrMissingCredential
	}
	cred, err := f.credentials.Token(ctx)
	if err != nil {
		return "", err
	}
	if cred.Token == "" {
		return "", domain.ErrMissingCredential
	}
	pending.username = cred.Username
	return cred.Token, nil
}

func (f *Fetcher) networkRetrySupported() bool {
	return f.goos == "darwin" || f.goos == "linux"
}

func (f *Fetcher) logPromptTokens(ctx context.Context, ep *domain.Endpoint, opts *domain.RequestOptions, logger *slog.Logger) {
	if f.tokens == nil || !f.tokens.SupportsModel(opts.Model) {
		return
	}
	count, err := f.tokens.CountTokens(ctx, &domain.TokenCountRequest{
		Model:    opts.Model,
		Messages: opts.Messages,
		Tools:    opts.Tools,
	})
	if err != nil {
		logger.Debug("prompt token count failed", slog.String("error", err.Error()))
		return
	}
	if limit := ep.Capabilities.MaxPromptTokens; limit > 0 && count.InputTokens > limit {
		logger.Warn("prompt exceeds the endpoint token limit",
			slog.Int("tokens", count.InputTokens),
			slog.Int("limit", limit),
			slog.Bool("estimated", count.Estimated))
		return
	}
	logger.Debug("prompt tokens",
		slog.Int("tokens", count.InputTokens),
		slog.Bool("estimated", count.Estimated))
}

// withDefaults copies opts and applies the per-endpoint defaults. The
// output budget defaults to the endpoint maximum unless a prediction is
// present, and empty predictions are dropped since upstreams reject them.
func withDefaults(ep *domain.Endpoint, opts domain.RequestOptions) domain.RequestOptions {
	opts.Stream = true
	if opts.Model == "" {
		opts.Model = ep.Model
	}
	if opts.Prediction == nil && opts.MaxOutputTokens == 0 {
		opts.MaxOutputTokens = ep.MaxOutputTokens()
	}
	if opts.Prediction != nil && opts.Prediction.Content == "" {
		opts.Prediction = nil
	}
	return opts
}

func filterRetryPrompt(category domain.FilterReason, content string) string {
	if category == domain.FilterCopyright {
		return "The previous response (copied below) was filtered due to being too similar to existing public code. " +
			"Please suggest something similar in function that does not match public code. " +
			"Here's the previous response: " + content + "\n\n"
	}
	return "The previous response (copied below) was filtered due to triggering our content safety filters, " +
		"which looks for hateful, self-harm, sexual, or violent content. " +
		"Please suggest something similar in content that does not trigger these filters. " +
		"Here's the previous response: " + content + "\n\n"
}

func modelName(ep *domain.Endpoint, opts *domain.RequestOptions) string {
	if opts.Model != "" {
		return opts.Model
	}
	return ep.Model
}

func boolPtr(v bool) *bool {
	return &v
}
