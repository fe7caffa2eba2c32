// Package transport performs the single outbound HTTP exchange of a fetch.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/pkg/safehttp"
)

// DefaultHeaderTimeout bounds the wait for response headers.
const DefaultHeaderTimeout = 30 * time.Second

// errHeaderTimeout is the cancellation cause used when headers do not
// arrive in time.
var errHeaderTimeout = errors.New("timed out waiting for response headers")

// Request is one outbound HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Timeout overrides the transport's header timeout when positive.
	Timeout time.Duration
}

// Response is the status, headers and streaming body of an exchange.
// Callers must Close the body.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       io.ReadCloser
}

// Transport sends a Request. An error is returned only when no HTTP status
// was received; it is always a *Error.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Option configures an HTTP transport.
type Option func(*HTTP)

// WithHeaderTimeout sets the default header timeout.
func WithHeaderTimeout(d time.Duration) Option {
	return func(t *HTTP) {
		if d > 0 {
			t.headerTimeout = d
		}
	}
}

// WithDenyPrivateNetworks refuses to dial loopback and private addresses.
func WithDenyPrivateNetworks() Option {
	return func(t *HTTP) {
		t.denyPrivate = true
	}
}

// WithHTTPClient replaces the underlying client. The client's transport is
// used as-is, without tracing instrumentation.
func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTP) {
		t.client = c
	}
}

// WithLogger sets the logger used for transport diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(t *HTTP) {
		t.logger = l
	}
}

// HTTP is the net/http backed Transport.
type HTTP struct {
	name          string
	client        *http.Client
	headerTimeout time.Duration
	denyPrivate   bool
	logger        *slog.Logger
}

// New creates the primary transport. Connections are pooled and HTTP/2 is
// negotiated when the server supports it.
func New(opts ...Option) *HTTP {
	t := &HTTP{name: "primary", headerTimeout: DefaultHeaderTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		if t.denyPrivate {
			base.DialContext = safehttp.DenyPrivateDialer(0)
		}
		t.client = &http.Client{Transport: otelhttp.NewTransport(base)}
	}
	return t
}

// NewAlternate creates the transport used to retry after a network change.
// It never reuses connections and speaks HTTP/1.1 only, so no socket bound to
// the previous network survives into the retry.
func NewAlternate(opts ...Option) *HTTP {
	t := &HTTP{name: "alternate", headerTimeout: DefaultHeaderTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if t.client == nil {
		base := &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DisableKeepAlives: true,
			ForceAttemptHTTP2: false,
			TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
		}
		if t.denyPrivate {
			base.DialContext = safehttp.DenyPrivateDialer(0)
		}
		t.client = &http.Client{Transport: otelhttp.NewTransport(base)}
	}
	return t
}

// Name identifies the transport in logs.
func (t *HTTP) Name() string {
	return t.name
}

// Do sends req and returns once response headers arrive. The returned body
// stays readable until it is closed or ctx is canceled.
func (t *HTTP) Do(ctx context.Context, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	reqCtx, cancel := context.WithCancelCause(ctx)

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, req.URL, body)
	if err != nil {
		cancel(nil)
		return nil, &Error{Op: "build request", Code: CodeFailed, Err: err}
	}
	for name, values := range req.Header {
		httpReq.Header[name] = values
	}

	timeout := t.headerTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	timer := time.AfterFunc(timeout, func() { cancel(errHeaderTimeout) })

	resp, err := t.client.Do(httpReq)
	timer.Stop()
	if err != nil {
		cause := context.Cause(reqCtx)
		cancel(nil)
		return nil, wrapError("fetch", ctx, cause, err)
	}

	t.logger.Debug("response headers received",
		slog.String("transport", t.name),
		slog.Int("status", resp.StatusCode),
		slog.String("url", req.URL))

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header,
		Body:       &responseBody{rc: resp.Body, ctx: ctx, cancel: cancel},
	}, nil
}

// responseBody maps read errors into *Error and releases the request context
// on Close.
type responseBody struct {
	rc     io.ReadCloser
	ctx    context.Context
	cancel context.CancelCauseFunc
	once   sync.Once
}

func (b *responseBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err == nil || errors.Is(err, io.EOF) {
		return n, err
	}
	return n, wrapError("read body", b.ctx, nil, err)
}

func (b *responseBody) Close() error {
	var err error
	b.once.Do(func() {
		err = b.rc.Close()
		b.cancel(nil)
	})
	return err
}

func wrapError(op string, parent context.Context, cause, err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if parent.Err() != nil {
		return &Error{Op: op, Code: CodeAborted, Err: err}
	}
	if errors.Is(cause, errHeaderTimeout) {
		return &Error{Op: op, Code: CodeTimedOut, Err: fmt.Errorf("%w: %w", errHeaderTimeout, err)}
	}
	return &Error{Op: op, Code: codeFor(err), Err: err}
}
