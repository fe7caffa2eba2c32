// Package provider selects the request adapter and stream decoder for an
// endpoint. The set of wire protocols is closed; adding one means adding a
// case here.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/pkg/safehttp"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/provider/anthropic"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/provider/openai"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

// Request headers added to every outbound call.
const (
	HeaderRequestID     = "X-Request-Id"
	HeaderInteractionID = "X-Interaction-Id"
	HeaderInitiator     = "X-Initiator"
	HeaderVision        = "Copilot-Vision-Request"
)

// Decoder turns a streamed response body into ordered deltas. A Decoder
// serves exactly one response.
type Decoder interface {
	// Decode consumes body, writing each delta to out. It returns nil at the
	// natural end of the stream and ctx.Err() on cancellation. It never
	// closes out.
	Decode(ctx context.Context, body io.Reader, out chan<- domain.Delta) error
	// Completions returns one summary per finished choice. It is only valid
	// after Decode returned.
	Completions() []domain.Completion
}

// Params is everything needed to build one attempt.
type Params struct {
	Endpoint      *domain.Endpoint
	Options       *domain.RequestOptions
	Token         string
	RequestID     string
	InteractionID string
	UserInitiated bool
	Logger        *slog.Logger
}

// Prepared is a ready-to-send request and the decoder for its response.
type Prepared struct {
	Request *transport.Request
	Decoder Decoder
	// Dropped lists custom headers that failed validation.
	Dropped []safehttp.Violation
}

// Prepare builds the outbound request and matching decoder for p.Endpoint.
func Prepare(p Params) (*Prepared, error) {
	ep := p.Endpoint
	if ep == nil {
		return nil, fmt.Errorf("endpoint is required")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		req *transport.Request
		dec Decoder
		err error
	)
	switch ep.Kind {
	case domain.ProviderAnthropic:
		req, err = anthropic.NewRequest(ep, p.Options, p.Token)
		dec = anthropic.NewDecoder(logger)
	case domain.ProviderOpenAI:
		switch ep.API {
		case domain.APIResponses:
			req, err = openai.NewResponsesRequest(ep, p.Options, p.Token)
			dec = openai.NewResponsesDecoder(logger)
		case domain.APIChatCompletions, "":
			req, err = openai.NewChatRequest(ep, p.Options, p.Token)
			dec = openai.NewChatDecoder(logger)
		default:
			return nil, fmt.Errorf("endpoint %s: unsupported api %q for provider %q", ep.Name, ep.API, ep.Kind)
		}
	default:
		return nil, fmt.Errorf("endpoint %s: unsupported provider type %q", ep.Name, ep.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", ep.Name, err)
	}

	setCommonHeaders(req, p)

	custom, dropped := safehttp.SanitizeHeaders(ep.CustomHeaders)
	for name, values := range custom {
		// Headers set by the adapter always win.
		if req.Header.Get(name) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	for _, v := range dropped {
		logger.Warn("dropped custom header",
			slog.String("endpoint", ep.Name),
			slog.String("header", v.Name),
			slog.String("reason", v.Reason))
	}

	return &Prepared{Request: req, Decoder: dec, Dropped: dropped}, nil
}

func setCommonHeaders(req *transport.Request, p Params) {
	req.Header.Set(HeaderRequestID, p.RequestID)
	if p.InteractionID != "" {
		req.Header.Set(HeaderInteractionID, p.InteractionID)
	}
	if p.UserInitiated {
		req.Header.Set(HeaderInitiator, "user")
	} else {
		req.Header.Set(HeaderInitiator, "agent")
	}
	if p.Endpoint.Capabilities.Vision && p.Options != nil && p.Options.HasImages() {
		req.Header.Set(HeaderVision, "true")
	}
}
