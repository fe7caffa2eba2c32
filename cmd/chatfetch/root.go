package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/auth"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/config"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/fetcher"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/metrics"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/telemetry"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/tokens"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

type options struct {
	configPath  string
	endpoint    string
	system      string
	choices     int
	maxTokens   int
	jsonOutput  bool
	dumpMetrics bool
	noRetry     bool
}

func newRootCmd() *cobra.Command {
	var o options

	cmd := &cobra.Command{
		Use:   "chatfetch [prompt...]",
		Short: "Stream a chat completion from a configured endpoint",
		Long: `Send one prompt to an endpoint from config.yaml and stream the answer.

The prompt is taken from the arguments, or from stdin when none are given.

Examples:
  chatfetch "Explain goroutines"
  chatfetch --endpoint claude --system "Answer in French" "Hello"
  echo "Hello" | chatfetch --json`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), o, args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "Config file (default config.yaml)")
	cmd.Flags().StringVarP(&o.endpoint, "endpoint", "e", "", "Endpoint name (default: first configured)")
	cmd.Flags().StringVarP(&o.system, "system", "s", "", "System prompt")
	cmd.Flags().IntVarP(&o.choices, "n", "n", 1, "Number of choices to request")
	cmd.Flags().IntVar(&o.maxTokens, "max-tokens", 0, "Output token limit (default: endpoint limit)")
	cmd.Flags().BoolVar(&o.jsonOutput, "json", false, "Print the final result as JSON instead of streaming text")
	cmd.Flags().BoolVar(&o.dumpMetrics, "metrics", false, "Write fetch metrics to stderr on exit")
	cmd.Flags().BoolVar(&o.noRetry, "no-retry", false, "Disable the filter and network retries")

	return cmd
}

func run(ctx context.Context, o options, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, stderr, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	ep, err := cfg.Endpoint(o.endpoint)
	if err != nil {
		return err
	}

	prompt, err := readPrompt(args, stdin)
	if err != nil {
		return err
	}

	m := metrics.New()
	if o.dumpMetrics {
		defer func() {
			if err := writeMetrics(stderr, m); err != nil {
				logger.Error("failed to write metrics", slog.String("error", err.Error()))
			}
		}()
	}

	f := fetcher.New(
		fetcher.WithLogger(logger),
		fetcher.WithTransport(transport.New(transportOptions(cfg, logger)...)),
		fetcher.WithAlternateTransport(transport.NewAlternate(transportOptions(cfg, logger)...)),
		fetcher.WithCredentials(credentials(cfg, logger)),
		fetcher.WithTokenCounter(tokens.NewDefault()),
		fetcher.WithMetrics(m),
		fetcher.WithTimeout(cfg.HeaderTimeout()),
	)

	req := &fetcher.Request{
		Endpoint:            ep,
		Options:             requestOptions(o, prompt),
		DebugName:           "chatfetch",
		UserInitiated:       true,
		EnableRetryOnFilter: cfg.Fetch.RetryOnFilter && !o.noRetry,
	}
	retryOnError := cfg.Fetch.RetryOnError && !o.noRetry
	req.EnableRetryOnError = &retryOnError

	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout())
	defer cancel()

	var out *streamPrinter
	var onDelta fetcher.DeltaFunc
	if !o.jsonOutput {
		out = &streamPrinter{stdout: stdout, stderr: stderr, multi: o.choices > 1}
		onDelta = out.print
	}

	res := f.FetchMany(ctx, req, onDelta)

	if o.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	} else {
		out.finish(res)
	}

	if !res.IsSuccess() {
		return resultError(res)
	}
	return nil
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("prompt required: pass it as arguments or on stdin")
	}
	return prompt, nil
}

func requestOptions(o options, prompt string) domain.RequestOptions {
	var msgs []domain.ChatMessage
	if o.system != "" {
		msgs = append(msgs, domain.NewTextMessage(domain.RoleSystem, o.system))
	}
	msgs = append(msgs, domain.NewTextMessage(domain.RoleUser, prompt))

	return domain.RequestOptions{
		Messages:        msgs,
		MaxOutputTokens: o.maxTokens,
		Sampling:        domain.SamplingParams{N: o.choices},
	}
}

func transportOptions(cfg *config.Config, logger *slog.Logger) []transport.Option {
	opts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithHeaderTimeout(cfg.HeaderTimeout()),
	}
	if cfg.Fetch.DenyPrivateNetworks {
		opts = append(opts, transport.WithDenyPrivateNetworks())
	}
	return opts
}

func credentials(cfg *config.Config, logger *slog.Logger) domain.CredentialSource {
	fetch := auth.FromEnv(cfg.Credential.TokenEnv)
	if username := cfg.Credential.Username; username != "" {
		fromEnv := fetch
		fetch = func(ctx context.Context) (domain.Credential, error) {
			cred, err := fromEnv(ctx)
			cred.Username = username
			return cred, err
		}
	}
	return auth.NewCached(fetch, auth.WithLogger(logger))
}

func writeMetrics(w io.Writer, m *metrics.Metrics) error {
	families, err := m.Gatherer().Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// resultError summarizes a non-success result for the exit status.
func resultError(res *domain.FetchResult) error {
	msg := string(res.Type)
	if res.Type == domain.ResultFailed {
		msg += " (" + res.Kind.String() + ")"
	}
	if res.Reason != "" {
		msg += ": " + res.Reason
	}
	if res.Type == domain.ResultRateLimited && !res.RetryAfter.IsZero() {
		msg += ", retry after " + res.RetryAfter.Format("15:04:05")
	}
	return errors.New(msg)
}
