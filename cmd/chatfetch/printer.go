package main

import (
	"fmt"
	"io"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

// streamPrinter renders deltas as they arrive. Text goes to stdout; retries,
// tool calls and usage go to stderr.
type streamPrinter struct {
	stdout io.Writer
	stderr io.Writer
	multi  bool

	lastChoice int
	wrote      bool
}

func (p *streamPrinter) print(d domain.Delta) {
	switch d.Type {
	case domain.DeltaText:
		if p.multi && (!p.wrote || d.Choice != p.lastChoice) {
			fmt.Fprintf(p.stdout, "\n[choice %d] ", d.Choice)
		}
		fmt.Fprint(p.stdout, d.Text)
		p.lastChoice = d.Choice
		p.wrote = true
	case domain.DeltaToolCall:
		if d.ToolCall.Complete {
			fmt.Fprintf(p.stderr, "\n[tool call %s %s(%s)]\n", d.ToolCall.ID, d.ToolCall.Name, d.ToolCall.Arguments)
		}
	case domain.DeltaCitation:
		fmt.Fprintf(p.stderr, "\n[citation %s %s]\n", d.Citation.Title, d.Citation.URL)
	case domain.DeltaRetry:
		fmt.Fprintf(p.stderr, "\n[retrying: %s]\n", d.RetryReason)
		p.wrote = false
	}
}

func (p *streamPrinter) finish(res *domain.FetchResult) {
	if p.wrote {
		fmt.Fprintln(p.stdout)
	}
	if res.Usage != nil {
		fmt.Fprintf(p.stderr, "[usage prompt=%d completion=%d total=%d]\n",
			res.Usage.PromptTokens, res.Usage.CompletionTokens, res.Usage.TotalTokens)
	}
	if res.Type == domain.ResultLength && res.TruncatedText != "" {
		fmt.Fprintln(p.stderr, "[response truncated at the output token limit]")
	}
}
