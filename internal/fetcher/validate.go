package fetcher

import (
	"fmt"
	"regexp"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
)

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validate rejects requests that no upstream would accept. It never touches
// the network.
func validate(opts *domain.RequestOptions) *domain.ValidationError {
	if len(opts.Messages) == 0 {
		return unexpected("messages", "No messages provided")
	}
	if opts.MaxOutputTokens < 0 {
		return unexpected("max_output_tokens", "Invalid response token parameter")
	}
	for _, tool := range opts.Tools {
		if !toolNamePattern.MatchString(tool.Name) {
			return unexpected("tools", "Function names must match ^[a-zA-Z0-9_-]+$")
		}
	}
	if name := opts.ToolChoice; name != "" && !isToolChoiceMode(name) && !toolNamePattern.MatchString(name) {
		return unexpected("tool_choice", "Function names must match ^[a-zA-Z0-9_-]+$")
	}
	if n := len(opts.Tools); n > domain.HardToolLimit {
		return domain.NewValidationError("tools", fmt.Sprintf(
			"Tool limit exceeded (%d/%d). Click \"Configure Tools\" in the chat input to disable %d tools and retry.",
			n, domain.HardToolLimit, n-domain.HardToolLimit))
	}
	return nil
}

func isToolChoiceMode(choice string) bool {
	switch choice {
	case "auto", "none", "required", "any":
		return true
	default:
		return false
	}
}

func unexpected(field, reason string) *domain.ValidationError {
	return domain.NewValidationError(field, fmt.Sprintf("Prompt failed validation with the reason: %s. Please file an issue.", reason))
}
