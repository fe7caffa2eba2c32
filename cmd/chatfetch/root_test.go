package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/auth"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/mockupstream"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/server"
)

func startMock(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := server.New(0, logger, server.WithVerifier(auth.NewVerifier("cli-key")))
	mockupstream.New(mockupstream.WithLogger(logger)).Register(s.Router)
	srv := httptest.NewServer(s.Router)
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeConfig(t *testing.T, baseURL string) string {
	t.Helper()
	body := fmt.Sprintf(`
log:
  level: error
endpoints:
  - name: chat
    type: openai
    base_url: %[1]s/v1
    model: gpt-4o
    api_key: cli-key
  - name: claude
    type: anthropic
    base_url: %[1]s/v1
    model: claude-sonnet-4-5
    capabilities:
      max_output_tokens: 256
  - name: broken
    type: openai
    api: responses
    base_url: %[1]s/v1
    model: gpt-5
    api_key: cli-key
    custom_headers:
      X-Mock-Scenario: server_error
`, baseURL)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestChatfetch_StreamsText(t *testing.T) {
	cfg := writeConfig(t, startMock(t))

	stdout, stderr, err := execute(t, "", "--config", cfg, "say", "hello")
	require.NoError(t, err, stderr)
	assert.Equal(t, mockupstream.Reply+"\n", stdout)
	assert.Contains(t, stderr, "[usage prompt=2")
}

func TestChatfetch_PromptFromStdinWithSharedToken(t *testing.T) {
	cfg := writeConfig(t, startMock(t))
	t.Setenv("LLM_FETCH_TOKEN", "cli-key")

	stdout, stderr, err := execute(t, "hello from stdin\n", "--config", cfg, "--endpoint", "claude", "--metrics")
	require.NoError(t, err, stderr)
	assert.Equal(t, mockupstream.Reply+"\n", stdout)
	assert.Contains(t, stderr, `llmfetch_fetches_total{endpoint="claude",result="success"} 1`)
}

func TestChatfetch_MissingSharedToken(t *testing.T) {
	cfg := writeConfig(t, startMock(t))
	t.Setenv("LLM_FETCH_TOKEN", "")

	_, _, err := execute(t, "", "--config", cfg, "--endpoint", "claude", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_expired_or_invalid")
}

func TestChatfetch_JSONResult(t *testing.T) {
	cfg := writeConfig(t, startMock(t))

	stdout, _, err := execute(t, "", "--config", cfg, "--endpoint", "broken", "--json", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Server error: 500")

	var res domain.FetchResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, domain.ResultFailed, res.Type)
	assert.Equal(t, domain.FailureServerError, res.Kind)
}

func TestChatfetch_Errors(t *testing.T) {
	cfg := writeConfig(t, startMock(t))

	_, _, err := execute(t, "  \n", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompt required")

	_, _, err = execute(t, "", "--config", cfg, "--endpoint", "missing", "hi")
	require.Error(t, err)

	_, _, err = execute(t, "", "--config", filepath.Join(t.TempDir(), "absent.yaml"), "hi")
	require.Error(t, err)
}
