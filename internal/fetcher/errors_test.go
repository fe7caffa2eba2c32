package fetcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/domain"
	"github.com/tjfontaine/polyglot-llm-fetch/internal/transport"
)

func TestProcessError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   domain.ResultType
		wantReason string
	}{
		{
			name:       "abort",
			err:        &transport.Error{Op: "fetch", Code: transport.CodeAborted, Err: context.Canceled},
			wantType:   domain.ResultCanceled,
			wantReason: "network request aborted",
		},
		{
			name:       "context canceled",
			err:        fmt.Errorf("decode: %w", context.Canceled),
			wantType:   domain.ResultCanceled,
			wantReason: "Got a cancellation error",
		},
		{
			name:       "premature close",
			err:        &transport.Error{Op: "read body", Code: transport.CodePrematureClose, Err: errors.New("unexpected EOF")},
			wantType:   domain.ResultCanceled,
			wantReason: "Stream closed prematurely",
		},
		{
			name:       "disconnected",
			err:        &transport.Error{Op: "fetch", Code: transport.CodeInternetDisconnected, Err: errors.New("unreachable")},
			wantType:   domain.ResultNetworkError,
			wantReason: reasonDisconnected,
		},
		{
			name:       "connection refused",
			err:        &transport.Error{Op: "fetch", Code: transport.CodeConnRefused, Err: errors.New("refused")},
			wantType:   domain.ResultNetworkError,
			wantReason: "fetch: ECONNREFUSED: refused",
		},
		{
			name:       "other",
			err:        errors.New("boom"),
			wantType:   domain.ResultFailed,
			wantReason: reasonUnexpected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := processError(tt.err, "req-1", "", discardLogger())
			assert.Equal(t, tt.wantType, res.Type)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, "req-1", res.RequestID)
		})
	}
}

func TestScrub(t *testing.T) {
	assert.Equal(t, "failed for <login>: Logged in as <login>",
		scrub("failed for octocat: Logged in as octo", "octocat"))
	assert.Equal(t, "plain", scrub("plain", ""))
	assert.Equal(t, "user <login> denied", scrub("user Alice denied", "alice"))
}
