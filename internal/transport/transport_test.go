package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-llm-fetch/internal/testutil"
)

func TestHTTP_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("X-Test"); got != "yes" {
			t.Errorf("X-Test = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"ping":true}` {
			t.Errorf("body = %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: ok\n\n"))
	}))
	defer server.Close()

	tr := New()
	resp, err := tr.Do(context.Background(), &Request{
		URL:    server.URL,
		Header: http.Header{"X-Test": []string{"yes"}},
		Body:   []byte(`{"ping":true}`),
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(got) != "data: ok\n\n" {
		t.Errorf("body = %q", got)
	}
}

func TestHTTP_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	tr := New(WithHeaderTimeout(time.Hour))
	_, err := tr.Do(context.Background(), &Request{URL: server.URL, Timeout: 20 * time.Millisecond})

	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if te.Code != CodeTimedOut {
		t.Errorf("code = %s, want %s", te.Code, CodeTimedOut)
	}
	if IsAbortError(err) {
		t.Error("header timeout must not be reported as an abort")
	}
}

func TestHTTP_AbortedByCaller(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := New().Do(ctx, &Request{URL: server.URL})
	if !IsAbortError(err) {
		t.Fatalf("expected abort error, got %v", err)
	}
}

func TestHTTP_PrematureClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("server does not support hijacking")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\nContent-Type: text/event-stream\r\n\r\ndata: ")
		buf.Flush()
		conn.Close()
	}))
	defer server.Close()

	resp, err := New().Do(context.Background(), &Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	if !IsPrematureClose(err) {
		t.Fatalf("expected premature close, got %v", err)
	}
}

func TestHTTP_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := New().Do(context.Background(), &Request{URL: url})
	if !IsFetcherError(err) {
		t.Fatalf("expected transport error, got %v", err)
	}
	var te *Error
	errors.As(err, &te)
	if te.Code != CodeConnRefused {
		t.Errorf("code = %s, want %s", te.Code, CodeConnRefused)
	}
}

func TestHTTP_DenyPrivateNetworks(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := New(WithDenyPrivateNetworks()).Do(context.Background(), &Request{URL: server.URL})
	if err == nil {
		t.Fatal("expected loopback dial to be refused")
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"network down", syscall.ENETDOWN, CodeNetworkChanged},
		{"address gone", syscall.EADDRNOTAVAIL, CodeNetworkChanged},
		{"unreachable", syscall.ENETUNREACH, CodeInternetDisconnected},
		{"refused", syscall.ECONNREFUSED, CodeConnRefused},
		{"reset", syscall.ECONNRESET, CodeConnReset},
		{"unexpected eof", io.ErrUnexpectedEOF, CodePrematureClose},
		{"deadline", context.DeadlineExceeded, CodeTimedOut},
		{"other", errors.New("boom"), CodeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := codeFor(tt.err); got != tt.want {
				t.Errorf("codeFor() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestError_NetworkChangedMessage(t *testing.T) {
	err := &Error{Op: "fetch", Code: CodeNetworkChanged, Err: syscall.ENETDOWN}
	if !IsNetworkChanged(err) {
		t.Error("IsNetworkChanged() = false")
	}
	if msg := err.Error(); !strings.Contains(msg, "net::ERR_NETWORK_CHANGED") {
		t.Errorf("message %q lacks the chromium code", msg)
	}
}

func TestUserMessage_InternetDisconnected(t *testing.T) {
	err := &Error{Op: "fetch", Code: CodeInternetDisconnected, Err: syscall.ENETUNREACH}
	want := "It appears you're not connected to the internet, please check your network connection and try again."
	if got := UserMessage(err); got != want {
		t.Errorf("UserMessage() = %q", got)
	}
}

func TestHTTP_RecordedStream(t *testing.T) {
	rec, stop := testutil.NewVCRRecorder(t, "chat_completions_stream")
	defer stop()

	tr := New(WithHTTPClient(testutil.VCRHTTPClient(rec)))
	resp, err := tr.Do(context.Background(), &Request{
		URL:    "https://api.openai.com/v1/chat/completions",
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(`{"model":"gpt-4o","stream":true}`),
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "req_chat_1" {
		t.Errorf("X-Request-Id = %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), `"content":"Hi"`) || !strings.HasSuffix(string(body), "data: [DONE]\n") {
		t.Errorf("body = %q", body)
	}
}

func TestHTTP_RecordedStreamMiss(t *testing.T) {
	rec, stop := testutil.NewVCRRecorder(t, "chat_completions_stream")
	defer stop()

	tr := New(WithHTTPClient(testutil.VCRHTTPClient(rec)))
	_, err := tr.Do(context.Background(), &Request{URL: "https://api.openai.com/v1/responses"})

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("Do() error = %v, want *Error", err)
	}
	if terr.Op != "fetch" {
		t.Errorf("Op = %q, want fetch", terr.Op)
	}
}
