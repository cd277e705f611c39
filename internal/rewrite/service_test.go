package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/memoir-cowriter/internal/memoir"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeCompleter struct {
	calls int
	reqs  []openai.ChatCompletionRequest
	fn    func(call int) (openai.ChatCompletionResponse, error)
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	return f.fn(f.calls)
}

func completion(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
		}},
	}
}

func TestPolishReturnsCompletion(t *testing.T) {
	fc := &fakeCompleter{fn: func(int) (openai.ChatCompletionResponse, error) {
		return completion("  The lake was cold and bright.  "), nil
	}}
	svc := NewService(fc, Config{Temperature: DefaultTemperature}, quietLogger)

	got := svc.Polish(context.Background(), "I swam in the lake")
	assert.Equal(t, "The lake was cold and bright.", got)

	require.Len(t, fc.reqs, 1)
	req := fc.reqs[0]
	assert.Equal(t, DefaultModel, req.Model)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, DefaultTemperature, req.Temperature, 0.0001)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, openai.ChatMessageRoleUser, req.Messages[0].Role)
	assert.Equal(t,
		"Rewrite this personal experience as an emotional and vivid memoir in 3-4 sentences:\n\nI swam in the lake",
		req.Messages[0].Content)
}

func TestPolishFallsBackOnEveryKind(t *testing.T) {
	cases := map[string]error{
		"network":  errors.New("dial tcp: connection refused"),
		"quota":    &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests, Message: "rate limited"},
		"rejected": &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"},
		"upstream": &openai.RequestError{HTTPStatusCode: http.StatusBadGateway, Err: errors.New("bad gateway")},
		"timeout":  context.DeadlineExceeded,
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			fc := &fakeCompleter{fn: func(int) (openai.ChatCompletionResponse, error) {
				return openai.ChatCompletionResponse{}, failure
			}}
			svc := NewService(fc, Config{MaxRetries: 2, RetryBackoff: time.Millisecond, FallbackPrefix: "(fallback) "}, quietLogger)

			assert.Equal(t, "(fallback) hello", svc.Polish(context.Background(), "hello"))
		})
	}
}

func TestPolishFallsBackOnMalformedResponse(t *testing.T) {
	for name, resp := range map[string]openai.ChatCompletionResponse{
		"no choices":    {},
		"blank content": completion("   "),
	} {
		t.Run(name, func(t *testing.T) {
			fc := &fakeCompleter{fn: func(int) (openai.ChatCompletionResponse, error) { return resp, nil }}
			svc := NewService(fc, Config{MaxRetries: 3}, quietLogger)

			assert.Equal(t, "hello", svc.Polish(context.Background(), "hello"))
			assert.Equal(t, 1, fc.calls, "malformed responses are not retried")
		})
	}
}

func TestTryPolishRetriesTransientErrors(t *testing.T) {
	fc := &fakeCompleter{fn: func(call int) (openai.ChatCompletionResponse, error) {
		if call < 3 {
			return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: http.StatusServiceUnavailable}
		}
		return completion("third time lucky"), nil
	}}
	svc := NewService(fc, Config{MaxRetries: 2, RetryBackoff: time.Millisecond}, quietLogger)

	text, rwErr := svc.TryPolish(context.Background(), "x")
	require.Nil(t, rwErr)
	assert.Equal(t, "third time lucky", text)
	assert.Equal(t, 3, fc.calls)
}

func TestTryPolishStopsOnRejected(t *testing.T) {
	fc := &fakeCompleter{fn: func(int) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, &openai.APIError{HTTPStatusCode: http.StatusBadRequest}
	}}
	svc := NewService(fc, Config{MaxRetries: 5, RetryBackoff: time.Millisecond}, quietLogger)

	_, rwErr := svc.TryPolish(context.Background(), "x")
	require.NotNil(t, rwErr)
	assert.Equal(t, KindRejected, rwErr.Kind)
	assert.Equal(t, 1, fc.calls)
}

func TestPolishAgainstHTTPServer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("A bright morning, long remembered."))
	}))
	defer srv.Close()

	svc := NewService(NewClient(srv.URL+"/v1", "test-key", srv.Client()), Config{Model: "test-model"}, quietLogger)
	assert.Equal(t, "A bright morning, long remembered.", svc.Polish(context.Background(), "morning"))
	assert.EqualValues(t, 1, hits.Load())
}

func TestPolishTimeoutFallsBack(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	svc := NewService(NewClient(srv.URL+"/v1", "k", srv.Client()), Config{Timeout: 50 * time.Millisecond}, quietLogger)

	start := time.Now()
	assert.Equal(t, "slow", svc.Polish(context.Background(), "slow"))
	assert.Less(t, time.Since(start), 5*time.Second)

	_, rwErr := svc.TryPolish(context.Background(), "slow")
	require.NotNil(t, rwErr)
	assert.Equal(t, KindTimeout, rwErr.Kind)
}

func TestPolishDrivesStateMachineThroughOutage(t *testing.T) {
	fc := &fakeCompleter{fn: func(int) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, errors.New("connection reset")
	}}
	m := memoir.NewMachine(NewService(fc, Config{}, quietLogger))

	s, err := m.Receive(memoir.NewSession(), "hello")
	require.NoError(t, err)
	s, err = m.Rewrite(context.Background(), s)
	require.NoError(t, err)

	assert.Equal(t, []string{"hello"}, s.Rewritten)
	assert.Equal(t, 1, s.Step)
}

func TestNewPolisherWithoutKeyEchoes(t *testing.T) {
	p := NewPolisher("", "", Config{}, quietLogger)
	assert.IsType(t, Echo{}, p)
	assert.Equal(t, "as is", p.Polish(context.Background(), "as is"))
}

func TestErrorKinds(t *testing.T) {
	names := make([]string, 0, len(ErrorKinds.Members()))
	for _, k := range ErrorKinds.Members() {
		names = append(names, k.String())
	}
	assert.Equal(t, []string{"timeout", "canceled", "network", "quota", "upstream", "rejected", "malformed"}, names)
	parsed := ErrorKinds.Parse("quota")
	require.NotNil(t, parsed)
	assert.Equal(t, KindQuota, *parsed)
	assert.True(t, KindQuota.Retryable())
	assert.False(t, KindMalformed.Retryable())
	assert.False(t, KindRejected.Retryable())
}

func TestKindForStatus(t *testing.T) {
	cases := map[int]ErrorKind{
		http.StatusTooManyRequests:     KindQuota,
		http.StatusRequestTimeout:      KindTimeout,
		http.StatusGatewayTimeout:      KindTimeout,
		http.StatusUnauthorized:        KindRejected,
		http.StatusNotFound:            KindRejected,
		http.StatusInternalServerError: KindUpstream,
		http.StatusBadGateway:          KindUpstream,
	}
	for status, want := range cases {
		assert.Equal(t, want, kindForStatus(status), "status %d", status)
	}
}
