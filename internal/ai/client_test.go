package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/mnma/mnma-backend/internal/logger"
)

type fakeRoundTripper struct {
	handler func(req *http.Request) (*http.Response, error)
	calls   int
}

func (f *fakeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	return f.handler(req)
}

func newTestClient(t *testing.T, rt *fakeRoundTripper) *client {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return &client{
		log:        log.With("service", "AIClient"),
		baseURL:    "http://provider.local",
		apiKey:     "test-key",
		model:      "test-model",
		embedModel: "test-embed",
		httpClient: &http.Client{Transport: rt},
		maxRetries: 2,
	}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestEmbedOrdersByIndex(t *testing.T) {
	rt := &fakeRoundTripper{handler: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/embeddings" {
			t.Fatalf("unexpected path %q", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("missing auth header, got %q", got)
		}
		return jsonResponse(http.StatusOK, `{"data": [
			{"embedding": [0.2, 0.2], "index": 1},
			{"embedding": [0.1, 0.1], "index": 0}
		]}`), nil
	}}
	c := newTestClient(t, rt)

	vecs, err := c.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vecs))
	}
	if vecs[0][0] != 0.1 || vecs[1][0] != 0.2 {
		t.Fatalf("vectors not reordered by index: %#v", vecs)
	}
}

func TestEmbedFailsOnMissingIndex(t *testing.T) {
	rt := &fakeRoundTripper{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusOK, `{"data": [{"embedding": [0.1], "index": 0}]}`), nil
	}}
	c := newTestClient(t, rt)

	if _, err := c.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatalf("expected error for missing embedding")
	}
}

func TestEmbedEmptyInputsSkipsCall(t *testing.T) {
	rt := &fakeRoundTripper{handler: func(req *http.Request) (*http.Response, error) {
		t.Fatalf("no call expected")
		return nil, nil
	}}
	c := newTestClient(t, rt)

	vecs, err := c.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 0 {
		t.Fatalf("expected empty result")
	}
}

func TestDoRetriesOnServerError(t *testing.T) {
	rt := &fakeRoundTripper{}
	rt.handler = func(req *http.Request) (*http.Response, error) {
		if rt.calls < 2 {
			return jsonResponse(http.StatusServiceUnavailable, `{"error": "overloaded"}`), nil
		}
		return jsonResponse(http.StatusOK, `{"data": [{"embedding": [0.5], "index": 0}]}`), nil
	}
	c := newTestClient(t, rt)

	vecs, err := c.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed after retry: %v", err)
	}
	if rt.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", rt.calls)
	}
	if vecs[0][0] != 0.5 {
		t.Fatalf("unexpected vector %#v", vecs)
	}
}

func TestDoDoesNotRetryClientError(t *testing.T) {
	rt := &fakeRoundTripper{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadRequest, `{"error": "bad input"}`), nil
	}}
	c := newTestClient(t, rt)

	_, err := c.Embed(context.Background(), []string{"x"})
	if err == nil {
		t.Fatalf("expected error")
	}
	var he *httpError
	if !errors.As(err, &he) || he.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 httpError, got %v", err)
	}
	if rt.calls != 1 {
		t.Fatalf("client errors must not retry, got %d attempts", rt.calls)
	}
}

func sseBody(events ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(events, "")))
}

func TestStreamTextCollectsDeltas(t *testing.T) {
	rt := &fakeRoundTripper{handler: func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/responses" {
			t.Fatalf("unexpected path %q", req.URL.Path)
		}
		var body responsesRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !body.Stream {
			t.Fatalf("expected stream=true")
		}
		if len(body.Input) != 2 || body.Input[0].Role != "system" {
			t.Fatalf("unexpected input %#v", body.Input)
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body: sseBody(
				"event: response.output_text.delta\ndata: {\"type\": \"response.output_text.delta\", \"delta\": \"Hello\"}\n\n",
				"event: response.output_text.delta\ndata: {\"type\": \"response.output_text.delta\", \"delta\": \" world\"}\n\n",
				"data: [DONE]\n\n",
			),
			Header: http.Header{"Content-Type": []string{"text/event-stream"}},
		}, nil
	}}
	c := newTestClient(t, rt)

	var deltas []string
	full, err := c.StreamText(context.Background(), "be brief", "hi", func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("StreamText: %v", err)
	}
	if full != "Hello world" {
		t.Fatalf("unexpected full text %q", full)
	}
	if len(deltas) != 2 || deltas[0] != "Hello" {
		t.Fatalf("unexpected deltas %#v", deltas)
	}
}

func TestStreamTextSurfacesStreamError(t *testing.T) {
	rt := &fakeRoundTripper{handler: func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body: sseBody(
				"data: {\"type\": \"response.output_text.delta\", \"delta\": \"par\"}\n\n",
				"data: {\"error\": {\"message\": \"rate limited\"}}\n\n",
			),
			Header: http.Header{"Content-Type": []string{"text/event-stream"}},
		}, nil
	}}
	c := newTestClient(t, rt)

	_, err := c.StreamText(context.Background(), "", "hi", nil)
	if err == nil {
		t.Fatalf("expected stream error")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected provider message, got %v", err)
	}
}

func TestStreamTextHTTPErrorStatus(t *testing.T) {
	rt := &fakeRoundTripper{handler: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusUnauthorized, `{"error": "bad key"}`), nil
	}}
	c := newTestClient(t, rt)

	_, err := c.StreamText(context.Background(), "", "hi", nil)
	var he *httpError
	if !errors.As(err, &he) || he.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 httpError, got %v", err)
	}
}
