package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/gateway"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/stream"
)

// fakeGateway replays canned results and records what it was asked.
type fakeGateway struct {
	resp   *domain.CompletionResponse
	err    error
	frames []stream.Frame

	gotReq  *domain.CompletionRequest
	gotCall gateway.Call
}

func (f *fakeGateway) Complete(ctx context.Context, req *domain.CompletionRequest, call gateway.Call) (*domain.CompletionResponse, error) {
	f.gotReq, f.gotCall = req, call
	return f.resp, f.err
}

func (f *fakeGateway) Stream(ctx context.Context, req *domain.CompletionRequest, call gateway.Call, w gateway.FrameWriter) error {
	f.gotReq, f.gotCall = req, call
	if f.err != nil {
		return f.err
	}
	for _, fr := range f.frames {
		if err := w.Encode(fr); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeGateway) Models() []domain.ModelConfig {
	return []domain.ModelConfig{{
		ID:           "gpt-test",
		Backend:      domain.BackendOpenAI,
		MaxTokens:    16000,
		Capabilities: domain.Capabilities{Streaming: true},
	}}
}

func newTestServer(gw Gateway, authenticator *auth.Authenticator) *Server {
	return New(Options{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Authenticator: authenticator,
		Gateway:       gw,
		Metrics:       promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{}),
	})
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(&fakeGateway{}, testAuthenticator())

	if rec := do(t, s, "GET", "/healthz", "", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, "GET", "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	s := newTestServer(&fakeGateway{}, nil)

	rec := do(t, s, "GET", "/v1/models", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list ModelList
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].OwnedBy != "openai" || !list.Data[0].Capabilities.Streaming {
		t.Errorf("list = %+v", list)
	}
}

func TestChatCompletions_JSON(t *testing.T) {
	gw := &fakeGateway{resp: &domain.CompletionResponse{
		ID:            "cmpl-1",
		Model:         "gpt-test",
		Content:       "Paris.",
		ExecutedTools: []string{"web_search"},
	}}
	s := newTestServer(gw, testAuthenticator())

	rec := do(t, s, "POST", "/v1/chat/completions",
		`{"model":"gpt-test","user_id":"mallory","messages":[{"role":"user","content":"capital?"}]}`,
		map[string]string{"Authorization": "Bearer valid-key-123", "User-Agent": "cli/2"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp domain.CompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Paris." || len(resp.ExecutedTools) != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if gw.gotReq.UserID != "alice" {
		t.Errorf("user id = %q, authenticated user must win", gw.gotReq.UserID)
	}
	if gw.gotCall.UserAgent != "cli/2" || gw.gotCall.RequestID != rec.Header().Get("X-Request-ID") {
		t.Errorf("call = %+v", gw.gotCall)
	}
}

func TestChatCompletions_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		stream     bool
		wantStatus int
		wantType   domain.ErrorType
	}{
		{
			name:       "malformed body",
			body:       `{"model":`,
			wantStatus: http.StatusBadRequest,
			wantType:   domain.ErrorTypeInvalidRequest,
		},
		{
			name:       "validation",
			body:       `{"model":"x","messages":[]}`,
			err:        domain.NewValidationError("messages", "at least one message is required"),
			wantStatus: http.StatusBadRequest,
			wantType:   domain.ErrorTypeInvalidRequest,
		},
		{
			name:       "no credential",
			body:       `{"model":"x","messages":[{"role":"user","content":"hi"}]}`,
			err:        domain.NewAPIError(domain.ErrorTypePermission, "no key").WithCode(domain.ErrorCodeNoCredential),
			wantStatus: http.StatusForbidden,
			wantType:   domain.ErrorTypePermission,
		},
		{
			name:       "backend failure",
			body:       `{"model":"x","messages":[{"role":"user","content":"hi"}]}`,
			err:        domain.NewProviderError(domain.BackendGemini, 503, io.ErrUnexpectedEOF),
			wantStatus: http.StatusBadGateway,
			wantType:   domain.ErrorTypeServer,
		},
		{
			name:       "stream rejected before first frame",
			body:       `{"model":"x","stream":true,"messages":[{"role":"user","content":"hi"}]}`,
			err:        domain.NewValidationError("model", "unknown model"),
			stream:     true,
			wantStatus: http.StatusBadRequest,
			wantType:   domain.ErrorTypeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakeGateway{err: tt.err}, nil)

			rec := do(t, s, "POST", "/v1/chat/completions", tt.body, nil)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
			var body errorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("body = %s", rec.Body.String())
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("error = %+v", body.Error)
			}
		})
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	gw := &fakeGateway{frames: []stream.Frame{
		{Type: stream.EventTextDelta, Text: "Hi "},
		{Type: stream.EventCodeStart, Lang: "python", RawLang: "python"},
		{Type: stream.EventCodeDelta, Text: "print(1)"},
		{Type: stream.EventCodeEnd},
		{Type: stream.EventDone, Done: &stream.Done{Content: "Hi \n```python\nprint(1)\n```"}},
	}}
	s := newTestServer(gw, nil)

	rec := do(t, s, "POST", "/v1/chat/completions",
		`{"model":"gpt-test","stream":true,"user_id":"bob","messages":[{"role":"user","content":"code"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if gw.gotReq.UserID != "bob" {
		t.Errorf("open API should keep body user id, got %q", gw.gotReq.UserID)
	}

	res, err := stream.Decode(rec.Body)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := []stream.Segment{stream.Text("Hi "), stream.Code("print(1)", "python")}
	if len(res.Segments) != len(want) {
		t.Fatalf("segments = %+v", res.Segments)
	}
	for i := range want {
		if res.Segments[i] != want[i] {
			t.Errorf("segment %d = %+v, want %+v", i, res.Segments[i], want[i])
		}
	}
	if res.Done == nil || res.Err != "" {
		t.Errorf("result = %+v", res)
	}
}
