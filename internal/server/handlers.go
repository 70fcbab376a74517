package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/gateway"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/stream"
)

// maxBodyBytes bounds a completion request body.
const maxBodyBytes = 8 << 20

type handlers struct {
	gw     Gateway
	logger *slog.Logger
}

// errorBody is the JSON shape of every non-streamed failure.
type errorBody struct {
	Error *domain.APIError `json:"error"`
}

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	ID           string              `json:"id"`
	Object       string              `json:"object"`
	OwnedBy      string              `json:"owned_by"`
	MaxTokens    int                 `json:"max_tokens"`
	Capabilities domain.Capabilities `json:"capabilities"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models := h.gw.Models()
	list := ModelList{Object: "list", Data: make([]ModelInfo, 0, len(models))}
	for _, m := range models {
		list.Data = append(list.Data, ModelInfo{
			ID:           m.ID,
			Object:       "model",
			OwnedBy:      m.Backend.String(),
			MaxTokens:    m.MaxTokens,
			Capabilities: m.Capabilities,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := GetRequestID(ctx)

	var req domain.CompletionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		AddError(ctx, err)
		writeError(w, decodeError(err))
		return
	}

	if p := GetPrincipal(ctx); p != nil {
		req.UserID = p.UserID
	}
	AddLogField(ctx, "model", req.Model)
	AddLogField(ctx, "stream", strconv.FormatBool(req.Stream))

	call := gateway.Call{RequestID: requestID, UserAgent: r.UserAgent()}

	if req.Stream {
		h.streamCompletion(w, r, &req, call)
		return
	}

	resp, err := h.gw.Complete(ctx, &req, call)
	if err != nil {
		AddError(ctx, err)
		writeError(w, err)
		return
	}
	AddLogField(ctx, "executed_tools", strings.Join(resp.ExecutedTools, ","))
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) streamCompletion(w http.ResponseWriter, r *http.Request, req *domain.CompletionRequest, call gateway.Call) {
	ctx := r.Context()
	sw := &streamWriter{w: w, enc: stream.NewEncoder(w)}

	err := h.gw.Stream(ctx, req, call, sw)
	if err == nil {
		return
	}
	AddError(ctx, err)
	if sw.started {
		// The response is already committed; the client left or ctx ended.
		h.logger.Debug("stream ended early",
			slog.String("request_id", call.RequestID),
			slog.String("error", err.Error()))
		return
	}
	writeError(w, err)
}

// streamWriter commits the streaming headers on the first frame, so a
// request rejected before any frame still gets a plain JSON error.
type streamWriter struct {
	w       http.ResponseWriter
	enc     *stream.Encoder
	started bool
}

func (s *streamWriter) Encode(f stream.Frame) error {
	if !s.started {
		stream.SetHeaders(s.w)
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	return s.enc.Encode(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := domain.AsAPIError(err)
	writeJSON(w, apiErr.HTTPStatusCode(), errorBody{Error: apiErr})
}

func decodeError(err error) *domain.APIError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return domain.NewAPIError(domain.ErrorTypeInvalidRequest, "request body too large").
			WithStatusCode(http.StatusRequestEntityTooLarge)
	}
	return domain.NewAPIError(domain.ErrorTypeInvalidRequest, "malformed request body: "+err.Error())
}
