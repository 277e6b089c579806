// Package httpserver exposes the OpenAI-compatible REST surface and the
// operational endpoints, keeping HTTP concerns out of the gateway service.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrUpstream):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_ERROR"
	case errors.Is(err, domain.ErrProtocol):
		code = http.StatusBadGateway
		codeStr = "UPSTREAM_PROTOCOL"
	case errors.Is(err, domain.ErrNoBackend):
		code = http.StatusServiceUnavailable
		codeStr = "NO_BACKEND"
	case errors.Is(err, domain.ErrExhausted):
		code = http.StatusServiceUnavailable
		codeStr = "CREDENTIALS_EXHAUSTED"
	case errors.Is(err, domain.ErrQueueFull):
		code = http.StatusServiceUnavailable
		codeStr = "QUEUE_FULL"
	case errors.Is(err, domain.ErrQueueTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "QUEUE_TIMEOUT"
	case errors.Is(err, domain.ErrTimeout):
		code = http.StatusGatewayTimeout
		codeStr = "TIMEOUT"
	case errors.Is(err, domain.ErrPoolClosed):
		code = http.StatusServiceUnavailable
		codeStr = "SHUTTING_DOWN"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
