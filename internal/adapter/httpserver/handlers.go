package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/llm-gateway/internal/adapter/backend"
	"github.com/fairyhunter13/llm-gateway/internal/config"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/gateway"
	"github.com/fairyhunter13/llm-gateway/internal/health"
	"github.com/fairyhunter13/llm-gateway/internal/pool"
	"github.com/fairyhunter13/llm-gateway/internal/session"
	"github.com/fairyhunter13/llm-gateway/internal/subscription"
	"github.com/fairyhunter13/llm-gateway/internal/usage"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Gateway  *gateway.Service
	Registry *backend.Registry
	Subs     *subscription.Manager
	Sessions *session.Store
	Tracker  *usage.Tracker

	StorageCheck func(ctx context.Context) error
	SinkCheck    func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, gw *gateway.Service, reg *backend.Registry, subs *subscription.Manager, sessions *session.Store, tracker *usage.Tracker, storageCheck, sinkCheck func(context.Context) error) *Server {
	return &Server{
		Cfg:          cfg,
		Gateway:      gw,
		Registry:     reg,
		Subs:         subs,
		Sessions:     sessions,
		Tracker:      tracker,
		StorageCheck: storageCheck,
		SinkCheck:    sinkCheck,
	}
}

// ChatCompletionsHandler serves POST /v1/chat/completions and the
// backend-scoped variant POST /v1/{backend}/chat/completions.
func (s *Server) ChatCompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeChatRequest(w, r)
		if !ok {
			return
		}
		if b := chi.URLParam(r, "backend"); b != "" {
			// The path variant pins the backend regardless of the body.
			req.Backend = b
		}
		meta := clientMeta(r)

		if req.Stream {
			s.streamCompletion(w, r, req, meta)
			return
		}
		resp, err := s.Gateway.Handle(r.Context(), req, meta)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp.Object = "chat.completion"
		if resp.Created == 0 {
			resp.Created = time.Now().Unix()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeChatRequest enforces the body size cap, strict JSON decoding, and
// request validation. Writes the error response itself on failure.
func (s *Server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, bool) {
	if cl := r.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("%w: malformed content-length", domain.ErrInvalidArgument), nil)
			return domain.ChatRequest{}, false
		}
		if n > s.Cfg.MaxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
				Code:    "PAYLOAD_TOO_LARGE",
				Message: "request body too large",
				Details: map[string]int64{"max_bytes": s.Cfg.MaxBodyBytes},
			}})
			return domain.ChatRequest{}, false
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes)

	var req domain.ChatRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
				Code:    "PAYLOAD_TOO_LARGE",
				Message: "request body too large",
			}})
			return domain.ChatRequest{}, false
		}
		writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
		return domain.ChatRequest{}, false
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get("X-Session-Id")
	}
	if details, err := validateChatRequest(req); err != nil {
		writeError(w, r, err, details)
		return domain.ChatRequest{}, false
	}
	return req, true
}

// ModelsHandler lists every registered backend in the OpenAI models shape.
func (s *Server) ModelsHandler() http.HandlerFunc {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		backends := s.Registry.All()
		data := make([]model, 0, len(backends))
		for _, b := range backends {
			data = append(data, model{
				ID:      b.Name(),
				Object:  "model",
				Created: time.Now().Unix(),
				OwnedBy: string(b.Kind()),
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
	}
}

// HealthHandler reports liveness with backend availability attached.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		available := s.Registry.ListAvailable(r.Context())
		names := make([]string, 0, len(available))
		for _, b := range available {
			names = append(names, b.Name())
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":             "ok",
			"backends_total":     len(s.Registry.All()),
			"backends_available": names,
		})
	}
}

// QueueStatusHandler reports each local backend's pool counters.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]pool.Stats{}
		for _, b := range s.Registry.All() {
			if pp, ok := b.(backend.PoolProvider); ok {
				if p := pp.Pool(); p != nil {
					out[b.Name()] = p.Stats()
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": out})
	}
}

// SubscriptionsHandler lists credentials with live health scores and the
// active block projection.
func (s *Server) SubscriptionsHandler() http.HandlerFunc {
	type view struct {
		domain.Subscription
		ActiveBlock *usage.BlockInfo `json:"active_block,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := s.Subs.GetAll(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]view, 0, len(subs))
		for _, sub := range subs {
			sub.HealthScore = health.Score(sub)
			block, err := s.Tracker.ActiveBlock(r.Context(), sub.ID)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			out = append(out, view{Subscription: sub, ActiveBlock: block})
		}
		writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
	}
}

// SessionsHandler lists sessions, optionally scoped to one credential via
// the subscription_id query parameter.
func (s *Server) SessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			sessions []domain.ClientSession
			err      error
		)
		if subID := r.URL.Query().Get("subscription_id"); subID != "" {
			sessions, err = s.Sessions.GetBySubscription(r.Context(), subID)
		} else {
			sessions, err = s.Sessions.List(r.Context())
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
	}
}

// ReadyzHandler probes the storage and log sink dependencies.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.StorageCheck != nil {
			if err := s.StorageCheck(ctx); err != nil {
				checks = append(checks, check{Name: "storage", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "storage", OK: true})
			}
		}
		if s.SinkCheck != nil {
			if err := s.SinkCheck(ctx); err != nil {
				checks = append(checks, check{Name: "log_sink", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "log_sink", OK: true})
			}
		}
		st := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// clientMeta extracts caller identity from the transport.
func clientMeta(r *http.Request) gateway.ClientMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return gateway.ClientMeta{IP: ip, UserAgent: r.UserAgent()}
}
