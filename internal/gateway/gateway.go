// Package gateway drives the request lifecycle: route, allocate a
// credential for local executions, execute, account usage, and log.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/llm-gateway/internal/adapter/backend"
	"github.com/fairyhunter13/llm-gateway/internal/balancer"
	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/logsink"
	"github.com/fairyhunter13/llm-gateway/internal/notify"
	"github.com/fairyhunter13/llm-gateway/internal/observability"
	"github.com/fairyhunter13/llm-gateway/internal/router"
	"github.com/fairyhunter13/llm-gateway/internal/session"
	"github.com/fairyhunter13/llm-gateway/internal/subscription"
	"github.com/fairyhunter13/llm-gateway/internal/usage"
)

// requestSummaryMax bounds the prompt excerpt kept in the request log.
const requestSummaryMax = 100

// ClientMeta carries transport-level caller identity into the lifecycle.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// Service orchestrates one chat completion end to end.
type Service struct {
	router   *router.Router
	reg      *backend.Registry
	bal      *balancer.Balancer
	subs     *subscription.Manager
	sessions *session.Store
	tracker  *usage.Tracker
	notifier *notify.Manager
	sink     logsink.Sink

	// wg tracks post-response accounting so shutdown can drain it.
	wg sync.WaitGroup
}

func New(
	rt *router.Router,
	reg *backend.Registry,
	bal *balancer.Balancer,
	subs *subscription.Manager,
	sessions *session.Store,
	tracker *usage.Tracker,
	notifier *notify.Manager,
	sink logsink.Sink,
) *Service {
	return &Service{
		router:   rt,
		reg:      reg,
		bal:      bal,
		subs:     subs,
		sessions: sessions,
		tracker:  tracker,
		notifier: notifier,
		sink:     sink,
	}
}

// Handle runs one request through route, allocation, execution, and the
// post-response accounting. Accounting and logging never fail the
// request; execution errors are logged and returned as-is.
func (g *Service) Handle(ctx context.Context, req domain.ChatRequest, meta ClientMeta) (domain.ChatResponse, error) {
	start := time.Now()

	d, err := g.router.Route(ctx, req)
	if err != nil {
		g.appendLog(ctx, req, "", "", start, domain.ChatResponse{}, err)
		return domain.ChatResponse{}, err
	}

	var clientID, subID string
	minted := false
	if d.Backend.Kind() == domain.KindLocal {
		clientID, subID, minted, err = g.allocate(ctx, &req, &d, meta)
		if err != nil {
			g.appendLog(ctx, req, d.Backend.Name(), req.SessionID, start, domain.ChatResponse{}, err)
			return domain.ChatResponse{}, err
		}
	}

	resp, err := g.router.ExecuteDecision(ctx, d, req)
	if err != nil {
		g.appendLog(ctx, req, d.Backend.Name(), req.SessionID, start, domain.ChatResponse{}, err)
		return domain.ChatResponse{}, err
	}
	resp.Degraded = resp.Degraded || d.Degraded
	if resp.Degraded {
		observability.DegradedResponsesTotal.Inc()
	}

	if subID != "" {
		g.finishRequest(ctx, resp, subID, clientID, minted)
	}
	g.appendLog(ctx, req, d.Backend.Name(), resp.SessionID, start, resp, nil)
	return resp, nil
}

// Wait blocks until all in-flight post-response accounting has finished.
// Called during shutdown so usage records are not lost.
func (g *Service) Wait() {
	g.wg.Wait()
}

// allocate binds the caller to a credential for a local execution. An
// existing session keeps its credential; otherwise the balancer picks
// one. A fallback allocation rewrites the decision to the cheapest
// reachable remote adapter and flags the response degraded.
func (g *Service) allocate(ctx context.Context, req *domain.ChatRequest, d *router.Decision, meta ClientMeta) (clientID, subID string, minted bool, err error) {
	clientID = req.SessionID
	if clientID == "" {
		clientID = ulid.Make().String()
		minted = true
	}

	sess, err := g.sessions.Get(ctx, clientID)
	switch {
	case err == nil:
		sub, err := g.subs.Get(ctx, sess.SubscriptionID)
		if err != nil {
			return "", "", false, fmt.Errorf("op=gateway.allocate client=%s: %w", clientID, err)
		}
		req.CredentialDir = sub.ConfigDir
		return clientID, sub.ID, minted, nil
	case !errors.Is(err, domain.ErrNotFound):
		return "", "", false, fmt.Errorf("op=gateway.allocate client=%s: %w", clientID, err)
	}

	alloc, err := g.bal.Allocate(ctx, clientID, meta.IP, meta.UserAgent)
	if err != nil {
		return "", "", false, err
	}
	if alloc.Fallback {
		fb, ok := g.remoteFallback(ctx)
		if !ok {
			return "", "", false, fmt.Errorf("op=gateway.allocate: credentials exhausted and no remote backend reachable: %w", domain.ErrNoBackend)
		}
		*d = router.Decision{Backend: fb, Degraded: true}
		return clientID, "", minted, nil
	}
	req.CredentialDir = alloc.ConfigDir
	return clientID, alloc.SubscriptionID, minted, nil
}

// remoteFallback returns the cheapest reachable remote adapter.
func (g *Service) remoteFallback(ctx context.Context) (backend.Backend, bool) {
	var reachable []backend.Backend
	for _, b := range g.reg.ListAPI() {
		if b.IsAvailable(ctx) {
			reachable = append(reachable, b)
		}
	}
	if len(reachable) == 0 {
		return nil, false
	}
	sort.SliceStable(reachable, func(i, j int) bool {
		return reachable[i].Config().CostPerUnit < reachable[j].Config().CostPerUnit
	})
	return reachable[0], true
}

// finishRequest applies post-response accounting off the request path:
// session counters, the usage record, and threshold notifications. Every
// step is best effort.
func (g *Service) finishRequest(ctx context.Context, resp domain.ChatResponse, subID, clientID string, minted bool) {
	bg := context.WithoutCancel(ctx)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		logger := observability.LoggerFromContext(bg)

		if minted && resp.SessionID != "" && resp.SessionID != clientID {
			clientID = g.adoptSessionID(bg, clientID, resp.SessionID)
		}

		if _, err := g.sessions.Update(bg, clientID, func(s *domain.ClientSession) error {
			s.Status = domain.SessionActive
			s.RequestCount++
			if resp.CLI != nil {
				s.SessionCost += resp.CLI.TotalCostUSD
				s.SessionTokens += resp.CLI.Usage.TotalTokens()
			}
			return nil
		}); err != nil {
			logger.Warn("session accounting failed", "client_id", clientID, "error", err)
		}

		if resp.CLI == nil {
			return
		}
		if _, err := g.tracker.Record(bg, resp.CLI, subID, clientID); err != nil {
			logger.Warn("usage record failed", "subscription_id", subID, "error", err)
			return
		}
		if sub, err := g.subs.Get(bg, subID); err == nil {
			g.notifier.Check(bg, sub)
		}
	}()
}

// adoptSessionID rebinds a freshly minted session under the session id
// the assistant returned, so follow-up requests presenting that id find
// the same credential. Returns the id the session now lives under.
func (g *Service) adoptSessionID(ctx context.Context, tempID, cliID string) string {
	logger := observability.LoggerFromContext(ctx)
	sess, err := g.sessions.Get(ctx, tempID)
	if err != nil {
		logger.Warn("session adopt lookup failed", "client_id", tempID, "error", err)
		return tempID
	}
	if _, err := g.sessions.Create(ctx, cliID, sess.SubscriptionID, sess.ClientIP, sess.UserAgent); err != nil {
		logger.Warn("session adopt create failed", "client_id", cliID, "error", err)
		return tempID
	}
	if err := g.sessions.Delete(ctx, tempID); err != nil {
		logger.Warn("session adopt cleanup failed", "client_id", tempID, "error", err)
	}
	if _, err := g.subs.Update(ctx, sess.SubscriptionID, func(s *domain.Subscription) error {
		for i, c := range s.AssignedClients {
			if c == tempID {
				s.AssignedClients[i] = cliID
				return nil
			}
		}
		if !s.HasClient(cliID) {
			s.AssignedClients = append(s.AssignedClients, cliID)
		}
		return nil
	}); err != nil {
		logger.Warn("session adopt rebind failed", "subscription_id", sess.SubscriptionID, "error", err)
	}
	return cliID
}

// appendLog writes the durable request log entry. Sink failures are
// logged and swallowed so logging never fails a request.
func (g *Service) appendLog(ctx context.Context, req domain.ChatRequest, backendName, sessionID string, start time.Time, resp domain.ChatResponse, execErr error) {
	rec := domain.LogRecord{
		ID:             ulid.Make().String(),
		TS:             start.UTC(),
		BackendName:    backendName,
		SessionID:      sessionID,
		DurationMS:     time.Since(start).Milliseconds(),
		InputTokens:    int64(resp.Usage.PromptTokens),
		OutputTokens:   int64(resp.Usage.CompletionTokens),
		Degraded:       resp.Degraded,
		RequestSummary: summarize(req),
	}
	if resp.CLI != nil {
		rec.CostUSD = resp.CLI.TotalCostUSD
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := g.sink.Append(ctx, rec); err != nil {
		observability.LoggerFromContext(ctx).Warn("request log append failed",
			"log_id", rec.ID, "error", err)
	}
}

// summarize excerpts the first user message for the request log.
func summarize(req domain.ChatRequest) string {
	for _, m := range req.Messages {
		if m.Role != domain.RoleUser {
			continue
		}
		content := []rune(m.Content)
		if len(content) > requestSummaryMax {
			return string(content[:requestSummaryMax])
		}
		return m.Content
	}
	return ""
}
