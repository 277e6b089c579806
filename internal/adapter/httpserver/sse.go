package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/llm-gateway/internal/domain"
	"github.com/fairyhunter13/llm-gateway/internal/gateway"
)

// streamChunkSize is the content length per synthesized delta event.
const streamChunkSize = 20

type streamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamChunk struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	Created   int64          `json:"created"`
	Model     string         `json:"model,omitempty"`
	Choices   []streamChoice `json:"choices"`
	SessionID string         `json:"session_id,omitempty"`
}

// streamCompletion executes the request and replays the complete response
// as synthesized SSE deltas. The terminating [DONE] sentinel is written
// unconditionally, even when execution failed.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, meta gateway.ClientMeta) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}
	defer func() {
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flush()
	}()

	resp, err := s.Gateway.Handle(r.Context(), req, meta)
	if err != nil {
		writeEvent(w, map[string]any{"error": map[string]any{
			"code":    "STREAM_FAILED",
			"message": err.Error(),
		}})
		flush()
		return
	}

	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	base := streamChunk{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   resp.Model,
	}

	// Opening event announces the assistant role.
	head := base
	head.Choices = []streamChoice{{Delta: streamDelta{Role: domain.RoleAssistant}}}
	writeEvent(w, head)
	flush()

	for _, piece := range splitChunks(resp.Content(), streamChunkSize) {
		ev := base
		ev.Choices = []streamChoice{{Delta: streamDelta{Content: piece}}}
		writeEvent(w, ev)
		flush()
	}

	stop := "stop"
	final := base
	final.Choices = []streamChoice{{FinishReason: &stop}}
	final.SessionID = resp.SessionID
	writeEvent(w, final)
	flush()
}

func writeEvent(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
}

// splitChunks breaks s into rune-safe pieces of at most size runes.
func splitChunks(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}
