// Package api exposes the orchestrator over local HTTP. Replies use a
// {"success":...} envelope; streams are sent as server-sent events.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"mimir/internal/actions"
	"mimir/internal/conversation"
	"mimir/internal/orchestrator"
	"mimir/internal/response"
)

type Config struct {
	Core        *orchestrator.Orchestrator
	Logger      zerolog.Logger
	HealthPath  string
	MetricsPath string
	// Metrics serves /metrics; nil means the default prometheus handler.
	Metrics http.Handler
}

type Server struct {
	core *orchestrator.Orchestrator
	log  zerolog.Logger
}

func NewRouter(cfg Config) http.Handler {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}
	s := &Server{core: cfg.Core, log: cfg.Logger.With().Str("component", "api").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(cfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, cfg.MetricsPath, cfg.Metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/providers", s.listProviders)
		r.Post("/providers/default", s.setDefaultProvider)
		r.Get("/providers/{type}/health", s.providerHealth)
		r.Put("/providers/{type}/key", s.setAPIKey)
		r.Delete("/providers/{type}/key", s.deleteAPIKey)

		r.Get("/usage", s.usage)
		r.Delete("/usage", s.resetUsage)
		r.Get("/templates", s.templates)

		r.Get("/settings", s.listSettings)
		r.Get("/settings/{key}", s.getSetting)
		r.Put("/settings/{key}", s.setSetting)
		r.Delete("/settings/{key}", s.deleteSetting)

		r.Post("/complete", s.complete)
		r.Post("/stream", s.stream)
		r.Delete("/streams/{id}", s.cancelStream)
		r.Post("/code", s.generateCode)
		r.Post("/actions", s.processActions)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.listConversations)
			r.Post("/", s.createConversation)
			r.Get("/{id}", s.getConversation)
			r.Delete("/{id}", s.deleteConversation)
			r.Post("/{id}/messages", s.addMessage)
			r.Put("/{id}/context", s.updateContext)
			r.Get("/{id}/summary", s.conversationSummary)
			r.Post("/{id}/chat", s.chat)
		})
	})
	return r
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]any{"providers": s.core.Providers()})
}

func (s *Server) setDefaultProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Provider string `json:"provider"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.core.SetDefaultProvider(body.Provider); err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"default": body.Provider})
}

func (s *Server) providerHealth(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"healthy": s.core.CheckHealth(r.Context(), chi.URLParam(r, "type"))})
}

func (s *Server) setAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"apiKey"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.core.SetAPIKey(r.Context(), chi.URLParam(r, "type"), body.APIKey); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) deleteAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteAPIKey(r.Context(), chi.URLParam(r, "type")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) usage(w http.ResponseWriter, r *http.Request) {
	history, err := s.core.UsageHistory(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"stats": s.core.UsageStats(), "history": history})
}

func (s *Server) resetUsage(w http.ResponseWriter, r *http.Request) {
	if err := s.core.ResetUsageStats(r.URL.Query().Get("provider")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) templates(w http.ResponseWriter, _ *http.Request) {
	ok(w, map[string]any{"templates": s.core.Prompts().Names()})
}

func (s *Server) listSettings(w http.ResponseWriter, r *http.Request) {
	list, err := s.core.ListSettings(r.Context())
	if err != nil {
		fail(w, err)
		return
	}
	out := make(map[string]string, len(list))
	for _, st := range list {
		out[st.Key] = st.Value
	}
	ok(w, map[string]any{"settings": out})
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	v, err := s.core.GetSetting(r.Context(), key)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"key": key, "value": v})
}

func (s *Server) setSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.core.SetSetting(r.Context(), chi.URLParam(r, "key"), body.Value); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) deleteSetting(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteSetting(r.Context(), chi.URLParam(r, "key")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	reply, err := s.core.Complete(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"reply": reply})
}

func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	h, err := s.core.Stream(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	s.sse(w, h)
}

func (s *Server) cancelStream(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"cancelled": s.core.Cancel(chi.URLParam(r, "id"))})
}

func (s *Server) generateCode(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CodeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	code, err := s.core.GenerateCode(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"code": code})
}

func (s *Server) processActions(w http.ResponseWriter, r *http.Request) {
	var set actions.Set
	if err := decode(r, &set); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	res, err := s.core.ProcessActions(r.Context(), set)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"results": res})
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := conversation.Filter{
		ProjectID: q.Get("projectId"),
		FilePath:  q.Get("filePath"),
		Limit:     queryInt(q.Get("limit")),
		Offset:    queryInt(q.Get("offset")),
	}
	ok(w, map[string]any{"conversations": s.core.ListConversations(f)})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var opts conversation.CreateOptions
	if err := decode(r, &opts); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	c, err := s.core.CreateConversation(opts)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"conversation": c})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.core.GetConversation(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"conversation": c})
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteConversation(chi.URLParam(r, "id")); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	var msg conversation.Message
	if err := decode(r, &msg); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	stored, err := s.core.AddMessage(chi.URLParam(r, "id"), msg)
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"message": stored})
}

func (s *Server) updateContext(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Context []conversation.ContextItem `json:"context"`
	}
	if err := decode(r, &body); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := s.core.UpdateConversationContext(chi.URLParam(r, "id"), body.Context); err != nil {
		fail(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) conversationSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.core.ConversationSummary(chi.URLParam(r, "id"))
	if err != nil {
		fail(w, err)
		return
	}
	ok(w, map[string]any{"summary": sum})
}

func (s *Server) chat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChatRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	req.ConversationID = chi.URLParam(r, "id")
	h, err := s.core.Chat(r.Context(), req)
	if err != nil {
		fail(w, err)
		return
	}
	s.sse(w, h)
}

// sse writes every event of h as one "data:" frame. The terminal frame is
// named "done" or "error".
func (s *Server) sse(w http.ResponseWriter, h orchestrator.StreamHandle) {
	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Stream-Id", h.ID)
	w.WriteHeader(http.StatusOK)

	for ev := range h.Events {
		if err := writeEvent(w, ev); err != nil {
			s.log.Debug().Err(err).Str("stream", h.ID).Msg("sse client gone")
			s.core.Cancel(h.ID)
			for range h.Events {
			}
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev response.Event) error {
	name := "chunk"
	switch {
	case ev.Done && ev.Error != "":
		name = "error"
	case ev.Done:
		name = "done"
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func queryInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
