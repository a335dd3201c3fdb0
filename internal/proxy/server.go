package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zhengjr9/kb-chat-bff/internal/adapter"
	"github.com/zhengjr9/kb-chat-bff/internal/adapter/anthropic"
	"github.com/zhengjr9/kb-chat-bff/internal/adapter/gemini"
	"github.com/zhengjr9/kb-chat-bff/internal/adapter/openai"
	"github.com/zhengjr9/kb-chat-bff/internal/chat"
	"github.com/zhengjr9/kb-chat-bff/internal/config"
	"github.com/zhengjr9/kb-chat-bff/internal/kb"
	"github.com/zhengjr9/kb-chat-bff/internal/metrics"
	"github.com/zhengjr9/kb-chat-bff/internal/relay"
	"github.com/zhengjr9/kb-chat-bff/internal/settings"
	"github.com/zhengjr9/kb-chat-bff/internal/think"
)

// Server is the BFF HTTP server.
type Server struct {
	httpServer *http.Server
	pipeline   *chat.Pipeline
	params     chat.ParamsSource
	metrics    *metrics.Metrics
}

// New constructs a Server from the given config.
func New(cfg *config.Config) (*Server, error) {
	mode, err := think.ParseMode(cfg.ThinkSplitMode)
	if err != nil {
		return nil, err
	}

	client := relay.NewClient(cfg.UpstreamBaseURL, cfg.RequestTimeout, cfg.UpstreamProxyURL,
		relay.ContextToken{Fallback: cfg.UpstreamToken})
	pipeline := chat.NewPipeline(client, chat.PipelineOptions{
		ChatPath:    cfg.UpstreamChatPath,
		ResultLimit: cfg.ResultLimit,
		SplitMode:   mode,
	})

	var params chat.ParamsSource
	if cfg.ChatParamsFile != "" {
		params = settings.NewFileStore(cfg.ChatParamsFile)
	}

	s := &Server{
		pipeline: pipeline,
		params:   params,
		metrics:  metrics.New(),
	}

	chatHandler := &chatHandler{
		relay:       client,
		pipeline:    pipeline,
		lookup:      kb.NewClient(client),
		params:      params,
		metrics:     s.metrics,
		chatPath:    cfg.UpstreamChatPath,
		resultLimit: cfg.ResultLimit,
		grace:       cfg.SearchGrace,
		sessions:    newSessionSet(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// OpenAI
	r.Handle("/v1/chat/completions", adapter.NewHandler("openai", openai.Dialect{}, pipeline, params, s.metrics)).Methods(http.MethodPost)
	// Anthropic
	r.Handle("/v1/messages", adapter.NewHandler("anthropic", anthropic.Dialect{}, pipeline, params, s.metrics)).Methods(http.MethodPost)
	// Gemini: model and action share one path segment.
	r.Handle(fmt.Sprintf("/v1beta/models/{%s:[^/:]+}:{%s:%s|%s}", gemini.VarModel, gemini.VarAction, gemini.ActionGenerate, gemini.ActionStream),
		adapter.NewHandler("gemini", gemini.Dialect{}, pipeline, params, s.metrics)).Methods(http.MethodPost)

	r.HandleFunc("/api/chat/stream", chatHandler.stream).Methods(http.MethodPost)
	r.HandleFunc("/api/chat/turns", chatHandler.turns).Methods(http.MethodPost)
	r.PathPrefix("/api/").Handler(&passthrough{relay: client, metrics: s.metrics})

	var handler http.Handler = r
	handler = tokenMiddleware(cfg.UpstreamToken != "")(handler)
	handler = corsMiddleware(cfg.CORSOrigin)(handler)
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Pipeline returns the chat pipeline, shared with the A2A agent.
func (s *Server) Pipeline() *chat.Pipeline { return s.pipeline }

// Params returns the saved-parameter source, or nil when none is configured.
func (s *Server) Params() chat.ParamsSource { return s.params }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
