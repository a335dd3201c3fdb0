package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/volcengine/veadk-go/apps"
	"github.com/volcengine/veadk-go/apps/a2a_app"
	"google.golang.org/adk/agent"

	"github.com/zhengjr9/kb-chat-bff/internal/a2a"
	"github.com/zhengjr9/kb-chat-bff/internal/config"
	"github.com/zhengjr9/kb-chat-bff/internal/httputil"
	"github.com/zhengjr9/kb-chat-bff/internal/logger"
	"github.com/zhengjr9/kb-chat-bff/internal/proxy"
	"github.com/zhengjr9/kb-chat-bff/internal/relay"
)

func main() {
	cfg := config.Load()
	if err := logger.Setup(os.Stderr, cfg.LogLevel, cfg.LogFormat); err != nil {
		slog.Error("invalid logging config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting kb-chat-bff",
		"listen", cfg.ListenAddr,
		"upstream_base_url", cfg.UpstreamBaseURL,
		"think_split_mode", cfg.ThinkSplitMode,
		"a2a_enabled", cfg.A2AEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := proxy.New(cfg)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	proxyErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			proxyErr <- err
		}
	}()

	a2aErr := make(chan error, 1)
	if cfg.A2AEnabled {
		kbAgent, err := a2a.New(a2a.AgentConfig{
			Name:          cfg.AgentName,
			Description:   cfg.AgentDesc,
			Streamer:      srv.Pipeline(),
			KnowledgeBase: cfg.A2AKnowledgeBase,
			Params:        srv.Params(),
		})
		if err != nil {
			slog.Error("failed to create A2A agent", "error", err)
			os.Exit(1)
		}

		slog.Info("starting A2A server", "port", cfg.A2APort, "agent_name", cfg.AgentName, "knowledge_base", cfg.A2AKnowledgeBase)

		// Wrap the standard A2A app so the caller's token reaches the relay
		// through the request context.
		inner := a2a_app.NewAgentkitA2AServerApp(
			apps.DefaultApiConfig().SetPort(cfg.A2APort),
		)
		wrapped := &authMiddlewareApp{BasicApp: inner}

		go func() {
			if err := wrapped.Run(ctx, &apps.RunConfig{
				AgentLoader: agent.NewSingleLoader(kbAgent),
			}); err != nil {
				a2aErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	case err := <-proxyErr:
		slog.Error("server error", "error", err)
		os.Exit(1)
	case err := <-a2aErr:
		slog.Error("A2A server error", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped")
}

// authMiddlewareApp wraps a BasicApp and installs a token middleware on the
// Gorilla mux router.
type authMiddlewareApp struct {
	apps.BasicApp
}

// Run overrides the embedded Run so that apps.Run receives `w` as the app
// argument. Without this, the embedded Run calls apps.Run with the inner app,
// meaning apps.Run would invoke SetupRouters on the inner app and our
// middleware override would never be registered.
func (w *authMiddlewareApp) Run(ctx context.Context, config *apps.RunConfig) error {
	return apps.Run(ctx, config, w)
}

func (w *authMiddlewareApp) SetupRouters(router *mux.Router, config *apps.RunConfig) error {
	if err := w.BasicApp.SetupRouters(router, config); err != nil {
		return err
	}
	router.Use(tokenMiddleware)
	return nil
}

// tokenMiddleware stores the caller's token in the request context, where the
// relay's credential provider picks it up.
func tokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := httputil.ExtractToken(r); tok != "" {
			r = r.WithContext(relay.ContextWithToken(r.Context(), tok))
		}
		next.ServeHTTP(w, r)
	})
}
