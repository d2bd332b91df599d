package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/design-assistant/internal/agents"
	"github.com/example/design-assistant/internal/api"
	"github.com/example/design-assistant/internal/config"
	"github.com/example/design-assistant/internal/mcpserver"
	"github.com/example/design-assistant/internal/orchestrator"
	"github.com/example/design-assistant/internal/providers/llm"
	"github.com/example/design-assistant/internal/session"
	"github.com/example/design-assistant/internal/tools"
	"github.com/example/design-assistant/internal/workspace"
)

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe()
	case "mcp":
		// stdout carries the protocol
		log.SetOutput(os.Stderr)
		err = runMCP()
	case "version":
		fmt.Println(mcpserver.Version)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [serve|mcp|version]\n", os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

type core struct {
	cfg      config.Config
	registry *orchestrator.Registry
	builds   *orchestrator.Coordinator
	reaper   *orchestrator.Reaper
}

func newCore(ctx context.Context) (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	ws, err := workspace.New(cfg.TaskRoot)
	if err != nil {
		return nil, err
	}
	reg := orchestrator.NewRegistry(orchestrator.NewLimiter(cfg.MaxActiveTasks), ws, orchestrator.NewHub())
	reaper := &orchestrator.Reaper{
		Registry:    reg,
		IdleTimeout: cfg.IdleTimeout,
		PendingTTL:  cfg.PendingTTL,
		Interval:    cfg.ReaperInterval,
	}

	var reviewer agents.Reviewer
	switch cfg.Reviewer {
	case "llm":
		reviewer = &agents.LLMReviewer{Client: llm.NewFromEnv(ctx)}
	case "rules":
		reviewer = &agents.RulesReviewer{}
	}

	return &core{
		cfg:      cfg,
		registry: reg,
		reaper:   reaper,
		builds: &orchestrator.Coordinator{
			Registry:      reg,
			Workspace:     ws,
			Generator:     &agents.ScheduleGenerator{},
			Reviewer:      reviewer,
			Documents:     &agents.DocumentExtractor{Registry: tools.NewDefaultRegistry()},
			Requirements:  cfg.Requirements,
			ReviewTimeout: cfg.ReviewTimeout,
		},
	}, nil
}

func runServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCore(ctx)
	if err != nil {
		return err
	}
	// nothing survives a restart; only the server owns TASK_ROOT
	c.reaper.SweepLeftovers()
	go c.reaper.Run(ctx)

	var extractor agents.Extractor = &agents.KeywordExtractor{}
	if c.cfg.Extractor == "llm" {
		extractor = &agents.LLMExtractor{Client: llm.NewFromEnv(ctx), Fallback: extractor}
	}
	store, err := session.OpenSQLite(c.cfg.StateDB)
	if err != nil {
		return err
	}
	sessions, err := session.NewManager(ctx, c.registry, extractor, store)
	if err != nil {
		store.Close()
		return err
	}
	defer sessions.Shutdown()

	srv := &api.Server{Registry: c.registry, Builds: c.builds, Sessions: sessions}
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	httpSrv := &http.Server{Addr: c.cfg.Addr, Handler: cors(mux), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s (max_active_tasks=%d task_root=%s)", c.cfg.Addr, c.cfg.MaxActiveTasks, c.cfg.TaskRoot)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Printf("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func runMCP() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCore(ctx)
	if err != nil {
		return err
	}
	go c.reaper.Run(ctx)
	return mcpserver.Serve(&mcpserver.Tools{Registry: c.registry, Builds: c.builds})
}

// simple CORS middleware for local dev
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
