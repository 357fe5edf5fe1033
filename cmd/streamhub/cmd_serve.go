package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/streamhub/internal/ask"
	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/db"
	"github.com/user/streamhub/internal/eventlog"
	"github.com/user/streamhub/internal/maintenance"
	"github.com/user/streamhub/internal/msgqueue"
	"github.com/user/streamhub/internal/orchestrator"
	"github.com/user/streamhub/internal/realtime"
	"github.com/user/streamhub/internal/sessionstate"
	"github.com/user/streamhub/internal/store"
	"github.com/user/streamhub/internal/triggers"
	"github.com/user/streamhub/pkg/llm"
	"github.com/user/streamhub/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the streamhub daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// One GORM handle shared by the durable event log and the relational
	// store.
	gormDB, err := db.OpenGorm(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	eventLog, err := eventlog.New(gormDB)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	st, err := store.New(gormDB)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	b := bus.New(eventLog, bus.Options{
		ChannelBuffer: cfg.Bus.ChannelBuffer,
		Window:        cfg.ReplayWindow(),
	})
	defer b.Destroy()

	registry := sessionstate.NewRegistry(b)
	queue := msgqueue.New(b)
	asks := ask.New(b, cfg.AskTimeout())

	provider := openai.New(&llm.Config{
		Provider:    cfg.LLM.Provider,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	if !provider.IsConfigured() {
		slog.Warn("llm provider not fully configured; triggers will be rejected",
			"provider", cfg.LLM.Provider)
	}

	orch := orchestrator.New(
		orchestrator.Deps{
			Bus:       b,
			Sessions:  st.Sessions(),
			Messages:  st.Messages(),
			Steps:     st.Steps(),
			Todos:     st.Todos(),
			Files:     st.Files(),
			Registry:  registry,
			Queue:     queue,
			Asks:      asks,
			Providers: map[string]llm.Provider{cfg.LLM.Provider: provider},
			Triggers:  triggers.NewEvaluator(triggers.ContextWarning{Threshold: 0.8}),
		},
		orchestrator.Options{
			MaxSteps:             cfg.MaxSteps,
			MaxConcurrentStreams: int64(cfg.MaxConcurrent),
			CWD:                  cfg.DataDir,
		},
		&orchestrator.AskTool{Asks: asks},
		&orchestrator.TodoTool{Todos: st.Todos(), Registry: registry},
	)

	maint := maintenance.New(maintenance.Config{
		Retention: cfg.Retention(),
		AskMaxAge: cfg.AskTimeout(),
	}, b, asks, registry)
	if err := maint.Start(); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer maint.Stop()

	srv := realtime.NewServer(cfg.ListenAddr, b, orch, asks, queue,
		st.Sessions(), st.Messages(), st.Files())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("streamhub started",
		"addr", cfg.ListenAddr,
		"data_dir", cfg.DataDir,
		"db_driver", cfg.DB.Driver,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"max_concurrent", cfg.MaxConcurrent,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	orch.Wait()
	return nil
}
