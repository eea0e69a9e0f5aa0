// Package main is the entry point for fleetd, the agent orchestration
// daemon: HTTP/SSE API, WebSocket gateway, message queue, router, and
// the worker/worktree runtime behind them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentfleet/agentfleet/internal/common/config"
	"github.com/agentfleet/agentfleet/internal/common/httpmw"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	"github.com/agentfleet/agentfleet/internal/common/tracing"
	"github.com/agentfleet/agentfleet/internal/completion"
	"github.com/agentfleet/agentfleet/internal/events"
	"github.com/agentfleet/agentfleet/internal/gateway/websocket"
	"github.com/agentfleet/agentfleet/internal/git"
	"github.com/agentfleet/agentfleet/internal/orchestrator"
	"github.com/agentfleet/agentfleet/internal/orchestrator/api"
	"github.com/agentfleet/agentfleet/internal/orchestrator/dto"
	"github.com/agentfleet/agentfleet/internal/orchestrator/executor"
	"github.com/agentfleet/agentfleet/internal/orchestrator/store"
	"github.com/agentfleet/agentfleet/internal/queue"
	"github.com/agentfleet/agentfleet/internal/router"
	"github.com/agentfleet/agentfleet/internal/worker"
	"github.com/agentfleet/agentfleet/internal/worktree"
	"github.com/agentfleet/agentfleet/internal/workspace"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting fleetd", zap.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("fleetd exited with error", zap.Error(err))
	}
	log.Info("fleetd stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	eventBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		return err
	}
	defer closeBus()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	q, err := queue.New(queue.Config{
		MaxSize:         cfg.Queue.MaxSize,
		StatePath:       cfg.Queue.StatePath,
		CleanupInterval: cfg.Queue.CleanupIntervalDuration(),
	}, log)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	q.Start()
	defer q.Stop()

	rt := router.New(q, router.Config{TracingEnabled: cfg.Router.TracingEnabled}, log)
	defer rt.Close()

	runner := git.NewRunner(log)
	worktrees, err := worktree.NewManager(worktree.Config{
		BasePath:     cfg.Worktree.BasePath,
		BranchPrefix: cfg.Worktree.BranchPrefix,
		RegistryPath: cfg.Worktree.RegistryPath,
	}, worktree.NewFileStore(cfg.Worktree.RegistryPath), runner, log)
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}
	worktrees.Recover(ctx)

	service, err := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Queue:     q,
		Router:    rt,
		Worktrees: worktrees,
		Merger:    completion.NewEngine(runner, log),
		Bus:       eventBus,
		Executor:  turnExecutor(log),
		Version:   version,
	}, log)
	if err != nil {
		return err
	}
	defer service.Close()

	workspaces := workspace.NewService(st, eventBus, log)

	engine := newEngine(cfg, log)
	api.SetupRoutes(engine.Group("/api"), service, workspaces, eventBus, log)
	hub := websocket.Setup(engine, service, eventBus, log)
	go hub.Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}
		return tracing.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// newEngine builds the gin engine with the shared middleware chain.
func newEngine(cfg *config.Config, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.LocalOnly())
	engine.Use(httpmw.RequestLogger(log, "fleetd"))
	engine.Use(httpmw.OtelTracing("fleetd"))

	engine.HandleMethodNotAllowed = true
	engine.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, dto.Err("method not allowed"))
	})
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.Err("not found"))
	})
	return engine
}

// turnExecutor picks the worker turn backend. Only the loopback
// development executor ships in-tree; a model-backed executor is
// injected by embedding applications.
func turnExecutor(log *logger.Logger) worker.TurnExecutor {
	return executor.NewLoopback(log)
}
