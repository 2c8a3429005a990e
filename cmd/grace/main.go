package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/grace/internal/api"
	"github.com/nidhogg/grace/internal/bus"
	"github.com/nidhogg/grace/internal/command"
	"github.com/nidhogg/grace/internal/config"
	"github.com/nidhogg/grace/internal/dispatch"
	"github.com/nidhogg/grace/internal/embedding"
	"github.com/nidhogg/grace/internal/intent"
	"github.com/nidhogg/grace/internal/llm"
	"github.com/nidhogg/grace/internal/mcp"
	"github.com/nidhogg/grace/internal/memory"
	"github.com/nidhogg/grace/internal/memrouter"
	"github.com/nidhogg/grace/internal/refstore"
	"github.com/nidhogg/grace/internal/schema"
	"github.com/nidhogg/grace/internal/session"
	"github.com/nidhogg/grace/internal/speech"
	"github.com/nidhogg/grace/internal/tools"
	"github.com/nidhogg/grace/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Grace...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/grace.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	if cfg.Server.LogLevel != "" {
		logger = withLevel(logger, cfg.Server.LogLevel)
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Reference store (permanent tier)
	refs, err := refstore.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("reference store unavailable", zap.String("backend", cfg.Reference.Backend), zap.Error(err))
	}

	// Contextual memory engine
	var (
		engine memory.Engine = memory.NewLocalEngine(0)
		graph  *memory.GraphEngine
		qdrant *vectorstore.Client
	)
	if cfg.Memory.Engine == "graph" {
		var vectors *memory.VectorIndex
		if cfg.Database.Qdrant.Host != "" {
			vectors, qdrant = openVectors(ctx, cfg, logger)
		}
		g, gErr := memory.NewGraphEngine(ctx, cfg.Database.Neo4j, vectors, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable, using in-process contextual memory", zap.Error(gErr))
		} else {
			graph = g
			engine = g
		}
	}

	table, err := memrouter.TableFromConfig(cfg.Memory)
	if err != nil {
		logger.Fatal("invalid memory categories", zap.Error(err))
	}
	router := memrouter.New(table, refs, memory.NewOverlay(engine), memrouter.OptionsFromConfig(cfg.Memory), logger)

	// Validator and dispatcher
	validator := schema.NewValidator()
	validator.KnownCategory = router.Table().Known
	dispatcher := dispatch.New(validator, 8, logger)
	timeout := func(t command.Target) time.Duration {
		return cfg.Dispatch.Timeouts[string(t)].Std()
	}
	for target, concurrent := range cfg.Dispatch.Concurrent {
		dispatcher.SetConcurrent(command.Target(target), concurrent)
	}

	// Tools, including MCP bridges
	toolReg := tools.NewRegistry(logger)
	if err := tools.RegisterBuiltins(toolReg, nil); err != nil {
		logger.Fatal("failed to register tools", zap.Error(err))
	}
	var mcpClients []*mcp.Client
	for _, sc := range cfg.MCP.Servers {
		c := mcp.NewClient(sc.Name, sc.URL, logger)
		if err := c.Connect(ctx); err != nil {
			logger.Warn("MCP server unavailable", zap.String("name", sc.Name), zap.Error(err))
			continue
		}
		mcpClients = append(mcpClients, c)
		if err := tools.RegisterMCP(toolReg, c); err != nil {
			logger.Warn("MCP tools not bridged", zap.String("name", sc.Name), zap.Error(err))
		}
	}
	if err := dispatcher.Register(toolReg.Registration(timeout(command.TargetTool))); err != nil {
		logger.Fatal("failed to register tool subsystem", zap.Error(err))
	}

	// Intents: builtin memory skill plus plugins
	intents := intent.NewRegistry(logger)
	if err := intent.RegisterBuiltins(intents, router); err != nil {
		logger.Fatal("failed to register intents", zap.Error(err))
	}
	plugins, err := intent.LoadFromDir(cfg.Skills.Dir)
	if err != nil {
		logger.Warn("failed to load skill plugins", zap.String("dir", cfg.Skills.Dir), zap.Error(err))
	}
	for _, s := range plugins {
		if err := intents.Add(s); err != nil {
			logger.Warn("skill plugin rejected", zap.String("skill", s.ID), zap.Error(err))
		}
	}
	if err := dispatcher.Register(intents.Registration(timeout(command.TargetIntentHandler))); err != nil {
		logger.Fatal("failed to register intent subsystem", zap.Error(err))
	}

	// Message bus
	var msgBus *bus.Bus
	if cfg.Database.Redis.URL != "" {
		b, busErr := bus.New(ctx, cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, running without message bus", zap.Error(busErr))
		} else {
			msgBus = b
			if err := dispatcher.Register(b.Registration(timeout(command.TargetMessageBus))); err != nil {
				logger.Fatal("failed to register message bus", zap.Error(err))
			}
		}
	}

	// Model, prompts and speech
	model := llm.FromConfig(cfg.Model, logger)
	if len(cfg.Model.Providers) == 0 {
		logger.Warn("no model providers configured")
	}
	composer := llm.NewComposer(cfg.Model.Persona, toolReg.Describe, intents.FormatSkillPrompt).
		WithTargets(dispatcher.Targets)
	speaker := speech.FromConfig(cfg.Speech, logger)

	deps := session.Deps{
		Model:      model,
		Composer:   composer,
		Validator:  validator,
		Dispatcher: dispatcher,
		Memory:     router,
	}
	if len(cfg.Speech.Commands) > 0 {
		deps.Speaker = speaker
	}
	sessions := session.NewManager(deps, session.OptionsFromConfig(cfg.Session), logger)
	go sessions.Run(ctx)

	handler := api.NewHandler(sessions, router, refs, dispatcher, intents, speaker, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Grace listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Grace...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	stop()
	speaker.Stop()
	sessions.CloseAll(shutdownCtx)
	if msgBus != nil {
		msgBus.Close()
	}
	for _, mc := range mcpClients {
		mc.Close()
	}
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if qdrant != nil {
		qdrant.Close()
	}
	refs.Close()
}

// openVectors connects the semantic index. Failures leave the graph
// engine running on keyword recall alone.
func openVectors(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*memory.VectorIndex, *vectorstore.Client) {
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		logger.Warn("embedding provider unavailable", zap.Error(err))
		return nil, nil
	}
	client, err := vectorstore.NewClient(cfg.Database.Qdrant)
	if err != nil {
		logger.Warn("Qdrant unavailable", zap.Error(err))
		return nil, nil
	}
	index := memory.NewVectorIndex(embedder, client, cfg.Database.Qdrant.Collection, logger)
	if err := index.Init(ctx); err != nil {
		logger.Warn("vector index unavailable", zap.Error(err))
		client.Close()
		return nil, nil
	}
	return index, client
}

func withLevel(logger *zap.Logger, level string) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		logger.Warn("unknown log level", zap.String("level", level))
		return logger
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = lvl
	l, err := zc.Build()
	if err != nil {
		return logger
	}
	return l
}
