package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/crew"
	"github.com/crewkit/crewkit/dispatch"
	"github.com/crewkit/crewkit/extractor"
	"github.com/crewkit/crewkit/kb"
	"github.com/crewkit/crewkit/llms"
	"github.com/crewkit/crewkit/server"
	"github.com/crewkit/crewkit/store"
)

// ServeCmd starts the dispatch server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch crew directories for changes and reload." default:"true" negatable:""`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	// .env next to the working directory, if present.
	_ = godotenv.Load()

	cfg, err := config.LoadFromFile(cli.Config)
	if err != nil {
		return err
	}

	cleanup, err := initLogger(cli, &cfg.Logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	backend, closeStore, err := openStore(cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	providers := llms.NewRegistry(cfg.LLMs)
	defer providers.Close()

	agents := make([]config.AgentConfig, 0, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		agents = append(agents, agent)
	}
	crews := crew.NewRegistry(cfg.CrewRoot, agents, backend.crewConfigs, slog.Default())

	dispatcher := dispatch.NewDispatcher(dispatch.Deps{
		Crews:         crews,
		Providers:     providers,
		Extractor:     extractor.NewService(providers, cfg.Extractor, slog.Default()),
		Conversations: backend.conversations,
		Contexts:      backend.contexts,
		Prompts:       backend.prompts,
		KB:            kb.NewResolver(cfg.KnowledgeSources, slog.Default()),
		Logger:        slog.Default(),
	})

	if c.Watch {
		watcher, err := watchCrewRoot(ctx, cfg.CrewRoot, crews)
		if err != nil {
			slog.Warn("crew directory watching disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	srv := server.NewServer(cfg.Server, dispatcher, crews, cfg.Agents, slog.Default())
	fmt.Printf("crewkit serving %d agent(s) on %s:%d\n", len(cfg.Agents), cfg.Server.Host, cfg.Server.Port)
	return srv.Start(ctx)
}

// storeBackend groups the persistence contracts one backend satisfies.
type storeBackend struct {
	conversations store.ConversationStore
	contexts      store.ContextStore
	prompts       store.PromptStore
	crewConfigs   store.CrewConfigStore
}

func openStore(cfg config.DatabaseConfig) (*storeBackend, func(), error) {
	if cfg.Driver == "memory" {
		mem := store.NewMemoryStore()
		return &storeBackend{
			conversations: mem,
			contexts:      mem,
			prompts:       mem,
			crewConfigs:   mem,
		}, func() {}, nil
	}

	sqlStore, err := store.NewSQLStore(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	return &storeBackend{
		conversations: sqlStore,
		contexts:      sqlStore,
		prompts:       sqlStore,
		crewConfigs:   sqlStore,
	}, func() { sqlStore.Close() }, nil
}
