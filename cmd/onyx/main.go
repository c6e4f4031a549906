// Command onyx runs the full process: relational store with migrations, the
// service bus with the catalog and chat services, the ingest controller,
// and the operational HTTP surface.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/onyx-hq/onyx/pkg/ai"
	"github.com/onyx-hq/onyx/pkg/api"
	"github.com/onyx-hq/onyx/pkg/bus"
	"github.com/onyx-hq/onyx/pkg/catalog"
	"github.com/onyx-hq/onyx/pkg/chat"
	"github.com/onyx-hq/onyx/pkg/chunk"
	"github.com/onyx-hq/onyx/pkg/config"
	"github.com/onyx-hq/onyx/pkg/ingest"
	"github.com/onyx-hq/onyx/pkg/secrets"
	"github.com/onyx-hq/onyx/pkg/store"
	"github.com/onyx-hq/onyx/pkg/trace"
	"github.com/onyx-hq/onyx/pkg/vector"
)

const (
	shutdownTimeout   = 5 * time.Second
	dispatcherTimeout = 10 * time.Second
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}

	st, err := store.NewClient(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	cipher, err := secrets.NewCipher(cfg.SecretsKey)
	if err != nil {
		return err
	}
	llm, err := ai.NewOpenAIClient(cfg.OpenAI)
	if err != nil {
		return err
	}
	splitter, err := chunk.NewSplitter(cfg.Chunk.Model, cfg.Chunk.Capacity)
	if err != nil {
		return err
	}
	vectorClient := vector.NewClient(cfg.Vespa.URL, cfg.Vespa.Token)
	tracer := trace.NewTracer(cfg.Trace)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	nc, err := nats.Connect(cfg.Nats.URL)
	if err != nil {
		return err
	}
	defer nc.Close()

	dispatcher := bus.NewDispatcher(cfg.DispatcherPoolSize)
	eventBus := bus.NewEventBus(dispatcher)

	controller := ingest.NewController(
		ingest.NewPgStateStore(st),
		[]ingest.Sink{
			ingest.NewStagingSink(st.Pool(), "staging", false),
			ingest.NewEmbedSink(vectorClient, llm, splitter),
		},
		cfg.Ingest,
	)

	connectors := catalog.NewConnectorRegistry()
	catalogSvc := catalog.NewService(catalog.Deps{
		Store:      st,
		Cipher:     cipher,
		Search:     catalog.NewRedisSearchClient(rdb),
		Queue:      catalog.NewNatsQueue(nc),
		Connectors: connectors,
		Sources:    catalog.NewSourceRegistry(),
		Ingest:     controller,
	}).BindDispatcher(dispatcher).BindEventBus(eventBus)

	chain := ai.NewBuilder(llm, llm, vectorClient, tracer,
		catalog.NewSQLToolProvider(st, cipher, connectors), cfg.Chain).
		WithDispatcher(dispatcher)
	if cfg.TavilyAPIKey != "" {
		chain = chain.WithWebSearch(ai.NewTavilyClient(cfg.TavilyAPIKey))
	}
	chat.NewService(chat.Deps{
		Store:   st,
		Catalog: chat.NewBusCatalog(catalogSvc),
		Chain:   chain,
		Tracer:  tracer,
	}).BindDispatcher(dispatcher).BindEventBus(eventBus)

	server := api.NewServer(cfg.ListenAddr, st)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		_ = dispatcher.Teardown(dispatcherTimeout)
		return err
	case <-ctx.Done():
	}
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown failed", "error", err)
	}
	if err := dispatcher.Teardown(dispatcherTimeout); err != nil {
		slog.Warn("Dispatcher teardown timed out", "error", err)
	}
	return nil
}
