package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelmetric "go.opentelemetry.io/otel/metric"

	appconfig "github.com/sina-abbasi/ragline/config"
	"github.com/sina-abbasi/ragline/internal/fetch"
	"github.com/sina-abbasi/ragline/internal/ingest"
	"github.com/sina-abbasi/ragline/internal/normalize"
	"github.com/sina-abbasi/ragline/internal/store"
	"github.com/sina-abbasi/ragline/internal/vector"
	"github.com/sina-abbasi/ragline/provider"
)

func Run(cfg *appconfig.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	meter, err := setupMetrics(registry)
	if err != nil {
		return err
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	_ = Migrate("file://migrations", dsn, "up", 0)

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	orch, vectors, err := BuildPipeline(cfg, st, meter)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	ih := &IngestionHandler{Runner: orch, Store: st}
	ih.Register(api.Group("/ingestion"))
	sh := &SearchHandler{Vectors: vectors, TopK: cfg.Vector.SearchTopK}
	sh.Register(api)

	return e.Start(cfg.Server.Address)
}

// BuildPipeline wires the full ingestion stack from config: LLM provider,
// vector backend, content sources, normalizer, and the orchestrator on top.
// A nil meter disables the pipeline counters.
func BuildPipeline(cfg *appconfig.Config, st *store.Store, meter otelmetric.Meter) (*ingest.Orchestrator, vector.Store, error) {
	var llm provider.Provider
	if cfg.Provider.APIKey != "" {
		client := provider.Client(cfg.Provider.Client)
		if client == "" {
			client = provider.OpenAI
		}
		var err error
		llm, err = provider.NewProvider(client, provider.Options{
			APIKey:          cfg.Provider.APIKey,
			CompletionModel: cfg.Normalize.CompletionModel,
			EmbeddingModel:  cfg.Vector.EmbeddingModel,
			Temperature:     cfg.Provider.Temperature,
			MaxTokens:       cfg.Provider.MaxTokens,
			Timeout:         cfg.Provider.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	if cfg.Vector.Backend == "pg" && llm == nil {
		return nil, nil, fmt.Errorf("provider.api_key required for the pg vector backend (embeddings)")
	}
	vecLogger := log.New(log.Writer(), "[VECTOR] ", log.LstdFlags)
	var emb vector.Embedder
	if llm != nil {
		emb = llm
	}
	vectors, err := vector.NewFromConfig(cfg.Vector, st, emb, vecLogger)
	if err != nil {
		return nil, nil, err
	}

	fetchLogger := log.New(log.Writer(), "[FETCH] ", log.LstdFlags)
	fetcher, err := fetch.NewFromConfig(cfg.Sources, fetchLogger)
	if err != nil {
		return nil, nil, err
	}

	normLogger := log.New(log.Writer(), "[NORMALIZE] ", log.LstdFlags)
	var completer normalize.Completer
	if llm != nil {
		completer = llm
	}
	normalizer, err := normalize.NewFromConfig(cfg.Normalize, completer, normLogger)
	if err != nil {
		return nil, nil, err
	}

	ingestLogger := log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	sections := ingest.NewSectionIngestor(vectors, ingestLogger)
	locks := ingest.NewLockManager(st, ingestLogger)
	orch := ingest.NewOrchestrator(cfg.Ingestion, st, locks, fetcher, normalizer, sections, meter, ingestLogger)
	return orch, vectors, nil
}
