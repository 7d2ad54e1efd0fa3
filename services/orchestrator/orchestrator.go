// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator wires the access-request orchestrator: stores,
// catalog, reasoning backend, retriever, external backends, rule engine,
// tools, agents, the conversation graph, the turn service and the HTTP
// router.
//
// # Usage
//
//	cfg := orchestrator.Config{CatalogPath: "catalog.yaml"}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
//
// Tests and the CLI inject collaborators through Options:
//
//	svc, err := orchestrator.New(cfg, &orchestrator.Options{LLMClient: mock})
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAccess/pkg/secure"
	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/backends"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/checkpoint"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/guardrail"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/retriever"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/rules"
	kv "github.com/AleutianAI/AleutianAccess/services/orchestrator/storage/badger"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/tools"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is the OpenTelemetry service name.
const ServiceName = "aleutian-access"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the contract for the orchestrator service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run serves HTTP until ctx is done, then shuts down gracefully and
	// releases every resource.
	Run(ctx context.Context) error

	// Router returns the underlying Gin engine for testing.
	Router() *gin.Engine

	// Turns returns the turn service for in-process callers such as the CLI.
	Turns() *turn.Service

	// Close releases resources without serving. Safe to call more than once.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds the orchestrator configuration. Every field can be set from
// the environment; see cmd/orchestrator.
type Config struct {
	Port    int    `env:"ACCESS_PORT" envDefault:"12210"`
	GinMode string `env:"GIN_MODE"`

	// OTelEndpoint is the OTLP gRPC collector. Tracing is skipped when
	// DisableTracing is set.
	OTelEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	DisableTracing bool   `env:"ACCESS_DISABLE_TRACING"`

	// DataDir holds the Badger database. Empty keeps everything in memory.
	DataDir string `env:"ACCESS_DATA_DIR"`

	// CatalogPath is the YAML file with applications, directories, users
	// and rules. Empty starts with an empty catalog.
	CatalogPath  string `env:"ACCESS_CATALOG"`
	WatchCatalog bool   `env:"ACCESS_WATCH_CATALOG" envDefault:"true"`

	// LLMBackend selects the reasoning backend. Only "openai" is built in;
	// other clients are injected through Options.
	LLMBackend           string  `env:"ACCESS_LLM_BACKEND" envDefault:"openai"`
	OpenAIAPIKey         string  `env:"OPENAI_API_KEY"`
	OpenAIModel          string  `env:"ACCESS_OPENAI_MODEL"`
	OpenAIBaseURL        string  `env:"ACCESS_OPENAI_BASE_URL"`
	EmbeddingModel       string  `env:"ACCESS_EMBEDDING_MODEL"`
	LLMRequestsPerSecond float64 `env:"ACCESS_LLM_RPS"`

	// WeaviateURL enables the vector retriever. Empty uses an in-memory
	// keyword retriever.
	WeaviateURL string `env:"WEAVIATE_SERVICE_URL"`

	// Webhook backends. An empty URL keeps the in-memory backend.
	TicketWebhookURL         string  `env:"ACCESS_TICKET_WEBHOOK"`
	ProvisionWebhookURL      string  `env:"ACCESS_PROVISION_WEBHOOK"`
	WebhookTokenFile         string  `env:"ACCESS_WEBHOOK_TOKEN_FILE"`
	WebhookRequestsPerSecond float64 `env:"ACCESS_WEBHOOK_RPS"`

	// DefaultDataOwner receives approvals for applications without an owner.
	DefaultDataOwner string `env:"ACCESS_DEFAULT_DATA_OWNER"`

	// APIKeyFile enables bearer authentication on /v1.
	APIKeyFile string `env:"ACCESS_API_KEY_FILE"`

	TurnTimeout      time.Duration `env:"ACCESS_TURN_TIMEOUT" envDefault:"2m"`
	GuardrailTimeout time.Duration `env:"ACCESS_GUARDRAIL_TIMEOUT"`
	MaxSteps         int           `env:"ACCESS_MAX_STEPS"`
}

// Options inject collaborators that replace the configured ones.
type Options struct {
	LLMClient    llm.Client
	Tickets      backends.TicketDispatcher
	Provisioner  backends.Provisioner
	AuthProvider middleware.AuthProvider
	Logger       *slog.Logger
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	opts   Options
	logger *slog.Logger

	db            *kv.DB
	catalog       *store.Catalog
	llmClient     llm.Client
	retriever     retriever.Retriever
	tickets       backends.TicketDispatcher
	provisioner   backends.Provisioner
	graph         *graph.Runnable
	turns         *turn.Service
	router        *gin.Engine
	tracerCleanup func(context.Context)
	stopWatch     context.CancelFunc
	closed        bool
}

// New builds the service.
//
// # Description
//
// Initializes tracing, storage, the catalog, the reasoning backend, the
// retriever and the external backends, then compiles the conversation
// graph and registers the HTTP routes. A failure releases everything
// built so far.
//
// # Inputs
//
//   - cfg: Configuration. Zero values are replaced by defaults.
//   - opts: Optional collaborators. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a required component cannot be built.
func New(cfg Config, opts *Options) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	if opts != nil {
		s.opts = *opts
	}
	s.logger = s.opts.Logger
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if !s.config.DisableTracing {
		cleanup, err := s.initTracer()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		s.tracerCleanup = cleanup
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"storage", s.initStorage},
		{"catalog", s.initCatalog},
		{"LLM client", s.initLLMClient},
		{"retriever", s.initRetriever},
		{"backends", s.initBackends},
		{"graph", s.initGraph},
		{"router", s.initRouter},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			s.cleanup()
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}
	return s, nil
}

// Run starts the HTTP server and blocks until ctx is done or the server
// fails.
func (s *service) Run(ctx context.Context) error {
	defer s.cleanup()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting orchestrator server", "port", s.config.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down orchestrator server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *service) Router() *gin.Engine {
	return s.router
}

func (s *service) Turns() *turn.Service {
	return s.turns
}

func (s *service) Close() error {
	s.cleanup()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12210
	}
	if cfg.LLMBackend == "" {
		cfg.LLMBackend = "openai"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "aleutian-otel-collector:4317"
	}
	if cfg.GuardrailTimeout == 0 {
		cfg.GuardrailTimeout = guardrail.DefaultCheckTimeout
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = graph.DefaultMaxSteps
	}
	return cfg
}

func (s *service) initTracer() (func(context.Context), error) {
	ctx := context.Background()

	// grpc.NewClient connects lazily, so a missing collector does not
	// block startup.
	conn, err := grpc.NewClient(s.config.OTelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	cleanup := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown tracer provider", "error", err)
		}
		_ = conn.Close()
	}
	return cleanup, nil
}

func (s *service) initStorage() error {
	var (
		db  *kv.DB
		err error
	)
	if s.config.DataDir == "" {
		db, err = kv.OpenInMemory()
		s.logger.Info("Using in-memory storage")
	} else {
		cfg := kv.DefaultConfig(s.config.DataDir)
		cfg.Logger = s.logger.With("component", "badger")
		db, err = kv.Open(cfg)
		s.logger.Info("Using Badger storage", "path", s.config.DataDir)
	}
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *service) initCatalog() error {
	if s.config.CatalogPath == "" {
		s.logger.Warn("No catalog configured, starting with an empty catalog")
		s.catalog = store.NewCatalog()
		return nil
	}
	fc, err := store.NewFileCatalog(s.config.CatalogPath, s.logger)
	if err != nil {
		return err
	}
	s.catalog = fc.Catalog

	if s.config.WatchCatalog {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopWatch = cancel
		go func() {
			if err := fc.Watch(ctx); err != nil {
				s.logger.Warn("Catalog watch stopped", "error", err)
			}
		}()
	}
	return nil
}

func (s *service) initLLMClient() error {
	if s.opts.LLMClient != nil {
		s.llmClient = s.opts.LLMClient
		s.logger.Info("Using injected LLM backend", "name", s.llmClient.Name())
		return nil
	}

	switch s.config.LLMBackend {
	case "openai":
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:            s.config.OpenAIAPIKey,
			Model:             s.config.OpenAIModel,
			BaseURL:           s.config.OpenAIBaseURL,
			RequestsPerSecond: s.config.LLMRequestsPerSecond,
			Logger:            s.logger,
		})
		if err != nil {
			return err
		}
		s.llmClient = client
		s.logger.Info("Using OpenAI LLM backend", "model", client.Model())
		return nil
	default:
		return fmt.Errorf("unknown LLM backend %q", s.config.LLMBackend)
	}
}

// NewWeaviateClient validates rawURL and connects a Weaviate client.
func NewWeaviateClient(rawURL string) (*weaviate.Client, error) {
	weaviateURL := strings.Trim(rawURL, "\"' ")
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}
	return client, nil
}

func (s *service) initRetriever() error {
	if strings.TrimSpace(s.config.WeaviateURL) == "" {
		s.logger.Info("Weaviate URL not configured, using the in-memory retriever")
		s.retriever = retriever.NewMemoryRetriever()
		return nil
	}

	client, err := NewWeaviateClient(s.config.WeaviateURL)
	if err != nil {
		return err
	}
	embedder, err := retriever.NewOpenAIEmbedder(retriever.EmbedderConfig{
		APIKey:            s.config.OpenAIAPIKey,
		Model:             s.config.EmbeddingModel,
		BaseURL:           s.config.OpenAIBaseURL,
		RequestsPerSecond: s.config.LLMRequestsPerSecond,
		Logger:            s.logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := retriever.EnsureSchema(ctx, client, s.logger); err != nil {
		// Knowledge is best effort; the recommender runs without it.
		s.logger.Warn("Weaviate schema check failed", "error", err)
	}

	r, err := retriever.NewWeaviateRetriever(client, embedder, s.logger)
	if err != nil {
		return err
	}
	s.retriever = r
	s.logger.Info("Weaviate retriever initialized", "url", s.config.WeaviateURL)
	return nil
}

func (s *service) initBackends() error {
	var token *secure.Token
	if s.config.WebhookTokenFile != "" {
		t, err := secure.TokenFromFile(s.config.WebhookTokenFile)
		if err != nil {
			return err
		}
		token = t
	}
	webhookCfg := backends.WebhookConfig{
		TicketURL:         s.config.TicketWebhookURL,
		ProvisionURL:      s.config.ProvisionWebhookURL,
		Token:             token,
		RequestsPerSecond: s.config.WebhookRequestsPerSecond,
		Logger:            s.logger,
	}

	switch {
	case s.opts.Tickets != nil:
		s.tickets = s.opts.Tickets
	case s.config.TicketWebhookURL != "":
		s.tickets = backends.NewWebhookClient(webhookCfg)
	default:
		s.tickets = backends.NewMemoryDispatcher(s.logger)
	}

	switch {
	case s.opts.Provisioner != nil:
		s.provisioner = s.opts.Provisioner
	case s.config.ProvisionWebhookURL != "":
		s.provisioner = backends.NewWebhookClient(webhookCfg)
	default:
		s.provisioner = backends.NewMemoryProvisioner(s.logger)
	}
	return nil
}

func (s *service) initGraph() error {
	stores := store.NewBadgerStore(s.db)
	checkpointer := checkpoint.NewBadgerCheckpointer(s.db, s.logger)

	adjudicator, err := rules.NewLLMAdjudicator(s.llmClient, s.catalog, s.logger)
	if err != nil {
		return err
	}
	engine := rules.NewEngine(s.catalog, adjudicator, s.logger)

	toolCatalog, err := tools.NewCatalog(tools.Deps{
		Conversations: stores,
		Messages:      stores,
		Applications:  s.catalog,
		Rules:         engine,
		Owners:        backends.StaticOwnerResolver{Fallback: s.config.DefaultDataOwner},
		Tickets:       s.tickets,
		Provisioner:   s.provisioner,
		Directory:     s.catalog,
		Retriever:     s.retriever,
		Logger:        s.logger,
	})
	if err != nil {
		return err
	}

	classifier, err := agents.NewClassifier(s.llmClient, s.catalog, s.logger)
	if err != nil {
		return err
	}
	information, err := agents.NewInformationAgent(s.llmClient, s.logger)
	if err != nil {
		return err
	}
	dataOwner, err := agents.NewDataOwnerAgent(s.llmClient, s.logger)
	if err != nil {
		return err
	}
	recommender, err := agents.NewRecommender(s.llmClient, s.logger)
	if err != nil {
		return err
	}
	relevance, err := guardrail.NewRelevanceChecker(s.llmClient)
	if err != nil {
		return err
	}
	relevance = relevance.WithTimeout(s.config.GuardrailTimeout)

	s.graph, err = graph.Compile(graph.Config{
		Classifier:   classifier,
		Information:  information,
		DataOwner:    dataOwner,
		Recommender:  recommender,
		Tools:        toolCatalog,
		Executor:     tools.NewExecutor(s.logger),
		Retriever:    s.retriever,
		Checkpointer: checkpointer,
		Guard:        relevance.Check,
		MaxSteps:     s.config.MaxSteps,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}

	s.turns, err = turn.NewService(turn.Config{
		Graph:         s.graph,
		Conversations: stores,
		Messages:      stores,
		Checkpointer:  checkpointer,
		Writer:        stores,
		Timeout:       s.config.TurnTimeout,
		Logger:        s.logger,
	})
	return err
}

func (s *service) initRouter() error {
	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	auth := s.opts.AuthProvider
	if auth == nil && s.config.APIKeyFile != "" {
		key, err := secure.TokenFromFile(s.config.APIKeyFile)
		if err != nil {
			return err
		}
		provider, err := middleware.NewAPIKeyProvider(key)
		if err != nil {
			return err
		}
		auth = provider
	}
	if auth == nil {
		s.logger.Warn("No API key configured, /v1 is unauthenticated")
	}

	s.router = gin.Default()
	s.router.Use(otelgin.Middleware(ServiceName))
	routes.SetupRoutes(s.router, s.turns, auth)
	return nil
}

func (s *service) cleanup() {
	if s.closed {
		return
	}
	s.closed = true

	if s.stopWatch != nil {
		s.stopWatch()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("Storage close error", "error", err)
		}
	}
	if s.tracerCleanup != nil {
		s.tracerCleanup(context.Background())
	}
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ Service = (*service)(nil)
