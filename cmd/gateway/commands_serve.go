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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/polyglot-completion-gateway/internal/analytics"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/auth"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/capability/sandbox"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/capability/websearch"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/config"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/domain"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/entitlements"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/gateway"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider/anthropic"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider/bedrock"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider/gemini"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/provider/openai"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/server"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage/memory"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/storage/sqlite"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/telemetry"
	"github.com/tjfontaine/polyglot-completion-gateway/internal/tools"
)

const (
	serviceName     = "completion-gateway"
	shutdownTimeout = 15 * time.Second
	searchTimeout   = 30 * time.Second
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		Long: `Start the gateway HTTP server.

Configuration is read from the YAML file (default config.yaml when present)
with CGW_ environment overrides, e.g. CGW_SERVER__PORT=9090. A .env file in
the working directory is loaded first.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  gateway serve
  gateway serve --config /etc/gateway/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env", slog.String("error", err.Error()))
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	tp, shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.Telemetry.Enabled, os.Stdout, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	store, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, err := buildCatalog(cfg.Tools, logger)
	if err != nil {
		return err
	}
	models, err := cfg.DomainModels()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sinks := []analytics.Sink{analytics.NewMetrics(registry)}

	var recorder *analytics.Recorder
	if cfg.Analytics.Enabled {
		recorder = analytics.NewRecorder(store,
			analytics.WithBuffer(cfg.Analytics.Buffer),
			analytics.WithLogger(logger))
		sinks = append(sinks, recorder)
	}

	gw, err := gateway.New(
		gateway.WithModels(models),
		gateway.WithProviders(buildProviders(cfg.Backends)),
		gateway.WithOrchestrator(tools.NewOrchestrator(catalog, tools.WithLogger(logger))),
		gateway.WithStore(store),
		gateway.WithEntitlements(entitlements.New(store, platformKeys(cfg.Backends))),
		gateway.WithAnalytics(analytics.Multi(sinks...)),
		gateway.WithLogger(logger),
		gateway.WithTracerProvider(tp),
	)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	authenticator := auth.NewAuthenticator(authKeys(cfg.Auth))
	if authenticator.Len() == 0 {
		logger.Warn("no API keys configured, completion API is open")
	}

	srv := server.New(server.Options{
		Port:          cfg.Server.Port,
		WriteTimeout:  cfg.Server.WriteTimeout,
		Logger:        logger,
		Authenticator: authenticator,
		Gateway:       gw,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway ready",
			slog.Int("port", cfg.Server.Port),
			slog.Int("models", len(models)),
			slog.String("storage", cfg.Storage.Type))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if recorder != nil {
			if err := recorder.Close(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("analytics drain: %w", err))
			}
		}
		if err := closeSandbox(shutdownCtx, catalog); err != nil {
			errs = append(errs, fmt.Errorf("sandbox close: %w", err))
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// adminStore is what serve and the policy commands need from storage.
type adminStore interface {
	storage.AdminStore
	storage.EventStore
}

func openStore(cfg config.StorageConfig) (adminStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.New(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLite.Path, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func buildProviders(cfg config.BackendsConfig) *provider.Registry {
	r := &provider.Registry{}

	var oaOpts []openai.ProviderOption
	if cfg.OpenAI.BaseURL != "" {
		oaOpts = append(oaOpts, openai.WithBaseURL(cfg.OpenAI.BaseURL))
	}
	r.Set(openai.New(oaOpts...))

	var anOpts []anthropic.ProviderOption
	if cfg.Anthropic.BaseURL != "" {
		anOpts = append(anOpts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	r.Set(anthropic.New(anOpts...))

	var gmOpts []gemini.ProviderOption
	if cfg.Gemini.BaseURL != "" {
		gmOpts = append(gmOpts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
	}
	r.Set(gemini.New(gmOpts...))

	var brOpts []bedrock.ProviderOption
	if cfg.Bedrock.Region != "" {
		brOpts = append(brOpts, bedrock.WithRegion(cfg.Bedrock.Region))
	}
	if cfg.Bedrock.BaseURL != "" {
		brOpts = append(brOpts, bedrock.WithBaseURL(cfg.Bedrock.BaseURL))
	}
	r.Set(bedrock.New(brOpts...))

	return r
}

func buildCatalog(cfg config.ToolsConfig, logger *slog.Logger) (*tools.Catalog, error) {
	catalog := &tools.Catalog{}

	if cfg.WebSearch.APIKey != "" {
		var opts []websearch.ClientOption
		if cfg.WebSearch.Endpoint != "" {
			opts = append(opts, websearch.WithEndpoint(cfg.WebSearch.Endpoint))
		}
		if cfg.WebSearch.MaxResults > 0 {
			opts = append(opts, websearch.WithMaxResults(cfg.WebSearch.MaxResults))
		}
		if cfg.WebSearch.AllowPrivate {
			opts = append(opts, websearch.WithHTTPClient(&http.Client{Timeout: searchTimeout}))
		}
		catalog.Search = websearch.NewClient(cfg.WebSearch.APIKey, opts...)
	} else {
		logger.Info("web search disabled: no api key")
	}

	if cfg.Sandbox.Enabled {
		sb, err := sandbox.New(sandbox.Config{
			Runtime:     cfg.Sandbox.Runtime,
			Interpreter: cfg.Sandbox.Interpreter,
			Timeout:     cfg.Sandbox.Timeout,
			MaxOutput:   cfg.Sandbox.MaxOutput,
			Daytona: sandbox.DaytonaConfig{
				APIKey:   cfg.Sandbox.Daytona.APIKey,
				APIURL:   cfg.Sandbox.Daytona.APIURL,
				Target:   cfg.Sandbox.Daytona.Target,
				Snapshot: cfg.Sandbox.Daytona.Snapshot,
				AutoStop: cfg.Sandbox.Daytona.AutoStop,
			},
		}, sandbox.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("build sandbox: %w", err)
		}
		catalog.Sandbox = sb
	}
	return catalog, nil
}

func closeSandbox(ctx context.Context, catalog *tools.Catalog) error {
	sb, ok := catalog.Sandbox.(*sandbox.Sandbox)
	if !ok {
		return nil
	}
	return sb.Close(ctx)
}

func platformKeys(cfg config.BackendsConfig) map[domain.Backend]entitlements.PlatformKey {
	keys := make(map[domain.Backend]entitlements.PlatformKey)
	for _, b := range domain.Backends {
		bc := cfg.Get(b)
		if bc.APIKey == "" {
			continue
		}
		keys[b] = entitlements.PlatformKey{APIKey: bc.APIKey, AllowedModels: bc.AllowedModels}
	}
	return keys
}

func authKeys(cfg config.AuthConfig) []auth.Key {
	keys := make([]auth.Key, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys = append(keys, auth.Key{KeyHash: k.KeyHash, UserID: k.UserID, Description: k.Description})
	}
	return keys
}
