package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/cdrguard/internal/adapters"
	"github.com/oriys/cdrguard/internal/api"
	"github.com/oriys/cdrguard/internal/avengine"
	"github.com/oriys/cdrguard/internal/blobstore"
	"github.com/oriys/cdrguard/internal/cdrengine"
	"github.com/oriys/cdrguard/internal/circuitbreaker"
	"github.com/oriys/cdrguard/internal/config"
	"github.com/oriys/cdrguard/internal/coordinator"
	"github.com/oriys/cdrguard/internal/detonation"
	"github.com/oriys/cdrguard/internal/edrconsole"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/logging"
	"github.com/oriys/cdrguard/internal/metrics"
	"github.com/oriys/cdrguard/internal/observability"
	"github.com/oriys/cdrguard/internal/secrets"
	"github.com/oriys/cdrguard/internal/vmpool"
)

func serveCmd() *cobra.Command {
	var httpAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline API server and coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}

			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	return cmd
}

func runServe(cfg *config.Config) error {
	ctx := context.Background()

	logging.SetLevelFromString(cfg.Daemon.LogLevel)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.Shutdown(ctx)

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer redisClient.Close()

	store, err := jobstore.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect job store: %w", err)
	}
	defer store.Close()

	if err := resolveEngineSecrets(ctx, cfg, redisClient); err != nil {
		logging.Op().Warn("secret resolution skipped", "error", err)
	}

	engines, err := buildEngineSet(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build engine set: %w", err)
	}

	if err := engines.Pool.Initialize(ctx); err != nil {
		logging.Op().Warn("vm pool initialize reported errors", "error", err)
	}
	defer func() {
		if err := engines.Pool.Shutdown(context.Background()); err != nil {
			logging.Op().Warn("vm pool shutdown reported errors", "error", err)
		}
	}()

	coord := coordinator.New(store, engines, coordinator.Config{
		Phase1: cfg.Phases.Phase1,
		Phase2: cfg.Phases.Phase2,
		Phase3: cfg.Phases.Phase3,
	})

	server := api.StartHTTPServer(cfg.Daemon.HTTPAddr, api.ServerConfig{
		Store:        store,
		Coordinator:  coord,
		Redis:        redisClient,
		AuthCfg:      &cfg.Auth,
		RateLimitCfg: &cfg.RateLimit,
	})
	logging.Op().Info("cdrguard serving", "addr", cfg.Daemon.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Op().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// resolveEngineSecrets overlays $SECRET: references in the vendor engine
// config with values from the encrypted vault, when secrets management is
// enabled. Plain config values (no $SECRET: prefix) pass through unchanged.
func resolveEngineSecrets(ctx context.Context, cfg *config.Config, redisClient *redis.Client) error {
	if !cfg.Secrets.Enabled {
		return nil
	}

	var cipher *secrets.Cipher
	var err error
	if cfg.Secrets.MasterKeyFile != "" {
		cipher, err = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
	} else {
		cipher, err = secrets.NewCipher(cfg.Secrets.MasterKey)
	}
	if err != nil {
		return fmt.Errorf("init secrets cipher: %w", err)
	}

	resolver := secrets.NewResolver(secrets.NewStore(redisClient, cipher))
	resolved, err := resolver.ResolveConfigValues(ctx, map[string]string{
		"glasswall_api_key":      cfg.Engines.Glasswall.APIKey,
		"crowdstrike_secret":     cfg.Engines.CrowdStrike.ClientSecret,
		"blob_secret_access_key": cfg.Engines.Blob.SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("resolve engine secrets: %w", err)
	}

	cfg.Engines.Glasswall.APIKey = resolved["glasswall_api_key"]
	cfg.Engines.CrowdStrike.ClientSecret = resolved["crowdstrike_secret"]
	cfg.Engines.Blob.SecretAccessKey = resolved["blob_secret_access_key"]
	return nil
}

// buildEngineSet constructs one concrete adapter per configured vendor and
// wires them into the coordinator's EngineSet, per spec §4's adapter
// contracts. A deployment configures exactly one instance per vendor
// family today; the EngineSet's slice/map shape accommodates adding more
// without changing the coordinator.
func buildEngineSet(ctx context.Context, cfg *config.Config) (coordinator.EngineSet, error) {
	blob, err := blobstore.New(ctx, cfg.Engines.Blob)
	if err != nil {
		return coordinator.EngineSet{}, fmt.Errorf("init blob store: %w", err)
	}

	backend, err := detonation.New(cfg.Engines.Detonation)
	if err != nil {
		return coordinator.EngineSet{}, fmt.Errorf("init detonation backend: %w", err)
	}

	clamav, err := avengine.NewClamAVEngine(ctx, cfg.Engines.ClamAVPath)
	if err != nil {
		return coordinator.EngineSet{}, fmt.Errorf("init clamav engine: %w", err)
	}

	glasswall := cdrengine.NewGlasswallEngine(cfg.Engines.Glasswall)
	crowdstrike := edrconsole.NewCrowdStrikeConsole(cfg.Engines.CrowdStrike)

	if cfg.CircuitBreaker.Enabled {
		registry := circuitbreaker.NewRegistry()
		breakerCfg := circuitbreaker.Config{
			ErrorPct:       cfg.CircuitBreaker.ErrorPct,
			WindowDuration: cfg.CircuitBreaker.WindowDuration,
			OpenDuration:   cfg.CircuitBreaker.OpenDuration,
			HalfOpenProbes: cfg.CircuitBreaker.HalfOpenProbes,
		}
		glasswall.SetBreaker(registry.Get("cdr:glasswall", breakerCfg))
		clamav.SetBreaker(registry.Get("av:clamav", breakerCfg))
		crowdstrike.SetBreaker(registry.Get("edr:crowdstrike", breakerCfg))
		blob.SetBreaker(registry.Get("blob:s3", breakerCfg))
		backend.SetBreaker(registry.Get("vm:firecracker", breakerCfg))
	}

	edrConsoles := make(map[string]adapters.EDRConsole, len(cfg.Pool.Labels))
	for _, label := range cfg.Pool.Labels {
		edrConsoles[label.EDRLabel] = crowdstrike
	}

	pool := vmpool.New(backend, cfg.Pool)

	return coordinator.EngineSet{
		CDR:     []adapters.CDREngine{glasswall},
		AV:      []adapters.AVEngine{clamav},
		EDR:     edrConsoles,
		Blob:    blob,
		Backend: backend,
		Pool:    pool,
	}, nil
}
