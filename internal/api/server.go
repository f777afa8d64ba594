// Package api exposes the pipeline's REST surface over net/http, per
// spec §6 — one job store, one coordinator, no router library, matching
// the teacher's own StartHTTPServer choice.
package api

import (
	"net/http"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/cdrguard/internal/auth"
	"github.com/oriys/cdrguard/internal/config"
	"github.com/oriys/cdrguard/internal/coordinator"
	"github.com/oriys/cdrguard/internal/jobstore"
	"github.com/oriys/cdrguard/internal/logging"
	"github.com/oriys/cdrguard/internal/observability"
	"github.com/oriys/cdrguard/internal/ratelimit"
)

// ServerConfig bundles what StartHTTPServer needs to assemble the mux and
// its middleware chain.
type ServerConfig struct {
	Store        jobstore.Store
	Coordinator  *coordinator.Coordinator
	Redis        *redis.Client // backs the rate limiter and the API key authenticator
	AuthCfg      *config.AuthConfig
	RateLimitCfg *config.RateLimitConfig
}

// StartHTTPServer builds the handler chain and starts serving in the
// background. Middleware is applied tracing first, then rate limiting,
// then authentication, so a request passes authentication first (the rate
// limiter keys on the identity it sets), then rate limiting, then tracing,
// then the job API itself — trimmed from
// the teacher's StartHTTPServer to what a pipeline-job API needs (no
// tenant scoping, no gateway host routing: this deployment has one
// coordinator, not a multi-tenant function gateway).
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	mux := http.NewServeMux()

	h := &Handler{Store: cfg.Store, Coordinator: cfg.Coordinator}
	h.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = observability.HTTPMiddleware(handler)

	if cfg.RateLimitCfg != nil && cfg.RateLimitCfg.Enabled && cfg.Redis != nil {
		tiers := make(map[string]ratelimit.TierConfig, len(cfg.RateLimitCfg.Tiers))
		for name, tier := range cfg.RateLimitCfg.Tiers {
			tiers[name] = ratelimit.TierConfig{RequestsPerSecond: tier.RequestsPerSecond, BurstSize: tier.BurstSize}
		}
		limiter := ratelimit.New(cfg.Redis, tiers, ratelimit.TierConfig{
			RequestsPerSecond: cfg.RateLimitCfg.Default.RequestsPerSecond,
			BurstSize:         cfg.RateLimitCfg.Default.BurstSize,
		})
		publicPaths := []string{"/api/health"}
		if cfg.AuthCfg != nil && len(cfg.AuthCfg.PublicPaths) > 0 {
			publicPaths = cfg.AuthCfg.PublicPaths
		}
		handler = ratelimit.Middleware(limiter, publicPaths)(handler)
		logging.Op().Info("rate limiting enabled", "default_rps", cfg.RateLimitCfg.Default.RequestsPerSecond)
	}

	if cfg.AuthCfg != nil && cfg.AuthCfg.Enabled {
		authenticators := buildAuthenticators(cfg.AuthCfg, cfg.Redis)
		if len(authenticators) > 0 {
			handler = auth.Middleware(authenticators, cfg.AuthCfg.PublicPaths)(handler)
			logging.Op().Info("authentication enabled", "public_paths", cfg.AuthCfg.PublicPaths)
		}
	}

	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("http server error", "error", err)
		}
	}()

	return server
}

// buildAuthenticators constructs the configured authenticator chain,
// matching the teacher's buildAuthenticators but trimmed to JWT and API
// key auth (this deployment has no gateway-issued session cookies).
func buildAuthenticators(cfg *config.AuthConfig, redisClient *redis.Client) []auth.Authenticator {
	var authenticators []auth.Authenticator

	if cfg.JWT.Enabled {
		jwtAuth, err := auth.NewJWTAuthenticator(auth.JWTAuthConfig{
			Algorithm:     cfg.JWT.Algorithm,
			Secret:        cfg.JWT.Secret,
			PublicKeyFile: cfg.JWT.PublicKeyFile,
			Issuer:        cfg.JWT.Issuer,
		})
		if err != nil {
			logging.Op().Warn("failed to create JWT authenticator", "error", err)
		} else {
			authenticators = append(authenticators, jwtAuth)
		}
	}

	if cfg.APIKeys.Enabled {
		staticKeys := make([]auth.StaticKeyConfig, 0, len(cfg.APIKeys.StaticKeys))
		for _, k := range cfg.APIKeys.StaticKeys {
			staticKeys = append(staticKeys, auth.StaticKeyConfig{Name: k.Name, Key: k.Key, Tier: k.Tier})
		}
		authenticators = append(authenticators, auth.NewAPIKeyAuthenticator(auth.APIKeyAuthConfig{
			Redis:      redisClient,
			StaticKeys: staticKeys,
		}))
	}

	return authenticators
}
