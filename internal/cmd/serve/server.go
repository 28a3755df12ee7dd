package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/pensieve-mcp/pensieve/internal/config"
	"github.com/pensieve-mcp/pensieve/internal/plugin/route/httperr"
	routesystem "github.com/pensieve-mcp/pensieve/internal/plugin/route/system"
	storemetrics "github.com/pensieve-mcp/pensieve/internal/plugin/store/metrics"
	registrycache "github.com/pensieve-mcp/pensieve/internal/registry/cache"
	registrymigrate "github.com/pensieve-mcp/pensieve/internal/registry/migrate"
	registryroute "github.com/pensieve-mcp/pensieve/internal/registry/route"
	registrystore "github.com/pensieve-mcp/pensieve/internal/registry/store"
	"github.com/pensieve-mcp/pensieve/internal/security"
	"github.com/pensieve-mcp/pensieve/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config     *config.Config
	Store      registrystore.Store
	Router     *gin.Engine
	Running    *RunningListener
	Management *RunningListener
}

// Shutdown gracefully shuts down the listeners and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.Management != nil {
		_ = s.Management.Close(ctx)
	}
	err := s.Running.Close(ctx)
	if cerr := s.Store.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// OpenStore runs migrations, initializes the configured cache and opens the
// configured datastore wrapped with latency metrics. Closing the returned store
// also closes the cache.
func OpenStore(ctx context.Context, cfg *config.Config) (registrystore.Store, error) {
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize cache and inject into context so store loaders can read it.
	var conversationCache registrycache.ConversationCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if conversationCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		conversationCache = nil
	} else {
		ctx = registrycache.WithConversationCacheContext(ctx, conversationCache)
	}

	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		_ = closeCache(conversationCache)
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		_ = closeCache(conversationCache)
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	return &cachedStore{Store: storemetrics.Wrap(store), cache: conversationCache}, nil
}

// cachedStore ties the cache lifetime to the store.
type cachedStore struct {
	registrystore.Store
	cache registrycache.ConversationCache
}

func (s *cachedStore) Close(ctx context.Context) error {
	err := s.Store.Close(ctx)
	if cerr := closeCache(s.cache); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func closeCache(c registrycache.ConversationCache) error {
	switch c := c.(type) {
	case interface{ Close() error }:
		return c.Close()
	case interface{ Close() }:
		c.Close()
	}
	return nil
}

// NewServices builds the auth and conversation services over store.
func NewServices(cfg *config.Config, store registrystore.Store) (registryroute.Services, error) {
	tokens, err := security.NewTokenIssuer(cfg.JWTSecret, cfg.JWTAlgorithm, cfg.TokenTTL)
	if err != nil {
		return registryroute.Services{}, fmt.Errorf("invalid token configuration: %w", err)
	}
	passwords, err := security.NewPasswordHasher(cfg.BcryptCost)
	if err != nil {
		return registryroute.Services{}, fmt.Errorf("invalid --bcrypt-cost: %w", err)
	}
	auth := service.NewAuth(store, tokens, passwords)
	return registryroute.Services{
		Config:        cfg,
		Auth:          auth,
		Conversations: service.NewConversations(store),
		RequireUser:   security.AuthMiddleware(auth, httperr.Handle),
	}, nil
}

// NewRouter builds the gin engine with the middleware chain and every main route plugin.
// Management routes are mounted too unless a dedicated management port is configured.
func NewRouter(cfg *config.Config, svc registryroute.Services) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	for _, loader := range registryroute.MainRouteLoaders() {
		if err := loader(router, svc); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}
	if !cfg.ManagementListenerEnabled {
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(router, svc); err != nil {
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
	}
	return router, nil
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting pensieve",
		"port", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"cache", cfg.CacheType,
	)
	if cfg.UsesDefaultJWTSecret() {
		log.Warn("Signing tokens with the default development secret; set --jwt-secret")
	}

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := NewServices(cfg, store)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(cfg, svc)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	// A dedicated management port gets a bare engine with only the management routes.
	var management *RunningListener
	if cfg.ManagementListenerEnabled {
		mgmtRouter := gin.New()
		mgmtRouter.Use(gin.Recovery())
		if cfg.ManagementAccessLog {
			mgmtRouter.Use(security.AccessLogMiddleware())
		}
		for _, loader := range registryroute.ManagementRouteLoaders() {
			if err := loader(mgmtRouter, svc); err != nil {
				_ = store.Close(ctx)
				return nil, fmt.Errorf("failed to load management routes: %w", err)
			}
		}
		// Management listener shares TLS cert/key with the main listener.
		mgmtCfg := cfg.ManagementListener
		mgmtCfg.TLSCertFile = cfg.Listener.TLSCertFile
		mgmtCfg.TLSKeyFile = cfg.Listener.TLSKeyFile
		management, err = startListener("management", mgmtCfg, mgmtRouter)
		if err != nil {
			_ = store.Close(ctx)
			return nil, fmt.Errorf("failed to start management server: %w", err)
		}
		log.Info("Management server listening", "addr", management.Addr)
	}

	running, err := startListener("main", cfg.Listener, router)
	if err != nil {
		if management != nil {
			_ = management.Close(ctx)
		}
		_ = store.Close(ctx)
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Router:     router,
		Running:    running,
		Management: management,
	}, nil
}
