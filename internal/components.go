package internal

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/starford/healthvault/internal/api"
	"github.com/starford/healthvault/internal/audit"
	"github.com/starford/healthvault/internal/blobstore"
	"github.com/starford/healthvault/internal/cache"
	"github.com/starford/healthvault/internal/ledger"
	"github.com/starford/healthvault/internal/metrics"
	"github.com/starford/healthvault/internal/models"
	"github.com/starford/healthvault/internal/risk"
	"github.com/starford/healthvault/internal/sse"
	"github.com/starford/healthvault/internal/vault"
	"github.com/starford/healthvault/internal/wallet"
)

// components is the wired object graph shared by the HTTP and MCP modes.
type components struct {
	metrics *metrics.Metrics
	ledger  *ledger.Client
	blobs   blobstore.Store
	keys    *wallet.Keystore
	cache   *cache.DB
	vault   *vault.Service
	audit   *audit.Aggregator
	broker  *sse.Broker
}

func newComponents(ctx context.Context, cfg *Config, logger *slog.Logger, backend ledger.Backend) (*components, error) {
	c := &components{metrics: metrics.New()}

	if backend == nil {
		logger.Warn("ledger: using in-memory simulated contract; state is lost on restart",
			slog.String("contract", cfg.Ledger.ContractAddress))
		backend = ledger.NewSimulated(cfg.Ledger.ContractAddress)
	}
	c.ledger = ledger.NewClient(backend, cfg.Ledger.ContractAddress,
		ledger.WithReadAttempts(cfg.Ledger.ReadAttempts),
		ledger.WithReadBackoff(cfg.Ledger.ReadBackoffMin, cfg.Ledger.ReadBackoffMax),
		ledger.WithMetaCache(cfg.Ledger.MetaCacheSize, cfg.Ledger.MetaCacheTTL),
		ledger.WithLogger(logger))

	blobs, err := newBlobStore(cfg.BlobStore, logger)
	if err != nil {
		return nil, err
	}
	c.blobs = blobs

	c.keys, err = wallet.OpenKeystore(cfg.Wallet.KeystoreDir, logger)
	if err != nil {
		return nil, fmt.Errorf("init keystore: %w", err)
	}

	c.cache, err = cache.Open(cfg.Cache.Path, cache.Limits{
		Uploads: cfg.Cache.Uploads,
		Views:   cfg.Cache.Views,
		Audit:   cfg.Cache.Audit,
	})
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}

	level, err := risk.ParseLevel(cfg.Risk.Level)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.vault = vault.New(c.ledger, c.blobs, c.keys,
		vault.WithRisk(risk.Static(level)),
		vault.WithRecorder(c.cache),
		vault.WithLogger(logger),
		vault.WithMetrics(c.metrics))

	c.broker = sse.NewBroker(cfg.App.SSEHeartbeat)
	c.audit = audit.New(c.ledger,
		audit.WithWindow(cfg.Audit.Window),
		audit.WithLimit(cfg.Audit.Limit),
		audit.WithInterval(cfg.Audit.Interval),
		audit.WithLogger(logger),
		audit.WithMetrics(c.metrics),
		audit.WithSink(c.cache.AppendAudit),
		audit.WithSink(func(_ context.Context, events []models.AuditEvent) error {
			c.broker.PublishAudit(events)
			return nil
		}))

	if seeded, err := c.cache.RecentAudit(ctx); err != nil {
		logger.Warn("audit: restore from cache failed", slog.String("error", err.Error()))
	} else {
		c.audit.Seed(seeded)
	}

	logger.Info("components ready",
		slog.Int("identities", len(c.keys.Identities())),
		slog.String("blobstore", cfg.BlobStore.Mode),
		slog.String("risk_level", string(level)))
	return c, nil
}

func newBlobStore(cfg BlobStoreConfig, logger *slog.Logger) (blobstore.Store, error) {
	switch cfg.Mode {
	case BlobModeHTTP:
		s, err := blobstore.NewHTTP(blobstore.HTTPConfig{
			APIURL:     cfg.APIURL,
			GatewayURL: cfg.GatewayURL,
			JWT:        cfg.JWT,
			RetryMax:   cfg.RetryMax,
			Timeout:    cfg.Timeout,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init blobstore: %w", err)
		}
		return s, nil
	default:
		s, err := blobstore.NewFS(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("init blobstore: %w", err)
		}
		return s, nil
	}
}

// handler builds the root router: health, metrics and the /api tree.
func (c *components) handler(cfg *Config) http.Handler {
	h := api.NewHandler(c.vault, c.audit, c.cache, c.keys)
	apiRouter := api.NewRouter(h, cfg.Auth.AuthEnabled(), cfg.Auth.Token, c.broker)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(c.metrics.Middleware)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", api.Ready(map[string]func(context.Context) error{
		"cache": c.cache.Ping,
		"ledger": func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return c.ledger.EnsureDeployed(ctx)
		},
	}))
	r.Method(http.MethodGet, "/metrics", c.metrics.Handler())

	r.Mount("/api", apiRouter)
	return r
}

// Close releases the broker and the cache database.
func (c *components) Close() {
	if c.broker != nil {
		c.broker.Close()
	}
	if c.cache != nil {
		_ = c.cache.Close()
	}
}
