// Package server provides the public entry point for composing the AEX
// gateway: store, catalog, policy engine, admission controller, dispatcher,
// recovery sweep, and the HTTP router. The daemon and the CLI's serve
// command both build the gateway through this package.
package server

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/Auro-rium/aex/internal/admission"
	"github.com/Auro-rium/aex/internal/api"
	"github.com/Auro-rium/aex/internal/api/handlers"
	"github.com/Auro-rium/aex/internal/catalog"
	"github.com/Auro-rium/aex/internal/config"
	"github.com/Auro-rium/aex/internal/dispatch"
	"github.com/Auro-rium/aex/internal/identity"
	"github.com/Auro-rium/aex/internal/metrics"
	"github.com/Auro-rium/aex/internal/policy"
	"github.com/Auro-rium/aex/internal/ratelimit"
	"github.com/Auro-rium/aex/internal/recovery"
	"github.com/Auro-rium/aex/internal/replay"
	"github.com/Auro-rium/aex/internal/store"
	"github.com/Auro-rium/aex/internal/telemetry"
)

// Server holds the initialized AEX gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the shared ledger store, exposed for the CLI commands.
	Store *store.Store

	Config    *config.Config
	Admission *admission.Controller
	Sweeper   *recovery.Sweeper
	Catalog   *catalog.Catalog

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes every gateway component from environment config. The
// crash-recovery sweep runs here, before any listener can bind, so no
// request is ever admitted against budget held by a dead execution.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	st, err := store.Open(ctx, cfg.DBPath, cfg.PGDSN, store.SystemClock{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Msg("ledger store initialized")

	cat, err := catalog.New(cfg.ConfigDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	if err := cat.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("catalog watcher unavailable, hot reload via /admin/reload_config only")
	}

	pol, err := policy.New(filepath.Join(cfg.ConfigDir, "policies"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("compile policies: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	lim := ratelimit.New(st)
	adm := admission.New(st, cat, pol, lim, m, cfg.ReserveTTL, cfg.InFlightWait)
	disp := dispatch.New(st, lim, m, cfg.UnaryTimeout, cfg.StreamIdleTimeout)
	verifier := replay.New(st)

	sweeper := recovery.New(st, m)
	if res, err := sweeper.Sweep(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("startup recovery sweep: %w", err)
	} else if res.Failed > 0 || res.Released > 0 {
		log.Warn().Int("failed", res.Failed).Int("released", res.Released).Msg("startup recovery resolved stranded executions")
	}
	go sweeper.Run(ctx, cfg.ReserveTTL/2)

	auth := identity.New(st)
	h := handlers.New(cfg, st, adm, disp, cat, verifier)
	router := api.NewRouter(cfg, h, auth, st)

	return &Server{
		Handler:      router,
		Store:        st,
		Config:       cfg,
		Admission:    adm,
		Sweeper:      sweeper,
		Catalog:      cat,
		ShutdownFunc: shutdown,
	}, nil
}
