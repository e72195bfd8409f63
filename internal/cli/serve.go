package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oidchandler "entralink/internal/oidc/handler"
	oidcservice "entralink/internal/oidc/service"
	"entralink/internal/oidc/verifier"
	"entralink/internal/platform/httpserver"
	"entralink/internal/platform/middleware"
	"entralink/internal/session"
	"entralink/pkg/platform/httputil"
)

func newServeCommand(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sign-in HTTP server",
		RunE: run(func(ctx context.Context, _ *cobra.Command, a *App) error {
			router, err := a.router(ctx)
			if err != nil {
				return err
			}
			return a.serve(ctx, router)
		}),
	}
}

// router builds the HTTP surface: the sign-in routes plus health and metrics.
func (a *App) router(ctx context.Context) (http.Handler, error) {
	v, err := a.verifier(ctx)
	if err != nil {
		return nil, err
	}
	sessions := session.New(a.cfg.Server.SessionKey, "entralink", a.cfg.Server.SessionTTL)
	flow := oidcservice.NewFlow(a.states, a.exchanger, v, a.identity, a.cfg.OIDC.Resource, a.logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.Logger(a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Health(r.Context()); err != nil {
			a.logger.WarnContext(r.Context(), "health check failed", "error", err)
			httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	oidchandler.New(flow, a.identity, sessions, a.logger, a.cfg.Server.SecureCookies).Register(r)
	return r, nil
}

// verifier checks ID token signatures against the issuer's published keys
// when an issuer is configured and verification is on.
func (a *App) verifier(ctx context.Context) (*verifier.Verifier, error) {
	if a.cfg.OIDC.VerifyIDToken && a.cfg.OIDC.Issuer != "" {
		return verifier.NewFromIssuer(ctx, a.cfg.OIDC.Issuer, a.cfg.OIDC.ClientID)
	}
	a.logger.WarnContext(ctx, "ID token signatures are not verified; tokens are trusted from the token endpoint response")
	return verifier.NewUnverified(), nil
}

// serve runs the HTTP server and the state reaper until ctx is cancelled.
func (a *App) serve(ctx context.Context, handler http.Handler) error {
	srv := httpserver.New(a.cfg.Server.Addr, handler)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.InfoContext(gctx, "starting entralink", "addr", a.cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if a.cfg.OIDC.StateTTL <= 0 {
			return nil
		}
		ticker := time.NewTicker(a.cfg.OIDC.StateTTL)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := a.states.Reap(gctx); err != nil {
					a.logger.WarnContext(gctx, "state reap failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		a.logger.Info("server stopped")
		return nil
	})

	return g.Wait()
}
