package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/httpapi"
	"github.com/DoyleJ11/tabletop-backend/internal/hub"
	"github.com/DoyleJ11/tabletop-backend/internal/protocol"
	"github.com/DoyleJ11/tabletop-backend/internal/ratelimit"
	"github.com/DoyleJ11/tabletop-backend/internal/registry"
	"github.com/DoyleJ11/tabletop-backend/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := openDeps(*envFiles)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", d.cfg.Addr())
			if err != nil {
				_ = d.Close()
				return err
			}
			return serve(cmd.Context(), d, ln)
		},
	}
}

// serve runs until ctx ends, then drains. It owns d and ln.
func serve(ctx context.Context, d *deps, ln net.Listener) (err error) {
	log := d.log

	st := store.New(d.db, store.Options{
		TTL:        d.cfg.SessionTTL,
		MaxPlayers: d.cfg.MaxPlayersPerRoom,
		Logger:     log,
	})
	defer func() {
		err = multierr.Append(err, closeAll(st.Close, d.Close))
	}()

	n, err := st.LoadSessions(ctx)
	if err != nil {
		return err
	}
	if expired := st.CleanupExpiredSessions(ctx); len(expired) > 0 {
		log.Info("startup sweep", zap.Int("restored", n), zap.Int("expired", len(expired)))
	}

	limiter := ratelimit.New(ratelimit.Options{
		EventsPerSecond: d.cfg.EventsPerSecond,
		Burst:           d.cfg.EventBurst,
		ChatPerSecond:   d.cfg.ChatPerSecond,
		ChatBurst:       d.cfg.ChatBurst,
	})
	handler := protocol.NewHandler(st, registry.New(), protocol.Options{Limiter: limiter, Logger: log})

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	h := hub.NewHub(hubCtx, handler, hub.Options{SweepInterval: d.cfg.CleanupInterval, Logger: log})

	srv := &http.Server{
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Hub:               h,
			Sessions:          st,
			DB:                d.db,
			DatabaseDriver:    d.cfg.DatabaseDriver,
			ContentConfigured: d.cfg.ContentConfigured(),
			AllowedOrigins:    d.cfg.AllowedOrigins,
			Logger:            log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// Stopping the hub closes every socket with "going away"; Shutdown
		// does not wait on hijacked connections.
		stopHub()
		<-h.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return st.Flush(fctx)
}
