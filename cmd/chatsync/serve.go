// cmd/chatsync/serve.go

package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imadgeboyega/kiekky-chatsync/internal/auth"
	"github.com/imadgeboyega/kiekky-chatsync/internal/common/logging"
	"github.com/imadgeboyega/kiekky-chatsync/internal/messaging"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	st, err := buildStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	gateway := messaging.NewGateway(st.deps(), coordinatorConfig(cfg), nil, cfg.RuntimeIdleTTL)
	hub := messaging.NewHub(gateway)
	gateway.SetPusher(hub)

	chats := messaging.NewChatService(st.backend, st.backend, st.backend, st.profiles)
	handler := messaging.NewHandler(gateway, chats, hub, cfg.MaxImageSize)

	router := mux.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, logging.RequestLogger, corsMiddleware)
	if !cfg.UseS3 {
		router.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.LocalUploadDir))))
	}
	messaging.RegisterOpsRoutes(router, handler)
	messaging.RegisterRoutes(router, handler, auth.NewMiddleware(cfg.JWTSecret).Authenticate)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		gateway.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("environment", cfg.Environment).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Shutdown()
		return errors.Wrap(err, "server shutdown")
	})

	err = g.Wait()
	gateway.Shutdown()
	log.Info().Msg("server exited")
	return err
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
