package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"callsheet/internal/app"
	"callsheet/internal/engine"
	"callsheet/internal/evaluator"
	"callsheet/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var every time.Duration
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook delivery and the scheduled evaluator",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("CALLSHEET_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("CALLSHEET_JWT_SECRET is required for bearer auth (cs init writes one to .env)")
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace, logger *slog.Logger) error {
				e := engine.New(ws.DB, ws.Config, logger)
				ev := evaluator.New(e, ws.Config.Evaluator, logger)
				handler, err := server.New(server.Config{
					Engine:    e,
					Evaluator: ev,
					BasePath:  basePath,
					Auth:      server.AuthConfig{JWTSecret: secret, AllowLegacyActorHeader: allowActorHeader, Logger: logger},
					Logger:    logger,
				})
				if err != nil {
					return err
				}
				interval := every
				if !cmd.Flags().Changed("evaluate-every") {
					interval = ws.Config.Evaluator.Interval.Std()
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					logger.Info("serving callsheet API", "addr", addr, "base_path", basePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				if d := server.NewWebhookDispatcher(e.Repo, ws.Config.Webhooks, logger); d != nil {
					g.Go(func() error { return ignoreCancel(d.Run(gctx)) })
				}
				if interval > 0 {
					g.Go(func() error {
						return ignoreCancel(ev.Run(gctx, interval, evaluator.Options{}))
					})
				} else {
					logger.Info("scheduled evaluation disabled")
				}
				fmt.Printf("Serving Callsheet API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().DurationVar(&every, "evaluate-every", 0, "run batch evaluation at this interval (0 disables; defaults to evaluator.interval)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local development only)")
	return cmd
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
