package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/app"
	"trackline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, app.Options{
				Workspace: viper.GetString("dir"),
				Version:   version,
				LogOutput: os.Stderr,
				LogFormat: "json",
			})
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))

			cfg := a.Config
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret (TRACKLINE_JWT_SECRET) is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				BasePath: basePath,
				Version:  version,
				Auth: server.AuthConfig{
					JWTSecret: cfg.Server.JWTSecret,
					TokenTTL:  cfg.Server.TokenTTL,
					DevLogin:  cfg.Server.DevLogin,
					Logger:    a.Logger,
				},
				Logger: a.Logger,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					a.Logger.Error("shutdown", "err", err)
				}
			}()
			a.Logger.Info("serving trackline api", "addr", addr, "base_path", basePath, "dev_login", cfg.Server.DevLogin)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}
