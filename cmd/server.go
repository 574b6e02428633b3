/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/api"
	"github.com/courierhq/courier/config"
	trace "github.com/courierhq/courier/internal/traces"
)

const heartbeatInterval = 5 * time.Minute

/*
serveTLS starts an HTTPS server whose certificates are obtained and renewed by
CertMagic. Without a configured domain the certificate is issued for localhost.
*/
func serveTLS(r *gin.Engine, conf config.ServerConfig) error {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "./certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(context.Background(), domains); err != nil {
		return err
	}

	server := &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}

	log.Printf("Starting HTTPS server on %s\n", conf.Port)
	if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTPS server: %w", err)
	}
	return nil
}

// sendHeartbeat reports liveness until ctx is cancelled.
func sendHeartbeat(ctx context.Context, t courier.Telemetry, process string) {
	ticker := time.NewTicker(heartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Capture(process+"_heartbeat", map[string]interface{}{
					"timestamp": time.Now().UTC(),
				})
			}
		}
	}()
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// initializeObservability starts tracing and the usage heartbeat when
// telemetry is enabled. The returned function tears both down.
func initializeObservability(ctx context.Context, c *courierInstance, process string) (func(context.Context) error, error) {
	if !c.cnf.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}

	shutdown, err := initializeTracing(ctx, c.cnf)
	if err != nil {
		return nil, err
	}

	hbCtx, cancel := context.WithCancel(ctx)
	sendHeartbeat(hbCtx, c.telemetry, process)
	return func(ctx context.Context) error {
		cancel()
		return shutdown(ctx)
	}, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	if cfg.SSL {
		return serveTLS(router, cfg)
	}
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// serverCommands returns the command that serves the HTTP API.
func serverCommands(c *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start courier server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			defer c.courier.Close()

			shutdown, err := initializeObservability(ctx, c, "server")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			router := api.NewAPI(c.courier).Router()
			if err := startServer(router, c.cnf.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
