package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certmanager/api"
	"github.com/jmcleod/certmanager/manager"
)

var serverFlags = map[string]string{
	"addr":     "server.addr",
	"tls-cert": "server.tls_cert",
	"tls-key":  "server.tls_key",
}

func newServerCmd(a *app) *cobra.Command {
	var (
		webhookURL  string
		webhookAuth string
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve the certificate manager API over HTTPS",
		Long: `Serve the certificate manager API under /api/v1.

Without --tls-cert and --tls-key the server presents the certificate held
by the active holder, creating a self-signed one on first start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			m, closeStore, err := a.openManager(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			tlsConfig, err := a.serverTLS(ctx, m)
			if err != nil {
				return err
			}

			opts := []api.Option{
				api.WithLogger(a.logger),
				api.WithScrubSensitiveData(a.cfg.Manager.ScrubSensitiveData),
				api.WithAlertFunc(func(e api.AlertEvent) {
					a.logger.Warn("anomaly detected",
						"type", e.Type, "count", e.Count, "threshold", e.Threshold)
				}),
			}
			if webhookURL != "" {
				opts = append(opts, api.WithAuditWebhook(webhookURL, webhookAuth))
			}
			apiHandler := api.New(m, opts...)
			defer apiHandler.Close()

			r := chi.NewRouter()
			r.Use(middleware.Logger)
			r.Use(middleware.Recoverer)
			r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("OK"))
			})
			r.Mount("/api/v1", apiHandler.Router())

			server := &http.Server{
				Addr:              a.cfg.Server.Addr,
				Handler:           r,
				TLSConfig:         tlsConfig,
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			return serve(cmd, server)
		},
	}

	f := cmd.Flags()
	f.String("addr", "", "Address to listen on (default :8443)")
	f.String("tls-cert", "", "Path to TLS certificate file")
	f.String("tls-key", "", "Path to TLS key file")
	f.StringVar(&webhookURL, "audit-webhook", "", "URL that receives audit events")
	f.StringVar(&webhookAuth, "audit-webhook-header", "", `Header sent with audit events, "Name: Value"`)
	return cmd
}

// serverTLS loads the configured key pair, or falls back to the active
// holder's certificate from the store.
func (a *app) serverTLS(ctx context.Context, m *manager.Manager) (*tls.Config, error) {
	var cert tls.Certificate
	if a.cfg.Server.TLSCert != "" {
		var err error
		cert, err = tls.LoadX509KeyPair(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "localhost"
		}
		view, err := m.EnsureDefaultCertificate(ctx, hostname)
		if err != nil {
			return nil, fmt.Errorf("failed to provision a TLS certificate: %w", err)
		}
		res, err := m.Export(ctx, view.RefID, manager.ExportRequest{Format: manager.ExportPEM, IncludeKey: true, IncludeChain: true})
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate %s: %w", view.RefID, err)
		}
		// The export holds the leaf, the key and the chain; X509KeyPair
		// picks the blocks it needs from each argument.
		if cert, err = tls.X509KeyPair(res.Data, res.Data); err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate %s: %w", view.RefID, err)
		}
		a.logger.Info("using stored TLS certificate", "refid", view.RefID, "descr", view.Descr)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// serve runs server until it fails or SIGINT/SIGTERM arrives, then shuts
// down gracefully.
func serve(cmd *cobra.Command, server *http.Server) error {
	done := make(chan error, 1)
	go func() {
		if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	out := cmd.OutOrStdout()
	printBanner(out)
	fmt.Fprintf(out, "Starting server on %s...\n", server.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}
