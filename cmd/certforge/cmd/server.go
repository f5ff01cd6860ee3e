package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certforge/api"
	"github.com/jmcleod/certforge/engine"
	"github.com/jmcleod/certforge/request"
	"github.com/jmcleod/certforge/storage"
	bboltstorage "github.com/jmcleod/certforge/storage/bbolt"
	sqlitestorage "github.com/jmcleod/certforge/storage/sqlite"
)

var (
	port       int
	dataDir    string
	backend    string
	tlsCert    string
	tlsKey     string
	webhookURL string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the issuance engine server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		var (
			store  storage.Store
			closer func() error
		)
		switch backend {
		case "bbolt":
			s, err := bboltstorage.NewStoreFromFile(dataDir+"/certforge.db", nil)
			if err != nil {
				return fmt.Errorf("failed to open bbolt storage: %w", err)
			}
			store, closer = s, s.Close
		case "sqlite":
			s, err := sqlitestorage.NewStoreFromFile(dataDir + "/certforge.sqlite")
			if err != nil {
				return fmt.Errorf("failed to open sqlite storage: %w", err)
			}
			store, closer = s, s.Close
		default:
			return fmt.Errorf("unknown storage backend %q (want bbolt or sqlite)", backend)
		}
		defer closer()

		eng, err := engine.New(store, engine.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to build engine: %w", err)
		}

		eng.Queue().Register(&request.LogListener{Enabled: true, Logger: logger})
		if webhookURL != "" {
			wh := request.NewWebhookListener(webhookURL, "", true)
			defer wh.Close()
			eng.Queue().Register(wh)
		}

		a := api.New(eng, api.WithLogger(logger))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsCert != "" && tlsKey != "" {
				err = server.ListenAndServeTLS(tlsCert, tlsKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		fmt.Printf("Starting server on port %d (data: %s, backend: %s)...\n", port, dataDir, backend)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		case err := <-done:
			return err
		}
	},
}

func init() {
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "port to listen on")
	serverCmd.Flags().StringVarP(&dataDir, "data", "d", "./data", "data directory")
	serverCmd.Flags().StringVar(&backend, "backend", "bbolt", "storage backend (bbolt or sqlite)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key file")
	serverCmd.Flags().StringVar(&webhookURL, "webhook-url", "", "URL receiving request transition events")
	rootCmd.AddCommand(serverCmd)
}
