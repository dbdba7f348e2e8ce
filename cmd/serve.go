package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maptile-export/internal/config"
	"maptile-export/internal/server"
	"maptile-export/internal/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for map exports",
	Long: `Start an HTTP server exposing the tile download and export pipeline.

Endpoints are mounted under /api: source and format discovery, tile count
estimation, synchronous downloads, and asynchronous downloads with SSE
progress streaming.

Examples:
  # Start on the default port 8080
  maptile-export serve

  # Custom bind address and port
  maptile-export serve --bind 0.0.0.0 --port 3000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("request-timeout", 10*time.Minute, "per-request timeout")

	viper.BindPFlag("server.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.timeout", serveCmd.Flags().Lookup("request-timeout"))
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	registry, err := settings.Sources()
	if err != nil {
		return err
	}

	runner := task.NewRunner(settings, registry, task.NewRegistry(settings.MaxTasksHeld, settings.TaskTTL))
	api := server.New(runner)

	timeout := viper.GetDuration("server.timeout")
	addr := fmt.Sprintf("%s:%d", viper.GetString("server.bind"), viper.GetInt("server.port"))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(timeout))
	r.Use(corsMiddleware)
	r.Mount("/api", api.Routes())

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Write timeout must cover a full synchronous download plus the
		// SSE stream of a long-running task.
		WriteTimeout: timeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		fmt.Fprintf(cmd.ErrOrStderr(), "\nShutting down server...\n")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("[Server] shutdown error: %v", err)
		}
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "Starting maptile-export server on %s\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Sources: http://%s/api/sources\n", addr)
	fmt.Fprintf(cmd.ErrOrStderr(), "Download: http://%s/api/download\n", addr)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %v", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
