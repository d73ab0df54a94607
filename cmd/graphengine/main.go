// Package main provides the graphengine CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nodeforge/graphengine/internal/auth"
	"github.com/nodeforge/graphengine/internal/config"
	"github.com/nodeforge/graphengine/internal/engine"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "graphengine",
		Short: "graphengine - local multi-tenant knowledge-graph storage engine",
		Long: `graphengine is the storage core for a personal knowledge-management
backend: a property-graph data model, a write-ahead log per graph, a
transaction coordinator with editor acknowledgment round-trips, and a
saga layer for multi-step workflows that span local mutations and
outbound editor commands.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("graphengine v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the engine and accept editor connections",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to graphengine.yaml")
	serveCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serveCmd.Flags().String("listen-addr", "", "HTTP listen address for the command channel (overrides config)")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new data directory and config file",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(initCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadAndOverlay(cmd *cobra.Command) (config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if addr, _ := cmd.Flags().GetString("listen-addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadAndOverlay(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logrus.NewEntry(logrus.StandardLogger())
	log.Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	fmt.Printf("starting graphengine v%s\n", version)
	fmt.Printf("  data directory:  %s\n", cfg.DataDir)
	fmt.Printf("  channel address: %s%s\n", cfg.ListenAddr, cfg.ChannelPath)

	e, err := engine.Open(cfg, log)
	if err != nil {
		return fmt.Errorf("opening engine: %w", err)
	}
	defer e.Close()

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.ChannelPath, e.Channel.ServeHTTP)
	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	fmt.Println("graphengine ready, press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		fmt.Println("shutting down...")
	case err := <-serverErr:
		fmt.Printf("channel server error: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("channel server did not shut down cleanly")
	}

	fmt.Println("engine stopped")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")

	fmt.Printf("initializing graphengine data directory at %s\n", dataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dataDir, err)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return fmt.Errorf("generating channel token: %w", err)
	}

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.ChannelToken = token

	configPath := filepath.Join(dataDir, "graphengine.yaml")
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Println("data directory initialized")
	fmt.Printf("  config:        %s\n", configPath)
	fmt.Printf("  channel token: %s\n", token)
	fmt.Println()
	fmt.Println("the channel token above authenticates the editor's websocket connection;")
	fmt.Println("configure it in the editor plugin before running 'graphengine serve'.")
	return nil
}
