package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/apnprevent/alarmwatch/internal/config"
	"github.com/apnprevent/alarmwatch/internal/mailbox"
	"github.com/apnprevent/alarmwatch/internal/runner"
	"github.com/apnprevent/alarmwatch/internal/runner/tasks"
	"github.com/apnprevent/alarmwatch/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var configPathFlag string

var rootCmd = &cobra.Command{
	Use:   "alarmwatch",
	Short: "Alarm mailbox ingestion service for DVR/NVR video-loss events",
	Long: `Alarmwatch polls a monitoring mailbox for alarm emails sent by DVR and
NVR devices, extracts the affected device and cameras from each message,
aggregates the events into per-device incident documents in MongoDB, and
archives the processed mail.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Path to YAML configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stdout, "[ALARMWATCH] ", log.LstdFlags)

	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	mongoClient, err := store.Connect(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Printf("MongoDB disconnect: %v", err)
		}
	}()
	logger.Printf("Connected to MongoDB database %q", cfg.Mongo.Database)

	catalog := store.New(mongoClient.Database(cfg.Mongo.Database), cfg.Mongo)
	session := mailbox.NewSession(cfg.Mail, cfg.Ingest)
	defer session.Close()
	pipeline := mailbox.NewPipeline(catalog, catalog, cfg.Ingest)

	// Ingest tuning follows edits to the watched config file; the polling
	// interval itself is fixed until restart.
	config.OnReload(func(next *config.Config) {
		logger.Println("Configuration reloaded, applying ingest tuning")
		session.SetIngest(next.Ingest)
		pipeline.SetIngest(next.Ingest)
	})

	ingest := tasks.NewIngestTask(session, pipeline, cfg.Ingest)

	registry := runner.NewTaskRegistry()
	registry.Register(ingest)

	// First pass fires immediately; the scheduler takes over from there.
	if err := ingest.Run(ctx); err != nil {
		logger.Printf("Initial ingestion pass: %v", err)
	}

	return runner.NewRunner(registry).Start(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
