package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lanefield/teamsync/internal/config"
	"github.com/lanefield/teamsync/internal/filesync"
	"github.com/lanefield/teamsync/internal/scheduler"
	"github.com/lanefield/teamsync/internal/server"
	"github.com/lanefield/teamsync/internal/store"
	"github.com/lanefield/teamsync/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Run the teamsync daemon: the peer-facing HTTP server, the file
watcher, the periodic sync scheduler, and the retry processor.

The daemon runs until interrupted. With logging.file configured, daemon
logs rotate via lumberjack; otherwise they go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logOut := io.Writer(os.Stderr)
		if cfg.Logging.File != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.Logging.File,
				MaxSize:    cfg.Logging.MaxSizeMB,
				MaxBackups: cfg.Logging.MaxBackups,
			}
		}
		newLogger := func(prefix string) *log.Logger {
			return log.New(logOut, prefix, log.LstdFlags)
		}
		logger := newLogger("[teamsyncd] ")

		db, err := store.Open(cfg.Database.Path)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.InitSchema(); err != nil {
			return err
		}

		ctx := context.Background()
		serverID, err := db.ServerID(ctx)
		if err != nil {
			return err
		}
		logger.Printf("Server id: %s", serverID)

		registry := db.RegisterTables(cfg.Sync.TrackedTables)
		rules := filesync.NewRules(cfg.Files.ExcludePatterns)
		applier := filesync.NewApplier(cfg.BaseFolders(), rules, cfg.Files.ConflictWindow, newLogger("[filesync] "))

		manager := syncer.New(db, registry, syncer.Config{
			ServerID:       serverID,
			FallbackWindow: cfg.Sync.FallbackWindow,
			Logger:         newLogger("[syncer] "),
		})

		srv := server.New(db, manager, applier, &server.Config{
			Port:     cfg.Server.Port,
			ServerID: serverID,
			Logger:   newLogger("[server] "),
		})
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()

		// Session events flow into the websocket feed.
		manager.SetNotifier(srv)

		tracker, err := filesync.NewTracker(db, &filesync.TrackerConfig{
			BaseFolders:    cfg.BaseFolders(),
			DebounceWindow: cfg.Files.DebounceWindow,
			Rules:          rules,
			Logger:         newLogger("[watcher] "),
		})
		if err != nil {
			return err
		}
		if err := tracker.Start(); err != nil {
			return err
		}
		defer tracker.Stop()

		retries := filesync.NewRetryQueue(filesync.RetryQueueConfig{
			Base:        cfg.Retry.Base,
			Cap:         cfg.Retry.Cap,
			MaxAttempts: cfg.Retry.MaxAttempts,
			MaxAge:      cfg.Retry.MaxAge,
			Logger:      newLogger("[retry] "),
		})

		sched := scheduler.New(db, manager, tracker, retries, applier, &scheduler.Config{
			ServerID:          serverID,
			SyncInterval:      cfg.Sync.Interval,
			RetryScanInterval: cfg.Retry.ScanInterval,
			HTTPTimeout:       cfg.Sync.HTTPTimeout,
			Logger:            newLogger("[scheduler] "),
		})
		sched.Start()
		defer sched.Stop()

		logger.Printf("teamsyncd running on %s", srv.Addr())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Printf("Received %s, shutting down", sig)

		fmt.Println("Shutting down...")
		return nil
	},
}
