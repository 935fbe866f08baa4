package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanefield/teamsync/internal/client"
	"github.com/lanefield/teamsync/internal/config"
	"github.com/lanefield/teamsync/internal/store"
	"github.com/lanefield/teamsync/internal/syncer"
)

var syncPeerName string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run sync sessions immediately",
	Long: `Run one bidirectional sync session against each enabled, healthy
peer (or a single peer with --peer), outside the periodic schedule.

Sessions run sequentially in priority order. Each session pings the peer,
exchanges change-log records since the last sync, resolves conflicts
last-write-wins, and applies the peer's changes locally.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

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

		registry := db.RegisterTables(cfg.Sync.TrackedTables)
		manager := syncer.New(db, registry, syncer.Config{
			ServerID:       serverID,
			FallbackWindow: cfg.Sync.FallbackWindow,
			Logger:         log.New(os.Stderr, "[syncer] ", log.LstdFlags),
		})

		peers, err := selectPeers(ctx, db, syncPeerName)
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No schedulable peers.")
			return nil
		}

		failures := 0
		for _, peer := range peers {
			start := time.Now()
			transport := client.New(peer, serverID, cfg.Sync.HTTPTimeout)
			session, err := manager.SyncPeer(ctx, peer, transport)
			if err != nil {
				failures++
				fmt.Printf("%s %s: %v\n", renderFail("✗"), peer.Name, err)
				continue
			}
			fmt.Printf("%s %s: %d items in %s\n",
				renderOK("✓"), peer.Name, session.ItemsSynced, time.Since(start).Round(time.Millisecond))
		}

		if failures > 0 {
			return fmt.Errorf("%d of %d sessions failed", failures, len(peers))
		}
		return nil
	},
}

// selectPeers resolves the session targets: one named peer, or every
// enabled, healthy peer.
func selectPeers(ctx context.Context, db *store.DB, name string) ([]*store.Peer, error) {
	if name != "" {
		peer, err := db.GetPeerByName(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("unknown peer %q", name)
		}
		return []*store.Peer{peer}, nil
	}
	return db.SchedulablePeers(ctx)
}

func init() {
	syncCmd.Flags().StringVar(&syncPeerName, "peer", "", "sync only the named peer")
}
