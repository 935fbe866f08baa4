package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanefield/teamsync/internal/config"
	"github.com/lanefield/teamsync/internal/store"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Manage the peer registry",
}

var (
	peerHost     string
	peerPort     int
	peerPriority int
	peerDB       bool
	peerConfig   bool
	peerInstance bool
	peerUploads  bool
)

var peersAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a new peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		peer := &store.Peer{
			Name:              args[0],
			Host:              peerHost,
			Port:              peerPort,
			Priority:          peerPriority,
			Enabled:           true,
			SyncDatabase:      peerDB,
			SyncConfigFiles:   peerConfig,
			SyncInstanceFiles: peerInstance,
			SyncUploads:       peerUploads,
		}
		if err := db.AddPeer(context.Background(), peer); err != nil {
			return err
		}

		fmt.Printf("%s Added peer %s (%s)\n", renderOK("✓"), peer.Name, peer.BaseURL())
		return nil
	},
}

var peersRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a peer from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		peer, err := db.GetPeerByName(ctx, args[0])
		if err != nil {
			return fmt.Errorf("unknown peer %q", args[0])
		}
		if err := db.RemovePeer(ctx, peer.ID); err != nil {
			return err
		}

		fmt.Printf("%s Removed peer %s\n", renderOK("✓"), peer.Name)
		return nil
	},
}

var peersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered peers",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		peers, err := db.ListPeers(context.Background())
		if err != nil {
			return err
		}
		if len(peers) == 0 {
			fmt.Println("No peers registered.")
			return nil
		}

		fmt.Println(renderHeader(fmt.Sprintf("%-16s %-24s %-4s %-8s %-10s %s",
			"NAME", "ADDRESS", "PRI", "HEALTH", "ERRORS", "LAST SYNC")))
		for _, p := range peers {
			health := renderOK("healthy")
			if !p.Enabled {
				health = renderDim("disabled")
			} else if !p.Healthy() {
				health = renderFail("degraded")
			}

			lastSync := renderDim("never")
			if p.LastSyncTime != nil {
				lastSync = p.LastSyncTime.Format(time.RFC3339)
			}

			fmt.Printf("%-16s %-24s %-4d %-19s %-10d %s\n",
				p.Name, p.BaseURL(), p.Priority, health, p.ErrorCount, lastSync)
		}
		return nil
	},
}

// openStore opens the configured database for a management command.
func openStore() (*store.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func init() {
	peersAddCmd.Flags().StringVar(&peerHost, "host", "", "peer host (required)")
	peersAddCmd.Flags().IntVar(&peerPort, "port", 8530, "peer port")
	peersAddCmd.Flags().IntVar(&peerPriority, "priority", 1, "scheduling priority (lower first)")
	peersAddCmd.Flags().BoolVar(&peerDB, "database", true, "sync database changes with this peer")
	peersAddCmd.Flags().BoolVar(&peerConfig, "config-files", true, "sync config files with this peer")
	peersAddCmd.Flags().BoolVar(&peerInstance, "instance-files", false, "sync instance files with this peer")
	peersAddCmd.Flags().BoolVar(&peerUploads, "uploads", false, "sync uploads with this peer")
	_ = peersAddCmd.MarkFlagRequired("host")

	peersCmd.AddCommand(peersAddCmd)
	peersCmd.AddCommand(peersRemoveCmd)
	peersCmd.AddCommand(peersListCmd)
}
