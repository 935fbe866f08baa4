package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanefield/teamsync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()

		serverID, err := db.ServerID(ctx)
		if err != nil {
			return err
		}
		pending, err := db.PendingChangeCount(ctx)
		if err != nil {
			return err
		}
		total, err := db.ChangeCount(ctx)
		if err != nil {
			return err
		}
		peers, err := db.ListPeers(ctx)
		if err != nil {
			return err
		}
		sessions, err := db.RecentSessions(ctx, 10)
		if err != nil {
			return err
		}

		fmt.Println(renderHeader("Server"))
		fmt.Printf("  id:              %s\n", serverID)
		fmt.Printf("  pending changes: %d\n", pending)
		fmt.Printf("  total changes:   %d\n", total)

		fmt.Println()
		fmt.Println(renderHeader("Peers"))
		if len(peers) == 0 {
			fmt.Println("  " + renderDim("none registered"))
		}
		for _, p := range peers {
			mark := renderOK("✓")
			if !p.Enabled {
				mark = renderDim("-")
			} else if !p.Healthy() {
				mark = renderFail("✗")
			}
			fmt.Printf("  %s %-16s %s\n", mark, p.Name, p.BaseURL())
		}

		fmt.Println()
		fmt.Println(renderHeader("Recent sessions"))
		if len(sessions) == 0 {
			fmt.Println("  " + renderDim("none"))
		}
		byID := peerNames(peers)
		for _, s := range sessions {
			mark := renderOK("✓")
			switch s.Status {
			case store.SessionFailed:
				mark = renderFail("✗")
			case store.SessionPending, store.SessionInProgress:
				mark = renderDim("…")
			}
			line := fmt.Sprintf("  %s %s %-16s %d items", mark,
				s.StartedAt.Format(time.RFC3339), byID[s.PeerID], s.ItemsSynced)
			if s.ErrorMessage != "" {
				line += " " + renderFail(s.ErrorMessage)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func peerNames(peers []*store.Peer) map[string]string {
	m := make(map[string]string, len(peers))
	for _, p := range peers {
		m[p.ID] = p.Name
	}
	return m
}
