package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmesh/internal/config"
)

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Show mesh machines",
	Long: `List every machine seen in the shared store with its presence and
current load (pending plus in-progress tasks).`,
	RunE: runPeers,
}

func init() {
	rootCmd.AddCommand(peersCmd)
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	peers, err := s.Peers(ctx)
	if err != nil {
		return err
	}
	loads, err := s.Loads(ctx)
	if err != nil {
		return err
	}

	if len(peers) == 0 {
		fmt.Println("No machines seen yet. Is a daemon running?")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MACHINE\tSTATUS\tLOAD\tLAST SEEN")
	for _, p := range peers {
		status := "offline"
		if p.Online {
			status = "online"
		}
		name := p.Name
		if p.Name == cfg.Machine.Name {
			name += " (this machine)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
			name,
			status,
			loads[p.Name],
			p.LastSeen.Local().Format(time.RFC3339),
		)
	}
	return w.Flush()
}
