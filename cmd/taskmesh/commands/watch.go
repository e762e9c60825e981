package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmesh/internal/config"
	"github.com/marcus/taskmesh/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live mesh dashboard",
	Long: `Open an interactive terminal dashboard showing the mesh's machines,
tasks, and activity, refreshed live from the shared store.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	return ui.New(s, cfg.Machine.Name).Run()
}
