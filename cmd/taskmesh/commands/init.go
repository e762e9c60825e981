package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/taskmesh/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create configuration file",
	Long: `Initialize the taskmesh configuration at ~/.config/taskmesh/taskmesh.yaml.

Set --machine to override the hostname identity, --peer (repeatable) to
name the other machines, and --store to point at the shared store file.
Every machine in the mesh must use the same store path.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("machine", "", "Machine name (default: hostname)")
	initCmd.Flags().StringArray("peer", nil, "Peer machine name (repeatable)")
	initCmd.Flags().String("store", "", "Shared store path")
	initCmd.Flags().BoolP("force", "f", false, "Overwrite existing config")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	configPath := config.GlobalConfigPath()
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	// Load applies defaults and fallbacks; flags override on top.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("build config: %w", err)
	}

	if machine, _ := cmd.Flags().GetString("machine"); machine != "" {
		cfg.Machine.Name = machine
	}
	if peers, _ := cmd.Flags().GetStringArray("peer"); len(peers) > 0 {
		cfg.Peers = peers
	}
	if storePath, _ := cmd.Flags().GetString("store"); storePath != "" {
		cfg.Store.Path = storePath
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := config.Write(cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n", configPath)
	fmt.Printf("Machine: %s\n", cfg.Machine.Name)
	if len(cfg.Peers) > 0 {
		fmt.Printf("Peers: %v\n", cfg.Peers)
	}
	fmt.Printf("Store: %s\n", cfg.Store.Path)
	fmt.Println("\nStart the daemon with: taskmesh daemon start")
	return nil
}
