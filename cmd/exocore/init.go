package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/exocore/cell/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new cell data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(cmd)
		dataDir, _ := cmd.Flags().GetString("data-dir")
		nodeID, _ := cmd.Flags().GetString("node-id")
		if nodeID == "" {
			nodeID = uuid.NewString()
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return err
		}

		cfg := config.Default()
		cfg.Node.ID = nodeID

		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		path := filepath.Join(dataDir, "cell.yaml")
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return err
		}
		fmt.Printf("initialized cell at %s (node_id=%s)\n", path, nodeID)
		return nil
	},
}

func init() {
	initCmd.Flags().String("node-id", "", "This node's id within the cell")
}
