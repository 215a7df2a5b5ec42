package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/exocore/cell/internal/chainstore"
	"github.com/exocore/cell/internal/config"
	"github.com/exocore/cell/internal/xlog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the local chain store's tip and segment layout",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(cmd)
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(filepath.Join(dataDir, "cell.yaml"))
		if err != nil {
			return err
		}

		store, err := chainstore.Open(filepath.Join(dataDir, "chain"), cfg.Chain.SegmentMaxOpenMmap, cfg.Chain.SegmentMaxSize, xlog.Logger)
		if err != nil {
			return err
		}
		defer store.Close()

		tip, err := store.GetLastBlock()
		if err != nil {
			return err
		}
		fmt.Printf("node: %s\n", cfg.Node.ID)
		fmt.Printf("tip height: %d\n", tip.Header.Height)
		fmt.Printf("tip offset: %d\n", tip.Header.Offset)
		fmt.Printf("segments:\n")
		for _, seg := range store.Segments() {
			fmt.Printf("  %s [%d, %d]\n", seg.Path, seg.FirstOffset, seg.LastOffset)
		}
		return nil
	},
}
