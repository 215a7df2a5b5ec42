package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/exocore/cell/internal/chainstore"
	"github.com/exocore/cell/internal/config"
	"github.com/exocore/cell/internal/engine"
	"github.com/exocore/cell/internal/pending"
	"github.com/exocore/cell/internal/transport"
	"github.com/exocore/cell/internal/types"
	"github.com/exocore/cell/internal/xlog"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run this node's cell engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(cmd)
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(filepath.Join(dataDir, "cell.yaml"))
		if err != nil {
			return err
		}
		xlog.Logger = xlog.WithNodeID(xlog.WithComponent("exocore"), cfg.Node.ID)

		chainStore, err := chainstore.Open(filepath.Join(dataDir, "chain"), cfg.Chain.SegmentMaxOpenMmap, cfg.Chain.SegmentMaxSize, xlog.Logger)
		if err != nil {
			return err
		}
		defer chainStore.Close()

		pendingStore := pending.New()
		nodes := []types.CellNode{{ID: cfg.Node.ID, Role: types.RoleChain}}
		net := transport.NewMockNetwork()
		tr := net.NewMockTransport(cfg.Node.ID, 256)

		eng := engine.New(cfg.Node.ID, nodes, pendingStore, chainStore, tr, nil, engine.Config{
			TickInterval:              cfg.CommitManager.CommitMaximumInterval,
			PendingMaxOpsPerRange:     cfg.Pending.MaxOperationsPerRange,
			ChainSampleBegin:          cfg.ChainSync.BeginCount,
			ChainSampleEnd:            cfg.ChainSync.EndCount,
			ChainSampleCount:          cfg.ChainSync.SampledCount,
			CommitCleanupAfterDepth:   cfg.CommitManager.OperationsCleanupAfterDepth,
			CommitBlockOperationsSize: cfg.CommitManager.BlockOperationsCount,
		})

		ctx, cancel := context.WithCancel(context.Background())
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sig
			xlog.Logger.Info().Msg("shutting down")
			cancel()
		}()

		xlog.Logger.Info().Str("data_dir", dataDir).Msg("cell engine starting")
		return eng.Run(ctx)
	},
}
