// Package cmd implements indexctl, the operator CLI for index homes. It
// works on the files directly, so commands that replace an index must not
// run against a home the indexer service has open.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/disk"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/logger"
)

type globalFlags struct {
	config  string
	home    string
	shard   int
	verbose bool
}

func NewRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "indexctl",
		Short:         "Inspect and maintain realtime index homes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if g.verbose {
				level = "debug"
			}
			logger.SetupWriter(cmd.ErrOrStderr(), level, "text")
		},
	}
	cmd.PersistentFlags().StringVar(&g.config, "config", "", "path to config file")
	cmd.PersistentFlags().StringVar(&g.home, "home", "", "index home; overrides --config and --shard")
	cmd.PersistentFlags().IntVar(&g.shard, "shard", 0, "shard whose home to use under the configured data dir")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(
		newStatusCmd(g),
		newSignatureCmd(g),
		newSnapshotCmd(g),
		newBackupCmd(g),
		newPurgeCmd(g),
		newReplicateCmd(g),
	)
	return cmd
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

func (g *globalFlags) loadConfig() (*config.Config, error) {
	return config.Load(g.config)
}

// resolveHome returns the index home and its label.
func (g *globalFlags) resolveHome() (string, string, error) {
	if g.home != "" {
		return g.home, indexer.IndexName(g.shard), nil
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return "", "", err
	}
	if g.shard < 0 || g.shard >= cfg.Indexer.NumShards {
		return "", "", fmt.Errorf("shard %d out of range [0,%d)", g.shard, cfg.Indexer.NumShards)
	}
	return shard.Home(cfg.Indexer.DataDir, g.shard), indexer.IndexName(g.shard), nil
}

func (g *globalFlags) openStore() (*disk.Store, string, error) {
	home, name, err := g.resolveHome()
	if err != nil {
		return nil, "", err
	}
	st, err := disk.Open(home, disk.WithDocCache(0))
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %w", home, err)
	}
	return st, name, nil
}
