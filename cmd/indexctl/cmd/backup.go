package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/backup"
)

type backupFlags struct {
	local string
}

func newBackupCmd(g *globalFlags) *cobra.Command {
	bf := &backupFlags{}
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Push snapshots to, or pull them from, the backup store",
	}
	cmd.PersistentFlags().StringVar(&bf.local, "local", "", "use a local directory instead of the configured object store")
	cmd.AddCommand(newBackupPushCmd(g, bf), newBackupPullCmd(g, bf), newBackupListCmd(g, bf))
	return cmd
}

func (bf *backupFlags) service(cmd *cobra.Command, g *globalFlags) (*backup.Service, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	var store backup.ObjectStore
	if bf.local != "" {
		if store, err = backup.NewLocalStore(bf.local); err != nil {
			return nil, err
		}
	} else {
		if cfg.Backup.Endpoint == "" {
			return nil, fmt.Errorf("no backup endpoint configured; set backup.endpoint or pass --local")
		}
		if store, err = backup.NewMinioStore(cmd.Context(), cfg.Backup); err != nil {
			return nil, err
		}
	}
	return backup.New(store, backup.WithRate(cfg.Backup.BytesPerSecond)), nil
}

func newBackupPushCmd(g *globalFlags, bf *backupFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Upload a snapshot of the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := bf.service(cmd, g)
			if err != nil {
				return err
			}
			st, name, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			info, err := svc.Push(cmd.Context(), name, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %s (version %d, %d bytes)\n", info.Name, info.Version, info.Bytes)
			return nil
		},
	}
}

func newBackupPullCmd(g *globalFlags, bf *backupFlags) *cobra.Command {
	var object string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Restore the index from a backup, the latest by default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := bf.service(cmd, g)
			if err != nil {
				return err
			}
			st, name, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			sig, err := svc.Pull(cmd.Context(), name, object, st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s\n", sig)
			return nil
		},
	}
	cmd.Flags().StringVar(&object, "object", "", "backup object name")
	return cmd
}

func newBackupListCmd(g *globalFlags, bf *backupFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the index's backups, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := bf.service(cmd, g)
			if err != nil {
				return err
			}
			_, name, err := g.resolveHome()
			if err != nil {
				return err
			}
			names, err := svc.List(cmd.Context(), name)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}
