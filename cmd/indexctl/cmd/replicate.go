package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/disk"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
)

func newReplicateCmd(g *globalFlags) *cobra.Command {
	var (
		copies int
		dest   string
	)
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Clone the index into new homes through the snapshot stream",
		Long: `Replicate streams one pinned snapshot of the index into --copies homes
named copy-0, copy-1, ... under --dest. Existing homes are replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if copies < 1 {
				return fmt.Errorf("--copies must be positive")
			}
			if dest == "" {
				return fmt.Errorf("--dest is required")
			}
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			snap, err := st.Snapshot()
			if err != nil {
				return err
			}
			defer snap.Close()

			for i := range copies {
				home := filepath.Join(dest, fmt.Sprintf("copy-%d", i))
				sig, err := replicate(snap, home)
				if err != nil {
					return fmt.Errorf("replica %d: %w", i, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", home, sig)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&copies, "copies", "n", 1, "number of replicas")
	cmd.Flags().StringVar(&dest, "dest", "", "directory for the replica homes")
	return cmd
}

func replicate(snap *disk.Snapshot, home string) (signature.Signature, error) {
	dst, err := disk.Open(home, disk.WithDocCache(0))
	if err != nil {
		return signature.Signature{}, err
	}
	defer dst.Close()

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := snap.WriteTo(pw)
		pw.CloseWithError(err)
		done <- err
	}()
	sig, err := dst.ImportSnapshot(pr)
	pr.CloseWithError(err)
	if werr := <-done; err == nil && werr != nil {
		err = werr
	}
	return sig, err
}
