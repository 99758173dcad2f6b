package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Empty the index and reset its version to 0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("purge deletes every document; pass --yes to confirm")
			}
			st, name, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Purge(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s\n", name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}
