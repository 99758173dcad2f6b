package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/signature"
)

func newSignatureCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "signature",
		Short: "Print the index signature (storage dir and version)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			home, _, err := g.resolveHome()
			if err != nil {
				return err
			}
			sig, ok, err := signature.Read(home)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no signature in %s", home)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sig.String())
			return nil
		},
	}
}
