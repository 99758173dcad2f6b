package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the durable state of an index home",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, name, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			stats := st.Stats()
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"index": name, "home": st.Home(), "disk": stats})
			}
			fmt.Fprintf(out, "Index:     %s\n", name)
			fmt.Fprintf(out, "Home:      %s\n", st.Home())
			fmt.Fprintf(out, "Directory: %s\n", stats.Dir)
			fmt.Fprintf(out, "Version:   %d\n", stats.Version)
			fmt.Fprintf(out, "Docs:      %d\n", stats.Docs)
			fmt.Fprintf(out, "Segments:  %d\n", stats.Segments)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
