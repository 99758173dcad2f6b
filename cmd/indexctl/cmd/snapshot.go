package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/spf13/cobra"
)

func newSnapshotCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import an index snapshot stream",
	}
	cmd.AddCommand(newSnapshotExportCmd(g), newSnapshotImportCmd(g))
	return cmd
}

func newSnapshotExportCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the latest commit as a snapshot stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			if out == "-" {
				_, err := snap.WriteTo(cmd.OutOrStdout())
				return err
			}
			f, err := renameio.TempFile(filepath.Dir(out), out)
			if err != nil {
				return err
			}
			defer f.Cleanup()
			n, err := snap.WriteTo(f)
			if err != nil {
				return err
			}
			if err := f.CloseAtomicallyReplace(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %s (%d bytes, %d files) to %s\n",
				snap.Signature(), n, len(snap.Files()), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file, - for stdout")
	return cmd
}

func newSnapshotImportCmd(g *globalFlags) *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the index with a snapshot stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if in != "-" {
				f, err := os.Open(in)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			st, _, err := g.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			sig, err := st.ImportSnapshot(r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", sig)
			return nil
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "-", "input file, - for stdin")
	return cmd
}
