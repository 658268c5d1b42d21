package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var putCmd = &cobra.Command{
	Use:   "put <container> [source]",
	Short: "Write a file (or stdin) into a protected container",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kdk, err := resolveKDK()
		if err != nil {
			return err
		}
		pfs, err := openPFS()
		if err != nil {
			return err
		}

		var src io.Reader = os.Stdin
		if len(args) == 2 {
			in, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer in.Close()
			src = in
		}

		f, err := pfs.OpenFileWithKey(args[0], "w+", kdk)
		if err != nil {
			return err
		}
		n, err := io.Copy(f, src)
		if err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, args[0])
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <container>",
	Short: "Decrypt a protected container to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kdk, err := resolveKDK()
		if err != nil {
			return err
		}
		pfs, err := openPFS()
		if err != nil {
			return err
		}
		f, err := pfs.OpenFileWithKey(args[0], "r", kdk)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(cmd.OutOrStdout(), f); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(catCmd)
}
