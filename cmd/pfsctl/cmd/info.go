package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <container>",
	Short: "Show container sizes and the current metadata GMAC",
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

		size, err := f.Size()
		if err != nil {
			return err
		}
		gmac, err := f.MetaGMAC()
		if err != nil {
			return err
		}
		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "container:    %s\n", args[0])
		fmt.Fprintf(out, "logical size: %d bytes\n", size)
		fmt.Fprintf(out, "on disk:      %d bytes (%d nodes)\n", info.Size(), info.Size()/4096)
		fmt.Fprintf(out, "meta gmac:    %s\n", hex.EncodeToString(gmac[:]))
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <container>",
	Short: "Delete a protected container and any stale recovery journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pfs, err := openPFS()
		if err != nil {
			return err
		}
		return pfs.Remove(args[0])
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(rmCmd)
}
