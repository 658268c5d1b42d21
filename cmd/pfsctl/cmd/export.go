package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/absfs/protectfs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// sealerPlatform builds the software sealer used for auto-key containers.
func sealerPlatform() (protectfs.Platform, error) {
	secretHex := viper.GetString("sealer-secret")
	if secretHex == "" {
		return nil, fmt.Errorf("--sealer-secret is required for auto-key containers")
	}
	raw, err := hex.DecodeString(secretHex)
	if err != nil || len(raw) != protectfs.KeySize {
		return nil, fmt.Errorf("--sealer-secret must be %d bytes of hex", protectfs.KeySize)
	}
	var secret [protectfs.KeySize]byte
	copy(secret[:], raw)
	return protectfs.NewStaticSealer(secret), nil
}

var exportCmd = &cobra.Command{
	Use:   "export <container>",
	Short: "Export the metadata key of an auto-key container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		platform, err := sealerPlatform()
		if err != nil {
			return err
		}
		pfs, err := protectfs.New(osFS{}, &protectfs.Config{Platform: platform})
		if err != nil {
			return err
		}
		key, err := pfs.ExportAutoKey(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(key[:]))
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <container> <key-hex>",
	Short: "Re-seal an exported container under this sealer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := hex.DecodeString(args[1])
		if err != nil || len(raw) != protectfs.KeySize {
			return fmt.Errorf("key must be %d bytes of hex", protectfs.KeySize)
		}
		var key [protectfs.KeySize]byte
		copy(key[:], raw)

		platform, err := sealerPlatform()
		if err != nil {
			return err
		}
		pfs, err := protectfs.New(osFS{}, &protectfs.Config{Platform: platform})
		if err != nil {
			return err
		}
		return pfs.ImportAutoKey(args[0], &key)
	},
}

func init() {
	rootCmd.PersistentFlags().String("sealer-secret", "", "16-byte sealer root secret as hex")
	viper.BindPFlag("sealer-secret", rootCmd.PersistentFlags().Lookup("sealer-secret"))
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
