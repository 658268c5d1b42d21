package cmd

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/protectfs"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "pfsctl",
	Short: "Manage protected file containers",
	Long: `pfsctl reads and writes single-file encrypted containers in the
protected file system format. The container key is derived either from a
16-byte KDK (--key, hex) or from a password (--password).`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("key", "", "16-byte KDK as 32 hex characters")
	rootCmd.PersistentFlags().String("password", "", "password the KDK is derived from")
	rootCmd.PersistentFlags().String("salt", "", "salt for password derivation (hex)")

	viper.SetEnvPrefix("PFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	viper.BindPFlag("key", rootCmd.PersistentFlags().Lookup("key"))
	viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	viper.BindPFlag("salt", rootCmd.PersistentFlags().Lookup("salt"))
}

// osFS adapts the local filesystem to absfs for the small surface pfsctl
// needs.
type osFS struct{}

func (osFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(name, flag, perm)
}
func (osFS) Mkdir(name string, perm os.FileMode) error      { return os.Mkdir(name, perm) }
func (osFS) MkdirAll(name string, perm os.FileMode) error   { return os.MkdirAll(name, perm) }
func (osFS) Remove(name string) error                       { return os.Remove(name) }
func (osFS) RemoveAll(path string) error                    { return os.RemoveAll(path) }
func (osFS) Rename(oldpath, newpath string) error           { return os.Rename(oldpath, newpath) }
func (osFS) Stat(name string) (os.FileInfo, error)          { return os.Stat(name) }
func (osFS) Chmod(name string, mode os.FileMode) error      { return os.Chmod(name, mode) }
func (osFS) Chown(name string, uid, gid int) error          { return os.Chown(name, uid, gid) }
func (osFS) Chtimes(name string, a, m time.Time) error      { return os.Chtimes(name, a, m) }
func (osFS) Truncate(name string, size int64) error         { return os.Truncate(name, size) }
func (osFS) Separator() uint8                               { return filepath.Separator }
func (osFS) ListSeparator() uint8                           { return filepath.ListSeparator }
func (osFS) Chdir(dir string) error                         { return os.Chdir(dir) }
func (osFS) Getwd() (string, error)                         { return os.Getwd() }
func (osFS) TempDir() string                                { return os.TempDir() }
func (osFS) Open(name string) (absfs.File, error)           { return os.Open(name) }
func (osFS) Create(name string) (absfs.File, error)         { return os.Create(name) }

// openPFS builds the protected filesystem over the host OS.
func openPFS() (*protectfs.FS, error) {
	return protectfs.New(osFS{}, nil)
}

// resolveKDK produces the KDK from --key or --password/--salt.
func resolveKDK() (*[protectfs.KeySize]byte, error) {
	var kdk [protectfs.KeySize]byte

	if keyHex := viper.GetString("key"); keyHex != "" {
		raw, err := hex.DecodeString(keyHex)
		if err != nil || len(raw) != protectfs.KeySize {
			return nil, fmt.Errorf("--key must be %d bytes of hex", protectfs.KeySize)
		}
		copy(kdk[:], raw)
		return &kdk, nil
	}

	password := viper.GetString("password")
	if password == "" {
		return nil, fmt.Errorf("either --key or --password is required")
	}
	saltHex := viper.GetString("salt")
	if saltHex == "" {
		return nil, fmt.Errorf("--salt is required with --password")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("--salt must be hex: %w", err)
	}
	provider := protectfs.NewPasswordKDK([]byte(password), protectfs.Argon2idParams{})
	kdk, err = provider.DeriveKDK(salt)
	if err != nil {
		return nil, err
	}
	return &kdk, nil
}
