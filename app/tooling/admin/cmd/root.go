// Package cmd contains the admin commands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfl0/tinychain/foundation/blockchain/database"
	"github.com/nfl0/tinychain/foundation/nameservice"
	"github.com/spf13/cobra"
)

var (
	nodeURL     string
	accountName string
	accountPath string
)

const (
	keyExtension = ".ecdsa"
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&nodeURL, "url", "u", "http://localhost:8080", "Url of the node's public API.")
	rootCmd.PersistentFlags().StringVarP(&accountName, "account", "a", "alice", "Name of the private key file.")
	rootCmd.PersistentFlags().StringVarP(&accountPath, "account-path", "p", "zblock/accounts/", "Path to the directory with private keys.")
}

var rootCmd = &cobra.Command{
	Use:          "admin",
	Short:        "Administer and query a tinychain node",
	SilenceUsage: true,
}

// Execute runs the command named on the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getPrivateKeyPath() string {
	name := accountName
	if !strings.HasSuffix(name, keyExtension) {
		name += keyExtension
	}

	return filepath.Join(accountPath, name)
}

// resolve turns an account name from the key folder or a raw address into
// an address.
func resolve(nameOrAddress string) (database.Address, error) {
	ns, err := nameservice.New(accountPath)
	if err != nil {
		return database.ToAddress(nameOrAddress)
	}

	address, err := ns.Resolve(nameOrAddress)
	if err != nil {
		return "", fmt.Errorf("%q is neither a known account nor an address", nameOrAddress)
	}

	return address, nil
}
