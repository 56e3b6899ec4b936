package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	simulate   bool
}

var opts rootOptions

var rootCmd = &cobra.Command{
	Use:   "dapp",
	Short: "Wallet client for the token and deposit contracts",
	Long: `dapp connects a wallet to the TokenERC20 and MyDepositContract deployment,
keeps the balance fresh, and runs the mint and approve-then-deposit flows.

Without --simulate it talks to a wallet over JSON-RPC (chain.rpc_url), or
signs locally when chain.private_key is set.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./dapp.yaml or ./config/dapp.yaml)")
	rootCmd.PersistentFlags().BoolVar(&opts.simulate, "simulate", false, "run against an in-memory chain instead of a wallet")
}
