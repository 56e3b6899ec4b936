package cmd

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kira210402/DepositNFT/internal/amount"
	"github.com/kira210402/DepositNFT/internal/server"
	"github.com/kira210402/DepositNFT/internal/txflow"
)

var mintCmd = &cobra.Command{
	Use:   "mint [amount]",
	Short: "Mint tokens to the connected account",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := strconv.Itoa(server.DefaultMintAmount)
		if len(args) == 1 {
			raw = args[0]
		}
		value, err := amount.Parse(raw)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.connect(ctx); err != nil {
			return err
		}
		res, err := a.flows.Mint(ctx, value)
		printResult(cmd, res)
		return err
	},
}

func init() {
	rootCmd.AddCommand(mintCmd)
}

func printResult(cmd *cobra.Command, res txflow.Result) {
	out, _ := json.MarshalIndent(res, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
}
