package cmd

import (
	"fmt"
	"math/big"

	"github.com/spf13/cobra"

	"github.com/kira210402/DepositNFT/internal/amount"
)

var depositCmd = &cobra.Command{
	Use:   "deposit <amount>",
	Short: "Approve the deposit contract and deposit tokens",
	Long: `deposit sends approve(depositContract, amount) and, once it is mined,
deposit(amount). The amount is in base units unless --units is given, in
which case it is scaled by the token's decimals.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		units, _ := cmd.Flags().GetBool("units")

		ctx := cmd.Context()
		a, err := newApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.connect(ctx); err != nil {
			return err
		}

		var value *big.Int
		if units {
			tok := a.session.Snapshot().Token
			if tok == nil {
				return fmt.Errorf("token metadata unavailable, pass the amount in base units")
			}
			value, err = amount.ParseUnits(args[0], tok.Decimals)
		} else {
			value, err = amount.Parse(args[0])
		}
		if err != nil {
			return err
		}

		res, err := a.flows.Deposit(ctx, value)
		printResult(cmd, res)
		return err
	},
}

func init() {
	rootCmd.AddCommand(depositCmd)
	depositCmd.Flags().Bool("units", false, "amount is in whole tokens, scaled by the token decimals")
}
