package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kira210402/DepositNFT/internal/amount"
	"github.com/kira210402/DepositNFT/internal/session"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and print the session whenever it changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, opts)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.connect(ctx); err != nil {
			return err
		}
		watchSession(ctx, a.session, a.cfg.Chain.BalancePollInterval, cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func watchSession(ctx context.Context, mgr *session.Manager, every time.Duration, out io.Writer) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	last := ""
	for {
		if line := describe(mgr.Snapshot()); line != last {
			fmt.Fprintln(out, line)
			last = line
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func describe(s session.Snapshot) string {
	line := "status=" + s.Status.String()
	if s.Address != nil {
		line += " address=" + s.Address.Hex()
	}
	if s.ChainID != nil {
		line += " chain=" + s.ChainID.String()
	}
	if s.Token != nil && s.Balance != nil {
		line += fmt.Sprintf(" balance=%s %s", amount.Format(s.Balance, s.Token.Decimals), s.Token.Symbol)
	}
	if s.ReceiptToken != nil && s.NextTokenID != nil {
		line += fmt.Sprintf(" next%s=%s", s.ReceiptToken.Symbol, s.NextTokenID)
	}
	if s.NetworkError != "" {
		line += fmt.Sprintf(" networkError=%q", s.NetworkError)
	}
	if s.Error != "" {
		line += fmt.Sprintf(" error=%q", s.Error)
	}
	return line
}
