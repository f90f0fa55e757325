package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"mercator-hq/gatekeeper/pkg/cli"
	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/wallet"
	"mercator-hq/gatekeeper/pkg/wallet/reaper"
	walletstorage "mercator-hq/gatekeeper/pkg/wallet/storage"
)

type walletOptions struct {
	output      string
	reason      string
	reference   string
	adminUserID string
	limit       int
	offset      int
	olderThan   time.Duration
}

var walletFlags walletOptions

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Operate on wallets directly in storage",
	Long: `Operate on wallets in the configured wallet storage without going
through a running server. Useful with the sqlite and postgres backends;
the memory backend starts empty on every invocation.`,
}

var walletStateCmd = &cobra.Command{
	Use:   "state ORG",
	Short: "Show the wallet state of an organization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, ledger *wallet.Ledger, _ *config.Config) error {
			state, err := ledger.GetState(ctx, args[0])
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), stateView(state))
		})
	},
}

var walletCreditCmd = &cobra.Command{
	Use:   "credit ORG AMOUNT",
	Short: "Credit a wallet (amount in cents)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyTransaction(cmd, args, wallet.Credit)
	},
}

var walletDebitCmd = &cobra.Command{
	Use:   "debit ORG AMOUNT",
	Short: "Debit a wallet (amount in cents)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyTransaction(cmd, args, wallet.Debit)
	},
}

var walletResetCmd = &cobra.Command{
	Use:   "reset ORG",
	Short: "Debit the remaining balance of a wallet to zero",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if walletFlags.adminUserID == "" {
			return cli.NewUsageError("--admin", "admin user id is required for a reset")
		}
		return withLedger(cmd, func(ctx context.Context, ledger *wallet.Ledger, _ *config.Config) error {
			state, err := ledger.Reset(ctx, args[0], walletFlags.adminUserID)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), stateView(state))
		})
	},
}

var walletTransactionsCmd = &cobra.Command{
	Use:   "transactions ORG",
	Short: "List ledger transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, ledger *wallet.Ledger, _ *config.Config) error {
			txs, total, err := ledger.ListTransactions(ctx, args[0], wallet.Page{
				Limit:  walletFlags.limit,
				Offset: walletFlags.offset,
			})
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), transactionTable{Transactions: txs, Total: total})
		})
	},
}

var walletReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Release escrow holds older than the hold timeout",
	Long: `Release every open escrow hold older than --older-than (default: the
configured wallet.reaper.hold_timeout). Run this from an external
scheduler when the in-process reaper is disabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd, func(ctx context.Context, ledger *wallet.Ledger, cfg *config.Config) error {
			timeout := walletFlags.olderThan
			if timeout == 0 {
				timeout = cfg.Wallet.Reaper.HoldTimeout
			}

			r := reaper.New(wallet.NewEscrow(ledger, decimal.Zero), reaper.Config{HoldTimeout: timeout})
			released, err := r.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Released %d hold(s) older than %s\n", released, timeout)
			return nil
		})
	},
}

func init() {
	walletCmd.PersistentFlags().StringVarP(&walletFlags.output, "output", "o", "text", "output format: text, json, csv")

	for _, c := range []*cobra.Command{walletCreditCmd, walletDebitCmd} {
		c.Flags().StringVar(&walletFlags.reason, "reason", "", "transaction reason (required)")
		c.Flags().StringVar(&walletFlags.reference, "reference", "", "idempotency reference id (required)")
		c.Flags().StringVar(&walletFlags.adminUserID, "admin", "", "admin user id recorded on the transaction")
	}
	walletResetCmd.Flags().StringVar(&walletFlags.adminUserID, "admin", "", "admin user id recorded on the reset (required)")
	walletTransactionsCmd.Flags().IntVar(&walletFlags.limit, "limit", wallet.DefaultPageLimit, "maximum transactions to list")
	walletTransactionsCmd.Flags().IntVar(&walletFlags.offset, "offset", 0, "transactions to skip")
	walletReapCmd.Flags().DurationVar(&walletFlags.olderThan, "older-than", 0, "hold age to release (defaults to the configured hold timeout)")

	walletCmd.AddCommand(walletStateCmd, walletCreditCmd, walletDebitCmd, walletResetCmd, walletTransactionsCmd, walletReapCmd)
	rootCmd.AddCommand(walletCmd)
}

// withLedger opens the configured wallet store for the duration of fn.
func withLedger(cmd *cobra.Command, fn func(ctx context.Context, ledger *wallet.Ledger, cfg *config.Config) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := cli.ParseFormat(walletFlags.output); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := walletstorage.Open(ctx, cfg.Wallet.Storage)
	if err != nil {
		return cli.NewCommandError(cmd.Name(), err)
	}
	defer store.Close()

	if err := fn(ctx, wallet.NewLedger(store), cfg); err != nil {
		return cli.NewCommandError(cmd.Name(), err)
	}
	return nil
}

func applyTransaction(cmd *cobra.Command, args []string, typ wallet.TransactionType) error {
	amount, err := decimal.NewFromString(args[1])
	if err != nil {
		return cli.NewUsageError("AMOUNT", fmt.Sprintf("%q is not a decimal", args[1]))
	}

	return withLedger(cmd, func(ctx context.Context, ledger *wallet.Ledger, _ *config.Config) error {
		res, err := ledger.Apply(ctx, wallet.TransactionRequest{
			OrgID:       args[0],
			Amount:      amount,
			Type:        typ,
			Reason:      walletFlags.reason,
			ReferenceID: walletFlags.reference,
			AdminUserID: walletFlags.adminUserID,
		})
		if err != nil {
			return err
		}
		if res.Duplicate {
			fmt.Fprintf(cmd.ErrOrStderr(), "reference %q already applied; nothing changed\n", walletFlags.reference)
		}
		return render(cmd.OutOrStdout(), stateView(res.State))
	})
}

func render(w io.Writer, v any) error {
	format, err := cli.ParseFormat(walletFlags.output)
	if err != nil {
		return err
	}
	return cli.NewFormatter(format).FormatTo(w, v)
}

// stateView prints a wallet state as a summary in text mode.
type stateView wallet.State

func (s stateView) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "org:               %s\n", s.OrgID)
	fmt.Fprintf(&sb, "total credits:     %s\n", s.TotalCredits)
	fmt.Fprintf(&sb, "total debits:      %s\n", s.TotalDebits)
	fmt.Fprintf(&sb, "effective balance: %s\n", s.EffectiveBalance)
	fmt.Fprintf(&sb, "open holds:        %d", len(s.Escrows))
	for _, hold := range s.Escrows {
		fmt.Fprintf(&sb, "\n  %s  %s  request=%s  since %s", hold.ID, hold.Amount, hold.RequestID, hold.CreatedAt.Format(time.RFC3339))
	}
	if len(s.DisallowList) > 0 {
		fmt.Fprintf(&sb, "\ndisallowed:")
		for _, e := range s.DisallowList {
			fmt.Fprintf(&sb, "\n  %s/%s", e.Provider, e.Model)
		}
	}
	return sb.String()
}

func (s stateView) Header() []string {
	return []string{"org_id", "total_credits", "total_debits", "effective_balance", "open_holds"}
}

func (s stateView) Rows() [][]string {
	return [][]string{{
		s.OrgID,
		s.TotalCredits.String(),
		s.TotalDebits.String(),
		s.EffectiveBalance.String(),
		fmt.Sprint(len(s.Escrows)),
	}}
}

type transactionTable struct {
	Transactions []wallet.Transaction `json:"transactions"`
	Total        int                  `json:"total"`
}

func (t transactionTable) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d transaction(s)", len(t.Transactions), t.Total)
	for _, tx := range t.Transactions {
		fmt.Fprintf(&sb, "\n  %s  %-6s %12s  %s  ref=%s", tx.CreatedAt.Format(time.RFC3339), tx.Type, tx.Amount, tx.Reason, tx.ReferenceID)
	}
	return sb.String()
}

func (t transactionTable) Header() []string {
	return []string{"id", "created_at", "type", "amount", "reason", "reference_id", "admin_user_id"}
}

func (t transactionTable) Rows() [][]string {
	rows := make([][]string, 0, len(t.Transactions))
	for _, tx := range t.Transactions {
		rows = append(rows, []string{
			tx.ID,
			tx.CreatedAt.Format(time.RFC3339),
			string(tx.Type),
			tx.Amount.String(),
			tx.Reason,
			tx.ReferenceID,
			tx.AdminUserID,
		})
	}
	return rows
}
