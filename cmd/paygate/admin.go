package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/paygate/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var outputFormat string

func init() {
	for _, c := range []*cobra.Command{statsCmd, unclaimedCmd, claimCmd} {
		c.Flags().StringVar(&outputFormat, "format", "text", "output format: text or json")
	}
	claimCmd.Flags().BoolVar(&claimForce, "force", false, "claim every unclaimed voucher, not only those near channel expiry")
}

// adminClient returns an Admin authenticated with PAYGATE_TOKEN, or by
// exchanging PAYGATE_ADMIN_SECRET for a token.
func adminClient(ctx context.Context) (*client.Admin, error) {
	admin := client.NewAdmin(gatewayURL)
	if tok := viper.GetString("token"); tok != "" {
		admin.SetToken(tok, time.Time{})
		return admin, nil
	}
	secret := viper.GetString("admin_secret")
	if secret == "" {
		return nil, errors.New("set PAYGATE_TOKEN or PAYGATE_ADMIN_SECRET")
	}
	if err := admin.Login(ctx, secret); err != nil {
		return nil, err
	}
	return admin, nil
}

// display renders a decimal smallest-unit amount in tokens.
func display(amount string) string {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return amount
	}
	return client.FormatAmount(n, decimals)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange PAYGATE_ADMIN_SECRET for an admin token",
	Long: `token prints a bearer token for the admin API. Export it as PAYGATE_TOKEN
to avoid sending the secret on every command.

  export PAYGATE_TOKEN=$(PAYGATE_ADMIN_SECRET=... paygate token)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("admin_secret")
		if secret == "" {
			return errors.New("PAYGATE_ADMIN_SECRET is not set")
		}
		admin := client.NewAdmin(gatewayURL)
		if err := admin.Login(context.Background(), secret); err != nil {
			return err
		}
		tok, exp := admin.Token()
		fmt.Println(tok)
		fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show channel count, unclaimed vouchers and total earned",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		admin, err := adminClient(ctx)
		if err != nil {
			return err
		}
		st, err := admin.Stats(ctx)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(st)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Channels:\t%d\n", st.ChannelCount)
		fmt.Fprintf(w, "Unclaimed:\t%d\n", st.UnclaimedCount)
		fmt.Fprintf(w, "Total earned:\t%s\n", display(st.TotalEarned))
		return w.Flush()
	},
}

// ── unclaimed ────────────────────────────────────────────────────────────────

var unclaimedCmd = &cobra.Command{
	Use:   "unclaimed",
	Short: "List vouchers not yet claimed on-chain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		admin, err := adminClient(ctx)
		if err != nil {
			return err
		}
		list, err := admin.Unclaimed(ctx)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(list)
		}
		if list.Count == 0 {
			fmt.Println("no unclaimed vouchers")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tAMOUNT\tNONCE\tEXPIRES\tPENDING TX")
		for _, v := range list.Vouchers {
			pending := v.PendingTxHash
			if pending == "" {
				pending = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				v.ChannelID, display(v.Amount), v.Nonce,
				v.ChannelExpiry.Format(time.RFC3339), pending)
		}
		return w.Flush()
	},
}

// ── claim ────────────────────────────────────────────────────────────────────

var claimForce bool

var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Run a claim pass now",
	Long: `claim asks the gateway to settle unclaimed vouchers on-chain. Without
--force only vouchers whose channel expires within the auto-claim buffer are
claimed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		admin, err := adminClient(ctx)
		if err != nil {
			return err
		}
		report, err := admin.TriggerClaims(ctx, claimForce)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(report)
		}
		fmt.Printf("run %s: %d candidate(s), %d claimed, %d failed, %d skipped\n",
			report.ID, report.Candidates, report.Claimed, report.Failed, report.Skipped)
		if len(report.Results) == 0 {
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tAMOUNT\tOUTCOME\tTX / ERROR")
		for _, r := range report.Results {
			detail := r.TxHash
			if r.Error != "" {
				detail = r.Error
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ChannelID, display(r.Amount), r.Outcome, detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if report.Failed > 0 {
			return fmt.Errorf("%d claim(s) failed", report.Failed)
		}
		return nil
	},
}
