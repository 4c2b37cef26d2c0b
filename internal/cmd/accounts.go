package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// withApp opens the app, runs fn and closes the app
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newSignupCommand(opts *rootOptions) *cobra.Command {
	var tier string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and print its API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.manager.Signup(ctx, tier)
				if err != nil {
					return err
				}
				printSignup(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "tier to sign up on (default: the configured default tier)")
	return cmd
}

func newUpgradeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade <account-id> <tier>",
		Short: "Move an account to another tier",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				acct, err := a.manager.ChangeTier(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "account %s is now on tier %s (%d requests used)\n",
					acct.ID, acct.Tier, acct.RequestsUsed)
				return nil
			})
		},
	}
}

func newUsageCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <account-id>",
		Short: "Show the allowance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				d, err := a.manager.Status(ctx, args[0])
				if err != nil {
					return err
				}
				printDecision(cmd.OutOrStdout(), d)
				return nil
			})
		},
	}
}

func printSignup(w io.Writer, res *scrapemeter.SignupResult) {
	fmt.Fprintf(w, "account:   %s\n", res.Account.ID)
	fmt.Fprintf(w, "api key:   %s\n", res.APIKey)
	fmt.Fprintf(w, "tier:      %s\n", res.Tier)
	fmt.Fprintf(w, "allowance: %s\n", allowance(res.Allowance))
	fmt.Fprintf(w, "price:     %s/month\n", res.Price)
}

func printDecision(w io.Writer, d *scrapemeter.Decision) {
	fmt.Fprintf(w, "account:   %s\n", d.AccountID)
	fmt.Fprintf(w, "tier:      %s\n", d.Tier)
	fmt.Fprintf(w, "used:      %d of %s\n", d.Used, allowance(d.Limit))
	if d.Remaining != scrapemeter.Unlimited {
		fmt.Fprintf(w, "remaining: %d\n", d.Remaining)
	}
	if d.ResetAt != nil {
		fmt.Fprintf(w, "resets:    %s\n", d.ResetAt.UTC().Format(time.RFC3339))
	}
}

func allowance(n int64) string {
	if n == scrapemeter.Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d requests", n)
}
