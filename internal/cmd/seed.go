package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/scrapemeter/pkg/scrapemeter"
)

// demoTiers is the account mix created by seed
var demoTiers = []string{
	scrapemeter.TierFree,
	scrapemeter.TierStarter,
	scrapemeter.TierStarter,
	scrapemeter.TierProfessional,
	scrapemeter.TierEnterprise,
}

func newSeedCommand(opts *rootOptions) *cobra.Command {
	var (
		requests int
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo accounts in an empty ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				now, err := a.manager.Now(ctx)
				if err != nil {
					return err
				}
				snap, err := a.manager.ComputeSnapshot(ctx, now)
				if err != nil {
					return err
				}
				if snap.TotalUsers > 0 && !force {
					fmt.Fprintf(cmd.OutOrStdout(), "ledger already has %d accounts, nothing seeded\n", snap.TotalUsers)
					return nil
				}

				seeded, err := seed(ctx, a.manager, requests)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ACCOUNT\tTIER\tAPI KEY\tUSED")
				for _, d := range seeded {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", d.account.ID, d.account.Tier, d.apiKey, d.used)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&requests, "requests", 50, "requests to consume on each demo account")
	cmd.Flags().BoolVar(&force, "force", false, "seed even when the ledger has accounts")
	return cmd
}

type seededAccount struct {
	account *scrapemeter.Account
	apiKey  string
	used    int64
}

// seed signs up the demo accounts and spends requests on each of them
func seed(ctx context.Context, m *scrapemeter.Manager, requests int) ([]seededAccount, error) {
	out := make([]seededAccount, 0, len(demoTiers))
	for _, tier := range demoTiers {
		res, err := m.Signup(ctx, tier)
		if err != nil {
			return nil, fmt.Errorf("failed to seed %s account: %w", tier, err)
		}
		sa := seededAccount{account: res.Account, apiKey: res.APIKey}
		for i := 0; i < requests; i++ {
			d, err := m.CheckAndConsume(ctx, res.Account.ID)
			if errors.Is(err, scrapemeter.ErrQuotaExceeded) {
				break
			}
			if err != nil {
				return nil, err
			}
			sa.used = d.Used
		}
		out = append(out, sa)
	}
	return out, nil
}
