package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/inaiurai/credits/internal/auth"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/repository"
)

var errDiscrepancies = errors.New("balance discrepancies found")

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the credit schema and River migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			if err := repository.Migrate(ctx, e.pool); err != nil {
				return fmt.Errorf("schema: %w", err)
			}
			migrator, err := rivermigrate.New(riverpgxv5.New(e.pool), nil)
			if err != nil {
				return fmt.Errorf("river migrator: %w", err)
			}
			res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
			if err != nil {
				return fmt.Errorf("river migrate: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied, %d river migration(s) run\n", len(res.Versions))
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Audit every workspace balance against its ledger",
		Long: `Replays each workspace's ledger and checks that the entries chain, that the
latest balance_after equals credit_balance and that the allocated and
purchased buckets add up. Exits non-zero when any discrepancy is found.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			report, err := e.ledger.Verify(ctx)
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}
}

func printReport(cmd *cobra.Command, report *ledger.VerifyReport) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "checked %d workspace(s)\n", report.Checked)
	for _, d := range report.Discrepancies {
		fmt.Fprintf(out, "  %s: balance %d, ledger %d: %s\n", d.WorkspaceID, d.Balance, d.LedgerBalance, d.Reason)
	}
	if len(report.Discrepancies) > 0 {
		return fmt.Errorf("%w: %d", errDiscrepancies, len(report.Discrepancies))
	}
	fmt.Fprintln(out, "all balances match their ledgers")
	return nil
}

func newAdjustCmd() *cobra.Command {
	var (
		workspace, admin, direction, reason, key string
		amount                                   int64
	)
	cmd := &cobra.Command{
		Use:   "adjust",
		Short: "Apply a manual credit adjustment to a workspace",
		Example: `  creditctl adjust --workspace 6f1c... --amount 500 --direction credit \
    --reason "support ticket 4411" --admin 0b7e... --key tkt-4411`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wsID, err := uuid.Parse(workspace)
			if err != nil {
				return fmt.Errorf("--workspace: %w", err)
			}
			adminID, err := uuid.Parse(admin)
			if err != nil {
				return fmt.Errorf("--admin: %w", err)
			}
			ctx := cmd.Context()
			e, err := connect(ctx)
			if err != nil {
				return err
			}
			defer e.pool.Close()

			res, err := e.ledger.AdjustCredits(ctx, ledger.AdjustInput{
				WorkspaceID:    wsID,
				Amount:         amount,
				Direction:      ledger.Direction(direction),
				Reason:         reason,
				AdminID:        adminID,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: entry %s, balance %d -> %d\n",
				res.Outcome, res.Entry.ID, res.Entry.BalanceBefore, res.Entry.BalanceAfter)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&workspace, "workspace", "", "workspace id")
	f.Int64Var(&amount, "amount", 0, "credits to add or remove (positive)")
	f.StringVar(&direction, "direction", string(ledger.DirectionCredit), "credit or debit")
	f.StringVar(&reason, "reason", "", "reason recorded on the ledger entry")
	f.StringVar(&admin, "admin", "", "id of the admin applying the adjustment")
	f.StringVar(&key, "key", "", "idempotency key; repeated runs with the same key apply once")
	for _, name := range []string{"workspace", "amount", "reason", "admin"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		secret, role, user, workspace, affiliate string
		ttl                                      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			p := auth.Principal{Role: role}
			var err error
			if p.UserID, err = uuid.Parse(user); err != nil {
				return fmt.Errorf("--user: %w", err)
			}
			if p.WorkspaceID, err = optionalUUID(workspace); err != nil {
				return fmt.Errorf("--workspace: %w", err)
			}
			if p.AffiliateID, err = optionalUUID(affiliate); err != nil {
				return fmt.Errorf("--affiliate: %w", err)
			}
			tok, err := auth.NewService([]byte(secret)).IssueToken(p, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "signing secret")
	f.StringVar(&role, "role", auth.RoleMember, "admin, member, service or affiliate")
	f.StringVar(&user, "user", "", "subject user id")
	f.StringVar(&workspace, "workspace", "", "workspace scope")
	f.StringVar(&affiliate, "affiliate", "", "affiliate scope")
	f.DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func optionalUUID(s string) (*uuid.UUID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
