package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/inaiurai/credits/internal/metrics"
)

// Discrepancy is one workspace whose stored balance disagrees with its ledger.
type Discrepancy struct {
	WorkspaceID   uuid.UUID `json:"workspace_id"`
	Balance       int64     `json:"balance"`
	LedgerBalance int64     `json:"ledger_balance"`
	Reason        string    `json:"reason"`
}

type VerifyReport struct {
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Verify replays every workspace's ledger and compares it with the balance row.
// Each workspace is checked under its row lock so in-flight applies are not reported.
func (s *service) Verify(ctx context.Context) (*VerifyReport, error) {
	ids, err := s.workspaces.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	report := &VerifyReport{}
	for _, id := range ids {
		d, err := s.verifyOne(ctx, id)
		if err != nil {
			return nil, err
		}
		report.Checked++
		if d != nil {
			report.Discrepancies = append(report.Discrepancies, *d)
			s.log.Error("ledger discrepancy", "workspace_id", d.WorkspaceID, "balance", d.Balance,
				"ledger_balance", d.LedgerBalance, "reason", d.Reason)
		}
	}
	metrics.VerifyDiscrepancies.Set(float64(len(report.Discrepancies)))
	s.log.Info("ledger verified", "checked", report.Checked, "discrepancies", len(report.Discrepancies))
	return report, nil
}

func (s *service) verifyOne(ctx context.Context, id uuid.UUID) (*Discrepancy, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ws, err := s.workspaces.GetByIDForUpdate(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("lock workspace %s: %w", id, err)
	}
	entries, err := s.entries.ListChronological(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list ledger %s: %w", id, err)
	}

	var running int64
	reason := ""
	for _, e := range entries {
		if e.BalanceBefore != running || e.BalanceAfter != e.BalanceBefore+e.Amount {
			reason = fmt.Sprintf("broken chain at entry %s", e.ID)
			break
		}
		running = e.BalanceAfter
	}
	switch {
	case reason != "":
	case running != ws.CreditBalance:
		reason = "balance differs from latest entry"
	case ws.AllocatedCredits < 0 || ws.PurchasedCredits < 0 || ws.AllocatedCredits+ws.PurchasedCredits != ws.CreditBalance:
		reason = "bucket sum differs from balance"
	case ws.CreditBalance < 0 || ws.CreditBalance > s.maxCredits:
		reason = "balance out of range"
	}
	if reason == "" {
		return nil, nil
	}
	return &Discrepancy{WorkspaceID: id, Balance: ws.CreditBalance, LedgerBalance: running, Reason: reason}, nil
}
