package treasury

// Ledger is an append-only FundTransaction log with automatic per-fund
// balance maintenance, a non-negative-balance invariant, and atomic
// inter-fund transfers.

import (
	"time"

	"go.etcd.io/bbolt"
)

// Ledger provides the fund posting operations.
type Ledger struct {
	storage *Storage
}

// NewLedger constructs a Ledger over the given storage.
func NewLedger(storage *Storage) *Ledger {
	return &Ledger{storage: storage}
}

// PostEntryParams are the inputs to PostEntry.
type PostEntryParams struct {
	Date time.Time
	FundID string
	Concept string
	AmountIn int64
	AmountOut int64
	ChurchID string
	ReportID string
	EventID string
	ProviderID string
	CreatedBy string
	AllowOverdraw bool
}

// PostResult carries the outcome of a single-row post.
type PostResult struct {
	TransactionID string
	BalanceAfter int64
}

// PostEntry appends a single row to the fund ledger. The
// balance read, non-negative check, and write all happen inside one
// bbolt db.Update call, so there is no read-modify-write race window —
// bbolt's single-writer transaction model is the concrete form of spec
// §5's serializable scope. A bbolt writer-lock timeout is treated as a
// transient conflict and retried with bounded exponential backoff
// (retry.go) before surfacing ConcurrentUpdate.
func (l *Ledger) PostEntry(p PostEntryParams) (*PostResult, error) {
	if err := validateEntryAmounts(p.AmountIn, p.AmountOut); err != nil {
		return nil, err
	}

	var result PostResult
	err := withFundRetry(func() error {
		err := l.storage.db.Update(func(tx *bbolt.Tx) error {
			var f Fund
			if err := l.storage.getFundTx(tx, p.FundID, &f); err != nil {
				if IsKind(err, KindNotFound) {
					return errf(KindInvalidEntry, "fund %q not found", p.FundID)
				}
				return err
			}

			newBalance := f.CurrentBalance + p.AmountIn - p.AmountOut
			if newBalance < 0 && !p.AllowOverdraw {
				return newErr(KindInsufficientFunds, "fund balance would go negative", nil, map[string]any{
					"fund_id": p.FundID,
					"current_balance": f.CurrentBalance,
					"requested_out": p.AmountOut,
				})
			}

			id := newID()
			row := &FundTransaction{
				ID: id,
				Date: p.Date,
				FundID: p.FundID,
				ChurchID: p.ChurchID,
				ReportID: p.ReportID,
				EventID: p.EventID,
				ProviderID: p.ProviderID,
				Concept: p.Concept,
				AmountIn: p.AmountIn,
				AmountOut: p.AmountOut,
				BalanceAfter: newBalance,
				CreatedBy: p.CreatedBy,
				CreatedAt: timeNow(),
			}
			if err := l.storage.putFundTxTx(tx, row); err != nil {
				return err
			}

			f.CurrentBalance = newBalance
			if err := l.storage.saveFundTx(tx, &f); err != nil {
				return err
			}

			result = PostResult{TransactionID: id, BalanceAfter: newBalance}
			return nil
		})
		if err == bbolt.ErrTimeout {
			return &retryableError{err}
		}
		return err
	})
	if err != nil {
		return nil, classifyBboltErr(err)
	}
	return &result, nil
}

// TransferResult carries the outcome of an inter-fund transfer.
type TransferResult struct {
	OutTransactionID string
	InTransactionID string
}

// PostTransfer writes two linked rows — a debit from source and a
// credit to dest — in one atomic unit. Transfers never allow
// overdraw.
func (l *Ledger) PostTransfer(date time.Time, sourceFundID, destFundID string, amount int64, concept, createdBy string) (*TransferResult, error) {
	return l.postTransfer(date, sourceFundID, destFundID, amount, concept, createdBy, "", "")
}

// postTransfer is PostTransfer with churchID and reportID stamped on both
// rows, so the transfers of a report package are found by ReversePackage.
func (l *Ledger) postTransfer(date time.Time, sourceFundID, destFundID string, amount int64, concept, createdBy, churchID, reportID string) (*TransferResult, error) {
	if amount <= 0 {
		return nil, errf(KindInvalidEntry, "transfer amount must be positive")
	}
	if sourceFundID == destFundID {
		return nil, errf(KindInvalidEntry, "source and destination fund must differ")
	}

	var result TransferResult
	err := withFundRetry(func() error {
		err := l.storage.db.Update(func(tx *bbolt.Tx) error {
			var src, dst Fund
			if err := l.storage.getFundTx(tx, sourceFundID, &src); err != nil {
				return errf(KindInvalidEntry, "source fund %q not found", sourceFundID)
			}
			if err := l.storage.getFundTx(tx, destFundID, &dst); err != nil {
				return errf(KindInvalidEntry, "destination fund %q not found", destFundID)
			}

			newSrcBalance := src.CurrentBalance - amount
			if newSrcBalance < 0 {
				return newErr(KindInsufficientFunds, "source fund balance would go negative", nil, map[string]any{
					"fund_id": sourceFundID,
					"current_balance": src.CurrentBalance,
					"requested_out": amount,
				})
			}
			newDstBalance := dst.CurrentBalance + amount

			related := newID()
			now := timeNow()

			outRow := &FundTransaction{
				ID: newID(), Date: date, FundID: sourceFundID, ChurchID: churchID, ReportID: reportID, Concept: concept,
				AmountOut: amount, BalanceAfter: newSrcBalance,
				RelatedTransactionID: related, CreatedBy: createdBy, CreatedAt: now,
			}
			inRow := &FundTransaction{
				ID: newID(), Date: date, FundID: destFundID, ChurchID: churchID, ReportID: reportID, Concept: concept,
				AmountIn: amount, BalanceAfter: newDstBalance,
				RelatedTransactionID: related, CreatedBy: createdBy, CreatedAt: now,
			}

			if err := l.storage.putFundTxTx(tx, outRow); err != nil {
				return err
			}
			if err := l.storage.putFundTxTx(tx, inRow); err != nil {
				return err
			}

			src.CurrentBalance = newSrcBalance
			dst.CurrentBalance = newDstBalance
			if err := l.storage.saveFundTx(tx, &src); err != nil {
				return err
			}
			if err := l.storage.saveFundTx(tx, &dst); err != nil {
				return err
			}

			result = TransferResult{OutTransactionID: outRow.ID, InTransactionID: inRow.ID}
			return nil
		})
		if err == bbolt.ErrTimeout {
			return &retryableError{err}
		}
		return err
	})
	if err != nil {
		return nil, classifyBboltErr(err)
	}
	return &result, nil
}

// Balance returns the fund's current cached balance.
func (l *Ledger) Balance(fundID string) (int64, error) {
	f, err := l.storage.GetFund(fundID)
	if err != nil {
		return 0, classifyBboltErr(err)
	}
	return f.CurrentBalance, nil
}

// LedgerSliceParams bound a ledger read.
type LedgerSliceParams struct {
	FundID string
	From *time.Time
	To *time.Time
	Limit int
	Offset int
}

// LedgerSlice returns a page of a fund's transactions ordered by
// (date asc, created_at asc, id asc).
func (l *Ledger) LedgerSlice(p LedgerSliceParams) ([]*FundTransaction, error) {
	rows, err := l.storage.LedgerSlice(p.FundID, p.From, p.To, p.Limit, p.Offset)
	if err != nil {
		return nil, classifyBboltErr(err)
	}
	return rows, nil
}

// PostReportPackage is idempotent: on first invocation for a report it
// atomically posts every row in the deposit package; once the caller has
// set transactions_posted on the report, re-invocation is a no-op.
func (l *Ledger) PostReportPackage(r *Report, principal *Principal) error {
	if r.Processing.TransactionsPosted {
		return nil
	}

	date := timeNow()
	if r.Deposit.Date != nil {
		date = *r.Deposit.Date
	}

	generalFund, err := l.storage.FindFundByCode(FundCodeGeneral)
	if err != nil {
		return classifyBboltErr(err)
	}
	nationalFund, err := l.storage.FindFundByCode(FundCodeNational)
	if err != nil {
		return classifyBboltErr(err)
	}

	// 1. +total_entradas into the church's Fondo General.
	if _, err := l.PostEntry(PostEntryParams{
		Date: date, FundID: generalFund.ID, ChurchID: r.ChurchID, ReportID: r.ID,
		Concept: "Ingresos del mes", AmountIn: r.Derived.TotalEntradas,
		CreatedBy: systemActor, AllowOverdraw: true,
	}); err != nil {
		return err
	}

	// 2. -fondo_nacional out of Fondo General / +fondo_nacional into Fondo Nacional.
	if r.Derived.FondoNacional > 0 {
		if _, err := l.postTransfer(date, generalFund.ID, nationalFund.ID, r.Derived.FondoNacional,
		"Fondo nacional (10% diezmos)", systemActor, r.ChurchID, r.ID); err != nil {
			return err
		}
	}

	// 3. For each designated[k] > 0: linked pair out of Fondo General into the designated fund.
	for code, amount := range r.Designated.byFundCode() {
		if amount <= 0 {
			continue
		}
		designatedFund, err := l.storage.FindFundByCode(code)
		if err != nil {
			return classifyBboltErr(err)
		}
		if _, err := l.postTransfer(date, generalFund.ID, designatedFund.ID, amount,
		"Ofrenda designada", systemActor, r.ChurchID, r.ID); err != nil {
			return err
		}
	}

	// 4. -honorarios_pastoral and -gastos_operativos out of Fondo General.
	if r.Expenses.HonorariosPastoral > 0 {
		if _, err := l.PostEntry(PostEntryParams{
			Date: date, FundID: generalFund.ID, ChurchID: r.ChurchID, ReportID: r.ID,
			Concept: "Honorarios pastorales", AmountOut: r.Expenses.HonorariosPastoral,
			CreatedBy: systemActor,
		}); err != nil {
			return err
		}
	}
	if r.Derived.GastosOperativos > 0 {
		if _, err := l.PostEntry(PostEntryParams{
			Date: date, FundID: generalFund.ID, ChurchID: r.ChurchID, ReportID: r.ID,
			Concept: "Gastos operativos", AmountOut: r.Derived.GastosOperativos,
			CreatedBy: systemActor,
		}); err != nil {
			return err
		}
	}

	return nil
}

// ReversePackage deletes every system-created row carrying report_id ==
// reportID and restores each affected fund's balance. Used
// when an approved report moves back to pending_revision, or on edit
// before re-approval.
//
// This assumes no other posting has touched the same funds between the
// original approval and the reversal, which holds for the normal
// approve -> pending_revision -> re-approve cycle; it is not a general
// point-in-time ledger rewind.
func (l *Ledger) ReversePackage(reportID string) error {
	rows, err := l.storage.transactionsByOrigin(reportID, "")
	if err != nil {
		return classifyBboltErr(err)
	}
	if len(rows) == 0 {
		return nil
	}

	return l.storage.db.Update(func(tx *bbolt.Tx) error {
		netByFund := map[string]int64{}
		for _, row := range rows {
			netByFund[row.FundID] += row.AmountIn - row.AmountOut
			if err := tx.Bucket(bucketFundTx).Delete([]byte(row.ID)); err != nil {
				return err
			}
			orderKey := fundTxOrderKey(row.FundID, row.Date, row.CreatedAt, row.ID)
			if err := tx.Bucket(bucketFundTxByFund).Delete(orderKey); err != nil {
				return err
			}
		}
		for fundID, net := range netByFund {
			var f Fund
			if err := l.storage.getFundTx(tx, fundID, &f); err != nil {
				return err
			}
			f.CurrentBalance -= net
			if err := l.storage.saveFundTx(tx, &f); err != nil {
				return err
			}
		}
		return nil
	})
}

// PostEventPackage posts the budget line items of an approved event:
// income lines post positive entries, expense lines post negative
// entries, all against the event's fund.
func (l *Ledger) PostEventPackage(e *Event, items []*EventLineItem) error {
	date := timeNow()
	for _, item := range items {
		switch item.Category {
		case LineIncome:
			if item.BudgetAmount <= 0 {
				continue
			}
			if _, err := l.PostEntry(PostEntryParams{
				Date: date, FundID: e.FundID, ChurchID: e.ChurchID, EventID: e.ID,
				Concept: item.Description, AmountIn: item.BudgetAmount, CreatedBy: systemActor,
			}); err != nil {
				return err
			}
		case LineExpense:
			if item.BudgetAmount <= 0 {
				continue
			}
			if _, err := l.PostEntry(PostEntryParams{
				Date: date, FundID: e.FundID, ChurchID: e.ChurchID, EventID: e.ID,
				Concept: item.Description, AmountOut: item.BudgetAmount, CreatedBy: systemActor,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateEntryAmounts(amountIn, amountOut int64) error {
	if amountIn < 0 || amountOut < 0 {
		return errf(KindInvalidEntry, "amounts must be non-negative")
	}
	if amountIn > 0 && amountOut > 0 {
		return errf(KindInvalidEntry, "exactly one of amount_in/amount_out must be positive")
	}
	if amountIn == 0 && amountOut == 0 {
		return errf(KindInvalidEntry, "at least one of amount_in/amount_out must be positive")
	}
	return nil
}

// classifyBboltErr maps a bbolt writer-lock timeout to KindConcurrentUpdate
// and passes *Error values through unchanged.
func classifyBboltErr(err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	if err == bbolt.ErrTimeout {
		return wrapErr(KindConcurrentUpdate, err, "timed out acquiring fund lock")
	}
	return wrapErr(KindPersistenceError, err, "ledger post failed")
}
