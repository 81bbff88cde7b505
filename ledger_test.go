package treasury

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *Storage) {
	t.Helper()
	dbFile := "test_ledger_" + newID() + ".db"
	storage, err := NewStorage(dbFile)
	require.NoError(t, err)
	t.Cleanup(func() {
		storage.Close()
		os.Remove(dbFile)
	})
	return NewLedger(storage), storage
}

func mustFund(t *testing.T, storage *Storage, code string, fundType FundType) *Fund {
	t.Helper()
	f := &Fund{ID: newID(), Name: code, Code: code, Type: fundType, Active: true}
	require.NoError(t, storage.SaveFund(f))
	return f
}

func TestLedgerPostEntry(t *testing.T) {
	ledger, storage := newTestLedger(t)
	general := mustFund(t, storage, "FG", FundGeneral)

	t.Run("posts income and updates balance", func(t *testing.T) {
		result, err := ledger.PostEntry(PostEntryParams{
			Date: time.Now(), FundID: general.ID, Concept: "Ingresos", AmountIn: 10000, CreatedBy: "u1",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.TransactionID)
		assert.Equal(t, int64(10000), result.BalanceAfter)

		balance, err := ledger.Balance(general.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), balance)
	})

	t.Run("blocks overdraw", func(t *testing.T) {
		_, err := ledger.PostEntry(PostEntryParams{
			Date: time.Now(), FundID: general.ID, Concept: "Gasto excesivo", AmountOut: 999999, CreatedBy: "u1",
		})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInsufficientFunds))
	})

	t.Run("allows overdraw when flagged", func(t *testing.T) {
		restricted := mustFund(t, storage, "ZZ", FundRestricted)
		_, err := ledger.PostEntry(PostEntryParams{
			Date: time.Now(), FundID: restricted.ID, Concept: "Adelanto", AmountOut: 500,
			CreatedBy: systemActor, AllowOverdraw: true,
		})
		require.NoError(t, err)
		balance, err := ledger.Balance(restricted.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(-500), balance)
	})

	t.Run("rejects malformed amounts", func(t *testing.T) {
		_, err := ledger.PostEntry(PostEntryParams{FundID: general.ID, AmountIn: 10, AmountOut: 10})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInvalidEntry))

		_, err = ledger.PostEntry(PostEntryParams{FundID: general.ID})
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInvalidEntry))
	})
}

func TestLedgerPostTransfer(t *testing.T) {
	ledger, storage := newTestLedger(t)
	general := mustFund(t, storage, "FG", FundGeneral)
	national := mustFund(t, storage, "FN", FundRestricted)

	_, err := ledger.PostEntry(PostEntryParams{
		Date: time.Now(), FundID: general.ID, Concept: "Ingresos", AmountIn: 5000, CreatedBy: "u1",
	})
	require.NoError(t, err)

	t.Run("moves a linked pair between funds", func(t *testing.T) {
		result, err := ledger.PostTransfer(time.Now(), general.ID, national.ID, 500, "Fondo nacional", "u1")
		require.NoError(t, err)
		assert.NotEmpty(t, result.OutTransactionID)
		assert.NotEmpty(t, result.InTransactionID)

		generalBalance, err := ledger.Balance(general.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4500), generalBalance)

		nationalBalance, err := ledger.Balance(national.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(500), nationalBalance)

		outTx, err := storage.GetFundTransaction(result.OutTransactionID)
		require.NoError(t, err)
		inTx, err := storage.GetFundTransaction(result.InTransactionID)
		require.NoError(t, err)
		assert.Equal(t, outTx.RelatedTransactionID, inTx.RelatedTransactionID)
	})

	t.Run("blocks a transfer that would overdraw the source", func(t *testing.T) {
		_, err := ledger.PostTransfer(time.Now(), general.ID, national.ID, 999999, "Demasiado", "u1")
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInsufficientFunds))
	})

	t.Run("rejects a transfer to itself", func(t *testing.T) {
		_, err := ledger.PostTransfer(time.Now(), general.ID, general.ID, 10, "Self", "u1")
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInvalidEntry))
	})
}

func TestLedgerSlice(t *testing.T) {
	ledger, storage := newTestLedger(t)
	general := mustFund(t, storage, "FG", FundGeneral)

	for i := 0; i < 5; i++ {
		_, err := ledger.PostEntry(PostEntryParams{
			Date: time.Now(), FundID: general.ID, Concept: "Entrada", AmountIn: 100, CreatedBy: "u1",
		})
		require.NoError(t, err)
	}

	rows, err := ledger.LedgerSlice(LedgerSliceParams{FundID: general.ID, Limit: 3})
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = ledger.LedgerSlice(LedgerSliceParams{FundID: general.ID, Limit: 3, Offset: 3})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestLedgerPostReportPackageIsIdempotent(t *testing.T) {
	ledger, storage := newTestLedger(t)
	mustFund(t, storage, FundCodeGeneral, FundGeneral)
	mustFund(t, storage, FundCodeNational, FundRestricted)
	mustFund(t, storage, FundCodeMisiones, FundDesignated)

	r := &Report{
		ID: newID(),
		ChurchID: newID(),
		Income: ReportIncome{Diezmos: 10000, Ofrendas: 2000},
		Designated: ReportDesignated{
			Misiones: 500,
		},
		Expenses: ReportExpenses{HonorariosPastoral: 1000, Energia: 300},
	}
	r.Derived = computeDerived(r)

	require.NoError(t, ledger.PostReportPackage(r, nil))
	r.Processing.TransactionsPosted = true

	general, err := storage.FindFundByCode(FundCodeGeneral)
	require.NoError(t, err)
	balanceAfterFirst := general.CurrentBalance

	require.NoError(t, ledger.PostReportPackage(r, nil))
	general, err = storage.FindFundByCode(FundCodeGeneral)
	require.NoError(t, err)
	assert.Equal(t, balanceAfterFirst, general.CurrentBalance, "re-invocation must be a no-op")
}

func TestLedgerReversePackage(t *testing.T) {
	ledger, storage := newTestLedger(t)
	mustFund(t, storage, FundCodeGeneral, FundGeneral)
	mustFund(t, storage, FundCodeNational, FundRestricted)

	r := &Report{
		ID: newID(),
		ChurchID: newID(),
		Income: ReportIncome{Diezmos: 10000},
	}
	r.Derived = computeDerived(r)
	require.NoError(t, ledger.PostReportPackage(r, nil))

	general, err := storage.FindFundByCode(FundCodeGeneral)
	require.NoError(t, err)
	assert.NotZero(t, general.CurrentBalance)

	require.NoError(t, ledger.ReversePackage(r.ID))

	general, err = storage.FindFundByCode(FundCodeGeneral)
	require.NoError(t, err)
	assert.Zero(t, general.CurrentBalance)

	national, err := storage.FindFundByCode(FundCodeNational)
	require.NoError(t, err)
	assert.Zero(t, national.CurrentBalance)
}

func TestLedgerPostEventPackage(t *testing.T) {
	ledger, storage := newTestLedger(t)
	fund := mustFund(t, storage, "MIS", FundDesignated)

	ev := &Event{ID: newID(), FundID: fund.ID, ChurchID: newID()}
	items := []*EventLineItem{
		{ID: newID(), EventID: ev.ID, Category: LineIncome, Description: "Donaciones", BudgetAmount: 2000, ActualAmount: 1900},
		{ID: newID(), EventID: ev.ID, Category: LineExpense, Description: "Alquiler de local", BudgetAmount: 800, ActualAmount: 800},
	}

	require.NoError(t, ledger.PostEventPackage(ev, items))

	balance, err := ledger.Balance(fund.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), balance)
}
