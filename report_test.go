package treasury

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReportEngine(t *testing.T, strictDeposit bool) (*ReportEngine, *Storage, *Church) {
	t.Helper()
	dbFile := "test_report_" + newID() + ".db"
	storage, err := NewStorage(dbFile)
	require.NoError(t, err)
	t.Cleanup(func() {
		storage.Close()
		os.Remove(dbFile)
	})

	mustFund(t, storage, FundCodeGeneral, FundGeneral)
	mustFund(t, storage, FundCodeNational, FundRestricted)
	mustFund(t, storage, FundCodeMisiones, FundDesignated)
	mustFund(t, storage, FundCodeLazosDeAmor, FundDesignated)
	mustFund(t, storage, FundCodeMisionPosible, FundDesignated)
	mustFund(t, storage, FundCodeAPY, FundDesignated)
	mustFund(t, storage, FundCodeIBA, FundDesignated)
	mustFund(t, storage, FundCodeCaballeros, FundDesignated)

	church := &Church{ID: newID(), Name: "Central", Active: true, CreatedAt: timeNow()}
	require.NoError(t, storage.SaveChurch(church))

	authz := NewAuthz(storage)
	ledger := NewLedger(storage)
	audit := NewAudit(storage)
	return NewReportEngine(storage, ledger, authz, audit, strictDeposit), storage, church
}

func TestReportDerivedFieldFormulas(t *testing.T) {
	engine, _, church := newTestReportEngine(t, false)
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: church.ID, Active: true}

	r, err := engine.Create(treasurer, ReportInputs{
		ChurchID: church.ID, Month: 3, Year: 2026,
		Income: ReportIncome{Diezmos: 10050, Ofrendas: 2000},
		Designated: ReportDesignated{Misiones: 500},
		Expenses: ReportExpenses{Energia: 300, HonorariosPastoral: 1000},
	})
	require.NoError(t, err)

	// diezmos 10050 * 10% = 1005.0 exactly -> round_half_even not ambiguous here.
	assert.Equal(t, int64(1005), r.Derived.FondoNacional)
	assert.Equal(t, int64(1005+500), r.Derived.TotalFondoNacional)
	assert.Equal(t, int64(10050+2000+500), r.Derived.TotalEntradas)
	assert.Equal(t, int64(300), r.Derived.GastosOperativos)
	assert.Equal(t, int64(300+1000+1005+500), r.Derived.TotalSalidas)
	assert.Equal(t, r.Derived.TotalEntradas-r.Derived.TotalSalidas, r.Derived.SaldoMes)
	assert.Equal(t, 1, r.Derived.Version)
}

func TestRoundHalfEvenTieBreaks(t *testing.T) {
	// 25 * 10 / 100 = 2.5 exactly -> rounds to even (2).
	assert.Equal(t, int64(2), roundHalfEven(25, 10, 100))
	// 15 * 10 / 100 = 1.5 exactly -> rounds to even (2).
	assert.Equal(t, int64(2), roundHalfEven(15, 10, 100))
	// 14 * 10 / 100 = 1.4 -> rounds down.
	assert.Equal(t, int64(1), roundHalfEven(14, 10, 100))
	// 16 * 10 / 100 = 1.6 -> rounds up.
	assert.Equal(t, int64(2), roundHalfEven(16, 10, 100))
}

func TestReportUniquePeriodConflict(t *testing.T) {
	engine, _, church := newTestReportEngine(t, false)
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: church.ID, Active: true}

	in := ReportInputs{ChurchID: church.ID, Month: 1, Year: 2026, Income: ReportIncome{Diezmos: 1000}}
	first, err := engine.Create(treasurer, in)
	require.NoError(t, err)

	_, err = engine.Create(treasurer, in)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConflict))
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	existing, ok := apiErr.Details["existing"].(*Report)
	require.True(t, ok)
	assert.Equal(t, first.ID, existing.ID)
}

func TestReportDonorReconciliation(t *testing.T) {
	engine, storage, church := newTestReportEngine(t, false)
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: church.ID, Active: true}

	r, err := engine.Create(treasurer, ReportInputs{
		ChurchID: church.ID, Month: 2, Year: 2026, Income: ReportIncome{Diezmos: 1000},
	})
	require.NoError(t, err)

	_, err = engine.Submit(treasurer, r.ID, "t1")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDonorMismatch))

	require.NoError(t, engine.SetDonors(treasurer, r.ID, []*ReportDonor{
		{FirstName: "Ana", LastName: "Lopez", Amount: 600},
		{FirstName: "Luis", LastName: "Martinez", Amount: 399},
	}))

	// sum 999 vs diezmos 1000, gap of 1 is within tolerance.
	_, err = engine.Submit(treasurer, r.ID, "t1")
	require.NoError(t, err)

	donors, err := storage.ListDonors(r.ID)
	require.NoError(t, err)
	assert.Len(t, donors, 2)
}

func TestReportBankDepositStrictTolerance(t *testing.T) {
	engine, _, church := newTestReportEngine(t, true)
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: church.ID, Active: true}

	r, err := engine.Create(treasurer, ReportInputs{
		ChurchID: church.ID, Month: 4, Year: 2026,
		Income: ReportIncome{Diezmos: 5000},
		Deposit: ReportDeposit{Amount: 50},
	})
	require.NoError(t, err)
	require.NoError(t, engine.SetDonors(treasurer, r.ID, []*ReportDonor{
		{FirstName: "Ana", LastName: "Lopez", Amount: 5000},
	}))

	_, err = engine.Submit(treasurer, r.ID, "t1")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidEntry))
}

func TestReportFullLifecycle(t *testing.T) {
	engine, storage, church := newTestReportEngine(t, false)
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: church.ID, Active: true}
	nationalTreasurer := &Principal{ID: "nt1", Role: RoleNationalTreasurer, Active: true}
	admin := &Principal{ID: "a1", Role: RoleAdmin, Active: true}

	r, err := engine.Create(treasurer, ReportInputs{
		ChurchID: church.ID, Month: 5, Year: 2026,
		Income: ReportIncome{Diezmos: 5000},
	})
	require.NoError(t, err)
	assert.Equal(t, ReportDraft, r.Status)
	require.NoError(t, engine.SetDonors(treasurer, r.ID, []*ReportDonor{
		{FirstName: "Ana", LastName: "Lopez", Amount: 5000},
	}))

	_, err = engine.Submit(treasurer, r.ID, "t1")
	require.NoError(t, err)

	t.Run("request revision sends it back to the submitter", func(t *testing.T) {
		revised, err := engine.RequestRevision(nationalTreasurer, r.ID, "falta el deposito")
		require.NoError(t, err)
		assert.Equal(t, ReportPendingRevision, revised.Status)

		resubmitted, err := engine.Submit(treasurer, r.ID, "t1")
		require.NoError(t, err)
		assert.Equal(t, ReportSubmitted, resubmitted.Status)
	})

	t.Run("approve posts the ledger package", func(t *testing.T) {
		approved, err := engine.Approve(nationalTreasurer, r.ID)
		require.NoError(t, err)
		assert.Equal(t, ReportApproved, approved.Status)
		assert.True(t, approved.Processing.TransactionsPosted)

		general, err := storage.FindFundByCode(FundCodeGeneral)
		require.NoError(t, err)
		assert.NotZero(t, general.CurrentBalance)
	})

	t.Run("rollback reverses the posted package", func(t *testing.T) {
		rolledBack, err := engine.Rollback(admin, r.ID)
		require.NoError(t, err)
		assert.Equal(t, ReportPendingRevision, rolledBack.Status)
		assert.False(t, rolledBack.Processing.TransactionsPosted)

		general, err := storage.FindFundByCode(FundCodeGeneral)
		require.NoError(t, err)
		assert.Zero(t, general.CurrentBalance)
	})

	t.Run("non-admin cannot roll back", func(t *testing.T) {
		_, err := engine.Submit(treasurer, r.ID, "t1")
		require.NoError(t, err)
		_, err = engine.Approve(nationalTreasurer, r.ID)
		require.NoError(t, err)
		_, err = engine.Rollback(treasurer, r.ID)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindForbidden))
	})

	t.Run("admin delete reverses and removes", func(t *testing.T) {
		require.NoError(t, engine.Delete(admin, r.ID))
		_, err := storage.GetReport(r.ID)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindNotFound))
	})
}

func TestReportRejectTerminal(t *testing.T) {
	engine, _, church := newTestReportEngine(t, false)
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: church.ID, Active: true}
	nationalTreasurer := &Principal{ID: "nt1", Role: RoleNationalTreasurer, Active: true}

	r, err := engine.Create(treasurer, ReportInputs{ChurchID: church.ID, Month: 6, Year: 2026})
	require.NoError(t, err)
	_, err = engine.Submit(treasurer, r.ID, "t1")
	require.NoError(t, err)

	rejected, err := engine.Reject(nationalTreasurer, r.ID, "fuera de plazo")
	require.NoError(t, err)
	assert.Equal(t, ReportRejected, rejected.Status)

	_, err = engine.Submit(treasurer, r.ID, "t1")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTransition))
}
