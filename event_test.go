package treasury

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEventEngine(t *testing.T) (*EventEngine, *Storage, *Fund) {
	t.Helper()
	dbFile := "test_event_" + newID() + ".db"
	storage, err := NewStorage(dbFile)
	require.NoError(t, err)
	t.Cleanup(func() {
		storage.Close()
		os.Remove(dbFile)
	})

	fund := mustFund(t, storage, "MIS", FundDesignated)
	authz := NewAuthz(storage)
	ledger := NewLedger(storage)
	audit := NewAudit(storage)

	require.NoError(t, storage.SaveAssignment(&FundDirectorAssignment{ID: newID(), PrincipalID: "fd1", FundID: fund.ID}))

	return NewEventEngine(storage, ledger, authz, audit), storage, fund
}

func TestEventFullLifecycle(t *testing.T) {
	engine, storage, fund := newTestEventEngine(t)
	director := &Principal{ID: "fd1", Role: RoleFundDirector, Active: true}
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: "church1", Active: true}

	ev, err := engine.Create(director, CreateEventParams{
		FundID: fund.ID, ChurchID: "church1", Name: "Congreso Juvenil", EventDate: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, EventDraft, ev.Status)

	t.Run("cannot submit with no line items", func(t *testing.T) {
		_, err := engine.Submit(director, ev.ID)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInvalidTransition))
	})

	require.NoError(t, engine.AddLineItem(director, ev.ID, &EventLineItem{
		Category: LineIncome, Description: "Inscripciones", BudgetAmount: 3000,
	}))
	require.NoError(t, engine.AddLineItem(director, ev.ID, &EventLineItem{
		Category: LineExpense, Description: "Refrigerios", BudgetAmount: 1200,
	}))

	t.Run("totals recompute on every line item mutation", func(t *testing.T) {
		updated, err := storage.GetEvent(ev.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3000), updated.Totals.BudgetIncome)
		assert.Equal(t, int64(1200), updated.Totals.BudgetExpense)
	})

	t.Run("submit then approve posts budget amounts to the ledger", func(t *testing.T) {
		submitted, err := engine.Submit(director, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, EventSubmitted, submitted.Status)

		approved, err := engine.Approve(treasurer, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, EventApproved, approved.Status)
		assert.Equal(t, treasurer.ID, approved.ApprovedBy)

		balance, err := NewLedger(storage).Balance(fund.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3000-1200), balance)
	})

	t.Run("cannot cancel once approved", func(t *testing.T) {
		_, err := engine.Cancel(director, ev.ID)
		require.Error(t, err)
		assert.True(t, IsKind(err, KindInvalidTransition))
	})
}

func TestEventRequestRevisionAndReject(t *testing.T) {
	engine, _, fund := newTestEventEngine(t)
	director := &Principal{ID: "fd1", Role: RoleFundDirector, Active: true}
	treasurer := &Principal{ID: "t1", Role: RoleTreasurer, ChurchScope: "church1", Active: true}

	ev, err := engine.Create(director, CreateEventParams{FundID: fund.ID, ChurchID: "church1", Name: "Retiro", EventDate: time.Now()})
	require.NoError(t, err)
	require.NoError(t, engine.AddLineItem(director, ev.ID, &EventLineItem{Category: LineIncome, Description: "Cuotas", BudgetAmount: 500}))
	_, err = engine.Submit(director, ev.ID)
	require.NoError(t, err)

	revised, err := engine.RequestRevision(treasurer, ev.ID, "ajustar presupuesto")
	require.NoError(t, err)
	assert.Equal(t, EventPendingRevision, revised.Status)

	_, err = engine.Submit(director, ev.ID)
	require.NoError(t, err)

	rejected, err := engine.Reject(treasurer, ev.ID, "fuera de presupuesto anual")
	require.NoError(t, err)
	assert.Equal(t, EventRejected, rejected.Status)
}

func TestEventOnlyCreatorMayEditWhileEditable(t *testing.T) {
	engine, storage, fund := newTestEventEngine(t)
	director := &Principal{ID: "fd1", Role: RoleFundDirector, Active: true}
	otherDirector := &Principal{ID: "fd2", Role: RoleFundDirector, Active: true}
	require.NoError(t, storage.SaveAssignment(&FundDirectorAssignment{ID: newID(), PrincipalID: otherDirector.ID, FundID: fund.ID}))

	ev, err := engine.Create(director, CreateEventParams{FundID: fund.ID, ChurchID: "church1", Name: "Vigilia", EventDate: time.Now()})
	require.NoError(t, err)

	err = engine.AddLineItem(otherDirector, ev.ID, &EventLineItem{Category: LineIncome, Description: "Ofrenda", BudgetAmount: 100})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindOutOfScope))
}

func TestEventCreateRejectsInactiveFund(t *testing.T) {
	engine, storage, _ := newTestEventEngine(t)
	inactive := &Fund{ID: newID(), Name: "Inactivo", Code: "ZZZ", Type: FundDesignated, Active: false}
	require.NoError(t, storage.SaveFund(inactive))
	require.NoError(t, storage.SaveAssignment(&FundDirectorAssignment{ID: newID(), PrincipalID: "fd1", FundID: inactive.ID}))

	director := &Principal{ID: "fd1", Role: RoleFundDirector, Active: true}
	_, err := engine.Create(director, CreateEventParams{FundID: inactive.ID, ChurchID: "church1", Name: "X", EventDate: time.Now()})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindInvalidTransition))
}
