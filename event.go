package treasury

import "time"

// EventEngine owns the draft/submit/approve lifecycle for a fund's
// budgeted activity, with line-item totals recomputed on every
// mutation. Approval posts the line items straight to the fund ledger
// rather than tracking a separate multi-level approval trail.
type EventEngine struct {
	storage *Storage
	ledger *Ledger
	authz *Authz
	audit *Audit
}

// NewEventEngine constructs an EventEngine.
func NewEventEngine(storage *Storage, ledger *Ledger, authz *Authz, audit *Audit) *EventEngine {
	return &EventEngine{storage: storage, ledger: ledger, authz: authz, audit: audit}
}

// CreateEventParams are the caller-supplied fields for a new event.
type CreateEventParams struct {
	FundID string
	ChurchID string
	Name string
	EventDate time.Time
}

// Create starts a new event budget in draft status.
func (e *EventEngine) Create(principal *Principal, p CreateEventParams) (*Event, error) {
	decision := e.authz.Authorize(principal, ActionEventCreate, Target{FundID: p.FundID, ChurchID: p.ChurchID})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	fund, err := e.storage.GetFund(p.FundID)
	if err != nil {
		return nil, err
	}
	if !fund.Active {
		return nil, errf(KindInvalidTransition, "fund is inactive")
	}

	now := timeNow()
	ev := &Event{
		ID: newID(),
		FundID: p.FundID,
		ChurchID: p.ChurchID,
		Name: p.Name,
		EventDate: p.EventDate,
		Status: EventDraft,
		CreatedBy: principal.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.storage.SaveEvent(ev); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionEventCreate), "event", ev.ID, nil)
	return ev, nil
}

// AddLineItem appends or replaces a budget/actual line item and
// recomputes the event's totals. Only permitted while the event is
// draft or pending_revision.
func (e *EventEngine) AddLineItem(principal *Principal, eventID string, item *EventLineItem) error {
	ev, err := e.storage.GetEvent(eventID)
	if err != nil {
		return err
	}
	decision := e.authz.Authorize(principal, ActionEventEdit, Target{FundID: ev.FundID, ChurchID: ev.ChurchID, CreatedBy: ev.CreatedBy, Status: string(ev.Status)})
	if !decision.Allowed() {
		return decision.Err()
	}
	if !editableStatus(string(ev.Status)) {
		return errf(KindInvalidTransition, "cannot edit event in status %s", ev.Status)
	}

	if item.ID == "" {
		item.ID = newID()
	}
	item.EventID = eventID
	if err := e.storage.SaveLineItem(item); err != nil {
		return err
	}
	return e.recomputeTotals(ev)
}

// RemoveLineItem deletes a line item and recomputes totals.
func (e *EventEngine) RemoveLineItem(principal *Principal, eventID, lineItemID string) error {
	ev, err := e.storage.GetEvent(eventID)
	if err != nil {
		return err
	}
	decision := e.authz.Authorize(principal, ActionEventEdit, Target{FundID: ev.FundID, ChurchID: ev.ChurchID, CreatedBy: ev.CreatedBy, Status: string(ev.Status)})
	if !decision.Allowed() {
		return decision.Err()
	}
	if !editableStatus(string(ev.Status)) {
		return errf(KindInvalidTransition, "cannot edit event in status %s", ev.Status)
	}
	if err := e.storage.DeleteLineItem(lineItemID, eventID); err != nil {
		return err
	}
	return e.recomputeTotals(ev)
}

func (e *EventEngine) recomputeTotals(ev *Event) error {
	items, err := e.storage.ListLineItems(ev.ID)
	if err != nil {
		return err
	}
	var totals EventTotals
	for _, it := range items {
		switch it.Category {
		case LineIncome:
			totals.BudgetIncome += it.BudgetAmount
			totals.ActualIncome += it.ActualAmount
		case LineExpense:
			totals.BudgetExpense += it.BudgetAmount
			totals.ActualExpense += it.ActualAmount
		}
	}
	ev.Totals = totals
	ev.UpdatedAt = timeNow()
	return e.storage.SaveEvent(ev)
}

// Submit moves a draft/pending_revision event to submitted.
func (e *EventEngine) Submit(principal *Principal, eventID string) (*Event, error) {
	ev, err := e.storage.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionEventSubmit, Target{FundID: ev.FundID, ChurchID: ev.ChurchID, CreatedBy: ev.CreatedBy, Status: string(ev.Status)})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if ev.Status != EventDraft && ev.Status != EventPendingRevision {
		return nil, errf(KindInvalidTransition, "cannot submit event in status %s", ev.Status)
	}
	if ev.Totals.BudgetIncome == 0 && ev.Totals.BudgetExpense == 0 {
		return nil, errf(KindInvalidTransition, "event has no budget line items")
	}

	now := timeNow()
	ev.Status = EventSubmitted
	ev.SubmittedAt = &now
	ev.UpdatedAt = now
	if err := e.storage.SaveEvent(ev); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionEventSubmit), "event", ev.ID, nil)
	return ev, nil
}

// Approve transitions a submitted event to approved and posts its
// budget-amount line items to the fund ledger.
func (e *EventEngine) Approve(principal *Principal, eventID string) (*Event, error) {
	ev, err := e.storage.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionEventApprove, Target{FundID: ev.FundID, ChurchID: ev.ChurchID})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if ev.Status != EventSubmitted {
		return nil, errf(KindInvalidTransition, "cannot approve event in status %s", ev.Status)
	}

	items, err := e.storage.ListLineItems(ev.ID)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.PostEventPackage(ev, items); err != nil {
		return nil, err
	}

	now := timeNow()
	ev.Status = EventApproved
	ev.ApprovedBy = principal.ID
	ev.ApprovedAt = &now
	ev.UpdatedAt = now
	if err := e.storage.SaveEvent(ev); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionEventApprove), "event", ev.ID, nil)
	_ = e.audit.notify(NotificationEventApproved, "", ev.CreatedBy, "Event approved", "Your event budget was approved.")
	return ev, nil
}

// RequestRevision sends a submitted event back to pending_revision with
// a reviewer comment.
func (e *EventEngine) RequestRevision(principal *Principal, eventID, comment string) (*Event, error) {
	ev, err := e.storage.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionEventReject, Target{FundID: ev.FundID, ChurchID: ev.ChurchID})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if ev.Status != EventSubmitted {
		return nil, errf(KindInvalidTransition, "cannot request revision on event in status %s", ev.Status)
	}
	ev.Status = EventPendingRevision
	ev.UpdatedAt = timeNow()
	if err := e.storage.SaveEvent(ev); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionEventReject), "event", ev.ID, map[string]any{"comment": comment})
	return ev, nil
}

// Reject transitions a submitted event to rejected, ending its
// lifecycle.
func (e *EventEngine) Reject(principal *Principal, eventID, reason string) (*Event, error) {
	ev, err := e.storage.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionEventReject, Target{FundID: ev.FundID, ChurchID: ev.ChurchID})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if ev.Status != EventSubmitted {
		return nil, errf(KindInvalidTransition, "cannot reject event in status %s", ev.Status)
	}
	ev.Status = EventRejected
	ev.UpdatedAt = timeNow()
	if err := e.storage.SaveEvent(ev); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionEventReject), "event", ev.ID, map[string]any{"reason": reason})
	return ev, nil
}

// Cancel withdraws a draft/pending_revision/submitted event before any
// ledger posting has occurred.
func (e *EventEngine) Cancel(principal *Principal, eventID string) (*Event, error) {
	ev, err := e.storage.GetEvent(eventID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionEventEdit, Target{FundID: ev.FundID, ChurchID: ev.ChurchID, CreatedBy: ev.CreatedBy, Status: string(ev.Status)})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if ev.Status == EventApproved || ev.Status == EventCancelled || ev.Status == EventRejected {
		return nil, errf(KindInvalidTransition, "cannot cancel event in status %s", ev.Status)
	}
	ev.Status = EventCancelled
	ev.UpdatedAt = timeNow()
	if err := e.storage.SaveEvent(ev); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionEventEdit), "event", ev.ID, map[string]any{"cancelled": true})
	return ev, nil
}
