package treasury

// ReportEngine owns the monthly report lifecycle: derived-field
// computation, donor reconciliation, and the ledger package composed on
// approval.
type ReportEngine struct {
	storage *Storage
	ledger *Ledger
	authz *Authz
	audit *Audit
	strictDeposit bool
}

// NewReportEngine constructs a ReportEngine.
func NewReportEngine(storage *Storage, ledger *Ledger, authz *Authz, audit *Audit, strictDeposit bool) *ReportEngine {
	return &ReportEngine{storage: storage, ledger: ledger, authz: authz, audit: audit, strictDeposit: strictDeposit}
}

// ReportInputs are the client-writable fields of a report. Derived
// fields are never accepted here.
type ReportInputs struct {
	ChurchID string
	Month int
	Year int
	Income ReportIncome
	Designated ReportDesignated
	Expenses ReportExpenses
	Deposit ReportDeposit
	Attendance ReportAttendance
	Observations string
}

// Create starts a new draft report for a (church, month, year) period.
// The unique constraint is enforced by storage's secondary index; on
// conflict the existing report id is returned so the caller can offer
// edit instead of failing outright.
func (e *ReportEngine) Create(principal *Principal, in ReportInputs) (*Report, error) {
	decision := e.authz.Authorize(principal, ActionReportCreate, Target{ChurchID: in.ChurchID})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if in.Month < 1 || in.Month > 12 {
		return nil, errf(KindDomainRangeError, "month %d out of range", in.Month)
	}
	if existing, err := e.storage.FindReportByPeriod(in.ChurchID, in.Month, in.Year); err == nil {
		return nil, newErr(KindConflict, "a report already exists for this period", nil, map[string]any{"existing": existing})
	} else if !IsKind(err, KindNotFound) {
		return nil, err
	}

	now := timeNow()
	r := &Report{
		ID: newID(),
		ChurchID: in.ChurchID,
		Month: in.Month,
		Year: in.Year,
		Status: ReportDraft,
		Income: in.Income,
		Designated: in.Designated,
		Expenses: in.Expenses,
		Deposit: in.Deposit,
		Attendance: in.Attendance,
		Observations: in.Observations,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.Derived = computeDerived(r)
	if err := e.storage.SaveReport(r); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionReportCreate), "report", r.ID, nil)
	return r, nil
}

// computeDerived recomputes all derived fields from the trusted input
// sections and bumps Version.
func computeDerived(r *Report) ReportDerived {
	fondoNacional := roundHalfEven(r.Income.Diezmos, 10, 100)
	designatedSum := r.Designated.Sum()
	totalEntradas := r.Income.Sum() + designatedSum
	gastosOperativos := r.Expenses.OperatingTotal()
	totalSalidas := gastosOperativos + r.Expenses.HonorariosPastoral + fondoNacional + designatedSum

	return ReportDerived{
		FondoNacional: fondoNacional,
		TotalFondoNacional: fondoNacional + designatedSum,
		TotalEntradas: totalEntradas,
		GastosOperativos: gastosOperativos,
		TotalSalidas: totalSalidas,
		SaldoMes: totalEntradas - totalSalidas,
		Version: r.Derived.Version + 1,
	}
}

// Update replaces the editable input sections of a draft/pending_revision
// report and recomputes derived fields.
func (e *ReportEngine) Update(principal *Principal, reportID string, in ReportInputs) (*Report, error) {
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionReportEdit, Target{ChurchID: r.ChurchID, Status: string(r.Status)})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if !editableStatus(string(r.Status)) {
		return nil, errf(KindInvalidTransition, "cannot edit report in status %s", r.Status)
	}

	r.Income = in.Income
	r.Designated = in.Designated
	r.Expenses = in.Expenses
	r.Deposit = in.Deposit
	r.Attendance = in.Attendance
	r.Observations = in.Observations
	r.Derived = computeDerived(r)
	r.UpdatedAt = timeNow()
	if err := e.storage.SaveReport(r); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionReportEdit), "report", r.ID, nil)
	return r, nil
}

// SetDonors replaces the donor list wholesale for a report. It does not
// check the donors against diezmos; Submit does that reconciliation.
func (e *ReportEngine) SetDonors(principal *Principal, reportID string, donors []*ReportDonor) error {
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return err
	}
	decision := e.authz.Authorize(principal, ActionReportEdit, Target{ChurchID: r.ChurchID, Status: string(r.Status)})
	if !decision.Allowed() {
		return decision.Err()
	}
	if !editableStatus(string(r.Status)) {
		return errf(KindInvalidTransition, "cannot edit report in status %s", r.Status)
	}
	for _, d := range donors {
		if d.ID == "" {
			d.ID = newID()
		}
		d.ReportID = reportID
	}
	return e.storage.ReplaceDonors(reportID, donors)
}

func (e *ReportEngine) checkDonorReconciliation(reportID string, diezmos int64) error {
	if diezmos <= 0 {
		return nil
	}
	donors, err := e.storage.ListDonors(reportID)
	if err != nil {
		return err
	}
	if len(donors) == 0 {
		return newErr(KindDonorMismatch, "diezmos reported but no donors recorded", nil, nil)
	}
	var sum int64
	for _, d := range donors {
		sum += d.Amount
	}
	if absInt64(sum-diezmos) > 1 {
		return newErr(KindDonorMismatch, "donor amounts do not reconcile with diezmos", nil, map[string]any{
			"donor_sum": sum, "diezmos": diezmos,
		})
	}
	return nil
}

// Submit moves a draft/pending_revision report to submitted, checking
// donor reconciliation and bank-deposit tolerance.
func (e *ReportEngine) Submit(principal *Principal, reportID, submittedBy string) (*Report, error) {
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionReportSubmit, Target{ChurchID: r.ChurchID, Status: string(r.Status)})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if r.Status != ReportDraft && r.Status != ReportPendingRevision {
		return nil, errf(KindInvalidTransition, "cannot submit report in status %s", r.Status)
	}
	if err := e.checkDonorReconciliation(r.ID, r.Income.Diezmos); err != nil {
		return nil, err
	}

	depositGap := absInt64(r.Deposit.Amount - r.Derived.TotalFondoNacional)
	if depositGap > 100 && e.strictDeposit {
		return nil, newErr(KindInvalidEntry, "bank deposit does not match fondo nacional within tolerance", nil, map[string]any{
			"deposit_amount": r.Deposit.Amount, "expected": r.Derived.TotalFondoNacional,
		})
	}

	now := timeNow()
	r.Status = ReportSubmitted
	r.Submission = ReportSubmission{Type: SubmissionOnline, SubmittedBy: submittedBy, SubmittedAt: &now}
	r.UpdatedAt = now
	if err := e.storage.SaveReport(r); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionReportSubmit), "report", r.ID, map[string]any{"deposit_gap": depositGap})
	return r, nil
}

// RequestRevision sends a submitted report back to pending_revision.
func (e *ReportEngine) RequestRevision(principal *Principal, reportID, note string) (*Report, error) {
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionReportReject, Target{})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if r.Status != ReportSubmitted {
		return nil, errf(KindInvalidTransition, "cannot request revision on report in status %s", r.Status)
	}
	r.Status = ReportPendingRevision
	r.UpdatedAt = timeNow()
	if err := e.storage.SaveReport(r); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionReportReject), "report", r.ID, map[string]any{"note": note})
	_ = e.audit.notify(NotificationReportRevision, r.ID, r.Submission.SubmittedBy, "Revision requested", note)
	return r, nil
}

// Reject terminally rejects a submitted or pending_revision report with
// no ledger side effects.
func (e *ReportEngine) Reject(principal *Principal, reportID, reason string) (*Report, error) {
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionReportReject, Target{})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if r.Status != ReportSubmitted && r.Status != ReportPendingRevision {
		return nil, errf(KindInvalidTransition, "cannot reject report in status %s", r.Status)
	}
	r.Status = ReportRejected
	r.UpdatedAt = timeNow()
	if err := e.storage.SaveReport(r); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionReportReject), "report", r.ID, map[string]any{"reason": reason})
	_ = e.audit.notify(NotificationReportRejected, r.ID, r.Submission.SubmittedBy, "Report rejected", reason)
	return r, nil
}

// Approve transitions a submitted report to approved: freezes derived
// fields, posts the ledger package, stamps processing metadata, and
// enqueues a notification — all as one logical unit. Any failure after
// the derived-field freeze but before the ledger post leaves the report
// untouched since SaveReport is only called once, after PostReportPackage
// succeeds.
func (e *ReportEngine) Approve(principal *Principal, reportID string) (*Report, error) {
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return nil, err
	}
	decision := e.authz.Authorize(principal, ActionReportApprove, Target{})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if r.Status != ReportSubmitted {
		return nil, errf(KindInvalidTransition, "cannot approve report in status %s", r.Status)
	}

	r.Derived = computeDerived(r)
	if err := e.ledger.PostReportPackage(r, principal); err != nil {
		return nil, err
	}

	now := timeNow()
	r.Status = ReportApproved
	r.Processing = ReportProcessing{ProcessedBy: principal.ID, ProcessedAt: &now, TransactionsPosted: true}
	r.UpdatedAt = now
	if err := e.storage.SaveReport(r); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionReportApprove), "report", r.ID, nil)
	_ = e.audit.notify(NotificationReportProcessed, r.ID, r.Submission.SubmittedBy, "Report processed", "Your monthly report was approved and posted.")
	return r, nil
}

// Rollback moves an approved report back to pending_revision, reversing
// its posted ledger package and clearing processing metadata (spec
// §4.4 "approved → pending_revision: admin only").
func (e *ReportEngine) Rollback(principal *Principal, reportID string) (*Report, error) {
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return nil, err
	}
	if principal.Role != RoleAdmin {
		return nil, errf(KindForbidden, "only admin may roll back an approved report")
	}
	if r.Status != ReportApproved {
		return nil, errf(KindInvalidTransition, "cannot roll back report in status %s", r.Status)
	}
	if err := e.ledger.ReversePackage(r.ID); err != nil {
		return nil, err
	}
	r.Status = ReportPendingRevision
	r.Processing = ReportProcessing{}
	r.UpdatedAt = timeNow()
	if err := e.storage.SaveReport(r); err != nil {
		return nil, err
	}
	_ = e.audit.record(principal.ID, string(ActionReportReject), "report", r.ID, map[string]any{"rollback": true})
	return r, nil
}

// Delete reverses any posted package, then removes the report (spec
// §4.4 "* → deleted: admin only; reverses any posted package first").
func (e *ReportEngine) Delete(principal *Principal, reportID string) error {
	if principal.Role != RoleAdmin {
		return errf(KindForbidden, "only admin may delete a report")
	}
	r, err := e.storage.GetReport(reportID)
	if err != nil {
		return err
	}
	if r.Processing.TransactionsPosted {
		if err := e.ledger.ReversePackage(r.ID); err != nil {
			return err
		}
	}
	if err := e.storage.DeleteReport(reportID); err != nil {
		return err
	}
	return e.audit.record(principal.ID, string(ActionReportDelete), "report", reportID, nil)
}
