package treasury

// Authz is a pure decision procedure over (principal, action, target)
// using role level plus scope predicates, evaluated against a static
// action/role/scope matrix.

// Action identifies a verb over a target kind.
type Action string

const (
	ActionReportCreate Action = "report.create"
	ActionReportEdit Action = "report.edit"
	ActionReportSubmit Action = "report.submit"
	ActionReportApprove Action = "report.approve"
	ActionReportReject Action = "report.reject"
	ActionReportDelete Action = "report.delete"
	ActionReportView Action = "report.view"

	ActionEventCreate Action = "event.create"
	ActionEventEdit Action = "event.edit"
	ActionEventSubmit Action = "event.submit"
	ActionEventApprove Action = "event.approve"
	ActionEventReject Action = "event.reject"
	ActionEventView Action = "event.view"

	ActionFundTransfer Action = "fund.transfer"
	ActionFundView Action = "fund.view"

	ActionProviderCreate Action = "provider.create"
	ActionProviderUpdate Action = "provider.update"
	ActionProviderDelete Action = "provider.delete"
	ActionProviderView Action = "provider.view"

	ActionUserManage Action = "user.manage"
)

// Target is the entity a mutation acts on. Only the fields relevant to
// scope evaluation need to be populated by the caller.
type Target struct {
	ChurchID string
	FundID string
	CreatedBy string
	Status string
}

// DecisionKind says whether and why authorize allowed or denied.
type DecisionKind string

const (
	DecisionAllow DecisionKind = "allow"
	DecisionNotAuthenticated DecisionKind = "not_authenticated"
	DecisionForbidden DecisionKind = "forbidden"
	DecisionOutOfScope DecisionKind = "out_of_scope"
)

// Decision is the data Authorize returns; a denial is never a panic or
// a bare error, always a value the caller can inspect.
type Decision struct {
	Kind DecisionKind
	Reason string
}

// Allowed reports whether the decision permits the action.
func (d Decision) Allowed() bool { return d.Kind == DecisionAllow }

// Err converts a denying Decision into an *Error with the matching Kind.
// Returns nil if the decision allows.
func (d Decision) Err() error {
	switch d.Kind {
	case DecisionAllow:
		return nil
	case DecisionNotAuthenticated:
		return errf(KindNotAuthenticated, "%s", d.Reason)
	case DecisionOutOfScope:
		return errf(KindOutOfScope, "%s", d.Reason)
	default:
		return errf(KindForbidden, "%s", d.Reason)
	}
}

// actionRule is one row of the static action/role matrix.
type actionRule struct {
	minLevel int
	// churchScoped actions require target.ChurchID == principal.ChurchScope.
	churchScoped bool
	// fundScoped actions require a fund_director assignment match (or
	// the caller to already outrank fund_director, e.g. admin/national_treasurer).
	fundScoped bool
	// ownCreatorWhileEditable restricts fund_director mutations on
	// events to their own events while in draft/pending_revision.
	ownCreatorWhileEditable bool
}

var actionMatrix = map[Action]actionRule{
	ActionReportCreate: {minLevel: RoleTreasurer.Level(), churchScoped: true},
	ActionReportEdit: {minLevel: RoleTreasurer.Level(), churchScoped: true},
	ActionReportSubmit: {minLevel: RoleTreasurer.Level(), churchScoped: true},
	ActionReportView: {minLevel: RoleSecretary.Level(), churchScoped: true},
	ActionReportApprove: {minLevel: RoleNationalTreasurer.Level()},
	ActionReportReject: {minLevel: RoleNationalTreasurer.Level()},
	ActionReportDelete: {minLevel: RoleAdmin.Level()},

	ActionEventCreate: {minLevel: RoleFundDirector.Level(), fundScoped: true},
	ActionEventEdit: {minLevel: RoleFundDirector.Level(), fundScoped: true, ownCreatorWhileEditable: true},
	ActionEventSubmit: {minLevel: RoleFundDirector.Level(), fundScoped: true, ownCreatorWhileEditable: true},
	ActionEventView: {minLevel: RoleFundDirector.Level(), fundScoped: true},
	ActionEventApprove: {minLevel: RoleTreasurer.Level()},
	ActionEventReject: {minLevel: RoleTreasurer.Level()},

	ActionFundTransfer: {minLevel: RoleTreasurer.Level()},
	ActionFundView: {minLevel: RoleSecretary.Level()},

	ActionProviderCreate: {minLevel: RoleSecretary.Level()},
	ActionProviderUpdate: {minLevel: RoleTreasurer.Level()},
	ActionProviderDelete: {minLevel: RoleTreasurer.Level()},
	ActionProviderView: {minLevel: RoleSecretary.Level()},

	ActionUserManage: {minLevel: RoleAdmin.Level()},
}

// editableStatus reports whether status is one of the report/event
// statuses a church-scoped or fund_director author may still mutate.
func editableStatus(status string) bool {
	return status == string(ReportDraft) || status == string(ReportPendingRevision) ||
	status == string(EventDraft) || status == string(EventPendingRevision)
}

// Authz evaluates authorization decisions against the static action
// matrix plus fund_director assignment lookups.
type Authz struct {
	storage *Storage
}

// NewAuthz constructs an Authz kernel.
func NewAuthz(storage *Storage) *Authz {
	return &Authz{storage: storage}
}

// Authorize evaluates its checks in order; the first match wins.
func (a *Authz) Authorize(principal *Principal, action Action, target Target) Decision {
	if principal == nil {
		return Decision{Kind: DecisionNotAuthenticated, Reason: "no principal supplied"}
	}
	if !principal.Active {
		return Decision{Kind: DecisionForbidden, Reason: "principal is inactive"}
	}
	if principal.Role == RoleAdmin {
		return Decision{Kind: DecisionAllow}
	}

	rule, ok := actionMatrix[action]
	if !ok {
		return Decision{Kind: DecisionForbidden, Reason: "unknown action"}
	}
	if principal.Role.Level() < rule.minLevel {
		return Decision{Kind: DecisionForbidden, Reason: "role level too low"}
	}

	// national_treasurer: any church, confined to fund/event actions
	// plus read-only report access.
	if principal.Role == RoleNationalTreasurer {
		if action == ActionReportCreate || action == ActionReportEdit || action == ActionReportSubmit || action == ActionReportDelete {
			return Decision{Kind: DecisionForbidden, Reason: "national_treasurer has read-only report access"}
		}
		return Decision{Kind: DecisionAllow}
	}

	if rule.fundScoped {
		return a.authorizeFundScoped(principal, target, rule)
	}

	if rule.churchScoped {
		if target.ChurchID == "" || target.ChurchID != principal.ChurchScope {
			return Decision{Kind: DecisionOutOfScope, Reason: "target church outside principal's church scope"}
		}
		return Decision{Kind: DecisionAllow}
	}

	// Actions with neither church nor fund scoping (fund.transfer,
	// provider.*, user.manage) are allowed once the role-level check
	// passes.
	return Decision{Kind: DecisionAllow}
}

func (a *Authz) authorizeFundScoped(principal *Principal, target Target, rule actionRule) Decision {
	assignments, err := a.storage.ListAssignments(principal.ID)
	if err != nil {
		return Decision{Kind: DecisionForbidden, Reason: "could not resolve fund assignment"}
	}
	matched := false
	for _, asg := range assignments {
		if (asg.FundID == "" || asg.FundID == target.FundID) && (asg.ChurchID == "" || asg.ChurchID == target.ChurchID) {
			matched = true
			break
		}
	}
	if !matched {
		return Decision{Kind: DecisionOutOfScope, Reason: "no fund_director assignment for this fund"}
	}

	if rule.ownCreatorWhileEditable && editableStatus(target.Status) {
		if target.CreatedBy != principal.ID {
			return Decision{Kind: DecisionOutOfScope, Reason: "only the creator may mutate this event while editable"}
		}
	}

	return Decision{Kind: DecisionAllow}
}

// ResolveFundScope returns whether the principal's fund_director
// assignments cover all funds, plus the explicit fund id list otherwise.
func (a *Authz) ResolveFundScope(principal *Principal) (allFunds bool, fundIDs []string, err error) {
	assignments, err := a.storage.ListAssignments(principal.ID)
	if err != nil {
		return false, nil, err
	}
	for _, asg := range assignments {
		if asg.FundID == "" {
			return true, nil, nil
		}
		fundIDs = append(fundIDs, asg.FundID)
	}
	return false, fundIDs, nil
}
