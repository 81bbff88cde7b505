package treasury

import "go.uber.org/zap"

// Engine is the composition root for the national treasury core: it
// owns storage and wires the authorization kernel, ledger, audit log,
// and the Reports/Events/Providers services together behind one
// facade.
type Engine struct {
	storage *Storage
	log *zap.Logger
	authz *Authz
	ledger *Ledger
	audit *Audit
	Reports *ReportEngine
	Events *EventEngine
	Providers *ProviderRegistry
	cfg Config
}

// NewEngine opens storage at cfg.DBPath and wires the full component
// graph.
func NewEngine(cfg Config) (*Engine, error) {
	storage, err := NewStorage(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg.Environment)
	if err != nil {
		_ = storage.Close()
		return nil, wrapErr(KindPersistenceError, err, "failed to initialize logger")
	}

	authz := NewAuthz(storage)
	ledger := NewLedger(storage)
	audit := NewAudit(storage)

	return &Engine{
		storage: storage,
		log: log,
		authz: authz,
		ledger: ledger,
		audit: audit,
		Reports: NewReportEngine(storage, ledger, authz, audit, cfg.StrictDeposit),
		Events: NewEventEngine(storage, ledger, authz, audit),
		Providers: NewProviderRegistry(storage, authz, audit),
		cfg: cfg,
	}, nil
}

// Close releases the engine's storage and flushes the logger.
func (e *Engine) Close() error {
	_ = e.log.Sync()
	return e.storage.Close()
}

// Authorize exposes the Authorization Kernel for callers (e.g. a
// transport layer) that need a decision without attempting a mutation.
func (e *Engine) Authorize(principal *Principal, action Action, target Target) Decision {
	return e.authz.Authorize(principal, action, target)
}

// Balance returns a fund's current cached balance.
func (e *Engine) Balance(fundID string) (int64, error) {
	return e.ledger.Balance(fundID)
}

// LedgerSlice exposes paginated access to one fund's transaction log.
func (e *Engine) LedgerSlice(p LedgerSliceParams) ([]*FundTransaction, error) {
	return e.ledger.LedgerSlice(p)
}

// Transfer posts a manual transfer between two funds; unlike a report
// or event package, this is never flagged AllowOverdraw.
func (e *Engine) Transfer(principal *Principal, sourceFundID, destFundID string, amount int64, concept string) (*TransferResult, error) {
	decision := e.authz.Authorize(principal, ActionFundTransfer, Target{})
	if !decision.Allowed() {
		e.logDenied(principal, string(ActionFundTransfer), "fund", sourceFundID, decision.Err().(*Error))
		return nil, decision.Err()
	}
	result, err := e.ledger.PostTransfer(timeNow(), sourceFundID, destFundID, amount, concept, principal.ID)
	if err != nil {
		return nil, err
	}
	e.logAccepted(principal, string(ActionFundTransfer), "fund", sourceFundID, map[string]any{
		"dest_fund_id": destFundID, "amount": amount,
	})
	return result, nil
}

// Drain hands pending notifications to fn; see notify.go for the
// errgroup-driven consumer loop built on top of this.
func (e *Engine) Drain(limit int, fn func(*NotificationQueue) error) (int, error) {
	return e.audit.Drain(limit, fn)
}

// RegisterChurch creates a church (admin-only bootstrap operation; see
// seed.go).
func (e *Engine) RegisterChurch(c *Church) error {
	return e.storage.SaveChurch(c)
}

// RegisterFund creates a fund (admin-only bootstrap operation).
func (e *Engine) RegisterFund(f *Fund) error {
	return e.storage.SaveFund(f)
}

// RegisterPrincipal creates a principal (admin-only bootstrap
// operation).
func (e *Engine) RegisterPrincipal(p *Principal) error {
	if p.Role.requiresChurchScope() && p.ChurchScope == "" {
		return errf(KindMissingField, "role %s requires a church_scope", p.Role)
	}
	if !p.Role.requiresChurchScope() && p.ChurchScope != "" {
		return errf(KindInvalidEntry, "role %s must not carry a church_scope", p.Role)
	}
	return e.storage.SavePrincipal(p)
}

// GrantFundDirector assigns a fund_director's scope. An empty fundID
// means all funds; an empty churchID means all churches.
func (e *Engine) GrantFundDirector(principalID, fundID, churchID string) (*FundDirectorAssignment, error) {
	p, err := e.storage.GetPrincipal(principalID)
	if err != nil {
		return nil, err
	}
	if p.Role != RoleFundDirector {
		return nil, errf(KindInvalidEntry, "principal is not a fund_director")
	}
	a := &FundDirectorAssignment{ID: newID(), PrincipalID: principalID, FundID: fundID, ChurchID: churchID}
	if err := e.storage.SaveAssignment(a); err != nil {
		return nil, err
	}
	return a, nil
}

// VerifyBalances replays the fund transaction log for every fund and
// reports any fund whose cached current_balance disagrees with the
// replayed total.
func (e *Engine) VerifyBalances() ([]BalanceMismatch, error) {
	funds, err := e.storage.ListFunds()
	if err != nil {
		return nil, err
	}
	var mismatches []BalanceMismatch
	for _, f := range funds {
		rows, err := e.storage.LedgerSlice(f.ID, nil, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		var replayed int64
		for _, row := range rows {
			replayed += row.AmountIn - row.AmountOut
		}
		if replayed != f.CurrentBalance {
			mismatches = append(mismatches, BalanceMismatch{
				FundID: f.ID, FundCode: f.Code, CachedBalance: f.CurrentBalance, ReplayedBalance: replayed,
			})
		}
	}
	return mismatches, nil
}

// BalanceMismatch is one fund whose cached balance disagrees with its
// replayed transaction log.
type BalanceMismatch struct {
	FundID string
	FundCode string
	CachedBalance int64
	ReplayedBalance int64
}
