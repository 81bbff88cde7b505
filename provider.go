package treasury

import "strings"

// ProviderRegistry is the deduplicated vendor directory: create,
// update, soft-delete, exact tax-id lookup, and autocomplete search.
type ProviderRegistry struct {
	storage *Storage
	authz *Authz
	audit *Audit
}

// NewProviderRegistry constructs a ProviderRegistry.
func NewProviderRegistry(storage *Storage, authz *Authz, audit *Audit) *ProviderRegistry {
	return &ProviderRegistry{storage: storage, authz: authz, audit: audit}
}

// CreateProviderParams are the caller-supplied fields for a new provider.
type CreateProviderParams struct {
	TaxID string
	IDKind ProviderIDKind
	DisplayName string
	LegalName string
	Category ProviderCategory
	Special bool
	ContactPhone string
	ContactEmail string
}

// Create inserts a new provider. An existing tax_id (active or not)
// yields Conflict carrying the existing row so the caller can offer a
// merge/select.
func (r *ProviderRegistry) Create(principal *Principal, p CreateProviderParams) (*Provider, error) {
	decision := r.authz.Authorize(principal, ActionProviderCreate, Target{})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	if p.TaxID == "" || p.DisplayName == "" {
		return nil, newErr(KindMissingField, "tax_id and display_name are required", nil, nil)
	}
	if existing, err := r.storage.FindProviderByTaxID(p.TaxID); err == nil {
		return nil, newErr(KindConflict, "provider with this tax_id already exists", nil, map[string]any{"existing": existing})
	} else if !IsKind(err, KindNotFound) {
		return nil, err
	}

	now := timeNow()
	prov := &Provider{
		ID: newID(),
		TaxID: p.TaxID,
		IDKind: p.IDKind,
		DisplayName: p.DisplayName,
		LegalName: p.LegalName,
		Category: p.Category,
		Special: p.Special,
		Active: true,
		ContactPhone: p.ContactPhone,
		ContactEmail: p.ContactEmail,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.storage.SaveProvider(prov); err != nil {
		return nil, err
	}
	_ = r.audit.record(principal.ID, string(ActionProviderCreate), "provider", prov.ID, nil)
	return prov, nil
}

// UpdateProviderParams are the caller-mutable fields. tax_id and
// id_kind cannot be changed once set.
type UpdateProviderParams struct {
	DisplayName *string
	LegalName *string
	Category *ProviderCategory
	ContactPhone *string
	ContactEmail *string
}

// Update applies a partial update to an existing provider.
func (r *ProviderRegistry) Update(principal *Principal, id string, p UpdateProviderParams) (*Provider, error) {
	decision := r.authz.Authorize(principal, ActionProviderUpdate, Target{})
	if !decision.Allowed() {
		return nil, decision.Err()
	}
	prov, err := r.storage.GetProvider(id)
	if err != nil {
		return nil, err
	}
	if p.DisplayName != nil {
		prov.DisplayName = *p.DisplayName
	}
	if p.LegalName != nil {
		prov.LegalName = *p.LegalName
	}
	if p.Category != nil {
		prov.Category = *p.Category
	}
	if p.ContactPhone != nil {
		prov.ContactPhone = *p.ContactPhone
	}
	if p.ContactEmail != nil {
		prov.ContactEmail = *p.ContactEmail
	}
	prov.UpdatedAt = timeNow()
	if err := r.storage.SaveProvider(prov); err != nil {
		return nil, err
	}
	_ = r.audit.record(principal.ID, string(ActionProviderUpdate), "provider", prov.ID, nil)
	return prov, nil
}

// Deactivate soft-deletes a provider; the row and its tax_id remain in
// the unique-constraint population.
func (r *ProviderRegistry) Deactivate(principal *Principal, id string) error {
	decision := r.authz.Authorize(principal, ActionProviderDelete, Target{})
	if !decision.Allowed() {
		return decision.Err()
	}
	prov, err := r.storage.GetProvider(id)
	if err != nil {
		return err
	}
	prov.Active = false
	prov.UpdatedAt = timeNow()
	if err := r.storage.SaveProvider(prov); err != nil {
		return err
	}
	return r.audit.record(principal.ID, string(ActionProviderDelete), "provider", prov.ID, nil)
}

// FindByTaxID performs the exact-match lookup used by report/event
// intake to suggest an existing provider before creating a duplicate.
func (r *ProviderRegistry) FindByTaxID(taxID string) (*Provider, error) {
	return r.storage.FindProviderByTaxID(taxID)
}

// MatchField names which field satisfied a Search hit.
type MatchField string

const (
	MatchDisplayName MatchField = "display_name"
	MatchLegalName MatchField = "legal_name"
	MatchTaxID MatchField = "tax_id"
)

// ProviderMatch pairs a provider with the field that matched the query.
type ProviderMatch struct {
	Provider *Provider
	Field MatchField
}

// Search implements the case-insensitive prefix/infix autocomplete over
// display_name, legal_name, and tax_id, ordered by match quality
// (prefix beats infix, display_name beats legal_name beats tax_id) then
// display name.
func (r *ProviderRegistry) Search(query string, category *ProviderCategory, limit int) ([]ProviderMatch, error) {
	if limit <= 0 {
		limit = 20
	}
	all, err := r.storage.ListProviders()
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(strings.TrimSpace(query))

	type scored struct {
		match ProviderMatch
		rank int
	}
	var hits []scored
	for _, p := range all {
		if !p.Active {
			continue
		}
		if category != nil && p.Category != *category {
			continue
		}
		if rank, field, ok := matchProvider(p, q); ok {
			hits = append(hits, scored{match: ProviderMatch{Provider: p, Field: field}, rank: rank})
		}
	}

	// Stable insertion-order sort by (rank asc, display name asc).
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0; j-- {
			a, b := hits[j-1], hits[j]
			less := a.rank < b.rank || (a.rank == b.rank && a.match.Provider.DisplayName <= b.match.Provider.DisplayName)
			if less {
				break
			}
			hits[j-1], hits[j] = hits[j], hits[j-1]
		}
	}

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]ProviderMatch, len(hits))
	for i, h := range hits {
		out[i] = h.match
	}
	return out, nil
}

// matchProvider returns the best-ranking field match: 0=display_name
// prefix, 1=legal_name prefix, 2=tax_id prefix, 3=display_name infix,
// 4=legal_name infix, 5=tax_id infix.
func matchProvider(p *Provider, q string) (int, MatchField, bool) {
	if q == "" {
		return 0, MatchDisplayName, false
	}
	name := strings.ToLower(p.DisplayName)
	legal := strings.ToLower(p.LegalName)
	taxID := strings.ToLower(p.TaxID)

	switch {
	case strings.HasPrefix(name, q):
		return 0, MatchDisplayName, true
	case strings.HasPrefix(legal, q):
		return 1, MatchLegalName, true
	case strings.HasPrefix(taxID, q):
		return 2, MatchTaxID, true
	case strings.Contains(name, q):
		return 3, MatchDisplayName, true
	case strings.Contains(legal, q):
		return 4, MatchLegalName, true
	case strings.Contains(taxID, q):
		return 5, MatchTaxID, true
	default:
		return 0, "", false
	}
}
