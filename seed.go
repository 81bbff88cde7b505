package treasury

// Seed populates a fresh store with the national fund set, designated
// funds, the church roster, and the two special utility providers. It
// is idempotent: calling it again on an already-seeded store is a
// no-op.
func Seed(e *Engine) error {
	if err := seedFunds(e); err != nil {
		return err
	}
	if err := seedChurches(e); err != nil {
		return err
	}
	return seedProviders(e)
}

func seedFunds(e *Engine) error {
	funds := []*Fund{
		{ID: newID(), Name: "Fondo General", Code: FundCodeGeneral, Type: FundGeneral, Active: true},
		{ID: newID(), Name: "Fondo Nacional", Code: FundCodeNational, Type: FundRestricted, Active: true},
		{ID: newID(), Name: "Misiones", Code: FundCodeMisiones, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "Lazos de Amor", Code: FundCodeLazosDeAmor, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "Mision Posible", Code: FundCodeMisionPosible, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "APY", Code: FundCodeAPY, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "IBA", Code: FundCodeIBA, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "Caballeros", Code: FundCodeCaballeros, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "Damas", Code: FundCodeDamas, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "Jovenes", Code: FundCodeJovenes, Type: FundDesignated, Active: true},
		{ID: newID(), Name: "Ninos", Code: FundCodeNinos, Type: FundDesignated, Active: true},
	}
	for _, f := range funds {
		if _, err := e.storage.FindFundByCode(f.Code); err == nil {
			continue
		}
		if err := e.RegisterFund(f); err != nil {
			return err
		}
	}
	return nil
}

// seedChurchNames is the roster of ~22 congregations.
var seedChurchNames = []string{
	"Central", "Betania", "Emanuel", "Monte de Sion", "Getsemani",
	"Nueva Jerusalen", "El Calvario", "Fuente de Vida", "Monte Horeb",
	"Shalom", "Restauracion", "Vida Nueva", "Roca Eterna", "El Shaddai",
	"Palabra Viva", "Monte Carmelo", "Rios de Agua Viva", "Pentecostes",
	"Eben-Ezer", "Maranatha", "Torre Fuerte", "Casa de Oracion",
}

func seedChurches(e *Engine) error {
	for _, name := range seedChurchNames {
		if _, err := e.storage.FindChurchByName(name); err == nil {
			continue
		}
		c := &Church{ID: newID(), Name: name, Active: true, CreatedAt: timeNow()}
		if err := e.RegisterChurch(c); err != nil {
			return err
		}
	}
	return nil
}

func seedProviders(e *Engine) error {
	providers := []*Provider{
		{
			ID: newID(), TaxID: "NIS-0000001", IDKind: IDKindNIS,
			DisplayName: "Compania de Electricidad", Category: CategoryUtilities,
			Special: true, Active: true, CreatedAt: timeNow(), UpdatedAt: timeNow(),
		},
		{
			ID: newID(), TaxID: "ISSAN-0000001", IDKind: IDKindISSAN,
			DisplayName: "Compania de Agua", Category: CategoryUtilities,
			Special: true, Active: true, CreatedAt: timeNow(), UpdatedAt: timeNow(),
		},
	}
	for _, p := range providers {
		if _, err := e.storage.FindProviderByTaxID(p.TaxID); err == nil {
			continue
		}
		if err := e.storage.SaveProvider(p); err != nil {
			return err
		}
	}
	return nil
}
