package treasury

// Storage is a bbolt-backed document store: one bucket per entity keyed
// by id, plus secondary index buckets for unique constraints such as
// church name, principal email, fund code, and provider tax id.
// Entities are serialized with encoding/json. bbolt's single-writer
// db.Update gives every mutation one serializable transactional scope
// from start to commit.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	bucketChurches = []byte("churches")
	bucketChurchByName = []byte("idx_church_by_name")

	bucketPrincipals = []byte("principals")
	bucketPrincipalByEmail = []byte("idx_principal_by_email")

	bucketAssignments = []byte("fund_director_assignments")
	bucketAssignmentsByPrincipal = []byte("idx_assignment_by_principal")

	bucketFunds = []byte("funds")
	bucketFundByCode = []byte("idx_fund_by_code")
	bucketFundByName = []byte("idx_fund_by_name")

	bucketProviders = []byte("providers")
	bucketProviderByTaxID = []byte("idx_provider_by_taxid")

	bucketReports = []byte("reports")
	bucketReportByChurchMY = []byte("idx_report_by_church_month_year")

	bucketDonors = []byte("report_donors")
	bucketDonorsByReport = []byte("idx_donors_by_report")

	bucketEvents = []byte("events")
	bucketLineItems = []byte("event_line_items")
	bucketLineItemsByEvent = []byte("idx_line_items_by_event")

	bucketFundTx = []byte("fund_transactions")
	bucketFundTxByFund = []byte("idx_fund_tx_by_fund")

	bucketActivityLog = []byte("activity_log")
	bucketNotifications = []byte("notification_queue")
)

var allBuckets = [][]byte{
	bucketChurches, bucketChurchByName,
	bucketPrincipals, bucketPrincipalByEmail,
	bucketAssignments, bucketAssignmentsByPrincipal,
	bucketFunds, bucketFundByCode, bucketFundByName,
	bucketProviders, bucketProviderByTaxID,
	bucketReports, bucketReportByChurchMY,
	bucketDonors, bucketDonorsByReport,
	bucketEvents, bucketLineItems, bucketLineItemsByEvent,
	bucketFundTx, bucketFundTxByFund,
	bucketActivityLog, bucketNotifications,
}

// Storage provides persistent storage for the treasury engine.
type Storage struct {
	db *bbolt.DB
}

// NewStorage opens (creating if necessary) a bbolt database at dbPath
// and ensures all buckets exist.
func NewStorage(dbPath string) (*Storage, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, wrapErr(KindPersistenceError, err, "failed to open database")
	}

	s := &Storage{db: db}
	if err := s.initBuckets(); err != nil {
		return nil, wrapErr(KindPersistenceError, err, "failed to initialize buckets")
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "create bucket %s", b)
			}
		}
		return nil
	})
}

// reportKey builds the composite unique-constraint key for
// (church_id, month, year).
func reportKey(churchID string, month, year int) []byte {
	return []byte(fmt.Sprintf("%s/%04d-%02d", churchID, year, month))
}

// fundTxOrderKey builds a key that sorts fund transactions within a fund
// by (date asc, created_at asc, id asc).
func fundTxOrderKey(fundID string, date, createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%020d/%s", fundID, date.UnixNano(), createdAt.UnixNano(), id))
}

func fundTxOrderPrefix(fundID string) []byte {
	return []byte(fundID + "/")
}

func logOrderKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d/%s", createdAt.UnixNano(), id))
}

// putJSON marshals v and stores it under key in bucket.
func putJSON(tx *bbolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return tx.Bucket(bucket).Put(key, data)
}

// getJSON loads and unmarshals the value under key in bucket into v. It
// returns KindNotFound if the key is absent.
func getJSON(tx *bbolt.Tx, bucket, key []byte, v any) error {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return errf(KindNotFound, "not found")
	}
	return json.Unmarshal(data, v)
}

// ----------------------------------------------------------------------------
// Church
// ----------------------------------------------------------------------------

func (s *Storage) SaveChurch(c *Church) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, bucketChurches, []byte(c.ID), c); err != nil {
			return err
		}
		return tx.Bucket(bucketChurchByName).Put([]byte(c.Name), []byte(c.ID))
	})
}

func (s *Storage) GetChurch(id string) (*Church, error) {
	var c Church
	err := s.db.View(func(tx *bbolt.Tx) error { return getJSON(tx, bucketChurches, []byte(id), &c) })
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Storage) FindChurchByName(name string) (*Church, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = tx.Bucket(bucketChurchByName).Get([]byte(name))
		if id == nil {
			return errf(KindNotFound, "church %q not found", name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetChurch(string(id))
}

func (s *Storage) ListChurches() ([]*Church, error) {
	var out []*Church
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChurches).ForEach(func(_, v []byte) error {
			var c Church
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// ----------------------------------------------------------------------------
// Principal & Assignment
// ----------------------------------------------------------------------------

func (s *Storage) SavePrincipal(p *Principal) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, bucketPrincipals, []byte(p.ID), p); err != nil {
			return err
		}
		return tx.Bucket(bucketPrincipalByEmail).Put([]byte(p.Email), []byte(p.ID))
	})
}

func (s *Storage) GetPrincipal(id string) (*Principal, error) {
	var p Principal
	err := s.db.View(func(tx *bbolt.Tx) error { return getJSON(tx, bucketPrincipals, []byte(id), &p) })
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Storage) FindPrincipalByEmail(email string) (*Principal, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = tx.Bucket(bucketPrincipalByEmail).Get([]byte(email))
		if id == nil {
			return errf(KindNotFound, "principal %q not found", email)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPrincipal(string(id))
}

func (s *Storage) SaveAssignment(a *FundDirectorAssignment) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, bucketAssignments, []byte(a.ID), a); err != nil {
			return err
		}
		var ids []string
		_ = getJSON(tx, bucketAssignmentsByPrincipal, []byte(a.PrincipalID), &ids)
		ids = append(ids, a.ID)
		return putJSON(tx, bucketAssignmentsByPrincipal, []byte(a.PrincipalID), ids)
	})
}

func (s *Storage) ListAssignments(principalID string) ([]*FundDirectorAssignment, error) {
	var ids []string
	var out []*FundDirectorAssignment
	err := s.db.View(func(tx *bbolt.Tx) error {
		_ = getJSON(tx, bucketAssignmentsByPrincipal, []byte(principalID), &ids)
		for _, id := range ids {
			var a FundDirectorAssignment
			if err := getJSON(tx, bucketAssignments, []byte(id), &a); err != nil {
				return err
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

// ----------------------------------------------------------------------------
// Fund
// ----------------------------------------------------------------------------

func (s *Storage) SaveFund(f *Fund) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return s.saveFundTx(tx, f) })
}

func (s *Storage) saveFundTx(tx *bbolt.Tx, f *Fund) error {
	if err := putJSON(tx, bucketFunds, []byte(f.ID), f); err != nil {
		return err
	}
	if err := tx.Bucket(bucketFundByCode).Put([]byte(f.Code), []byte(f.ID)); err != nil {
		return err
	}
	return tx.Bucket(bucketFundByName).Put([]byte(f.Name), []byte(f.ID))
}

func (s *Storage) GetFund(id string) (*Fund, error) {
	var f Fund
	err := s.db.View(func(tx *bbolt.Tx) error { return s.getFundTx(tx, id, &f) })
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Storage) getFundTx(tx *bbolt.Tx, id string, f *Fund) error {
	return getJSON(tx, bucketFunds, []byte(id), f)
}

func (s *Storage) FindFundByCode(code string) (*Fund, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = tx.Bucket(bucketFundByCode).Get([]byte(code))
		if id == nil {
			return errf(KindNotFound, "fund code %q not found", code)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetFund(string(id))
}

func (s *Storage) ListFunds() ([]*Fund, error) {
	var out []*Fund
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFunds).ForEach(func(_, v []byte) error {
			var f Fund
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			out = append(out, &f)
			return nil
		})
	})
	return out, err
}

// ----------------------------------------------------------------------------
// Provider
// ----------------------------------------------------------------------------

func (s *Storage) SaveProvider(p *Provider) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, bucketProviders, []byte(p.ID), p); err != nil {
			return err
		}
		return tx.Bucket(bucketProviderByTaxID).Put([]byte(p.TaxID), []byte(p.ID))
	})
}

func (s *Storage) GetProvider(id string) (*Provider, error) {
	var p Provider
	err := s.db.View(func(tx *bbolt.Tx) error { return getJSON(tx, bucketProviders, []byte(id), &p) })
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Storage) FindProviderByTaxID(taxID string) (*Provider, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = tx.Bucket(bucketProviderByTaxID).Get([]byte(taxID))
		if id == nil {
			return errf(KindNotFound, "provider tax_id %q not found", taxID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetProvider(string(id))
}

func (s *Storage) ListProviders() ([]*Provider, error) {
	var out []*Provider
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProviders).ForEach(func(_, v []byte) error {
			var p Provider
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

// ----------------------------------------------------------------------------
// Report & Donors
// ----------------------------------------------------------------------------

func (s *Storage) SaveReport(r *Report) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return s.saveReportTx(tx, r) })
}

func (s *Storage) saveReportTx(tx *bbolt.Tx, r *Report) error {
	if err := putJSON(tx, bucketReports, []byte(r.ID), r); err != nil {
		return err
	}
	return tx.Bucket(bucketReportByChurchMY).Put(reportKey(r.ChurchID, r.Month, r.Year), []byte(r.ID))
}

func (s *Storage) GetReport(id string) (*Report, error) {
	var r Report
	err := s.db.View(func(tx *bbolt.Tx) error { return s.getReportTx(tx, id, &r) })
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Storage) getReportTx(tx *bbolt.Tx, id string, r *Report) error {
	return getJSON(tx, bucketReports, []byte(id), r)
}

// FindReportByPeriod enforces the (church_id, month, year) uniqueness
// constraint on reports.
func (s *Storage) FindReportByPeriod(churchID string, month, year int) (*Report, error) {
	var id []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id = tx.Bucket(bucketReportByChurchMY).Get(reportKey(churchID, month, year))
		if id == nil {
			return errf(KindNotFound, "no report for %s %04d-%02d", churchID, year, month)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReport(string(id))
}

func (s *Storage) DeleteReport(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var r Report
		if err := getJSON(tx, bucketReports, []byte(id), &r); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReports).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketReportByChurchMY).Delete(reportKey(r.ChurchID, r.Month, r.Year))
	})
}

func (s *Storage) ReplaceDonors(reportID string, donors []*ReportDonor) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return s.replaceDonorsTx(tx, reportID, donors) })
}

func (s *Storage) replaceDonorsTx(tx *bbolt.Tx, reportID string, donors []*ReportDonor) error {
	var oldIDs []string
	_ = getJSON(tx, bucketDonorsByReport, []byte(reportID), &oldIDs)
	for _, id := range oldIDs {
		if err := tx.Bucket(bucketDonors).Delete([]byte(id)); err != nil {
			return err
		}
	}

	var newIDs []string
	for _, d := range donors {
		if err := putJSON(tx, bucketDonors, []byte(d.ID), d); err != nil {
			return err
		}
		newIDs = append(newIDs, d.ID)
	}
	return putJSON(tx, bucketDonorsByReport, []byte(reportID), newIDs)
}

func (s *Storage) ListDonors(reportID string) ([]*ReportDonor, error) {
	var ids []string
	var out []*ReportDonor
	err := s.db.View(func(tx *bbolt.Tx) error {
		_ = getJSON(tx, bucketDonorsByReport, []byte(reportID), &ids)
		for _, id := range ids {
			var d ReportDonor
			if err := getJSON(tx, bucketDonors, []byte(id), &d); err != nil {
				return err
			}
			out = append(out, &d)
		}
		return nil
	})
	return out, err
}

// ----------------------------------------------------------------------------
// Event & Line Items
// ----------------------------------------------------------------------------

func (s *Storage) SaveEvent(e *Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return putJSON(tx, bucketEvents, []byte(e.ID), e) })
}

func (s *Storage) GetEvent(id string) (*Event, error) {
	var e Event
	err := s.db.View(func(tx *bbolt.Tx) error { return getJSON(tx, bucketEvents, []byte(id), &e) })
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Storage) SaveLineItem(li *EventLineItem) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return s.saveLineItemTx(tx, li) })
}

func (s *Storage) saveLineItemTx(tx *bbolt.Tx, li *EventLineItem) error {
	if err := putJSON(tx, bucketLineItems, []byte(li.ID), li); err != nil {
		return err
	}
	var ids []string
	_ = getJSON(tx, bucketLineItemsByEvent, []byte(li.EventID), &ids)
	for _, id := range ids {
		if id == li.ID {
			return nil
		}
	}
	ids = append(ids, li.ID)
	return putJSON(tx, bucketLineItemsByEvent, []byte(li.EventID), ids)
}

func (s *Storage) DeleteLineItem(id, eventID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketLineItems).Delete([]byte(id)); err != nil {
			return err
		}
		var ids []string
		_ = getJSON(tx, bucketLineItemsByEvent, []byte(eventID), &ids)
		filtered := ids[:0]
		for _, existing := range ids {
			if existing != id {
				filtered = append(filtered, existing)
			}
		}
		return putJSON(tx, bucketLineItemsByEvent, []byte(eventID), filtered)
	})
}

func (s *Storage) ListLineItems(eventID string) ([]*EventLineItem, error) {
	var ids []string
	var out []*EventLineItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		_ = getJSON(tx, bucketLineItemsByEvent, []byte(eventID), &ids)
		for _, id := range ids {
			var li EventLineItem
			if err := getJSON(tx, bucketLineItems, []byte(id), &li); err != nil {
				return err
			}
			out = append(out, &li)
		}
		return nil
	})
	return out, err
}

// DeleteEventCascade removes an event and all of its line items.
func (s *Storage) DeleteEventCascade(eventID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var ids []string
		_ = getJSON(tx, bucketLineItemsByEvent, []byte(eventID), &ids)
		for _, id := range ids {
			if err := tx.Bucket(bucketLineItems).Delete([]byte(id)); err != nil {
				return err
			}
		}
		if err := tx.Bucket(bucketLineItemsByEvent).Delete([]byte(eventID)); err != nil {
			return err
		}
		return tx.Bucket(bucketEvents).Delete([]byte(eventID))
	})
}

// ----------------------------------------------------------------------------
// Fund Transactions
// ----------------------------------------------------------------------------

func (s *Storage) putFundTxTx(tx *bbolt.Tx, t *FundTransaction) error {
	if err := putJSON(tx, bucketFundTx, []byte(t.ID), t); err != nil {
		return err
	}
	orderKey := fundTxOrderKey(t.FundID, t.Date, t.CreatedAt, t.ID)
	return tx.Bucket(bucketFundTxByFund).Put(orderKey, []byte(t.ID))
}

func (s *Storage) GetFundTransaction(id string) (*FundTransaction, error) {
	var t FundTransaction
	err := s.db.View(func(tx *bbolt.Tx) error { return getJSON(tx, bucketFundTx, []byte(id), &t) })
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// LedgerSlice lists a fund's transactions ordered by (date, created_at,
// id), optionally bounded by [from, to] calendar dates.
func (s *Storage) LedgerSlice(fundID string, from, to *time.Time, limit, offset int) ([]*FundTransaction, error) {
	var out []*FundTransaction
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketFundTxByFund).Cursor()
		prefix := fundTxOrderPrefix(fundID)
		skipped := 0
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var t FundTransaction
			if err := getJSON(tx, bucketFundTx, v, &t); err != nil {
				return err
			}
			if from != nil && t.Date.Before(*from) {
				continue
			}
			if to != nil && t.Date.After(*to) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, &t)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// transactionsByOrigin finds system-created rows carrying the given
// report or event id, used by reversePackage.
func (s *Storage) transactionsByOrigin(reportID, eventID string) ([]*FundTransaction, error) {
	var out []*FundTransaction
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFundTx).ForEach(func(_, v []byte) error {
			var t FundTransaction
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if reportID != "" && t.ReportID == reportID && t.CreatedBy == systemActor {
				out = append(out, &t)
			}
			if eventID != "" && t.EventID == eventID && t.CreatedBy == systemActor {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ----------------------------------------------------------------------------
// Activity Log & Notifications
// ----------------------------------------------------------------------------

func (s *Storage) AppendActivity(a *ActivityLog) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := putJSON(tx, bucketActivityLog, []byte(a.ID), a); err != nil {
			return err
		}
		return tx.Bucket(bucketActivityLog).Put(logOrderKey(a.CreatedAt, a.ID), []byte(a.ID))
	})
}

func (s *Storage) AppendNotification(n *NotificationQueue) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketNotifications, []byte(n.ID), n)
	})
}

// DrainNotifications returns up to limit unconsumed notifications and
// marks them consumed. The external consumer is expected to
// call this repeatedly; see notify.go for the in-process draining loop.
func (s *Storage) DrainNotifications(limit int) ([]*NotificationQueue, error) {
	var out []*NotificationQueue
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		c := b.Cursor()
		now := timeNow()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var n NotificationQueue
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if n.ConsumedAt != nil {
				continue
			}
			n.ConsumedAt = &now
			if err := putJSON(tx, bucketNotifications, []byte(n.ID), &n); err != nil {
				return err
			}
			out = append(out, &n)
		}
		return nil
	})
	return out, err
}
