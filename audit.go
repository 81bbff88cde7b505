package treasury

// Audit is an append-only activity log plus outbound notification
// enqueueing. It is a direct append-only record store, not a
// replayable event log — the ledger already owns authoritative state.
type Audit struct {
	storage *Storage
}

// NewAudit constructs an Audit sink.
func NewAudit(storage *Storage) *Audit {
	return &Audit{storage: storage}
}

// record appends one activity log row. principalID may be empty for
// system-initiated actions (e.g. a scheduled close). action is a plain
// string rather than Action so denied mutations can suffix ".denied".
func (a *Audit) record(principalID string, action string, targetKind, targetID string, details map[string]any) error {
	entry := &ActivityLog{
		ID: newID(),
		PrincipalID: principalID,
		Action: action,
		TargetKind: targetKind,
		TargetID: targetID,
		Details: details,
		CreatedAt: timeNow(),
	}
	return a.storage.AppendActivity(entry)
}

// notify enqueues an outbound notification for the external consumer to
// drain.
func (a *Audit) notify(kind NotificationKind, reportID, recipient, subject, body string) error {
	n := &NotificationQueue{
		ID: newID(),
		ReportID: reportID,
		Kind: kind,
		Recipient: recipient,
		Subject: subject,
		Body: body,
		EnqueuedAt: timeNow(),
	}
	return a.storage.AppendNotification(n)
}

// Drain hands up to limit pending notifications to fn. A notification
// for which fn returns an error is put back as unconsumed, so a
// delivery failure leaves the row for a later drain.
func (a *Audit) Drain(limit int, fn func(*NotificationQueue) error) (int, error) {
	pending, err := a.storage.DrainNotifications(limit)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, n := range pending {
		if err := fn(n); err != nil {
			n.ConsumedAt = nil
			if err := a.storage.AppendNotification(n); err != nil {
				return delivered, err
			}
			continue
		}
		delivered++
	}
	return delivered, nil
}
