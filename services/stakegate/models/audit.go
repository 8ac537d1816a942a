package models

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Auditor appends AuditEvent rows.
type Auditor struct {
	db  *gorm.DB
	now func() time.Time
}

func NewAuditor(db *gorm.DB) *Auditor {
	return &Auditor{db: db, now: time.Now}
}

// Record writes one audit row. details is stored as JSON.
func (a *Auditor) Record(ctx context.Context, requestID, action, subject, reference, outcome string, details any) error {
	if a == nil || a.db == nil {
		return nil
	}
	var payload string
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return err
		}
		payload = string(raw)
	}
	return a.db.WithContext(ctx).Create(&AuditEvent{
		RequestID: requestID,
		Action:    action,
		Subject:   subject,
		Reference: reference,
		Outcome:   outcome,
		Details:   payload,
		CreatedAt: a.now().UTC(),
	}).Error
}
