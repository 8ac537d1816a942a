package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Verdict is the persisted outcome of a payment verification.
type Verdict string

const (
	VerdictAccepted           Verdict = "ACCEPTED"
	VerdictTransactionFailed  Verdict = "TRANSACTION_FAILED"
	VerdictInsufficientAmount Verdict = "INSUFFICIENT_AMOUNT"
	VerdictPayerMismatch      Verdict = "PAYER_MISMATCH"
	VerdictNoTransfer         Verdict = "NO_TRANSFER"
)

// Audit actions.
const (
	ActionStake           = "stake"
	ActionRequestUnstake  = "request_unstake"
	ActionCompleteUnstake = "complete_unstake"
	ActionVerifyPayment   = "verify_payment"
)

// VerificationRecord stores the definitive verdict for a payment signature.
// The signature is the primary key so a transaction settles at most one
// order. Base unit amounts are decimal strings because they may exceed the
// signed 64-bit range of the database.
type VerificationRecord struct {
	Signature     string  `gorm:"primaryKey;size:128"`
	OrderID       string  `gorm:"size:128;index"`
	Payer         string  `gorm:"size:64;index"`
	ExpectedUnits string  `gorm:"size:32"`
	ReceivedUnits string  `gorm:"size:80"`
	Verdict       Verdict `gorm:"size:32;index"`
	Reason        string  `gorm:"type:text"`
	Slot          int64
	BlockTime     *time.Time
	CreatedAt     time.Time
}

// Success reports whether the record settles its order.
func (r *VerificationRecord) Success() bool {
	return r != nil && r.Verdict == VerdictAccepted
}

// AuditEvent is an append-only trail of state-changing requests.
type AuditEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	RequestID string    `gorm:"size:64;index"`
	Action    string    `gorm:"size:64;index"`
	Subject   string    `gorm:"size:64;index"`
	Reference string    `gorm:"size:128"`
	Outcome   string    `gorm:"size:32"`
	Details   string    `gorm:"type:text"`
	CreatedAt time.Time
}

// BeforeCreate assigns a primary key when the caller did not.
func (e *AuditEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// IdempotencyKey stores the response replayed for a repeated request.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	RequestID   string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	RequestHash string `gorm:"size:64"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&VerificationRecord{},
		&AuditEvent{},
		&IdempotencyKey{},
	)
}
