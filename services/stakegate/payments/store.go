package payments

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stakegate/services/stakegate/models"
)

// Store persists definitive verification verdicts keyed by signature.
type Store interface {
	// Find returns the stored record, or nil when the signature is unknown.
	Find(ctx context.Context, signature string) (*models.VerificationRecord, error)
	// Save inserts rec unless a record for the signature exists and returns
	// whichever record is stored afterwards. created reports whether rec won.
	Save(ctx context.Context, rec *models.VerificationRecord) (stored *models.VerificationRecord, created bool, err error)
	// Supersede overwrites a stored negative verdict with rec. An accepted
	// verdict is never overwritten; replaced reports whether rec won.
	Supersede(ctx context.Context, rec *models.VerificationRecord) (stored *models.VerificationRecord, replaced bool, err error)
}

// GormStore is the database-backed Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Find(ctx context.Context, signature string) (*models.VerificationRecord, error) {
	var rec models.VerificationRecord
	err := s.db.WithContext(ctx).First(&rec, "signature = ?", signature).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load verification %s: %w", signature, err)
	}
	return &rec, nil
}

func (s *GormStore) Save(ctx context.Context, rec *models.VerificationRecord) (*models.VerificationRecord, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return nil, false, fmt.Errorf("store verification %s: %w", rec.Signature, res.Error)
	}
	stored, err := s.Find(ctx, rec.Signature)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("store verification %s: record missing after insert", rec.Signature)
	}
	return stored, res.RowsAffected == 1, nil
}

func (s *GormStore) Supersede(ctx context.Context, rec *models.VerificationRecord) (*models.VerificationRecord, bool, error) {
	res := s.db.WithContext(ctx).Model(&models.VerificationRecord{}).
		Where("signature = ? AND verdict <> ?", rec.Signature, models.VerdictAccepted).
		Updates(map[string]interface{}{
			"order_id":       rec.OrderID,
			"payer":          rec.Payer,
			"expected_units": rec.ExpectedUnits,
			"received_units": rec.ReceivedUnits,
			"verdict":        rec.Verdict,
			"reason":         rec.Reason,
			"slot":           rec.Slot,
			"block_time":     rec.BlockTime,
			"created_at":     rec.CreatedAt,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("replace verification %s: %w", rec.Signature, res.Error)
	}
	stored, err := s.Find(ctx, rec.Signature)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("replace verification %s: record missing after update", rec.Signature)
	}
	return stored, res.RowsAffected == 1, nil
}
