package models

import (
	"time"

	"gorm.io/gorm"
)

// Credit log entry types.
const (
	CreditLogTypePurchase     = "purchase"
	CreditLogTypeSubscription = "subscription"
	CreditLogTypeRefund       = "refund"
	CreditLogTypeUsage        = "usage"
)

// CreditLog is an append-only ledger entry for a credit grant or deduction.
// The current balance is always derived via SumCreditsForUser, never stored.
// ReferenceKey is the natural dedup key for provider-driven grants:
// "invoice:<sub>:<invoice>" for period grants, "order:<provider-order-id>" for
// one-time grants and "refund:order:<provider-order-id>" for reversals.
// Inserting a duplicate key is a no-op, which makes every grant safe to retry.
type CreditLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index" json:"user_id"`
	Amount       int64     `gorm:"not null" json:"amount"`
	Type         string    `gorm:"type:varchar(32);not null;index" json:"type"`
	Description  string    `gorm:"type:varchar(255);not null;default:''" json:"description"`
	ReferenceKey string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_credit_logs_reference" json:"reference_key"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// SumCreditsForUser derives the user's current balance from the ledger.
func SumCreditsForUser(db *gorm.DB, userID uint) (int64, error) {
	var total int64
	err := db.Model(&CreditLog{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
