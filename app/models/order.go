package models

import "time"

// Order status values.
const (
	OrderStatusSucceeded = "succeeded"
	OrderStatusRefunded  = "refunded"
	OrderStatusFailed    = "failed"
)

// Order types.
const (
	OrderTypeOneTimePurchase   = "one_time_purchase"
	OrderTypeSubscriptionCycle = "subscription_cycle"
)

// Order represents a one-time purchase. ProviderOrderID is the provider's
// payment intent id; at most one succeeded order exists per
// (provider, provider_order_id).
type Order struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"not null;index" json:"user_id"`
	Provider        string    `gorm:"type:varchar(20);not null;index:ux_orders_provider_order,unique,priority:1" json:"provider"`
	ProviderOrderID string    `gorm:"type:varchar(191);not null;index:ux_orders_provider_order,unique,priority:2" json:"provider_order_id"`
	SessionID       string    `gorm:"type:varchar(191);not null;default:'';index" json:"session_id"`
	OrderType       string    `gorm:"type:varchar(32);not null;default:'one_time_purchase'" json:"order_type"`
	Status          string    `gorm:"type:varchar(20);not null;default:'succeeded';index" json:"status"`
	PlanCode        string    `gorm:"type:varchar(50);not null;default:''" json:"plan_code"`
	PlanName        string    `gorm:"type:varchar(100);not null;default:''" json:"plan_name"`
	AmountCents     int64     `gorm:"not null;default:0" json:"amount_cents"`
	Currency        string    `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
