package models

import "time"

// Subscription status values, mirroring the provider's lifecycle states.
const (
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusActive            = "active"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusIncompleteExpired = "incomplete_expired"
	SubscriptionStatusUnpaid            = "unpaid"
	SubscriptionStatusPaused            = "paused"
)

// Subscription mirrors a provider subscription. The provider subscription id
// is globally unique across local records; status and period fields reflect
// the provider's last-known state, guarded by LastEventAt so an older webhook
// delivery can never overwrite newer state.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);not null;default:'';index" json:"provider_customer_id"`
	ProviderPriceRef       string     `gorm:"type:varchar(191);not null;default:''" json:"provider_price_ref"`
	PlanCode               string     `gorm:"type:varchar(50);not null;default:''" json:"plan_code"`
	PlanName               string     `gorm:"type:varchar(100);not null;default:''" json:"plan_name"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'incomplete';index" json:"status"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	LastEventAt            *time.Time `gorm:"type:timestamp;default:null" json:"last_event_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsEntitling reports whether the subscription currently grants its plan.
// past_due keeps entitlement while the provider runs dunning; a final
// cancellation arrives as its own event.
func (s *Subscription) IsEntitling() bool {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
