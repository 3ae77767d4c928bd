package models

import "time"

// PlanMapping maps a provider price reference to an internal plan and its
// credit amounts. Mappings are seeded via migrations and toggled with
// IsActive rather than deleted.
type PlanMapping struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	Provider            string    `gorm:"type:varchar(20);not null;index:ux_plan_mappings_provider_price,unique,priority:1" json:"provider"`
	ProviderPriceRef    string    `gorm:"type:varchar(191);not null;index:ux_plan_mappings_provider_price,unique,priority:2" json:"provider_price_ref"`
	PlanCode            string    `gorm:"type:varchar(50);not null" json:"plan_code"`
	PlanName            string    `gorm:"type:varchar(100);not null;default:''" json:"plan_name"`
	SubscriptionCredits int64     `gorm:"not null;default:0" json:"subscription_credits"`
	OneTimeCredits      int64     `gorm:"not null;default:0" json:"one_time_credits"`
	IsActive            bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
