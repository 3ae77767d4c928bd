package models

import "time"

// Payment provider constants used across billing-related models.
const (
	ProviderStripe = "stripe"
)

// Customer links a local user to the payment provider's customer record.
// At most one provider customer exists per (user, provider); it is created
// lazily on the first checkout attempt.
type Customer struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	UserID             uint      `gorm:"not null;index:ux_customers_user_provider,unique,priority:1" json:"user_id"`
	Provider           string    `gorm:"type:varchar(20);not null;index:ux_customers_user_provider,unique,priority:2;index:ux_customers_provider_customer,unique,priority:1" json:"provider"`
	ProviderCustomerID string    `gorm:"type:varchar(191);not null;index:ux_customers_provider_customer,unique,priority:2" json:"provider_customer_id"`
	Email              string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
