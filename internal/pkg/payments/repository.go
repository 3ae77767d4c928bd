package payments

import (
	"time"

	"github.com/LukasMendel/PayFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the keyed-upsert persistence operations the
// reconciliation handlers and the fallback verifier share. Every mutation is
// keyed by a natural external identifier; blind overwrites are not part of
// this interface on purpose.
type Repository interface {
	GetUserByID(id uint) (*models.User, error)

	GetCustomerByUserID(userID uint, provider string) (*models.Customer, error)
	GetCustomerByProviderID(provider, providerCustomerID string) (*models.Customer, error)
	UpsertCustomer(c *models.Customer) error

	GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error)
	ListSubscriptionsByUser(userID uint) ([]models.Subscription, error)
	// UpsertSubscription inserts or updates a subscription keyed by
	// (provider, provider_subscription_id). An update is applied only when
	// the incoming state is not older than the stored one; a canceled
	// status always wins. The returned bool reports whether anything was
	// written.
	UpsertSubscription(sub *models.Subscription) (bool, error)

	GetOrderByProviderOrderID(provider, providerOrderID string) (*models.Order, error)
	// CreateOrderIfAbsent inserts an order keyed by
	// (provider, provider_order_id) and reports whether a row was created.
	// When the key already exists the stored row is returned unchanged.
	CreateOrderIfAbsent(o *models.Order) (bool, *models.Order, error)
	// MarkOrderRefunded flips a succeeded order to refunded. It is a no-op
	// when the order is already refunded.
	MarkOrderRefunded(provider, providerOrderID string) (*models.Order, error)

	// InsertCreditLogIfAbsent appends a ledger entry unless its reference
	// key already exists. A duplicate key is a no-op, not an error.
	InsertCreditLogIfAbsent(entry *models.CreditLog) (bool, error)
	GetCreditLogByReference(referenceKey string) (*models.CreditLog, error)
	ListRecentCreditLogs(userID uint, limit int) ([]models.CreditLog, error)
	CreditBalance(userID uint) (int64, error)

	FindActivePlanMapping(provider, providerPriceRef string) (*models.PlanMapping, error)

	GetOrCreateUserSettings(userID uint) (*models.UserSettings, error)
	SaveUserSettings(us *models.UserSettings) error

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a payments repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUserByID(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) GetCustomerByUserID(userID uint, provider string) (*models.Customer, error) {
	var c models.Customer
	err := r.db.Where("user_id = ? AND provider = ?", userID, provider).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) GetCustomerByProviderID(provider, providerCustomerID string) (*models.Customer, error) {
	var c models.Customer
	err := r.db.Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *gormRepository) UpsertCustomer(c *models.Customer) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"provider_customer_id",
			"email",
			"updated_at",
		}),
	}).Create(c).Error; err != nil {
		return err
	}

	return r.db.Where("user_id = ? AND provider = ?", c.UserID, c.Provider).
		First(c).Error
}

func (r *gormRepository) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) (bool, error) {
	// Insert path: a brand-new subscription always applies.
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoNothing: true,
	}).Create(sub)
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	// Update path: one guarded statement so concurrent handlers for the
	// same subscription cannot interleave into a stale state.
	guard := r.db.Model(&models.Subscription{}).
		Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID)
	if sub.Status == models.SubscriptionStatusCanceled {
		// A cancellation wins over any prior state.
	} else {
		guard = guard.
			Where("status <> ?", models.SubscriptionStatusCanceled).
			Where("last_event_at IS NULL OR last_event_at <= ?", sub.LastEventAt)
	}

	updates := map[string]interface{}{
		"user_id":              sub.UserID,
		"provider_customer_id": sub.ProviderCustomerID,
		"status":               sub.Status,
		"current_period_start": sub.CurrentPeriodStart,
		"current_period_end":   sub.CurrentPeriodEnd,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"last_event_at":        sub.LastEventAt,
		// Metadata snapshot fields are only set, never cleared.
		"provider_price_ref": gorm.Expr("IF(? = '', provider_price_ref, ?)", sub.ProviderPriceRef, sub.ProviderPriceRef),
		"plan_code":          gorm.Expr("IF(? = '', plan_code, ?)", sub.PlanCode, sub.PlanCode),
		"plan_name":          gorm.Expr("IF(? = '', plan_name, ?)", sub.PlanName, sub.PlanName),
	}
	res := guard.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}

	if err := r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error; err != nil {
		return false, err
	}
	return res.RowsAffected > 0, nil
}

func (r *gormRepository) GetOrderByProviderOrderID(provider, providerOrderID string) (*models.Order, error) {
	var o models.Order
	err := r.db.Where("provider = ? AND provider_order_id = ?", provider, providerOrderID).First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *gormRepository) CreateOrderIfAbsent(o *models.Order) (bool, *models.Order, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_order_id"},
		},
		DoNothing: true,
	}).Create(o)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.Order
	if err := r.db.Where("provider = ? AND provider_order_id = ?", o.Provider, o.ProviderOrderID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkOrderRefunded(provider, providerOrderID string) (*models.Order, error) {
	res := r.db.Model(&models.Order{}).
		Where("provider = ? AND provider_order_id = ? AND status = ?", provider, providerOrderID, models.OrderStatusSucceeded).
		Updates(map[string]interface{}{
			"status":     models.OrderStatusRefunded,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	return r.GetOrderByProviderOrderID(provider, providerOrderID)
}

func (r *gormRepository) InsertCreditLogIfAbsent(entry *models.CreditLog) (bool, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reference_key"}},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) GetCreditLogByReference(referenceKey string) (*models.CreditLog, error) {
	var entry models.CreditLog
	err := r.db.Where("reference_key = ?", referenceKey).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *gormRepository) ListRecentCreditLogs(userID uint, limit int) ([]models.CreditLog, error) {
	var entries []models.CreditLog
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func (r *gormRepository) CreditBalance(userID uint) (int64, error) {
	return models.SumCreditsForUser(r.db, userID)
}

func (r *gormRepository) FindActivePlanMapping(provider, providerPriceRef string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND provider_price_ref = ? AND is_active = ?", provider, providerPriceRef, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) GetOrCreateUserSettings(userID uint) (*models.UserSettings, error) {
	return models.GetOrCreateUserSettings(r.db, userID)
}

func (r *gormRepository) SaveUserSettings(us *models.UserSettings) error {
	return r.db.Save(us).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
