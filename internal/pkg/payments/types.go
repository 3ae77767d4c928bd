package payments

// SyncStatus is the outcome of a fallback verification.
type SyncStatus string

const (
	// StatusCompleted means local state matches the provider's settled state.
	StatusCompleted SyncStatus = "completed"
	// StatusPending means the provider object has not settled yet (or the
	// reconciliation has not converged); the caller should refresh shortly.
	StatusPending SyncStatus = "pending"
)

// ReconcileResult is returned by the fallback verifier to the return-flow
// endpoint.
type ReconcileResult struct {
	Status             SyncStatus `json:"status"`
	Mode               string     `json:"mode"`
	OrderStatus        string     `json:"order_status,omitempty"`
	SubscriptionStatus string     `json:"subscription_status,omitempty"`
	PlanCode           string     `json:"plan_code,omitempty"`
	CreditBalance      int64      `json:"credit_balance"`
}

// CheckoutInput describes a checkout session to create for a storefront
// purchase.
type CheckoutInput struct {
	UserID     uint
	Email      string
	PriceRef   string
	Quantity   int64
	SuccessURL string
	CancelURL  string
}
