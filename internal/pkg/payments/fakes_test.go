package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LukasMendel/PayFox/app/models"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository implementing the same keyed-upsert
// contract as the GORM-backed one, so the handler tests exercise the full
// merge semantics without a database.
type fakeRepo struct {
	mu        sync.Mutex
	users     map[uint]*models.User
	customers []*models.Customer
	subs      map[string]*models.Subscription
	orders    map[string]*models.Order
	credits   []*models.CreditLog
	mappings  map[string]*models.PlanMapping
	settings  map[uint]*models.UserSettings
	events    map[string]*models.WebhookEvent
	nextID    uint

	// when set, customer lookups fail with this error
	customerLookupErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[uint]*models.User),
		subs:     make(map[string]*models.Subscription),
		orders:   make(map[string]*models.Order),
		mappings: make(map[string]*models.PlanMapping),
		settings: make(map[uint]*models.UserSettings),
		events:   make(map[string]*models.WebhookEvent),
		nextID:   1,
	}
}

func (r *fakeRepo) id() uint {
	id := r.nextID
	r.nextID++
	return id
}

func (r *fakeRepo) addUser(id uint, email string) {
	r.users[id] = &models.User{ID: id, Email: email, Name: fmt.Sprintf("user-%d", id)}
}

func (r *fakeRepo) addMapping(m models.PlanMapping) {
	m.IsActive = true
	m.Provider = models.ProviderStripe
	r.mappings[m.Provider+"|"+m.ProviderPriceRef] = &m
}

func (r *fakeRepo) GetUserByID(id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetCustomerByUserID(userID uint, provider string) (*models.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.customers {
		if c.UserID == userID && c.Provider == provider {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetCustomerByProviderID(provider, providerCustomerID string) (*models.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.customerLookupErr != nil {
		return nil, r.customerLookupErr
	}
	for _, c := range r.customers {
		if c.Provider == provider && c.ProviderCustomerID == providerCustomerID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) UpsertCustomer(c *models.Customer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.customers {
		if existing.UserID == c.UserID && existing.Provider == c.Provider {
			existing.ProviderCustomerID = c.ProviderCustomerID
			if c.Email != "" {
				existing.Email = c.Email
			}
			return nil
		}
	}
	cp := *c
	cp.ID = r.id()
	r.customers = append(r.customers, &cp)
	return nil
}

func (r *fakeRepo) GetSubscriptionByProviderID(provider, providerSubscriptionID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.subs[provider+"|"+providerSubscriptionID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListSubscriptionsByUser(userID uint) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, s := range r.subs {
		if s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) UpsertSubscription(sub *models.Subscription) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := sub.Provider + "|" + sub.ProviderSubscriptionID
	cur, ok := r.subs[key]
	if !ok {
		cp := *sub
		cp.ID = r.id()
		r.subs[key] = &cp
		*sub = cp
		return true, nil
	}

	incomingCanceled := sub.Status == models.SubscriptionStatusCanceled
	if !incomingCanceled {
		if cur.Status == models.SubscriptionStatusCanceled {
			*sub = *cur
			return false, nil
		}
		if cur.LastEventAt != nil && sub.LastEventAt != nil && cur.LastEventAt.After(*sub.LastEventAt) {
			*sub = *cur
			return false, nil
		}
	}

	cur.Status = sub.Status
	cur.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	cur.LastEventAt = sub.LastEventAt
	if sub.ProviderCustomerID != "" {
		cur.ProviderCustomerID = sub.ProviderCustomerID
	}
	if sub.ProviderPriceRef != "" {
		cur.ProviderPriceRef = sub.ProviderPriceRef
	}
	if sub.PlanCode != "" {
		cur.PlanCode = sub.PlanCode
	}
	if sub.PlanName != "" {
		cur.PlanName = sub.PlanName
	}
	if sub.CurrentPeriodStart != nil {
		cur.CurrentPeriodStart = sub.CurrentPeriodStart
	}
	if sub.CurrentPeriodEnd != nil {
		cur.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	*sub = *cur
	return true, nil
}

func (r *fakeRepo) GetOrderByProviderOrderID(provider, providerOrderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o, ok := r.orders[provider+"|"+providerOrderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) CreateOrderIfAbsent(o *models.Order) (bool, *models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := o.Provider + "|" + o.ProviderOrderID
	if existing, ok := r.orders[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *o
	cp.ID = r.id()
	r.orders[key] = &cp
	stored := cp
	return true, &stored, nil
}

func (r *fakeRepo) MarkOrderRefunded(provider, providerOrderID string) (*models.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[provider+"|"+providerOrderID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if o.Status == models.OrderStatusSucceeded {
		o.Status = models.OrderStatusRefunded
	}
	cp := *o
	return &cp, nil
}

func (r *fakeRepo) InsertCreditLogIfAbsent(entry *models.CreditLog) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.credits {
		if e.ReferenceKey == entry.ReferenceKey {
			return false, nil
		}
	}
	cp := *entry
	cp.ID = r.id()
	r.credits = append(r.credits, &cp)
	return true, nil
}

func (r *fakeRepo) GetCreditLogByReference(referenceKey string) (*models.CreditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.credits {
		if e.ReferenceKey == referenceKey {
			cp := *e
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) ListRecentCreditLogs(userID uint, limit int) ([]models.CreditLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.CreditLog
	for i := len(r.credits) - 1; i >= 0 && len(out) < limit; i-- {
		if r.credits[i].UserID == userID {
			out = append(out, *r.credits[i])
		}
	}
	return out, nil
}

func (r *fakeRepo) CreditBalance(userID uint) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for _, e := range r.credits {
		if e.UserID == userID {
			total += e.Amount
		}
	}
	return total, nil
}

func (r *fakeRepo) FindActivePlanMapping(provider, providerPriceRef string) (*models.PlanMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.mappings[provider+"|"+providerPriceRef]; ok && m.IsActive {
		cp := *m
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeRepo) GetOrCreateUserSettings(userID uint) (*models.UserSettings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if us, ok := r.settings[userID]; ok {
		cp := *us
		return &cp, nil
	}
	us := &models.UserSettings{ID: r.id(), UserID: userID, Plan: "free"}
	r.settings[userID] = us
	cp := *us
	return &cp, nil
}

func (r *fakeRepo) SaveUserSettings(us *models.UserSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *us
	r.settings[us.UserID] = &cp
	return nil
}

func (r *fakeRepo) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := event.Provider + "|" + event.ProviderEventID
	if existing, ok := r.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *event
	cp.ID = r.id()
	r.events[key] = &cp
	stored := cp
	return true, &stored, nil
}

func (r *fakeRepo) webhookEvent(provider, eventID string) *models.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.events[provider+"|"+eventID]; ok {
		cp := *e
		return &cp
	}
	return nil
}

func (r *fakeRepo) MarkWebhookProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

// fakeProvider serves canned provider objects and records created sessions.
type fakeProvider struct {
	mu        sync.Mutex
	sessions  map[string]*stripe.CheckoutSession
	subs      map[string]*stripe.Subscription
	invoices  map[string]*stripe.Invoice
	charges   map[string]*stripe.Charge
	created   []*stripe.CheckoutSessionParams
	customers int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions: make(map[string]*stripe.CheckoutSession),
		subs:     make(map[string]*stripe.Subscription),
		invoices: make(map[string]*stripe.Invoice),
		charges:  make(map[string]*stripe.Charge),
	}
}

func (p *fakeProvider) GetCheckoutSession(ctx context.Context, id string) (*stripe.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: session %s", ErrInvalidReference, id)
}

func (p *fakeProvider) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subs[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: subscription %s", ErrInvalidReference, id)
}

func (p *fakeProvider) GetInvoice(ctx context.Context, id string) (*stripe.Invoice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.invoices[id]; ok {
		return i, nil
	}
	return nil, fmt.Errorf("%w: invoice %s", ErrInvalidReference, id)
}

func (p *fakeProvider) GetCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.charges[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: charge %s", ErrInvalidReference, id)
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, email string, userID uint) (*stripe.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers++
	return &stripe.Customer{ID: fmt.Sprintf("cus_fake_%d", p.customers), Email: email}, nil
}

func (p *fakeProvider) CreateCheckoutSession(ctx context.Context, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, params)
	sess := &stripe.CheckoutSession{
		ID:  fmt.Sprintf("cs_fake_%d", len(p.created)),
		URL: "https://checkout.example.com/pay",
	}
	if params.Mode != nil {
		sess.Mode = stripe.CheckoutSessionMode(*params.Mode)
	}
	p.sessions[sess.ID] = sess
	return sess, nil
}

func newTestService() (*Service, *fakeRepo, *fakeProvider) {
	repo := newFakeRepo()
	provider := newFakeProvider()
	svc := NewService(repo, provider, zap.NewNop())
	svc.mailer = func(to, subject, body string) {}
	return svc, repo, provider
}
