package payment

import (
	"context"
	"fmt"
	"sync"

	"billingcore/internal/common/database"
	"billingcore/internal/common/events"
	"billingcore/internal/common/money"
)

// fakeProvider is a scriptable adapter for tests.
type fakeProvider struct {
	name         ProviderName
	chargeFn     func(ctx context.Context, req ChargeRequest) (*PaymentResult, error)
	confirmFn    func(ctx context.Context, externalRef string) (*PaymentResult, error)
	refundFn     func(ctx context.Context, externalRef string, amount money.Money) (*PaymentResult, error)
	parseFn      func(payload []byte, signature string) (*WebhookEvent, error)
	chargeCalls  int
	refundCalls  int
}

func (f *fakeProvider) Name() ProviderName { return f.name }

func (f *fakeProvider) Charge(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
	f.chargeCalls++
	if f.chargeFn == nil {
		return &PaymentResult{Success: true, ExternalRef: "ref_" + string(f.name), Status: StatusCompleted}, nil
	}
	return f.chargeFn(ctx, req)
}

func (f *fakeProvider) Confirm(ctx context.Context, externalRef string) (*PaymentResult, error) {
	if f.confirmFn == nil {
		return &PaymentResult{Success: true, ExternalRef: externalRef, Status: StatusCompleted}, nil
	}
	return f.confirmFn(ctx, externalRef)
}

func (f *fakeProvider) Refund(ctx context.Context, externalRef string, amount money.Money) (*PaymentResult, error) {
	f.refundCalls++
	if f.refundFn == nil {
		return &PaymentResult{Success: true, ExternalRef: "re_" + externalRef, Status: StatusCompleted}, nil
	}
	return f.refundFn(ctx, externalRef, amount)
}

func (f *fakeProvider) ParseWebhook(payload []byte, signature string) (*WebhookEvent, error) {
	if f.parseFn == nil {
		return nil, fmt.Errorf("%w: no parser scripted", ErrUnrecognizedEventKind)
	}
	return f.parseFn(payload, signature)
}

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu                sync.Mutex
	intents           map[string]*PaymentIntent
	byRef             map[string]*PaymentIntent
	couponUses        map[string]int
	reconItems        []*ReconciliationItem
	webhooks          []string
	finalizeErr       error
	createErr         error
	saveTransitionErr error
	granted           bool
}

func newMemStore() *memStore {
	return &memStore{
		intents:    make(map[string]*PaymentIntent),
		byRef:      make(map[string]*PaymentIntent),
		couponUses: make(map[string]int),
	}
}

func refKey(provider ProviderName, ref string) string {
	return string(provider) + "|" + ref
}

func (s *memStore) CreateIntent(ctx context.Context, intent *PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if intent.ExternalRef != "" {
		if _, dup := s.byRef[refKey(intent.Provider, intent.ExternalRef)]; dup {
			return database.ErrAlreadyExists
		}
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	if intent.ExternalRef != "" {
		s.byRef[refKey(intent.Provider, intent.ExternalRef)] = &cp
	}
	return nil
}

func (s *memStore) GetIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *memStore) GetIntentByExternalRef(ctx context.Context, provider ProviderName, externalRef string) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.byRef[refKey(provider, externalRef)]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (s *memStore) ListIntentsByUser(ctx context.Context, userID string, limit, offset int) ([]*PaymentIntent, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PaymentIntent
	for _, intent := range s.intents {
		if intent.UserID == userID {
			cp := *intent
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memStore) LatestIntentForSubscription(ctx context.Context, subscriptionID string) (*PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *PaymentIntent
	for _, intent := range s.intents {
		if intent.SubscriptionID != subscriptionID {
			continue
		}
		if latest == nil || intent.CreatedAt.After(latest.CreatedAt) {
			latest = intent
		}
	}
	if latest == nil {
		return nil, database.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *memStore) SaveTransition(ctx context.Context, intent *PaymentIntent, from IntentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveTransitionErr != nil {
		return s.saveTransitionErr
	}
	stored, ok := s.intents[intent.ID]
	if !ok {
		return database.ErrNotFound
	}
	if stored.Status != from {
		return fmt.Errorf("intent %s no longer %s: %w", intent.ID, from, database.ErrConflict)
	}
	cp := *intent
	s.intents[intent.ID] = &cp
	if intent.ExternalRef != "" {
		s.byRef[refKey(intent.Provider, intent.ExternalRef)] = &cp
	}
	return nil
}

func (s *memStore) FinalizeCharge(ctx context.Context, intent *PaymentIntent, discount *DiscountApplication, reward *ReferralReward) (bool, error) {
	s.mu.Lock()
	finalizeErr := s.finalizeErr
	granted := s.granted
	if finalizeErr == nil && discount != nil {
		limit := discount.PerUserLimit
		if limit <= 0 {
			limit = 1
		}
		key := discount.CouponID + "|" + discount.UserID
		if s.couponUses[key] >= limit {
			s.mu.Unlock()
			return false, fmt.Errorf("coupon %s: user limit reached: %w", discount.Code, ErrCouponUsageLimitExceeded)
		}
		s.couponUses[key]++
	}
	s.mu.Unlock()
	if finalizeErr != nil {
		return false, finalizeErr
	}
	if err := s.CreateIntent(ctx, intent); err != nil {
		return false, err
	}
	if reward == nil {
		granted = false
	}
	return granted, nil
}

func (s *memStore) RecordWebhook(ctx context.Context, event *WebhookEvent, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, string(event.Kind)+":"+outcome)
	return nil
}

func (s *memStore) EnqueueReconciliation(ctx context.Context, item *ReconciliationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconItems = append(s.reconItems, item)
	return nil
}

// nopPublisher records published event types.
type nopPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *nopPublisher) Publish(ctx context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.Type)
	return nil
}

func (p *nopPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}
