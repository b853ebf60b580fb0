package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/sanctum/internal/model"
	"github.com/hitoshi/sanctum/internal/repository"
)

// fakeDirectory はrepository.UserDirectoryのインメモリ実装。
type fakeDirectory struct {
	mu        sync.Mutex
	users     map[string]*model.User
	updateErr error
	updates   int
}

func newFakeDirectory(users ...*model.User) *fakeDirectory {
	d := &fakeDirectory{users: make(map[string]*model.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

func (d *fakeDirectory) get(id string) model.User {
	d.mu.Lock()
	defer d.mu.Unlock()
	return *d.users[id]
}

func (d *fakeDirectory) GetByID(ctx context.Context, id string) (*model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (d *fakeDirectory) GetByExternalIdentity(ctx context.Context, externalIdentity string) (*model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.ExternalIdentity == externalIdentity {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) GetByBillingRef(ctx context.Context, billingRef string) (*model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.BillingSubscriptionRef != nil && *u.BillingSubscriptionRef == billingRef {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) Upsert(ctx context.Context, profile model.ExternalProfile) (*model.User, error) {
	panic("Upsert is not used by the billing processor")
}

func (d *fakeDirectory) UpdatePartial(ctx context.Context, id string, patch model.SubscriptionPatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.updateErr != nil {
		return d.updateErr
	}
	u, ok := d.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	d.updates++
	if patch.Tier != nil {
		u.SubscriptionTier = *patch.Tier
	}
	if patch.Status != nil {
		u.SubscriptionStatus = *patch.Status
	}
	switch {
	case patch.ClearBillingRef:
		u.BillingSubscriptionRef = nil
	case patch.BillingRef != nil:
		ref := *patch.BillingRef
		u.BillingSubscriptionRef = &ref
	}
	switch {
	case patch.ClearEndsAt:
		u.SubscriptionEndsAt = nil
	case patch.EndsAt != nil:
		t := *patch.EndsAt
		u.SubscriptionEndsAt = &t
	}
	return nil
}

func (d *fakeDirectory) DeleteByID(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
	return nil
}

// fakeLedger はrepository.BillingEventLedgerのインメモリ実装。
type fakeLedger struct {
	mu        sync.Mutex
	processed map[string]time.Time
	failures  map[string]string
	lookupErr error
	markErr   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		processed: make(map[string]time.Time),
		failures:  make(map[string]string),
	}
}

func (l *fakeLedger) IsProcessed(ctx context.Context, id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lookupErr != nil {
		return false, l.lookupErr
	}
	_, ok := l.processed[id]
	return ok, nil
}

func (l *fakeLedger) MarkProcessed(ctx context.Context, id string, eventType model.BillingEventType, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.markErr != nil {
		return l.markErr
	}
	if _, ok := l.processed[id]; !ok {
		l.processed[id] = at
	}
	delete(l.failures, id)
	return nil
}

func (l *fakeLedger) RecordFailure(ctx context.Context, id string, eventType model.BillingEventType, reason string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[id] = reason
	return nil
}

var (
	_ repository.UserDirectory      = (*fakeDirectory)(nil)
	_ repository.BillingEventLedger = (*fakeLedger)(nil)
)

// eventPayload はプロバイダー形式のイベント本文を組み立てる。
func eventPayload(t *testing.T, id, providerType string, object map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    providerType,
		"created": 1767225600,
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return b
}

func activatedPayload(t *testing.T, eventID, userID, tier, ref string) []byte {
	return eventPayload(t, eventID, "checkout.session.completed", map[string]any{
		"subscription": ref,
		"metadata":     map[string]string{"user_id": userID, "tier": tier},
	})
}

func canceledPayload(t *testing.T, eventID, ref string) []byte {
	return eventPayload(t, eventID, "customer.subscription.deleted", map[string]any{
		"id":     ref,
		"status": "canceled",
	})
}

func paymentFailedPayload(t *testing.T, eventID, ref string) []byte {
	return eventPayload(t, eventID, "invoice.payment_failed", map[string]any{
		"subscription": ref,
	})
}

func freeUser(id string) *model.User {
	return &model.User{
		ID:                 id,
		ExternalIdentity:   "google:" + id,
		Role:               model.RoleMember,
		SubscriptionTier:   model.TierFree,
		SubscriptionStatus: model.SubscriptionStatusNone,
	}
}
