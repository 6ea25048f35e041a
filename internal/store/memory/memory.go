// Package memory is an in-process store. Transactions buffer their writes and validate
// them again under the write lock at commit, so conditional stock decrements and
// compare-and-set status updates behave as they do against Postgres.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-settlement/internal/domain"
	"github.com/ariefcatur/go-order-settlement/internal/store"
)

type Store struct {
	mu sync.RWMutex

	users    map[string]domain.User
	products map[string]domain.Product
	orders   map[string]domain.Order
	orderVer map[string]uint64 // bumped by every commit that writes or claims the order
	orderSeq []string
	payments map[string]domain.Payment
	paySeq   []string

	paymentByOrder map[string]string
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:          make(map[string]domain.User),
		products:       make(map[string]domain.Product),
		orders:         make(map[string]domain.Order),
		orderVer:       make(map[string]uint64),
		payments:       make(map[string]domain.Payment),
		paymentByOrder: make(map[string]string),
	}
}

// PutUser and PutProduct seed catalog data; catalog management lives outside this service.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

func (s *Store) Repos() store.Repos { return repos(s, nil) }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Repos) error) error {
	t := s.begin()
	if err := fn(ctx, repos(s, t)); err != nil {
		return err // pending writes are dropped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

func repos(s *Store, t *tx) store.Repos {
	return store.Repos{
		Users:    userRepo{s: s},
		Products: productRepo{s: s, t: t},
		Orders:   orderRepo{s: s, t: t},
		Payments: paymentRepo{s: s, t: t},
	}
}

type statusUpdate struct {
	id           string
	expect, next domain.StatusPair
}

type paymentUpdate struct {
	p      domain.Payment
	expect domain.PaymentStatus
}

// tx is a write journal over the committed state.
type tx struct {
	s              *Store
	stock          map[string]int
	newOrders      []domain.Order
	statusUpdates  []statusUpdate
	newPayments    []domain.Payment
	paymentUpdates []paymentUpdate
	locks          map[string]uint64 // order id -> version seen when claimed
}

func (s *Store) begin() *tx {
	return &tx{s: s, stock: make(map[string]int), locks: make(map[string]uint64)}
}

// run executes fn inside t, or in a fresh single-write transaction when t is nil.
func run(s *Store, t *tx, fn func(t *tx) error) error {
	if t != nil {
		return fn(t)
	}
	t = s.begin()
	if err := fn(t); err != nil {
		return err
	}
	return t.commit()
}

func view(s *Store, t *tx) *tx {
	if t != nil {
		return t
	}
	return s.begin()
}

func (t *tx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ver := range t.locks {
		if s.orderVer[id] != ver {
			return store.ErrStale
		}
	}

	products := make(map[string]domain.Product, len(t.stock))
	for id, qty := range t.stock {
		p, ok := s.products[id]
		if !ok {
			return store.ErrNotFound
		}
		if p.Stock < qty {
			return store.ErrInsufficientStock
		}
		p.Stock -= qty
		products[id] = p
	}

	orders := make(map[string]domain.Order)
	for _, o := range t.newOrders {
		if _, exists := s.orders[o.ID]; exists {
			return store.ErrDuplicate
		}
		orders[o.ID] = o
	}
	for _, u := range t.statusUpdates {
		o, ok := orders[u.id]
		if !ok {
			if o, ok = s.orders[u.id]; !ok {
				return store.ErrNotFound
			}
			o = o.Clone()
		}
		if o.StatusPair() != u.expect {
			return store.ErrStale
		}
		o.Status, o.PaymentStatus = u.next.Order, u.next.Payment
		o.UpdatedAt = time.Now().UTC()
		orders[u.id] = o
	}

	payments := make(map[string]domain.Payment)
	claimed := make(map[string]bool)
	for _, p := range t.newPayments {
		if _, exists := s.paymentByOrder[p.OrderID]; exists || claimed[p.OrderID] {
			return store.ErrDuplicate
		}
		claimed[p.OrderID] = true
		payments[p.ID] = p
	}
	for _, u := range t.paymentUpdates {
		cur, ok := payments[u.p.ID]
		if !ok {
			if cur, ok = s.payments[u.p.ID]; !ok {
				return store.ErrNotFound
			}
		}
		if cur.Status != u.expect {
			return store.ErrStale
		}
		payments[u.p.ID] = u.p
	}

	for id, p := range products {
		s.products[id] = p
	}
	for _, o := range t.newOrders {
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	for id, o := range orders {
		s.orders[id] = o
	}
	for _, u := range t.statusUpdates {
		s.orderVer[u.id]++
	}
	for id := range t.locks {
		s.orderVer[id]++
	}
	for _, p := range t.newPayments {
		s.paySeq = append(s.paySeq, p.ID)
		s.paymentByOrder[p.OrderID] = p.ID
	}
	for id, p := range payments {
		s.payments[id] = p
	}
	return nil
}

// order returns the order as seen by this transaction.
func (t *tx) order(id string) (domain.Order, bool) {
	var o domain.Order
	found := false
	for i := len(t.newOrders) - 1; i >= 0; i-- {
		if t.newOrders[i].ID == id {
			o, found = t.newOrders[i].Clone(), true
			break
		}
	}
	if !found {
		t.s.mu.RLock()
		c, ok := t.s.orders[id]
		t.s.mu.RUnlock()
		if !ok {
			return domain.Order{}, false
		}
		o = c.Clone()
	}
	for _, u := range t.statusUpdates {
		if u.id == id {
			o.Status, o.PaymentStatus = u.next.Order, u.next.Payment
		}
	}
	return o, true
}

func (t *tx) orders(keep func(domain.Order) bool) []domain.Order {
	t.s.mu.RLock()
	ids := append([]string(nil), t.s.orderSeq...)
	t.s.mu.RUnlock()
	for _, o := range t.newOrders {
		ids = append(ids, o.ID)
	}
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := t.order(id); ok && keep(o) {
			out = append(out, o)
		}
	}
	return out
}

// payment returns the payment as seen by this transaction.
func (t *tx) payment(id string) (domain.Payment, bool) {
	for i := len(t.paymentUpdates) - 1; i >= 0; i-- {
		if t.paymentUpdates[i].p.ID == id {
			return t.paymentUpdates[i].p.Clone(), true
		}
	}
	for _, p := range t.newPayments {
		if p.ID == id {
			return p.Clone(), true
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	p, ok := t.s.payments[id]
	return p.Clone(), ok
}

func (t *tx) paymentWhere(match func(domain.Payment) bool) (domain.Payment, bool) {
	for _, p := range t.payments() {
		if match(p) {
			return p, true
		}
	}
	return domain.Payment{}, false
}

func (t *tx) payments() []domain.Payment {
	t.s.mu.RLock()
	ids := append([]string(nil), t.s.paySeq...)
	t.s.mu.RUnlock()
	for _, p := range t.newPayments {
		ids = append(ids, p.ID)
	}
	out := make([]domain.Payment, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.payment(id); ok {
			out = append(out, p)
		}
	}
	return out
}

type userRepo struct{ s *Store }

func (r userRepo) FindByID(_ context.Context, id string) (*domain.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

type productRepo struct {
	s *Store
	t *tx
}

func (r productRepo) FindByID(_ context.Context, id string) (*domain.Product, error) {
	t := view(r.s, r.t)
	r.s.mu.RLock()
	p, ok := r.s.products[id]
	r.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Stock -= t.stock[id]
	return &p, nil
}

func (r productRepo) DecrementStock(_ context.Context, id string, qty int) error {
	return run(r.s, r.t, func(t *tx) error {
		r.s.mu.RLock()
		p, ok := r.s.products[id]
		r.s.mu.RUnlock()
		if !ok {
			return store.ErrNotFound
		}
		if p.Stock-t.stock[id] < qty {
			return store.ErrInsufficientStock
		}
		t.stock[id] += qty
		return nil
	})
}

type orderRepo struct {
	s *Store
	t *tx
}

func (r orderRepo) Create(_ context.Context, o *domain.Order) error {
	return run(r.s, r.t, func(t *tx) error {
		t.newOrders = append(t.newOrders, o.Clone())
		return nil
	})
}

func (r orderRepo) FindByID(_ context.Context, id string) (*domain.Order, error) {
	o, ok := view(r.s, r.t).order(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

// Lock records the order's version; commit fails with ErrStale if another transaction
// wrote or claimed the order in the meantime.
func (r orderRepo) Lock(ctx context.Context, id string) (*domain.Order, error) {
	if r.t == nil {
		return r.FindByID(ctx, id)
	}
	if _, held := r.t.locks[id]; !held {
		r.s.mu.RLock()
		ver := r.s.orderVer[id]
		r.s.mu.RUnlock()
		r.t.locks[id] = ver
	}
	return r.FindByID(ctx, id)
}

func (r orderRepo) List(_ context.Context) ([]domain.Order, error) {
	return view(r.s, r.t).orders(func(domain.Order) bool { return true }), nil
}

func (r orderRepo) ListByBuyer(_ context.Context, buyerID string) ([]domain.Order, error) {
	return view(r.s, r.t).orders(func(o domain.Order) bool { return o.BuyerID == buyerID }), nil
}

func (r orderRepo) UpdateStatus(_ context.Context, id string, expect, next domain.StatusPair) error {
	return run(r.s, r.t, func(t *tx) error {
		o, ok := t.order(id)
		if !ok {
			return store.ErrNotFound
		}
		if o.StatusPair() != expect {
			return store.ErrStale
		}
		t.statusUpdates = append(t.statusUpdates, statusUpdate{id: id, expect: expect, next: next})
		return nil
	})
}

type paymentRepo struct {
	s *Store
	t *tx
}

func (r paymentRepo) Create(_ context.Context, p *domain.Payment) error {
	return run(r.s, r.t, func(t *tx) error {
		if _, dup := t.paymentWhere(func(x domain.Payment) bool { return x.OrderID == p.OrderID }); dup {
			return store.ErrDuplicate
		}
		t.newPayments = append(t.newPayments, p.Clone())
		return nil
	})
}

func (r paymentRepo) FindByID(_ context.Context, id string) (*domain.Payment, error) {
	p, ok := view(r.s, r.t).payment(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r paymentRepo) FindByIntentID(_ context.Context, intentID string) (*domain.Payment, error) {
	p, ok := view(r.s, r.t).paymentWhere(func(x domain.Payment) bool { return x.IntentID == intentID })
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r paymentRepo) FindByOrderID(_ context.Context, orderID string) (*domain.Payment, error) {
	p, ok := view(r.s, r.t).paymentWhere(func(x domain.Payment) bool { return x.OrderID == orderID })
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r paymentRepo) List(_ context.Context) ([]domain.Payment, error) {
	return view(r.s, r.t).payments(), nil
}

func (r paymentRepo) Update(_ context.Context, p *domain.Payment, expect domain.PaymentStatus) error {
	return run(r.s, r.t, func(t *tx) error {
		cur, ok := t.payment(p.ID)
		if !ok {
			return store.ErrNotFound
		}
		if cur.Status != expect {
			return store.ErrStale
		}
		t.paymentUpdates = append(t.paymentUpdates, paymentUpdate{p: p.Clone(), expect: expect})
		return nil
	})
}
