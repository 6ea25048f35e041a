// Package store defines the persistence boundary used by the order and payment services.
package store

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-order-settlement/internal/domain"
)

var (
	ErrNotFound          = errors.New("store: not found")
	ErrInsufficientStock = errors.New("store: insufficient stock")
	ErrStale             = errors.New("store: row changed since it was read")
	ErrDuplicate         = errors.New("store: duplicate key")
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
}

// ProductRepository is the stock ledger. Stock only ever moves through DecrementStock.
type ProductRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Product, error)
	// DecrementStock subtracts qty only if at least qty is available, else ErrInsufficientStock.
	DecrementStock(ctx context.Context, id string, qty int) error
}

type OrderRepository interface {
	// Create persists the header and all items, keeping item order.
	Create(ctx context.Context, o *domain.Order) error
	FindByID(ctx context.Context, id string) (*domain.Order, error)
	// Lock reads the order and claims its row until the transaction ends. Writers that
	// decide from the order's state must read it through Lock; a claim taken outside a
	// transaction is a plain read.
	Lock(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context) ([]domain.Order, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error)
	// UpdateStatus is a compare-and-set on the status pair; ErrStale if the row no longer holds expect.
	UpdateStatus(ctx context.Context, id string, expect, next domain.StatusPair) error
}

type PaymentRepository interface {
	// Create fails with ErrDuplicate if the order already has a payment.
	Create(ctx context.Context, p *domain.Payment) error
	FindByID(ctx context.Context, id string) (*domain.Payment, error)
	FindByIntentID(ctx context.Context, intentID string) (*domain.Payment, error)
	FindByOrderID(ctx context.Context, orderID string) (*domain.Payment, error)
	List(ctx context.Context) ([]domain.Payment, error)
	// Update writes p if the stored status still equals expect, else ErrStale.
	Update(ctx context.Context, p *domain.Payment, expect domain.PaymentStatus) error
}

// Repos groups the repositories bound to one connection or transaction.
type Repos struct {
	Users    UserRepository
	Products ProductRepository
	Orders   OrderRepository
	Payments PaymentRepository
}

// Store hands out auto-commit repositories and runs atomic units of work.
type Store interface {
	Repos() Repos
	// InTx runs fn in one transaction: every write commits together or none do.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repos) error) error
}
