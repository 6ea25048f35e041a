// Package pgstore implements the store on Postgres through pgx.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-order-settlement/internal/domain"
	"github.com/ariefcatur/go-order-settlement/internal/store"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct{ DB *pgxpool.Pool }

var _ store.Store = (*Store)(nil)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) Repos() store.Repos { return repos(s.DB) }

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Repos) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, repos(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func repos(q querier) store.Repos {
	return store.Repos{
		Users:    userRepo{q},
		Products: productRepo{q},
		Orders:   orderRepo{q},
		Payments: paymentRepo{q},
	}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

type userRepo struct{ q querier }

func (r userRepo) FindByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.q.QueryRow(ctx, `SELECT id, email, name, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

type productRepo struct{ q querier }

func (r productRepo) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	var (
		p     domain.Product
		price string
	)
	err := r.q.QueryRow(ctx, `
		SELECT id, seller_id, name, price::text, stock, created_at, updated_at
		FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.SellerID, &p.Name, &price, &p.Stock, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if p.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecrementStock is a single conditional UPDATE, so two writers can never both pass the check.
func (r productRepo) DecrementStock(ctx context.Context, id string, qty int) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id=$1 AND stock >= $2`, id, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM products WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrInsufficientStock
}

type orderRepo struct{ q querier }

const orderColumns = `id, buyer_id, seller_id, total_amount::text, status, payment_status, shipping_address, created_at, updated_at`

func (r orderRepo) Create(ctx context.Context, o *domain.Order) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO orders(id, buyer_id, seller_id, total_amount, status, payment_status, shipping_address, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $8)`,
		o.ID, o.BuyerID, o.SellerID, o.TotalAmount.String(), string(o.Status), string(o.PaymentStatus), o.ShippingAddress, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	for i, it := range o.Items {
		_, err = r.q.Exec(ctx, `
			INSERT INTO order_items(id, order_id, line_no, product_id, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric)`,
			it.ID, o.ID, i, it.ProductID, it.Quantity, it.UnitPrice.String(), it.Subtotal.String(),
		)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", i, err)
		}
	}
	return nil
}

func (r orderRepo) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(r.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	items, err := r.items(ctx, []string{o.ID})
	if err != nil {
		return nil, err
	}
	o.Items = items[o.ID]
	return o, nil
}

// Lock takes the row lock with SELECT ... FOR UPDATE and then reads the order, so the
// read sees every write committed before the lock was granted.
func (r orderRepo) Lock(ctx context.Context, id string) (*domain.Order, error) {
	var locked string
	if err := r.q.QueryRow(ctx, `SELECT id FROM orders WHERE id=$1 FOR UPDATE`, id).Scan(&locked); err != nil {
		return nil, notFound(err)
	}
	return r.FindByID(ctx, id)
}

func (r orderRepo) List(ctx context.Context) ([]domain.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at, id`)
}

func (r orderRepo) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return r.list(ctx, `SELECT `+orderColumns+` FROM orders WHERE buyer_id=$1 ORDER BY created_at, id`, buyerID)
}

func (r orderRepo) UpdateStatus(ctx context.Context, id string, expect, next domain.StatusPair) error {
	ct, err := r.q.Exec(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, updated_at=now()
		WHERE id=$1 AND status=$4 AND payment_status=$5`,
		id, string(next.Order), string(next.Payment), string(expect.Order), string(expect.Payment))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStale
}

func (r orderRepo) list(ctx context.Context, sql string, args ...any) ([]domain.Order, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	var ids []string
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (r orderRepo) items(ctx context.Context, orderIDs []string) (map[string][]domain.OrderItem, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price::text, subtotal::text
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, line_no`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var (
			it        domain.OrderItem
			unit, sub string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &unit, &sub); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = parseDecimal(unit); err != nil {
			return nil, err
		}
		if it.Subtotal, err = parseDecimal(sub); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o             domain.Order
		total         string
		status, payst string
	)
	if err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &total, &status, &payst, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status, o.PaymentStatus = domain.OrderStatus(status), domain.PaymentStatus(payst)
	var err error
	if o.TotalAmount, err = parseDecimal(total); err != nil {
		return nil, err
	}
	return &o, nil
}

type paymentRepo struct{ q querier }

const paymentColumns = `id, order_id, amount::text, payment_method, status, COALESCE(intent_id, ''),
	COALESCE(transaction_id, ''), details, COALESCE(error_message, ''), created_at, updated_at`

func (r paymentRepo) Create(ctx context.Context, p *domain.Payment) error {
	details, err := json.Marshal(p.Details)
	if err != nil {
		return fmt.Errorf("encode payment details: %w", err)
	}
	_, err = r.q.Exec(ctx, `
		INSERT INTO payments(id, order_id, amount, payment_method, status, intent_id, transaction_id, details, error_message, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, ''), $10, $10)`,
		p.ID, p.OrderID, p.Amount.String(), string(p.Method), string(p.Status), p.IntentID, p.TransactionID, details, p.ErrorMessage, p.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrDuplicate
	}
	return err
}

func (r paymentRepo) FindByID(ctx context.Context, id string) (*domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
}

func (r paymentRepo) FindByIntentID(ctx context.Context, intentID string) (*domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE intent_id=$1`, intentID)
}

func (r paymentRepo) FindByOrderID(ctx context.Context, orderID string) (*domain.Payment, error) {
	return r.one(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1`, orderID)
}

func (r paymentRepo) List(ctx context.Context) ([]domain.Payment, error) {
	rows, err := r.q.Query(ctx, `SELECT `+paymentColumns+` FROM payments ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r paymentRepo) Update(ctx context.Context, p *domain.Payment, expect domain.PaymentStatus) error {
	details, err := json.Marshal(p.Details)
	if err != nil {
		return fmt.Errorf("encode payment details: %w", err)
	}
	p.UpdatedAt = time.Now().UTC()
	ct, err := r.q.Exec(ctx, `
		UPDATE payments
		SET status=$2, transaction_id=NULLIF($3, ''), details=$4, error_message=NULLIF($5, ''), updated_at=$6
		WHERE id=$1 AND status=$7`,
		p.ID, string(p.Status), p.TransactionID, details, p.ErrorMessage, p.UpdatedAt, string(expect))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.FindByID(ctx, p.ID); err != nil {
		return err
	}
	return store.ErrStale
}

func (r paymentRepo) one(ctx context.Context, sql string, arg string) (*domain.Payment, error) {
	p, err := scanPayment(r.q.QueryRow(ctx, sql, arg))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var (
		p                     domain.Payment
		amount, method, state string
		details               []byte
	)
	err := row.Scan(&p.ID, &p.OrderID, &amount, &method, &state, &p.IntentID,
		&p.TransactionID, &details, &p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Method, p.Status = domain.PaymentMethod(method), domain.PaymentStatus(state)
	if p.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &p.Details); err != nil {
			return nil, fmt.Errorf("decode payment details: %w", err)
		}
	}
	return &p, nil
}
