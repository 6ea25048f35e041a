package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

type Product struct {
	ID        string
	SellerID  string
	Name      string
	Price     decimal.Decimal
	Stock     int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Order struct {
	ID              string
	BuyerID         string
	SellerID        string
	Items           []OrderItem // input order
	TotalAmount     decimal.Decimal
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	ShippingAddress *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal // snapshot at order time
	Subtotal  decimal.Decimal
}

// Details is the opaque gateway blob kept on a payment.
type Details map[string]string

const (
	DetailClientSecret = "client_secret"
	DetailRefundID     = "refund_id"
)

type Payment struct {
	ID            string
	OrderID       string
	Amount        decimal.Decimal
	Method        PaymentMethod
	Status        PaymentStatus
	IntentID      string
	TransactionID string // set only on success
	Details       Details
	ErrorMessage  string // set only on failure
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder returns an empty PENDING/PENDING order header.
func NewOrder(buyerID, sellerID string, shippingAddress *string) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:              uuid.NewString(),
		BuyerID:         buyerID,
		SellerID:        sellerID,
		TotalAmount:     decimal.Zero,
		Status:          OrderPending,
		PaymentStatus:   PaymentPending,
		ShippingAddress: shippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AddItem snapshots the product's current price and folds the subtotal into the total.
func (o *Order) AddItem(p *Product, qty int) OrderItem {
	it := OrderItem{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		ProductID: p.ID,
		Quantity:  qty,
		UnitPrice: p.Price,
		Subtotal:  p.Price.Mul(decimal.NewFromInt(int64(qty))),
	}
	o.Items = append(o.Items, it)
	o.TotalAmount = o.TotalAmount.Add(it.Subtotal)
	return it
}

// ItemsTotal recomputes the total from the line items.
func (o *Order) ItemsTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, it := range o.Items {
		sum = sum.Add(it.Subtotal)
	}
	return sum
}

func (o *Order) StatusPair() StatusPair {
	return StatusPair{Order: o.Status, Payment: o.PaymentStatus}
}

func NewPayment(orderID string, amount decimal.Decimal, method PaymentMethod, intentID string, details Details) *Payment {
	now := time.Now().UTC()
	return &Payment{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Amount:    amount,
		Method:    method,
		Status:    PaymentPending,
		IntentID:  intentID,
		Details:   details,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (o Order) Clone() Order {
	o.Items = append([]OrderItem(nil), o.Items...)
	if o.ShippingAddress != nil {
		addr := *o.ShippingAddress
		o.ShippingAddress = &addr
	}
	return o
}

func (p Payment) Clone() Payment {
	p.Details = p.Details.Clone()
	return p
}
