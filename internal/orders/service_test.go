package orders

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/domain"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/gateway"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/payments"
	"github.com/ariefcatur/go-order-settlement/internal/store/memory"
)

type fixture struct {
	store   *memory.Store
	events  *events.Recorder
	metrics *metrics.Metrics
	svc     *Service
}

func newFixture(t *testing.T, gw payments.Gateway) *fixture {
	t.Helper()
	st := memory.New()
	st.PutUser(domain.User{ID: "buyer", Email: "buyer@example.com", Name: "Buyer"})
	st.PutUser(domain.User{ID: "seller-1", Email: "s1@example.com", Name: "Seller One"})
	st.PutUser(domain.User{ID: "seller-2", Email: "s2@example.com", Name: "Seller Two"})
	st.PutProduct(domain.Product{ID: "a", SellerID: "seller-1", Name: "Product A", Price: decimal.RequireFromString("10.00"), Stock: 5})
	st.PutProduct(domain.Product{ID: "b", SellerID: "seller-1", Name: "Product B", Price: decimal.RequireFromString("5.00"), Stock: 3})
	st.PutProduct(domain.Product{ID: "c", SellerID: "seller-2", Name: "Product C", Price: decimal.RequireFromString("7.25"), Stock: 9})

	if gw == nil {
		gw = gateway.NewSimulator(gateway.WithSuccessRate(1))
	}
	rec := &events.Recorder{}
	m := metrics.New("test", prometheus.NewRegistry())
	pay := payments.NewService(st, gw, rec, m, zap.NewNop(), payments.Config{})
	return &fixture{store: st, events: rec, metrics: m, svc: NewService(st, pay, rec, m, zap.NewNop())}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	p, err := f.store.Repos().Products.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func (f *fixture) placeOrder(t *testing.T) *domain.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), "buyer", []ItemInput{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 1}}, nil)
	require.NoError(t, err)
	return o
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t, nil)
	addr := "Jl. Sudirman 1"

	o, err := f.svc.CreateOrder(context.Background(), "buyer", []ItemInput{
		{ProductID: "a", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{ProductID: "b", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00")},
	}, &addr)
	require.NoError(t, err)

	assert.Equal(t, "25.00", o.TotalAmount.StringFixed(2))
	assert.Equal(t, domain.OrderPending, o.Status)
	assert.Equal(t, domain.PaymentPending, o.PaymentStatus)
	assert.Equal(t, "seller-1", o.SellerID)
	require.NotNil(t, o.ShippingAddress)
	assert.Equal(t, addr, *o.ShippingAddress)

	require.Len(t, o.Items, 2)
	assert.Equal(t, "a", o.Items[0].ProductID)
	assert.Equal(t, "20.00", o.Items[0].Subtotal.StringFixed(2))
	assert.Equal(t, "b", o.Items[1].ProductID)

	assert.Equal(t, 3, f.stock(t, "a"))
	assert.Equal(t, 2, f.stock(t, "b"))

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, []string{stored.Items[0].ProductID, stored.Items[1].ProductID})
	assert.True(t, stored.TotalAmount.Equal(stored.ItemsTotal()))

	assert.Equal(t, []string{events.EventOrderCreated}, f.events.Types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersCreated))
}

func TestCreateOrder_UsesCatalogPriceNotHint(t *testing.T) {
	f := newFixture(t, nil)

	o, err := f.svc.CreateOrder(context.Background(), "buyer", []ItemInput{
		{ProductID: "a", Quantity: 1, UnitPrice: decimal.RequireFromString("0.01")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.00", o.Items[0].UnitPrice.StringFixed(2))
	assert.Equal(t, "10.00", o.TotalAmount.StringFixed(2))
}

func TestCreateOrder_CrossSellerMutatesNothing(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateOrder(context.Background(), "buyer", []ItemInput{
		{ProductID: "a", Quantity: 1},
		{ProductID: "c", Quantity: 1},
	}, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, apperr.CodeCrossSeller, apperr.CodeOf(err))

	assert.Equal(t, 5, f.stock(t, "a"))
	assert.Equal(t, 9, f.stock(t, "c"))
	list, err := f.svc.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.events.Types())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersRejected.WithLabelValues(apperr.CodeCrossSeller)))
}

func TestCreateOrder_InsufficientStockIsAllOrNothing(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateOrder(context.Background(), "buyer", []ItemInput{
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 4},
	}, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, apperr.CodeInsufficientStock, apperr.CodeOf(err))
	assert.Contains(t, err.Error(), "Product B")

	assert.Equal(t, 5, f.stock(t, "a"))
	assert.Equal(t, 3, f.stock(t, "b"))
}

func TestCreateOrder_SameProductTwiceCountsAgainstStock(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.svc.CreateOrder(context.Background(), "buyer", []ItemInput{
		{ProductID: "b", Quantity: 2},
		{ProductID: "b", Quantity: 2},
	}, nil)
	assert.Equal(t, apperr.CodeInsufficientStock, apperr.CodeOf(err))
	assert.Equal(t, 3, f.stock(t, "b"))
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, "buyer", nil, nil)
	assert.Equal(t, apperr.CodeEmptyOrder, apperr.CodeOf(err))

	_, err = f.svc.CreateOrder(ctx, "buyer", []ItemInput{{ProductID: "a", Quantity: 0}}, nil)
	assert.Equal(t, apperr.CodeInvalidQuantity, apperr.CodeOf(err))

	_, err = f.svc.CreateOrder(ctx, "buyer", []ItemInput{{ProductID: "a", Quantity: 1}, {ProductID: "zzz", Quantity: 1}}, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.EqualError(t, err, "Product with ID zzz not found")
	assert.Equal(t, 5, f.stock(t, "a"))

	_, err = f.svc.CreateOrder(ctx, "ghost", []ItemInput{{ProductID: "a", Quantity: 1}}, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateOrder_ConcurrentOrdersNeverOversell(t *testing.T) {
	f := newFixture(t, nil)
	const buyers = 20

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateOrder(context.Background(), "buyer", []ItemInput{{ProductID: "a", Quantity: 1}}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.CodeOf(err) == apperr.CodeInsufficientStock:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, buyers-5, rejected)
	assert.Equal(t, 0, f.stock(t, "a"))
}

func TestListOrdersForUser(t *testing.T) {
	f := newFixture(t, nil)
	first := f.placeOrder(t)
	second := f.placeOrder(t)

	list, err := f.svc.ListOrdersForUser(context.Background(), "buyer")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	list, err = f.svc.ListOrdersForUser(context.Background(), "seller-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.placeOrder(t)

	// cannot ship an unpaid order
	_, err := f.svc.UpdateStatus(ctx, o.ID, domain.OrderShipped, domain.PaymentPending)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.OrderProcessing, domain.PaymentPending)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
	_, err = f.svc.UpdateStatus(ctx, o.ID, "LOST", domain.PaymentPending)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	// settled out of band, no payment record yet
	got, err := f.svc.UpdateStatus(ctx, o.ID, domain.OrderProcessing, domain.PaymentCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPair{Order: domain.OrderProcessing, Payment: domain.PaymentCompleted}, got.StatusPair())

	got, err = f.svc.UpdateStatus(ctx, o.ID, domain.OrderShipped, domain.PaymentCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderShipped, got.Status)

	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.OrderPending, domain.PaymentCompleted)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))

	// identity is a no-op
	got, err = f.svc.UpdateStatus(ctx, o.ID, domain.OrderShipped, domain.PaymentCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderShipped, got.Status)

	assert.Equal(t, []string{events.EventOrderCreated, events.EventOrderStatusChanged, events.EventOrderStatusChanged}, f.events.Types())

	_, err = f.svc.UpdateStatus(ctx, "missing", domain.OrderPending, domain.PaymentPending)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateStatus_PaymentOwnedByRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.placeOrder(t)
	_, err := f.svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, o.ID, domain.OrderPending, domain.PaymentCompleted)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestInitiateAndConfirmPayment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.placeOrder(t)

	p, err := f.svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MethodCreditCard, p.Method)
	assert.True(t, o.TotalAmount.Equal(p.Amount))
	assert.NotEmpty(t, p.Details[domain.DetailClientSecret])

	got, err := f.svc.ConfirmPayment(ctx, o.ID, p.IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, got.Status)
	assert.Equal(t, domain.PaymentCompleted, got.PaymentStatus)

	// confirming again is idempotent
	again, err := f.svc.ConfirmPayment(ctx, o.ID, p.IntentID)
	require.NoError(t, err)
	assert.Equal(t, got.StatusPair(), again.StatusPair())

	_, err = f.svc.InitiatePayment(ctx, o.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, apperr.CodePaymentNotPending, apperr.CodeOf(err))

	assert.Equal(t, []string{
		events.EventOrderCreated,
		events.EventPaymentInitiated,
		events.EventPaymentSettled,
		events.EventOrderStatusChanged,
	}, f.events.Types())
}

func TestConfirmPayment_Declined(t *testing.T) {
	f := newFixture(t, gateway.NewSimulator(gateway.WithSuccessRate(0)))
	ctx := context.Background()
	o := f.placeOrder(t)

	p, err := f.svc.InitiatePayment(ctx, o.ID)
	require.NoError(t, err)
	got, err := f.svc.ConfirmPayment(ctx, o.ID, p.IntentID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, got.Status)
	assert.Equal(t, domain.PaymentFailed, got.PaymentStatus)

	// the decline sticks to the order, so it cannot be paid again
	_, err = f.svc.InitiatePayment(ctx, o.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodePaymentNotPending, apperr.CodeOf(err))
}

func TestConfirmPayment_IntentOfAnotherOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.placeOrder(t)
	second := f.placeOrder(t)

	p, err := f.svc.InitiatePayment(ctx, first.ID)
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, second.ID, p.IntentID)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, apperr.CodeIntentOrderMismatch, apperr.CodeOf(err))

	_, err = f.svc.ConfirmPayment(ctx, first.ID, "pi_mock_unknown")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.svc.ConfirmPayment(ctx, "missing", p.IntentID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
