package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentStatus_CanTransitionTo(t *testing.T) {
	all := []PaymentStatus{PaymentPending, PaymentCompleted, PaymentFailed, PaymentRefunded}
	allowed := map[[2]PaymentStatus]bool{
		{PaymentPending, PaymentCompleted}:  true,
		{PaymentPending, PaymentFailed}:     true,
		{PaymentCompleted, PaymentRefunded}: true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]PaymentStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, PaymentPending.IsTerminal())
	assert.True(t, PaymentFailed.IsTerminal())
}

func TestTransition(t *testing.T) {
	pp := StatusPair{OrderPending, PaymentPending}

	t.Run("identity", func(t *testing.T) {
		assert.NoError(t, Transition(pp, pp))
	})
	t.Run("payment completes", func(t *testing.T) {
		assert.NoError(t, Transition(pp, StatusPair{OrderPending, PaymentCompleted}))
	})
	t.Run("order advances with completed payment", func(t *testing.T) {
		assert.NoError(t, Transition(pp, StatusPair{OrderProcessing, PaymentCompleted}))
	})
	t.Run("order cannot advance unpaid", func(t *testing.T) {
		var te *TransitionError
		require.ErrorAs(t, Transition(pp, StatusPair{OrderProcessing, PaymentPending}), &te)
		assert.Equal(t, "order status", te.Field)
	})
	t.Run("skipping steps", func(t *testing.T) {
		assert.Error(t, Transition(StatusPair{OrderProcessing, PaymentCompleted}, StatusPair{OrderDelivered, PaymentCompleted}))
	})
	t.Run("payment back to pending", func(t *testing.T) {
		assert.Error(t, Transition(StatusPair{OrderPending, PaymentFailed}, pp))
	})
	t.Run("unknown status", func(t *testing.T) {
		assert.Error(t, Transition(pp, StatusPair{"CANCELLED", PaymentPending}))
		assert.Error(t, Transition(pp, StatusPair{OrderPending, "VOID"}))
	})
}

func TestOrder_AddItem(t *testing.T) {
	o := NewOrder("buyer-1", "seller-1", nil)
	a := &Product{ID: "a", SellerID: "seller-1", Price: decimal.RequireFromString("10.00"), Stock: 5}
	b := &Product{ID: "b", SellerID: "seller-1", Price: decimal.RequireFromString("5.00"), Stock: 5}

	o.AddItem(a, 2)
	o.AddItem(b, 1)

	require.Len(t, o.Items, 2)
	assert.Equal(t, "a", o.Items[0].ProductID)
	assert.True(t, o.Items[0].Subtotal.Equal(decimal.RequireFromString("20")))
	assert.True(t, o.TotalAmount.Equal(decimal.RequireFromString("25.00")))
	assert.True(t, o.TotalAmount.Equal(o.ItemsTotal()))
	assert.Equal(t, StatusPair{OrderPending, PaymentPending}, o.StatusPair())

	// price changes after the fact do not touch the snapshot
	a.Price = decimal.RequireFromString("99")
	assert.True(t, o.Items[0].UnitPrice.Equal(decimal.RequireFromString("10")))
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(2500), ToMinorUnits(decimal.RequireFromString("25.00")))
	assert.Equal(t, int64(1999), ToMinorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(1), ToMinorUnits(decimal.RequireFromString("0.005")))
	assert.True(t, FromMinorUnits(1999).Equal(decimal.RequireFromString("19.99")))
}

func TestPaymentMethod_Valid(t *testing.T) {
	assert.True(t, DefaultPaymentMethod.Valid())
	assert.True(t, MethodUPI.Valid())
	assert.False(t, PaymentMethod("paypal").Valid())
}
