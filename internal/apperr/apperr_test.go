package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("create order: %w", Validation(CodeCrossSeller, "All products in an order must be from the same seller"))

	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, CodeCrossSeller, CodeOf(err))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(err))
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{NotFound("Order", "o-1"), http.StatusNotFound},
		{Conflict(CodeInvalidPaymentState, "Only completed payments can be refunded"), http.StatusConflict},
		{External("gateway unavailable", errors.New("dial tcp")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, StatusCode(c.err), c.err.Error())
	}
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "Order with ID o-1 not found", PublicMessage(NotFound("Order", "o-1")))
	assert.Equal(t, "load order", PublicMessage(Internal("load order", errors.New("conn reset"))))
	assert.Equal(t, "internal error", PublicMessage(errors.New("conn reset")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("x")))
}
