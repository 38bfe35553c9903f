package cart_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/memstore"
)

const user = "buyer-1"

func newService(t *testing.T) (*cart.Service, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	st.PutProduct(catalog.Product{ID: "p1", SellerID: "s1", Title: "Lamp", Price: decimal.RequireFromString("19.99"), Stock: 5, Published: true})
	st.PutProduct(catalog.Product{ID: "p2", SellerID: "s2", Title: "Mug", Price: decimal.RequireFromString("7.50"), Stock: 2, Published: true})
	st.PutProduct(catalog.Product{ID: "draft", SellerID: "s1", Title: "Draft", Price: decimal.NewFromInt(1), Stock: 9})
	return cart.NewService(memstore.NewCartRepo(st)), st
}

func TestGet_CreatesEmptyCart(t *testing.T) {
	svc, _ := newService(t)
	v, err := svc.Get(context.Background(), user)
	require.NoError(t, err)
	assert.NotEmpty(t, v.CartID)
	assert.Equal(t, user, v.UserID)
	assert.Empty(t, v.Items)
	assert.True(t, v.Subtotal.IsZero())

	again, err := svc.Get(context.Background(), user)
	require.NoError(t, err)
	assert.Equal(t, v.CartID, again.CartID)
}

func TestAddItem_MergesLinesAndPricesLive(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	_, err := svc.AddItem(ctx, user, "p1", 2)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, user, "p2", 1)
	require.NoError(t, err)
	v, err := svc.AddItem(ctx, user, "p1", 1)
	require.NoError(t, err)

	require.Len(t, v.Items, 2)
	assert.Equal(t, 3, v.Items[0].Quantity)
	assert.Equal(t, 4, v.TotalItems)
	assert.Equal(t, "67.47", v.Subtotal.StringFixed(2))

	p, _ := st.Product("p1")
	p.Price = decimal.NewFromInt(10)
	st.PutProduct(p)
	v, err = svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "37.50", v.Subtotal.StringFixed(2))
}

func TestAddItem_Rejections(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name    string
		product string
		qty     int
		want    error
	}{
		{"zero quantity", "p1", 0, apperr.ErrBadRequest},
		{"unknown product", "ghost", 1, apperr.ErrNotFound},
		{"unpublished", "draft", 1, apperr.ErrUnavailable},
		{"over stock", "p2", 3, apperr.ErrInsufficientStock},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			svc, _ := newService(t)
			_, err := svc.AddItem(ctx, user, c.product, c.qty)
			assert.True(t, errors.Is(err, c.want), "got %v", err)
		})
	}
}

func TestAddItem_CumulativeQuantityIsChecked(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, err := svc.AddItem(ctx, user, "p2", 2)
	require.NoError(t, err)

	_, err = svc.AddItem(ctx, user, "p2", 1)
	require.True(t, errors.Is(err, apperr.ErrInsufficientStock), "got %v", err)
	assert.Contains(t, err.Error(), "Requested: 3")

	v, err := svc.Get(ctx, user)
	require.NoError(t, err)
	require.Len(t, v.Items, 1)
	assert.Equal(t, 2, v.Items[0].Quantity, "rejected add leaves the line untouched")
}

func TestUpdateRemoveClear(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	_, err := svc.AddItem(ctx, user, "p1", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, user, "p2", 1)
	require.NoError(t, err)

	v, err := svc.UpdateItem(ctx, user, "p1", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, v.Items[0].Quantity)

	_, err = svc.UpdateItem(ctx, user, "p1", 6)
	assert.True(t, errors.Is(err, apperr.ErrInsufficientStock), "got %v", err)
	_, err = svc.UpdateItem(ctx, user, "p1", 0)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))
	_, err = svc.UpdateItem(ctx, user, "draft", 1)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	v, err = svc.RemoveItem(ctx, user, "p2")
	require.NoError(t, err)
	require.Len(t, v.Items, 1)
	_, err = svc.RemoveItem(ctx, user, "p2")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	// unpublishing keeps the line but flags it
	p, _ := st.Product("p1")
	p.Published = false
	st.PutProduct(p)
	v, err = svc.Get(ctx, user)
	require.NoError(t, err)
	assert.False(t, v.Items[0].Available)

	v, err = svc.Clear(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, v.Items)
	assert.Zero(t, v.TotalItems)
}

func TestAddItem_StorageFailureRollsBack(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	st.InjectFault("AddQuantity", errors.New("conn reset"))

	_, err := svc.AddItem(ctx, user, "p1", 1)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	st.InjectFault("AddQuantity", nil)
	v, err := svc.Get(ctx, user)
	require.NoError(t, err)
	assert.Empty(t, v.Items)
}
