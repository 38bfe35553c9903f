package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

type fakeStore struct {
	stock    map[string]int
	reserved map[string]string // orderID/productID -> status
	failInc  error
	touched  []string
}

func newFakeStore(stock map[string]int) *fakeStore {
	return &fakeStore{stock: stock, reserved: map[string]string{}}
}

func (f *fakeStore) DecrementStock(_ context.Context, productID string, qty int) (int, bool, error) {
	f.touched = append(f.touched, productID)
	have, ok := f.stock[productID]
	if !ok {
		return 0, false, apperr.NotFound("product %s not found", productID)
	}
	if have < qty {
		return have, false, nil
	}
	f.stock[productID] = have - qty
	return have - qty, true, nil
}

func (f *fakeStore) IncrementStock(_ context.Context, productID string, qty int) error {
	if f.failInc != nil {
		return f.failInc
	}
	f.touched = append(f.touched, productID)
	f.stock[productID] += qty
	return nil
}

func (f *fakeStore) InsertReservation(_ context.Context, orderID, productID string, _ int) error {
	f.reserved[orderID+"/"+productID] = ReservationReserved
	return nil
}

func (f *fakeStore) MarkReleased(_ context.Context, orderID, productID string) (bool, error) {
	k := orderID + "/" + productID
	if f.reserved[k] != ReservationReserved {
		return false, nil
	}
	f.reserved[k] = ReservationReleased
	return true, nil
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(map[string]int{"p1": 5})
	l := NewLedger(s)

	require.NoError(t, l.Reserve(ctx, "o1", "p1", "Lamp", 3))
	assert.Equal(t, 2, s.stock["p1"])
	assert.Equal(t, ReservationReserved, s.reserved["o1/p1"])

	err := l.Reserve(ctx, "o2", "p1", "Lamp", 3)
	require.True(t, errors.Is(err, apperr.ErrInsufficientStock), "got %v", err)
	assert.Contains(t, err.Error(), `"Lamp". Available: 2, Requested: 3`)
	assert.Equal(t, 2, s.stock["p1"])
	assert.NotContains(t, s.reserved, "o2/p1")

	err = l.Reserve(ctx, "o3", "p1", "Lamp", 0)
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	err = l.Reserve(ctx, "o4", "ghost", "Ghost", 1)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestRelease_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(map[string]int{"p1": 5})
	l := NewLedger(s)
	require.NoError(t, l.Reserve(ctx, "o1", "p1", "Lamp", 2))

	require.NoError(t, l.Release(ctx, "o1", "p1", 2))
	require.NoError(t, l.Release(ctx, "o1", "p1", 2))
	assert.Equal(t, 5, s.stock["p1"])
	assert.Equal(t, ReservationReleased, s.reserved["o1/p1"])

	// never reserved: nothing to give back
	require.NoError(t, l.Release(ctx, "o9", "p1", 4))
	assert.Equal(t, 5, s.stock["p1"])
}

func TestRelease_PropagatesRestockFailure(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(map[string]int{"p1": 5})
	l := NewLedger(s)
	require.NoError(t, l.Reserve(ctx, "o1", "p1", "Lamp", 1))

	boom := errors.New("boom")
	s.failInc = boom
	err := l.Release(ctx, "o1", "p1", 1)
	assert.ErrorIs(t, err, boom)
}

// Two orders over the same products must lock rows in one global order
// regardless of how their lines were added.
func TestReserveAllAndReleaseAll_TouchProductsInIDOrder(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(map[string]int{"pa": 5, "pb": 5, "pc": 5})
	l := NewLedger(s)

	lines := []Line{
		{ProductID: "pc", Title: "C", Quantity: 1},
		{ProductID: "pa", Title: "A", Quantity: 2},
		{ProductID: "pb", Title: "B", Quantity: 3},
	}
	require.NoError(t, l.ReserveAll(ctx, "o1", lines))
	assert.Equal(t, []string{"pa", "pb", "pc"}, s.touched)
	assert.Equal(t, "pc", lines[0].ProductID, "caller slice is left alone")
	assert.Equal(t, map[string]int{"pa": 3, "pb": 2, "pc": 4}, s.stock)

	s.touched = nil
	require.NoError(t, l.ReleaseAll(ctx, "o1", []Line{lines[2], lines[0], lines[1]}))
	assert.Equal(t, []string{"pa", "pb", "pc"}, s.touched)
	assert.Equal(t, map[string]int{"pa": 5, "pb": 5, "pc": 5}, s.stock)
}

func TestReserveAll_StopsAtFirstShortLine(t *testing.T) {
	ctx := context.Background()
	s := newFakeStore(map[string]int{"pa": 5, "pb": 1, "pc": 5})
	l := NewLedger(s)

	err := l.ReserveAll(ctx, "o1", []Line{
		{ProductID: "pc", Title: "C", Quantity: 1},
		{ProductID: "pb", Title: "B", Quantity: 2},
		{ProductID: "pa", Title: "A", Quantity: 1},
	})
	require.True(t, errors.Is(err, apperr.ErrInsufficientStock), "got %v", err)
	assert.Equal(t, []string{"pa", "pb"}, s.touched)
}
