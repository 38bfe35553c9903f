// Package inventory holds the authoritative stock movements. Every movement runs
// on the caller's transaction so it commits or rolls back with the order change
// that triggered it.
package inventory

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
)

const (
	ReservationReserved = "RESERVED"
	ReservationReleased = "RELEASED"
)

// Store is the tx-scoped persistence the ledger needs.
type Store interface {
	// DecrementStock subtracts qty only if stock >= qty. When it does not, ok is
	// false and available holds the current stock.
	DecrementStock(ctx context.Context, productID string, qty int) (available int, ok bool, err error)
	IncrementStock(ctx context.Context, productID string, qty int) error
	InsertReservation(ctx context.Context, orderID, productID string, qty int) error
	// MarkReleased flips a RESERVED row to RELEASED and reports whether it did.
	MarkReleased(ctx context.Context, orderID, productID string) (bool, error)
}

type Ledger struct {
	store Store
}

func NewLedger(s Store) Ledger { return Ledger{store: s} }

// Reserve decrements stock for one order line. It never leaves a partial decrement behind.
func (l Ledger) Reserve(ctx context.Context, orderID, productID, title string, qty int) error {
	if qty <= 0 {
		return apperr.BadRequest("invalid quantity %d for product %s", qty, productID)
	}
	available, ok, err := l.store.DecrementStock(ctx, productID, qty)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if !ok {
		return apperr.InsufficientStock(title, available, qty)
	}
	if err := l.store.InsertReservation(ctx, orderID, productID, qty); err != nil {
		return fmt.Errorf("record reservation %s/%s: %w", orderID, productID, err)
	}
	return nil
}

// Release gives back a reserved line. Releasing twice is a no-op.
func (l Ledger) Release(ctx context.Context, orderID, productID string, qty int) error {
	released, err := l.store.MarkReleased(ctx, orderID, productID)
	if err != nil {
		return fmt.Errorf("release %s/%s: %w", orderID, productID, err)
	}
	if !released {
		return nil
	}
	if err := l.store.IncrementStock(ctx, productID, qty); err != nil {
		return fmt.Errorf("restock %s: %w", productID, err)
	}
	return nil
}

// Line is one order line as the ledger sees it.
type Line struct {
	ProductID string
	Title     string
	Quantity  int
}

// byProduct returns a copy of lines in ascending product id. Concurrent orders
// touching the same products then lock their rows in the same order.
func byProduct(lines []Line) []Line {
	out := slices.Clone(lines)
	slices.SortFunc(out, func(a, b Line) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return out
}

// ReserveAll reserves every line of an order, stopping at the first failure.
func (l Ledger) ReserveAll(ctx context.Context, orderID string, lines []Line) error {
	for _, ln := range byProduct(lines) {
		if err := l.Reserve(ctx, orderID, ln.ProductID, ln.Title, ln.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll gives back every line of an order.
func (l Ledger) ReleaseAll(ctx context.Context, orderID string, lines []Line) error {
	for _, ln := range byProduct(lines) {
		if err := l.Release(ctx, orderID, ln.ProductID, ln.Quantity); err != nil {
			return err
		}
	}
	return nil
}
