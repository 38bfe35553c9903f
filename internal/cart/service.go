package cart

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/logging"
	"go.uber.org/zap"
)

type Repository interface {
	// GetOrCreate returns the user's cart with items and their live products,
	// creating an empty cart on first access.
	GetOrCreate(ctx context.Context, userID string) (Cart, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	GetProduct(ctx context.Context, productID string) (catalog.Product, error)
	EnsureCart(ctx context.Context, userID string) (cartID string, err error)
	// AddQuantity upserts the line, incrementing an existing quantity, and returns the new total.
	AddQuantity(ctx context.Context, cartID, productID string, qty int) (int, error)
	// SetQuantity reports false when the line does not exist.
	SetQuantity(ctx context.Context, cartID, productID string, qty int) (bool, error)
	RemoveItem(ctx context.Context, cartID, productID string) (bool, error)
	ClearCart(ctx context.Context, cartID string) error
}

type Service struct {
	Repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{Repo: repo}
}

func (s *Service) Get(ctx context.Context, userID string) (View, error) {
	c, err := s.Repo.GetOrCreate(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("cart: get: %w", err)
	}
	return Summarize(c), nil
}

// AddItem merges qty into an existing line. The stock check covers what is
// already in the cart plus the new quantity.
func (s *Service) AddItem(ctx context.Context, userID, productID string, qty int) (View, error) {
	if qty < 1 {
		return View{}, apperr.BadRequest("quantity must be at least 1")
	}
	err := s.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if !p.Published {
			return apperr.Unavailable("product %q is not available", p.Title)
		}
		if p.Stock < qty {
			return apperr.InsufficientStock(p.Title, p.Stock, qty)
		}
		cartID, err := tx.EnsureCart(ctx, userID)
		if err != nil {
			return err
		}
		total, err := tx.AddQuantity(ctx, cartID, productID, qty)
		if err != nil {
			return err
		}
		if total > p.Stock {
			// rolls the upsert back
			return apperr.InsufficientStock(p.Title, p.Stock, total)
		}
		return nil
	})
	if err != nil {
		logging.FromContext(ctx).Debug("cart_add_rejected",
			zap.String("product_id", productID), zap.Int("qty", qty), zap.Error(err))
		return View{}, fmt.Errorf("cart: add item: %w", err)
	}
	return s.Get(ctx, userID)
}

func (s *Service) UpdateItem(ctx context.Context, userID, productID string, qty int) (View, error) {
	if qty < 1 {
		return View{}, apperr.BadRequest("quantity must be at least 1")
	}
	err := s.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		cartID, err := tx.EnsureCart(ctx, userID)
		if err != nil {
			return err
		}
		found, err := tx.SetQuantity(ctx, cartID, productID, qty)
		if err != nil {
			return err
		}
		if !found {
			return apperr.NotFound("product %s not found in cart", productID)
		}
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		if p.Stock < qty {
			return apperr.InsufficientStock(p.Title, p.Stock, qty)
		}
		return nil
	})
	if err != nil {
		return View{}, fmt.Errorf("cart: update item: %w", err)
	}
	return s.Get(ctx, userID)
}

func (s *Service) RemoveItem(ctx context.Context, userID, productID string) (View, error) {
	err := s.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		cartID, err := tx.EnsureCart(ctx, userID)
		if err != nil {
			return err
		}
		removed, err := tx.RemoveItem(ctx, cartID, productID)
		if err != nil {
			return err
		}
		if !removed {
			return apperr.NotFound("product %s not found in cart", productID)
		}
		return nil
	})
	if err != nil {
		return View{}, fmt.Errorf("cart: remove item: %w", err)
	}
	return s.Get(ctx, userID)
}

func (s *Service) Clear(ctx context.Context, userID string) (View, error) {
	err := s.Repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		cartID, err := tx.EnsureCart(ctx, userID)
		if err != nil {
			return err
		}
		return tx.ClearCart(ctx, cartID)
	})
	if err != nil {
		return View{}, fmt.Errorf("cart: clear: %w", err)
	}
	return s.Get(ctx, userID)
}
