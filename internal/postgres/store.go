package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/inventory"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
)

// Store owns the pool. Per-domain repositories wrap it; see repos.go.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) inTx(ctx context.Context, fn func(t *tx) error) error {
	pgtx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(&tx{q: pgtx}); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) ListProducts(ctx context.Context) ([]catalog.Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, seller_id, title, price::text, stock, published, created_at, updated_at
		FROM products WHERE published ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []catalog.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// tx wraps one pgx transaction; it satisfies cart.Tx, orders.Tx and payments.Tx.
type tx struct{ q querier }

var (
	_ cart.Tx         = (*tx)(nil)
	_ orders.Tx       = (*tx)(nil)
	_ payments.Tx     = (*tx)(nil)
	_ inventory.Store = (*tx)(nil)
)

func scanProduct(row pgx.Row) (catalog.Product, error) {
	var (
		p     catalog.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.SellerID, &p.Title, &price, &p.Stock, &p.Published, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return catalog.Product{}, err
	}
	var err error
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return catalog.Product{}, fmt.Errorf("product %s price: %w", p.ID, err)
	}
	return p, nil
}

func (t *tx) GetProduct(ctx context.Context, productID string) (catalog.Product, error) {
	p, err := scanProduct(t.q.QueryRow(ctx, `
		SELECT id, seller_id, title, price::text, stock, published, created_at, updated_at
		FROM products WHERE id=$1`, productID))
	if err != nil {
		return catalog.Product{}, mapErr(err, "product %s not found", productID)
	}
	return p, nil
}

// ---- cart ----

func ensureCart(ctx context.Context, q querier, userID string) (string, error) {
	if _, err := q.Exec(ctx, `
		INSERT INTO carts(id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING`, uuid.NewString(), userID); err != nil {
		return "", err
	}
	var id string
	err := q.QueryRow(ctx, `SELECT id FROM carts WHERE user_id=$1`, userID).Scan(&id)
	return id, err
}

// loadCart reads the cart and its lines joined with live products. forUpdate
// locks the cart row so two checkouts of one cart serialize.
func loadCart(ctx context.Context, q querier, userID string, forUpdate bool) (cart.Cart, error) {
	c := cart.Cart{UserID: userID}
	sql := `SELECT id, created_at FROM carts WHERE user_id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	if err := q.QueryRow(ctx, sql, userID).Scan(&c.ID, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c, nil
		}
		return cart.Cart{}, err
	}

	rows, err := q.Query(ctx, `
		SELECT ci.product_id, ci.quantity, ci.added_at,
		       p.id, p.seller_id, p.title, p.price::text, p.stock, p.published, p.created_at, p.updated_at
		FROM cart_items ci JOIN products p ON p.id = ci.product_id
		WHERE ci.cart_id=$1
		ORDER BY ci.added_at, ci.product_id`, c.ID)
	if err != nil {
		return cart.Cart{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it    cart.Item
			price string
		)
		if err := rows.Scan(&it.ProductID, &it.Quantity, &it.AddedAt,
			&it.Product.ID, &it.Product.SellerID, &it.Product.Title, &price, &it.Product.Stock,
			&it.Product.Published, &it.Product.CreatedAt, &it.Product.UpdatedAt); err != nil {
			return cart.Cart{}, err
		}
		if it.Product.Price, err = decimal.NewFromString(price); err != nil {
			return cart.Cart{}, fmt.Errorf("product %s price: %w", it.ProductID, err)
		}
		c.Items = append(c.Items, it)
	}
	return c, rows.Err()
}

func (t *tx) EnsureCart(ctx context.Context, userID string) (string, error) {
	return ensureCart(ctx, t.q, userID)
}

func (t *tx) AddQuantity(ctx context.Context, cartID, productID string, qty int) (int, error) {
	var total int
	err := t.q.QueryRow(ctx, `
		INSERT INTO cart_items(cart_id, product_id, quantity) VALUES ($1, $2, $3)
		ON CONFLICT (cart_id, product_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		RETURNING quantity`, cartID, productID, qty).Scan(&total)
	return total, err
}

func (t *tx) SetQuantity(ctx context.Context, cartID, productID string, qty int) (bool, error) {
	ct, err := t.q.Exec(ctx, `UPDATE cart_items SET quantity=$3 WHERE cart_id=$1 AND product_id=$2`, cartID, productID, qty)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) RemoveItem(ctx context.Context, cartID, productID string) (bool, error) {
	ct, err := t.q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1 AND product_id=$2`, cartID, productID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (t *tx) ClearCart(ctx context.Context, cartID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM cart_items WHERE cart_id=$1`, cartID)
	return err
}

func (t *tx) LoadCart(ctx context.Context, buyerID string) (cart.Cart, error) {
	return loadCart(ctx, t.q, buyerID, true)
}

// ---- inventory ----

// DecrementStock is a conditional update, so stock never goes negative.
func (t *tx) DecrementStock(ctx context.Context, productID string, qty int) (int, bool, error) {
	var left int
	err := t.q.QueryRow(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id=$1 AND stock >= $2
		RETURNING stock`, productID, qty).Scan(&left)
	if err == nil {
		return left, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, err
	}
	var available int
	if err := t.q.QueryRow(ctx, `SELECT stock FROM products WHERE id=$1`, productID).Scan(&available); err != nil {
		return 0, false, mapErr(err, "product %s not found", productID)
	}
	return available, false, nil
}

func (t *tx) IncrementStock(ctx context.Context, productID string, qty int) error {
	ct, err := t.q.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.NotFound("product %s not found", productID)
	}
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, orderID, productID string, qty int) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO reservations(order_id, product_id, qty, status)
		VALUES ($1, $2, $3, 'RESERVED')
		ON CONFLICT (order_id, product_id) DO NOTHING`, orderID, productID, qty)
	return err
}

func (t *tx) MarkReleased(ctx context.Context, orderID, productID string) (bool, error) {
	ct, err := t.q.Exec(ctx, `
		UPDATE reservations SET status='RELEASED', updated_at=now()
		WHERE order_id=$1 AND product_id=$2 AND status='RESERVED'`, orderID, productID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// ---- orders ----

const orderCols = `id, buyer_id, status, total::text, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o     orders.Order
		total string
	)
	if err := row.Scan(&o.ID, &o.BuyerID, &o.Status, &total, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	var err error
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return orders.Order{}, fmt.Errorf("order %s total: %w", o.ID, err)
	}
	return o, nil
}

func loadItems(ctx context.Context, q querier, orderIDs []string) (map[string][]orders.OrderItem, error) {
	out := make(map[string][]orders.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `
		SELECT id, order_id, product_id, seller_id, title, quantity,
		       unit_price::text, commission::text, payout::text
		FROM order_items WHERE order_id = ANY($1)
		ORDER BY order_id, id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			it                        orders.OrderItem
			unit, commission, payout string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.SellerID, &it.Title, &it.Quantity,
			&unit, &commission, &payout); err != nil {
			return nil, err
		}
		if it.UnitPrice, err = decimal.NewFromString(unit); err != nil {
			return nil, err
		}
		if it.Commission, err = decimal.NewFromString(commission); err != nil {
			return nil, err
		}
		if it.Payout, err = decimal.NewFromString(payout); err != nil {
			return nil, err
		}
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

func getOrder(ctx context.Context, q querier, id string, forUpdate bool) (orders.Order, error) {
	sql := `SELECT ` + orderCols + ` FROM orders WHERE id=$1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, sql, id))
	if err != nil {
		return orders.Order{}, mapErr(err, "order %s not found", id)
	}
	items, err := loadItems(ctx, q, []string{id})
	if err != nil {
		return orders.Order{}, err
	}
	o.Items = items[id]
	return o, nil
}

func listOrders(ctx context.Context, q querier, sql string, args ...any) ([]orders.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []orders.Order{}
	ids := []string{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	items, err := loadItems(ctx, q, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	if _, err := t.q.Exec(ctx, `
		INSERT INTO orders(id, buyer_id, status, total, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		o.ID, o.BuyerID, string(o.Status), o.Total.String(), o.CreatedAt, o.UpdatedAt); err != nil {
		return mapErr(err, "order %s", o.ID)
	}
	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items(id, order_id, product_id, seller_id, title, quantity, unit_price, commission, payout)
			VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9::numeric)`,
			it.ID, o.ID, it.ProductID, it.SellerID, it.Title, it.Quantity,
			it.UnitPrice.String(), it.Commission.String(), it.Payout.String())
	}
	return t.sendBatch(ctx, batch)
}

func (t *tx) sendBatch(ctx context.Context, b *pgx.Batch) error {
	if b.Len() == 0 {
		return nil
	}
	br := t.q.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (t *tx) LockOrder(ctx context.Context, orderID string) (orders.Order, error) {
	return getOrder(ctx, t.q, orderID, true)
}

func (t *tx) SetOrderStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error {
	ct, err := t.q.Exec(ctx, `UPDATE orders SET status=$2, updated_at=$3 WHERE id=$1`, orderID, string(status), at)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return apperr.NotFound("order %s not found", orderID)
	}
	return nil
}

// ---- payments ----

const paymentCols = `id, order_id, COALESCE(gateway_id, ''), amount::text, status, preference_id, redirect_url, created_at, updated_at`

func scanPayment(row pgx.Row) (payments.Payment, error) {
	var (
		p      payments.Payment
		amount string
	)
	if err := row.Scan(&p.ID, &p.OrderID, &p.GatewayID, &amount, &p.Status, &p.PreferenceID, &p.RedirectURL,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return payments.Payment{}, err
	}
	var err error
	if p.Amount, err = decimal.NewFromString(amount); err != nil {
		return payments.Payment{}, fmt.Errorf("payment %s amount: %w", p.ID, err)
	}
	return p, nil
}

// findPayment returns found=false instead of an error when no row matches.
func findPayment(ctx context.Context, q querier, where string, args ...any) (payments.Payment, bool, error) {
	p, err := scanPayment(q.QueryRow(ctx, `SELECT `+paymentCols+` FROM payments `+where, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return payments.Payment{}, false, nil
	}
	if err != nil {
		return payments.Payment{}, false, err
	}
	return p, true, nil
}

const activePaymentWhere = `WHERE order_id=$1 AND status IN ('PENDING', 'APPROVED') ORDER BY created_at DESC LIMIT 1`

func (t *tx) ActivePayment(ctx context.Context, orderID string) (payments.Payment, bool, error) {
	return findPayment(ctx, t.q, activePaymentWhere, orderID)
}

func (t *tx) PaymentByGatewayID(ctx context.Context, gatewayID string) (payments.Payment, bool, error) {
	return findPayment(ctx, t.q, `WHERE gateway_id=$1 FOR UPDATE`, gatewayID)
}

func (t *tx) UnboundPayment(ctx context.Context, orderID string) (payments.Payment, bool, error) {
	return findPayment(ctx, t.q, `WHERE order_id=$1 AND gateway_id IS NULL ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, orderID)
}

func (t *tx) InsertPayment(ctx context.Context, p payments.Payment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO payments(id, order_id, gateway_id, amount, status, preference_id, redirect_url, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4::numeric, $5, $6, $7, $8, $9)`,
		p.ID, p.OrderID, p.GatewayID, p.Amount.String(), string(p.Status), p.PreferenceID, p.RedirectURL,
		p.CreatedAt, p.UpdatedAt)
	return mapErr(err, "payment %s", p.ID)
}

func (t *tx) UpdatePayment(ctx context.Context, p payments.Payment) error {
	ct, err := t.q.Exec(ctx, `
		UPDATE payments SET gateway_id=NULLIF($2, ''), status=$3, updated_at=$4
		WHERE id=$1`, p.ID, p.GatewayID, string(p.Status), p.UpdatedAt)
	if err != nil {
		return mapErr(err, "payment gateway id %s", p.GatewayID)
	}
	if ct.RowsAffected() != 1 {
		return apperr.NotFound("payment %s not found", p.ID)
	}
	return nil
}

func (t *tx) CancelOpenPayments(ctx context.Context, orderID string) error {
	_, err := t.q.Exec(ctx, `
		UPDATE payments SET status='CANCELLED', updated_at=now()
		WHERE order_id=$1 AND status='PENDING'`, orderID)
	return err
}
