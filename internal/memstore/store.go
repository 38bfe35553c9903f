// Package memstore is an in-process implementation of every storage port. All
// transactions are serialized by one mutex; a failed transaction restores the
// snapshot taken when it began.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/inventory"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
	"github.com/ariefcatur/go-marketplace-orders/internal/payments"
)

type cartItem struct {
	ProductID string
	Quantity  int
	AddedAt   time.Time
}

type cartRow struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	Items     []cartItem
}

type resKey struct{ orderID, productID string }

type reservation struct {
	Qty    int
	Status string
}

type state struct {
	products     map[string]catalog.Product
	carts        map[string]cartRow // by cart id
	cartByUser   map[string]string
	orders       []orders.Order // insertion order
	payments     []payments.Payment
	reservations map[resKey]reservation
}

func newState() state {
	return state{
		products:     map[string]catalog.Product{},
		carts:        map[string]cartRow{},
		cartByUser:   map[string]string{},
		reservations: map[resKey]reservation{},
	}
}

func (st state) clone() state {
	out := newState()
	for k, v := range st.products {
		out.products[k] = v
	}
	for k, v := range st.carts {
		v.Items = append([]cartItem(nil), v.Items...)
		out.carts[k] = v
	}
	for k, v := range st.cartByUser {
		out.cartByUser[k] = v
	}
	out.orders = make([]orders.Order, len(st.orders))
	for i, o := range st.orders {
		o.Items = append([]orders.OrderItem(nil), o.Items...)
		out.orders[i] = o
	}
	out.payments = append([]payments.Payment(nil), st.payments...)
	for k, v := range st.reservations {
		out.reservations[k] = v
	}
	return out
}

type Store struct {
	mu     sync.Mutex
	st     state
	faults map[string]error
	now    func() time.Time
}

func New() *Store {
	return &Store{st: newState(), faults: map[string]error{}, now: func() time.Time { return time.Now().UTC() }}
}

// InjectFault makes every later call of the named tx operation fail with err.
// A nil err clears it.
func (s *Store) InjectFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// PutProduct inserts or replaces a catalog product.
func (s *Store) PutProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.UpdatedAt = s.now()
	s.st.products[p.ID] = p
}

func (s *Store) Product(id string) (catalog.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

// Reservation exposes the journal row for assertions.
func (s *Store) Reservation(orderID, productID string) (qty int, status string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.st.reservations[resKey{orderID, productID}]
	return r.Qty, r.Status, ok
}

// Payments returns every payment of an order, oldest first.
func (s *Store) Payments(orderID string) []payments.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payments.Payment
	for _, p := range s.st.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) ListProducts(ctx context.Context) ([]catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.Product, 0, len(s.st.products))
	for _, p := range s.st.products {
		if p.Published {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(t *tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.st.clone()
	if err := fn(&tx{s: s}); err != nil {
		s.st = snap
		return err
	}
	return nil
}

func (s *Store) fault(op string) error {
	return s.faults[op]
}

func (s *Store) orderIndex(id string) int {
	for i := range s.st.orders {
		if s.st.orders[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) loadCart(userID string) cart.Cart {
	id, ok := s.st.cartByUser[userID]
	if !ok {
		return cart.Cart{UserID: userID}
	}
	row := s.st.carts[id]
	c := cart.Cart{ID: row.ID, UserID: row.UserID, CreatedAt: row.CreatedAt, Items: make([]cart.Item, 0, len(row.Items))}
	for _, it := range row.Items {
		c.Items = append(c.Items, cart.Item{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			Product:   s.st.products[it.ProductID],
			AddedAt:   it.AddedAt,
		})
	}
	return c
}

func (s *Store) ensureCart(userID string) string {
	if id, ok := s.st.cartByUser[userID]; ok {
		return id
	}
	row := cartRow{ID: uuid.NewString(), UserID: userID, CreatedAt: s.now()}
	s.st.carts[row.ID] = row
	s.st.cartByUser[userID] = row.ID
	return row.ID
}

// tx is the single tx-scoped view; it satisfies cart.Tx, orders.Tx and payments.Tx.
type tx struct{ s *Store }

var (
	_ cart.Tx         = (*tx)(nil)
	_ orders.Tx       = (*tx)(nil)
	_ payments.Tx     = (*tx)(nil)
	_ inventory.Store = (*tx)(nil)
)

func (t *tx) GetProduct(ctx context.Context, productID string) (catalog.Product, error) {
	p, ok := t.s.st.products[productID]
	if !ok {
		return catalog.Product{}, apperr.NotFound("product %s not found", productID)
	}
	return p, nil
}

func (t *tx) EnsureCart(ctx context.Context, userID string) (string, error) {
	return t.s.ensureCart(userID), nil
}

func (t *tx) AddQuantity(ctx context.Context, cartID, productID string, qty int) (int, error) {
	if err := t.s.fault("AddQuantity"); err != nil {
		return 0, err
	}
	row, ok := t.s.st.carts[cartID]
	if !ok {
		return 0, apperr.NotFound("cart %s not found", cartID)
	}
	for i := range row.Items {
		if row.Items[i].ProductID == productID {
			row.Items[i].Quantity += qty
			t.s.st.carts[cartID] = row
			return row.Items[i].Quantity, nil
		}
	}
	row.Items = append(row.Items, cartItem{ProductID: productID, Quantity: qty, AddedAt: t.s.now()})
	t.s.st.carts[cartID] = row
	return qty, nil
}

func (t *tx) SetQuantity(ctx context.Context, cartID, productID string, qty int) (bool, error) {
	row, ok := t.s.st.carts[cartID]
	if !ok {
		return false, nil
	}
	for i := range row.Items {
		if row.Items[i].ProductID == productID {
			row.Items[i].Quantity = qty
			t.s.st.carts[cartID] = row
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) RemoveItem(ctx context.Context, cartID, productID string) (bool, error) {
	row, ok := t.s.st.carts[cartID]
	if !ok {
		return false, nil
	}
	for i := range row.Items {
		if row.Items[i].ProductID == productID {
			row.Items = append(row.Items[:i], row.Items[i+1:]...)
			t.s.st.carts[cartID] = row
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) ClearCart(ctx context.Context, cartID string) error {
	if err := t.s.fault("ClearCart"); err != nil {
		return err
	}
	row, ok := t.s.st.carts[cartID]
	if !ok {
		return nil
	}
	row.Items = nil
	t.s.st.carts[cartID] = row
	return nil
}

func (t *tx) LoadCart(ctx context.Context, buyerID string) (cart.Cart, error) {
	return t.s.loadCart(buyerID), nil
}

func (t *tx) InsertOrder(ctx context.Context, o orders.Order) error {
	if err := t.s.fault("InsertOrder"); err != nil {
		return err
	}
	if t.s.orderIndex(o.ID) >= 0 {
		return apperr.Conflict("order %s already exists", o.ID)
	}
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	t.s.st.orders = append(t.s.st.orders, o)
	return nil
}

func (t *tx) LockOrder(ctx context.Context, orderID string) (orders.Order, error) {
	i := t.s.orderIndex(orderID)
	if i < 0 {
		return orders.Order{}, apperr.NotFound("order %s not found", orderID)
	}
	o := t.s.st.orders[i]
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o, nil
}

func (t *tx) SetOrderStatus(ctx context.Context, orderID string, status orders.Status, at time.Time) error {
	if err := t.s.fault("SetOrderStatus"); err != nil {
		return err
	}
	i := t.s.orderIndex(orderID)
	if i < 0 {
		return apperr.NotFound("order %s not found", orderID)
	}
	t.s.st.orders[i].Status = status
	t.s.st.orders[i].UpdatedAt = at
	return nil
}

func (t *tx) CancelOpenPayments(ctx context.Context, orderID string) error {
	for i := range t.s.st.payments {
		p := &t.s.st.payments[i]
		if p.OrderID == orderID && p.Status == payments.StatusPending {
			p.Status = payments.StatusCancelled
			p.UpdatedAt = t.s.now()
		}
	}
	return nil
}

func (t *tx) DecrementStock(ctx context.Context, productID string, qty int) (int, bool, error) {
	p, ok := t.s.st.products[productID]
	if !ok {
		return 0, false, apperr.NotFound("product %s not found", productID)
	}
	if p.Stock < qty {
		return p.Stock, false, nil
	}
	p.Stock -= qty
	p.UpdatedAt = t.s.now()
	t.s.st.products[productID] = p
	return p.Stock, true, nil
}

func (t *tx) IncrementStock(ctx context.Context, productID string, qty int) error {
	if err := t.s.fault("IncrementStock"); err != nil {
		return err
	}
	p, ok := t.s.st.products[productID]
	if !ok {
		return apperr.NotFound("product %s not found", productID)
	}
	p.Stock += qty
	p.UpdatedAt = t.s.now()
	t.s.st.products[productID] = p
	return nil
}

func (t *tx) InsertReservation(ctx context.Context, orderID, productID string, qty int) error {
	if err := t.s.fault("InsertReservation"); err != nil {
		return err
	}
	k := resKey{orderID, productID}
	if _, ok := t.s.st.reservations[k]; ok {
		return nil
	}
	t.s.st.reservations[k] = reservation{Qty: qty, Status: inventory.ReservationReserved}
	return nil
}

func (t *tx) MarkReleased(ctx context.Context, orderID, productID string) (bool, error) {
	k := resKey{orderID, productID}
	r, ok := t.s.st.reservations[k]
	if !ok || r.Status != inventory.ReservationReserved {
		return false, nil
	}
	r.Status = inventory.ReservationReleased
	t.s.st.reservations[k] = r
	return true, nil
}

func (t *tx) ActivePayment(ctx context.Context, orderID string) (payments.Payment, bool, error) {
	return t.s.activePayment(orderID)
}

func (t *tx) PaymentByGatewayID(ctx context.Context, gatewayID string) (payments.Payment, bool, error) {
	for _, p := range t.s.st.payments {
		if gatewayID != "" && p.GatewayID == gatewayID {
			return p, true, nil
		}
	}
	return payments.Payment{}, false, nil
}

func (t *tx) UnboundPayment(ctx context.Context, orderID string) (payments.Payment, bool, error) {
	for i := len(t.s.st.payments) - 1; i >= 0; i-- {
		p := t.s.st.payments[i]
		if p.OrderID == orderID && p.GatewayID == "" {
			return p, true, nil
		}
	}
	return payments.Payment{}, false, nil
}

func (t *tx) InsertPayment(ctx context.Context, p payments.Payment) error {
	if err := t.s.fault("InsertPayment"); err != nil {
		return err
	}
	for _, existing := range t.s.st.payments {
		if existing.ID == p.ID || (p.GatewayID != "" && existing.GatewayID == p.GatewayID) {
			return apperr.Conflict("payment %s already exists", p.ID)
		}
	}
	t.s.st.payments = append(t.s.st.payments, p)
	return nil
}

func (t *tx) UpdatePayment(ctx context.Context, p payments.Payment) error {
	if err := t.s.fault("UpdatePayment"); err != nil {
		return err
	}
	for i := range t.s.st.payments {
		if t.s.st.payments[i].ID == p.ID {
			t.s.st.payments[i] = p
			return nil
		}
	}
	return apperr.NotFound("payment %s not found", p.ID)
}

func (s *Store) activePayment(orderID string) (payments.Payment, bool, error) {
	for i := len(s.st.payments) - 1; i >= 0; i-- {
		p := s.st.payments[i]
		if p.OrderID == orderID && p.Status.Active() {
			return p, true, nil
		}
	}
	return payments.Payment{}, false, nil
}
