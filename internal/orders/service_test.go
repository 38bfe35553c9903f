package orders_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-marketplace-orders/internal/apperr"
	"github.com/ariefcatur/go-marketplace-orders/internal/cart"
	"github.com/ariefcatur/go-marketplace-orders/internal/catalog"
	"github.com/ariefcatur/go-marketplace-orders/internal/commission"
	"github.com/ariefcatur/go-marketplace-orders/internal/identity"
	"github.com/ariefcatur/go-marketplace-orders/internal/inventory"
	"github.com/ariefcatur/go-marketplace-orders/internal/memstore"
	"github.com/ariefcatur/go-marketplace-orders/internal/orders"
)

var (
	buyer  = identity.Actor{UserID: "buyer-1", Role: identity.RoleBuyer}
	other  = identity.Actor{UserID: "buyer-2", Role: identity.RoleBuyer}
	seller = identity.Actor{UserID: "seller-1", Role: identity.RoleSeller}
	admin  = identity.Actor{UserID: "admin-1", Role: identity.RoleAdmin}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type published struct {
	topic string
	key   string
	env   orders.Envelope
}

type fakePublisher struct {
	mu  sync.Mutex
	out []published
}

func (f *fakePublisher) Publish(topic string, key, value []byte, _ ...kafkago.Header) {
	var env orders.Envelope
	_ = json.Unmarshal(value, &env)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, published{topic: topic, key: string(key), env: env})
}

func (f *fakePublisher) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ts []string
	for _, p := range f.out {
		ts = append(ts, p.topic)
	}
	return ts
}

type mapCache struct {
	mu   sync.Mutex
	m    map[string]string
	hits int
}

func (c *mapCache) GetOrderStatus(_ context.Context, id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.m[id]
	if ok {
		c.hits++
	}
	return s, ok
}

func (c *mapCache) SetOrderStatus(_ context.Context, id, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = status
}

type fixture struct {
	store *memstore.Store
	svc   *orders.Service
	carts *cart.Service
	pub   *fakePublisher
	cache *mapCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	st.PutProduct(catalog.Product{ID: "p1", SellerID: seller.UserID, Title: "Lamp", Price: d("100"), Stock: 5, Published: true})
	st.PutProduct(catalog.Product{ID: "p2", SellerID: "seller-2", Title: "Mug", Price: d("12.50"), Stock: 4, Published: true})

	pub := &fakePublisher{}
	cache := &mapCache{m: map[string]string{}}
	svc := orders.NewService(memstore.NewOrderRepo(st), commission.MustNew(d("0.10")))
	svc.Events = orders.NewNotifier(pub, "test")
	svc.Cache = cache
	return &fixture{store: st, svc: svc, carts: cart.NewService(memstore.NewCartRepo(st)), pub: pub, cache: cache}
}

func (f *fixture) add(t *testing.T, userID, productID string, qty int) {
	t.Helper()
	_, err := f.carts.AddItem(context.Background(), userID, productID, qty)
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, productID string) int {
	t.Helper()
	p, ok := f.store.Product(productID)
	require.True(t, ok)
	return p.Stock
}

func TestCheckout_CreatesOrderReservesStockAndClearsCart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 2)

	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)

	assert.Equal(t, orders.StatusPending, o.Status)
	assert.True(t, d("200").Equal(o.Total), "total %s", o.Total)
	require.Len(t, o.Items, 1)
	it := o.Items[0]
	assert.Equal(t, seller.UserID, it.SellerID)
	assert.Equal(t, "Lamp", it.Title)
	assert.True(t, d("20").Equal(it.Commission))
	assert.True(t, d("180").Equal(it.Payout))
	require.NoError(t, o.CheckTotals())

	assert.Equal(t, 3, f.stock(t, "p1"))
	view, err := f.carts.Get(ctx, buyer.UserID)
	require.NoError(t, err)
	assert.Empty(t, view.Items)

	qty, status, ok := f.store.Reservation(o.ID, "p1")
	require.True(t, ok)
	assert.Equal(t, 2, qty)
	assert.Equal(t, inventory.ReservationReserved, status)

	assert.Equal(t, []string{orders.TopicOrderCreated}, f.pub.topics())
	assert.Equal(t, o.ID, f.pub.out[0].key)
	assert.Equal(t, orders.EventOrderCreated, f.pub.out[0].env.EventType)
}

func TestCheckout_PriceSnapshotSurvivesCatalogChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p2", 3)

	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)

	p, _ := f.store.Product("p2")
	p.Price = d("99")
	p.Title = "Renamed"
	f.store.PutProduct(p)

	got, err := f.svc.Get(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.True(t, d("12.50").Equal(got.Items[0].UnitPrice))
	assert.Equal(t, "Mug", got.Items[0].Title)
	assert.True(t, d("37.50").Equal(got.Total))
}

func TestCheckout_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("empty cart", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
		assert.True(t, errors.Is(err, apperr.ErrBadRequest), "got %v", err)
	})

	t.Run("unpublished product", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, buyer.UserID, "p1", 1)
		p, _ := f.store.Product("p1")
		p.Published = false
		f.store.PutProduct(p)

		_, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
		assert.True(t, errors.Is(err, apperr.ErrUnavailable), "got %v", err)
		assert.Equal(t, 5, f.stock(t, "p1"))
	})

	t.Run("stock dropped after adding", func(t *testing.T) {
		f := newFixture(t)
		f.add(t, buyer.UserID, "p1", 1)
		f.add(t, buyer.UserID, "p2", 4)
		p, _ := f.store.Product("p2")
		p.Stock = 2
		f.store.PutProduct(p)

		_, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
		require.True(t, errors.Is(err, apperr.ErrInsufficientStock), "got %v", err)
		assert.Contains(t, err.Error(), "Available: 2, Requested: 4")
		// nothing partially reserved
		assert.Equal(t, 5, f.stock(t, "p1"))
		view, err := f.carts.Get(ctx, buyer.UserID)
		require.NoError(t, err)
		assert.Len(t, view.Items, 2)
	})
}

func TestCheckout_FailureRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 2)
	f.add(t, buyer.UserID, "p2", 1)
	f.store.InjectFault("ClearCart", errors.New("disk on fire"))

	_, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))

	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, 4, f.stock(t, "p2"))
	list, err := f.svc.ListMine(ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, list)
	view, err := f.carts.Get(ctx, buyer.UserID)
	require.NoError(t, err)
	assert.Len(t, view.Items, 2)
	assert.Empty(t, f.pub.topics())

	f.store.InjectFault("ClearCart", nil)
	_, err = f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)
}

func TestCheckout_ConcurrentBuyersNeverOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 3)
	f.add(t, other.UserID, "p1", 3)

	var (
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	var g errgroup.Group
	for _, u := range []string{buyer.UserID, other.UserID} {
		g.Go(func() error {
			_, err := f.svc.CreateOrderFromCart(ctx, u)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperr.ErrInsufficientStock):
				rejected++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 2, f.stock(t, "p1"))
}

func TestCheckout_ManyConcurrentSingleUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const buyers = 12
	for i := 0; i < buyers; i++ {
		f.add(t, buyerID(i), "p1", 1)
	}

	var g errgroup.Group
	results := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		g.Go(func() error {
			_, results[i] = f.svc.CreateOrderFromCart(ctx, buyerID(i))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrInsufficientStock), "got %v", err)
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, 0, f.stock(t, "p1"))
}

func buyerID(i int) string { return "buyer-" + string(rune('a'+i)) }

func TestCancel_ReleasesEveryLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 1)
	f.add(t, buyer.UserID, "p2", 1)
	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)
	require.Equal(t, 4, f.stock(t, "p1"))
	require.Equal(t, 3, f.stock(t, "p2"))

	got, err := f.svc.Cancel(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, 5, f.stock(t, "p1"))
	assert.Equal(t, 4, f.stock(t, "p2"))
	_, status, _ := f.store.Reservation(o.ID, "p1")
	assert.Equal(t, inventory.ReservationReleased, status)

	// a second cancel is rejected and gives nothing back twice
	_, err = f.svc.Cancel(ctx, buyer, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "got %v", err)
	assert.Equal(t, 5, f.stock(t, "p1"))

	st, err := f.svc.Status(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, st)
}

func TestCancel_Rules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 1)
	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, seller, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "got %v", err)
	_, err = f.svc.Cancel(ctx, admin, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "got %v", err)

	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusPaid)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, buyer, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "got %v", err)
	assert.Equal(t, 4, f.stock(t, "p1"))

	_, err = f.svc.Cancel(ctx, buyer, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound), "got %v", err)
}

func TestCancel_RestockFailureLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 2)
	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)

	f.store.InjectFault("IncrementStock", errors.New("boom"))
	_, err = f.svc.Cancel(ctx, buyer, o.ID)
	require.Error(t, err)

	got, err := f.svc.Get(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, got.Status)
	assert.Equal(t, 3, f.stock(t, "p1"))
	_, status, _ := f.store.Reservation(o.ID, "p1")
	assert.Equal(t, inventory.ReservationReserved, status)
}

func TestLifecycle_CompletedIsFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 1)
	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusPaid)
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusShipped)
	require.NoError(t, err)

	_, err = f.svc.ConfirmDelivery(ctx, seller, o.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "got %v", err)
	done, err := f.svc.ConfirmDelivery(ctx, buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, done.Status)

	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusShipped)
	require.True(t, errors.Is(err, apperr.ErrInvalidTransition), "got %v", err)
	got, err := f.svc.Get(ctx, seller, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCompleted, got.Status)
	assert.Equal(t, done.UpdatedAt, got.UpdatedAt)

	ok, err := f.svc.HasCompletedPurchase(ctx, buyer.UserID, "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.svc.HasCompletedPurchase(ctx, buyer.UserID, "p2")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.svc.HasCompletedPurchase(ctx, "", "p1")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest))

	assert.Equal(t, []string{
		orders.TopicOrderCreated,
		orders.TopicOrderStatusChanged,
		orders.TopicOrderStatusChanged,
		orders.TopicOrderStatusChanged,
	}, f.pub.topics())
}

func TestUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 1)
	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, buyer, o.ID, orders.StatusPaid)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "buyer: %v", err)
	_, err = f.svc.UpdateStatus(ctx, identity.Actor{UserID: "seller-2", Role: identity.RoleSeller}, o.ID, orders.StatusPaid)
	assert.True(t, errors.Is(err, apperr.ErrForbidden), "foreign seller: %v", err)
	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, "BOGUS")
	assert.True(t, errors.Is(err, apperr.ErrBadRequest), "unknown status: %v", err)
	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusCancelled)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "cancel via update: %v", err)
	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusCompleted)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition), "complete via update: %v", err)

	got, err := f.svc.UpdateStatus(ctx, admin, o.ID, orders.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)

	before := len(f.pub.topics())
	again, err := f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusPaid)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, again.Status)
	assert.Len(t, f.pub.topics(), before, "same-state update publishes nothing")

	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusPending)
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 1)
	f.add(t, buyer.UserID, "p2", 2)
	first, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)
	f.add(t, other.UserID, "p2", 1)
	second, err := f.svc.CreateOrderFromCart(ctx, other.UserID)
	require.NoError(t, err)

	mine, err := f.svc.ListMine(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, first.ID, mine[0].ID)

	selling, err := f.svc.ListSelling(ctx, seller)
	require.NoError(t, err)
	require.Len(t, selling, 1)
	require.Len(t, selling[0].Items, 1, "only the seller's own lines")
	assert.Equal(t, "p1", selling[0].Items[0].ProductID)

	_, err = f.svc.ListAll(ctx, seller)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	all, err := f.svc.ListAll(ctx, admin)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	_, err = f.svc.Get(ctx, other, first.ID)
	assert.True(t, errors.Is(err, apperr.ErrForbidden))
	_, err = f.svc.Get(ctx, seller, first.ID)
	assert.NoError(t, err)
	_, err = f.svc.Get(ctx, admin, first.ID)
	assert.NoError(t, err)
}

func TestStatus_ServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.add(t, buyer.UserID, "p1", 1)
	o, err := f.svc.CreateOrderFromCart(ctx, buyer.UserID)
	require.NoError(t, err)

	st, err := f.svc.Status(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, st)
	assert.Equal(t, 1, f.cache.hits)

	_, err = f.svc.UpdateStatus(ctx, seller, o.ID, orders.StatusShipped)
	require.NoError(t, err)
	st, err = f.svc.Status(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, st)

	// cold cache falls through to storage
	f.svc.Cache = &mapCache{m: map[string]string{}}
	st, err = f.svc.Status(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, st)

	_, err = f.svc.Status(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestService_WorksWithoutOptionalCollaborators(t *testing.T) {
	st := memstore.New()
	st.PutProduct(catalog.Product{ID: "p1", SellerID: seller.UserID, Title: "Lamp", Price: d("10"), Stock: 1, Published: true})
	svc := orders.NewService(memstore.NewOrderRepo(st), commission.MustNew(d("0.15")))
	_, err := cart.NewService(memstore.NewCartRepo(st)).AddItem(context.Background(), buyer.UserID, "p1", 1)
	require.NoError(t, err)

	o, err := svc.CreateOrderFromCart(context.Background(), buyer.UserID)
	require.NoError(t, err)
	assert.True(t, d("1.5").Equal(o.Items[0].Commission))
	_, err = svc.Cancel(context.Background(), buyer, o.ID)
	require.NoError(t, err)
}
