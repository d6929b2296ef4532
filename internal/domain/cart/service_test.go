package cart

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/xenking/kart-settlement/internal/domain/auth"
	"github.com/xenking/kart-settlement/internal/domain/order"
	"github.com/xenking/kart-settlement/internal/domain/product"
)

// --- Mock implementations ---

type mockProductRepo struct {
	byID map[string]product.Product
}

func (m *mockProductRepo) List(context.Context) ([]product.Product, error) { return nil, nil }

func (m *mockProductRepo) GetByID(_ context.Context, id string) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

func (m *mockProductRepo) GetByIDs(context.Context, []string) ([]product.Product, error) {
	return nil, nil
}

type mockCartRepo struct {
	mu       sync.Mutex
	lines    map[string][]Line
	orders   []*order.Order
	events   []order.Event
	gets     atomic.Int32
	persistF error
	// afterGet runs once the lines are read, outside the lock.
	afterGet func(ctx context.Context) error
}

func newCartRepo() *mockCartRepo {
	return &mockCartRepo{lines: make(map[string][]Line)}
}

func (m *mockCartRepo) Get(ctx context.Context, ownerID string) (*Cart, error) {
	m.gets.Add(1)
	m.mu.Lock()
	c := &Cart{OwnerID: ownerID, Lines: append([]Line(nil), m.lines[ownerID]...)}
	m.mu.Unlock()

	if m.afterGet != nil {
		if err := m.afterGet(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (m *mockCartRepo) AddLine(_ context.Context, ownerID string, l Line) (*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.lines[ownerID] {
		if existing.ProductID == l.ProductID {
			m.lines[ownerID][i].Quantity += l.Quantity
			out := m.lines[ownerID][i]
			return &out, nil
		}
	}
	m.lines[ownerID] = append(m.lines[ownerID], l)
	return &l, nil
}

func (m *mockCartRepo) SetQuantity(_ context.Context, ownerID, lineID string, qty int) (*Line, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.lines[ownerID] {
		if l.ID == lineID {
			m.lines[ownerID][i].Quantity = qty
			out := m.lines[ownerID][i]
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockCartRepo) RemoveLine(_ context.Context, ownerID, lineID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := m.lines[ownerID]
	for i, l := range lines {
		if l.ID == lineID {
			m.lines[ownerID] = append(lines[:i:i], lines[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockCartRepo) Checkout(_ context.Context, ownerID string, place PlaceFunc) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := place(append([]Line(nil), m.lines[ownerID]...))
	if err != nil {
		return nil, err
	}
	if m.persistF != nil {
		return nil, m.persistF
	}
	m.orders = append(m.orders, p.Order)
	m.events = append(m.events, p.Events...)
	delete(m.lines, ownerID)
	return p.Order, nil
}

type mockCache struct {
	mu          sync.Mutex
	entries     map[string]*Cart
	versions    map[string]int64
	invalidated []string
	getErr      error
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string]*Cart), versions: make(map[string]int64)}
}

func (m *mockCache) Get(_ context.Context, ownerID string) (*Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	c, ok := m.entries[ownerID]
	if !ok {
		return nil, ErrCacheMiss
	}
	return c, nil
}

func (m *mockCache) Version(_ context.Context, ownerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[ownerID], nil
}

func (m *mockCache) Set(_ context.Context, c *Cart, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.versions[c.OwnerID] != version {
		return ErrCacheStale
	}
	m.entries[c.OwnerID] = c
	return nil
}

func (m *mockCache) cached(ownerID string) (*Cart, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.entries[ownerID]
	return c, ok
}

func (m *mockCache) Invalidate(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ownerID)
	m.versions[ownerID]++
	m.invalidated = append(m.invalidated, ownerID)
	return nil
}

// --- Helpers ---

var (
	buyer  = auth.Actor{ID: "buyer-1", Username: "korban", Role: auth.RoleBuyer}
	other  = auth.Actor{ID: "buyer-2", Username: "tetangga", Role: auth.RoleBuyer}
	seller = auth.Actor{ID: "seller-1", Username: "toko", Role: auth.RoleSeller}
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newCatalog() *mockProductRepo {
	return &mockProductRepo{byID: map[string]product.Product{
		"prod-a": {ID: "prod-a", Name: "ProductA", Price: dec("10.00"), Stock: 5},
		"prod-b": {ID: "prod-b", Name: "ProductB", Price: dec("30.00"), SpecialPrice: decimal.NewNullDecimal(dec("25.00")), Stock: 1},
	}}
}

func newTestService(t *testing.T, carts Repository, products product.Repository, cache Cache) *Service {
	t.Helper()
	svc, err := NewService(carts, products, cache, metricnoop.NewMeterProvider())
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

// --- Tests ---

func TestCartTotals(t *testing.T) {
	empty := &Cart{}
	assert.True(t, empty.TotalPrice().IsZero())
	assert.Zero(t, empty.TotalItems())

	c := &Cart{Lines: []Line{
		{Quantity: 3, UnitPrice: dec("10.00")},
		{Quantity: 1, UnitPrice: dec("25.00")},
	}}
	assert.True(t, dec("55.00").Equal(c.TotalPrice()))
	assert.Equal(t, 4, c.TotalItems())
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{raw: "1", want: 1},
		{raw: " 12 ", want: 12},
		{raw: "0", wantErr: true},
		{raw: "-3", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "1.5", wantErr: true},
		{raw: "", wantErr: true},
		{raw: "2147483647", want: MaxQuantity},
		{raw: "2147483648", wantErr: true},
		{raw: "9223372036854775807", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseQuantity(tt.raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidQuantity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddItem(t *testing.T) {
	ctx := context.Background()
	repo := newCartRepo()
	catalog := newCatalog()
	svc := newTestService(t, repo, catalog, nil)

	line, err := svc.AddItem(ctx, buyer, "prod-b", 1)
	require.NoError(t, err)
	assert.True(t, dec("25.00").Equal(line.UnitPrice), "special price snapshotted")

	// Price changes after the first add do not touch the existing line.
	p := catalog.byID["prod-b"]
	p.SpecialPrice = decimal.NullDecimal{}
	catalog.byID["prod-b"] = p

	line, err = svc.AddItem(ctx, buyer, "prod-b", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, line.Quantity)
	assert.True(t, dec("25.00").Equal(line.UnitPrice))

	c, err := svc.Get(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, c.Lines, 1, "same product must never create a second line")
	assert.True(t, dec("75.00").Equal(c.TotalPrice()))
}

func TestAddItem_Rejections(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCartRepo(), newCatalog(), nil)

	_, err := svc.AddItem(ctx, buyer, "missing", 1)
	require.ErrorIs(t, err, product.ErrNotFound)

	_, err = svc.AddItem(ctx, buyer, "prod-a", 0)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.AddItem(ctx, buyer, "prod-a", MaxQuantity+1)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.AddItem(ctx, seller, "prod-a", 1)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestAddItem_NoStockCheck(t *testing.T) {
	svc := newTestService(t, newCartRepo(), newCatalog(), nil)
	line, err := svc.AddItem(context.Background(), buyer, "prod-b", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, line.Quantity)
}

func TestUpdateQuantity(t *testing.T) {
	ctx := context.Background()
	repo := newCartRepo()
	svc := newTestService(t, repo, newCatalog(), nil)

	a, err := svc.AddItem(ctx, buyer, "prod-a", 1)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, buyer, "prod-b", 1)
	require.NoError(t, err)

	upd, err := svc.UpdateQuantity(ctx, buyer, a.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, upd.Line.Quantity)
	assert.True(t, dec("30.00").Equal(upd.Subtotal))
	assert.True(t, dec("55.00").Equal(upd.Total))

	_, err = svc.UpdateQuantity(ctx, buyer, a.ID, 0)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = svc.UpdateQuantity(ctx, buyer, a.ID, MaxQuantity+1)
	require.ErrorIs(t, err, ErrInvalidQuantity)
	c, err := repo.Get(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Lines[0].Quantity, "invalid quantity leaves the line unchanged")

	_, err = svc.UpdateQuantity(ctx, other, a.ID, 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveItem(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newCartRepo(), newCatalog(), nil)

	a, err := svc.AddItem(ctx, buyer, "prod-a", 3)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, buyer, "prod-b", 1)
	require.NoError(t, err)

	_, err = svc.RemoveItem(ctx, other, a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	total, err := svc.RemoveItem(ctx, buyer, a.ID)
	require.NoError(t, err)
	assert.True(t, dec("25.00").Equal(total))

	_, err = svc.RemoveItem(ctx, buyer, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCheckout(t *testing.T) {
	ctx := context.Background()
	repo := newCartRepo()
	svc := newTestService(t, repo, newCatalog(), nil)

	_, err := svc.AddItem(ctx, buyer, "prod-a", 3)
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, buyer, "prod-b", 1)
	require.NoError(t, err)

	o, err := svc.Checkout(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, order.StatusOpen, o.Status)
	assert.Equal(t, buyer.ID, o.BuyerID)
	assert.True(t, o.AmountPaid.IsZero())
	assert.True(t, dec("55.00").Equal(o.TotalPrice()))
	require.Len(t, o.Lines, 2)
	assert.Equal(t, order.Line{ProductID: "prod-a", ProductName: "ProductA", Quantity: 3, Price: dec("10.00")}, o.Lines[0])

	c, err := svc.Get(ctx, buyer)
	require.NoError(t, err)
	assert.Empty(t, c.Lines)
	require.Len(t, repo.orders, 1)
	require.Len(t, repo.events, 1)
	assert.Equal(t, order.EventPlaced, repo.events[0].Type)

	_, err = svc.Checkout(ctx, buyer)
	require.ErrorIs(t, err, ErrEmptyCart)
	assert.Len(t, repo.orders, 1)
}

func TestCheckout_FailureKeepsCart(t *testing.T) {
	ctx := context.Background()
	repo := newCartRepo()
	svc := newTestService(t, repo, newCatalog(), nil)

	_, err := svc.AddItem(ctx, buyer, "prod-a", 2)
	require.NoError(t, err)

	repo.persistF = errors.New("insert order: connection reset")
	_, err = svc.Checkout(ctx, buyer)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyCart)

	c, err := repo.Get(ctx, buyer.ID)
	require.NoError(t, err)
	assert.Len(t, c.Lines, 1)
	assert.Empty(t, repo.orders)
}

func TestCheckout_Forbidden(t *testing.T) {
	_, err := newTestService(t, newCartRepo(), newCatalog(), nil).Checkout(context.Background(), seller)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestCache_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	repo := newCartRepo()
	cache := newMockCache()
	svc := newTestService(t, repo, newCatalog(), cache)

	_, err := svc.Get(ctx, buyer)
	require.NoError(t, err)
	_, err = svc.Get(ctx, buyer)
	require.NoError(t, err)
	assert.EqualValues(t, 1, repo.gets.Load(), "second read served from cache")

	_, err = svc.AddItem(ctx, buyer, "prod-a", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{buyer.ID}, cache.invalidated)

	c, err := svc.Get(ctx, buyer)
	require.NoError(t, err)
	assert.Len(t, c.Lines, 1)

	_, err = svc.Checkout(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, []string{buyer.ID, buyer.ID}, cache.invalidated)
}

func TestCache_ErrorsFallBackToRepository(t *testing.T) {
	cache := newMockCache()
	cache.getErr = errors.New("redis: connection refused")
	svc := newTestService(t, newCartRepo(), newCatalog(), cache)

	c, err := svc.Get(context.Background(), buyer)
	require.NoError(t, err)
	assert.Equal(t, buyer.ID, c.OwnerID)
}

func TestCache_LoadRacingMutationIsNotCached(t *testing.T) {
	ctx := context.Background()
	repo := newCartRepo()
	cache := newMockCache()
	svc := newTestService(t, repo, newCatalog(), cache)

	loaded := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo.afterGet = func(context.Context) error {
		once.Do(func() {
			close(loaded)
			<-release
		})
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Get(ctx, buyer)
		done <- err
	}()

	// The empty cart has been read but not yet cached.
	<-loaded
	_, err := svc.AddItem(ctx, buyer, "prod-a", 1)
	require.NoError(t, err)
	close(release)
	require.NoError(t, <-done)

	_, ok := cache.cached(buyer.ID)
	assert.False(t, ok, "cart read before the mutation must not be cached")

	c, err := svc.Get(ctx, buyer)
	require.NoError(t, err)
	assert.Len(t, c.Lines, 1)

	cached, ok := cache.cached(buyer.ID)
	require.True(t, ok)
	assert.Len(t, cached.Lines, 1)
}

func TestGet_SharedLoadSurvivesCallerCancellation(t *testing.T) {
	repo := newCartRepo()
	svc := newTestService(t, repo, newCatalog(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo.afterGet = func(ctx context.Context) error {
		once.Do(func() { close(entered) })
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	first, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = svc.Get(first, buyer) }()
	<-entered

	second := make(chan error, 1)
	go func() {
		_, err := svc.Get(context.Background(), buyer)
		second <- err
	}()
	// Let the second caller join the in-flight load before the first goes away.
	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, <-second)
	assert.EqualValues(t, 1, repo.gets.Load(), "callers share one load")
}
