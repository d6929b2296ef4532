package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-settlement/internal/domain/product"
	"github.com/xenking/kart-settlement/internal/storage/memory"
)

const fixture = `[
	{"id": "prod-a", "name": "Alpha", "price": "10.00", "special_price": null, "stock": 10},
	{"id": "prod-b", "name": "Bravo", "price": 30, "special_price": "25.50", "stock": 4, "tags": ["x"]}
]`

// --- Mock implementations ---

type failingUpserter struct{ calls int }

func (f *failingUpserter) Upsert(_ context.Context, _ product.Product) error {
	f.calls++
	return errors.New("db down")
}

// --- Tests ---

func TestDecode(t *testing.T) {
	products, err := Decode(strings.NewReader(fixture))
	require.NoError(t, err)
	require.Len(t, products, 2)

	a, b := products[0], products[1]
	assert.Equal(t, "Alpha", a.Name)
	assert.True(t, a.Price.Equal(decimal.RequireFromString("10")))
	assert.False(t, a.SpecialPrice.Valid)
	assert.Equal(t, 10, a.Stock)

	assert.True(t, b.Price.Equal(decimal.NewFromInt(30)))
	require.True(t, b.SpecialPrice.Valid)
	assert.Equal(t, "25.5", b.SpecialPrice.Decimal.String())
	assert.True(t, b.EffectivePrice().Equal(decimal.RequireFromString("25.50")))
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "not an array", doc: `{"id":"x"}`},
		{name: "missing name", doc: `[{"id":"x","price":"1"}]`},
		{name: "zero price", doc: `[{"id":"x","name":"X","price":"0"}]`},
		{name: "bad price", doc: `[{"id":"x","name":"X","price":"ten"}]`},
		{name: "negative stock", doc: `[{"id":"x","name":"X","price":"1","stock":-1}]`},
		{name: "truncated", doc: `[{"id":"x"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_Gzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json.gz")

	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(fixture))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	products, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestLoad_Plain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0o600))

	products, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, products, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestSeed_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	products, err := Decode(strings.NewReader(fixture))
	require.NoError(t, err)

	require.NoError(t, Seed(ctx, store.Products(), products))
	require.NoError(t, Seed(ctx, store.Products(), products))

	got, err := store.Products().List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Alpha", got[0].Name)
}

func TestSeed_StopsOnError(t *testing.T) {
	products, err := Decode(strings.NewReader(fixture))
	require.NoError(t, err)

	store := &failingUpserter{}
	err = Seed(context.Background(), store, products)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prod-a")
	assert.Equal(t, 1, store.calls)
}

func TestRepositoryFixtureIsValid(t *testing.T) {
	products, err := Load(filepath.Join("..", "..", "db", "seed", "catalog.json"))
	require.NoError(t, err)
	assert.NotEmpty(t, products)
}
