// Package catalog loads product fixtures into a catalog store.
//
// Fixtures are a JSON array of products:
//
//	[{"id": "prod-a", "name": "Alpha", "price": "10.00", "special_price": null, "stock": 10}]
//
// Files ending in .gz are gzip-compressed.
package catalog

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-settlement/internal/domain/product"
)

// Upserter stores catalog products.
type Upserter interface {
	Upsert(ctx context.Context, p product.Product) error
}

// Load reads a fixture file.
func Load(path string) ([]product.Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	products, err := Decode(r)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return products, nil
}

// Decode parses a fixture document.
func Decode(r io.Reader) ([]product.Product, error) {
	var products []product.Product
	err := jx.Decode(r, 4096).Arr(func(d *jx.Decoder) error {
		p, err := decodeProduct(d)
		if err != nil {
			return errors.Wrapf(err, "product #%d", len(products)+1)
		}
		products = append(products, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

func decodeProduct(d *jx.Decoder) (product.Product, error) {
	var p product.Product
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "price":
			p.Price, err = decodeDecimal(d)
		case "special_price":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var v decimal.Decimal
			if v, err = decodeDecimal(d); err == nil {
				p.SpecialPrice = decimal.NewNullDecimal(v)
			}
		case "stock":
			p.Stock, err = d.Int()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return p, err
	}

	switch {
	case p.ID == "" || p.Name == "":
		return p, errors.New("id and name are required")
	case !p.Price.IsPositive():
		return p, errors.Errorf("price of %q must be positive", p.ID)
	case p.Stock < 0:
		return p, errors.Errorf("stock of %q must not be negative", p.ID)
	}
	return p, nil
}

// decodeDecimal accepts prices written as strings or numbers.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}

// Seed upserts every product. Re-running it with the same fixture leaves the
// catalog unchanged apart from UpdatedAt.
func Seed(ctx context.Context, store Upserter, products []product.Product) error {
	lg := zctx.From(ctx)
	for _, p := range products {
		if err := store.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		lg.Debug("Upserted product", zap.String("id", p.ID), zap.String("name", p.Name))
	}
	lg.Info("Catalog seeded", zap.Int("products", len(products)))
	return nil
}
