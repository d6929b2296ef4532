// Package redis caches carts in Redis.
package redis

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-settlement/internal/domain/cart"
)

var _ cart.Cache = (*CartCache)(nil)

// CartCache stores carts as JSON under cart:<owner>. Entries expire after a
// base TTL plus up to five minutes of jitter.
//
// cart:<owner>:version counts invalidations. Set stores an entry only while
// the counter still holds the version its caller read before loading.
type CartCache struct {
	client  goredis.UniversalClient
	baseTTL time.Duration
}

// NewCartCache returns a CartCache using client.
func NewCartCache(client goredis.UniversalClient, ttl time.Duration) *CartCache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CartCache{client: client, baseTTL: ttl}
}

// Get returns the cached cart or cart.ErrCacheMiss.
func (c *CartCache) Get(ctx context.Context, ownerID string) (*cart.Cart, error) {
	data, err := c.client.Get(ctx, cacheKey(ownerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, cart.ErrCacheMiss
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}

	out, err := decodeCart(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode cart")
	}
	return out, nil
}

// Version returns the owner's invalidation counter, zero when unset.
func (c *CartCache) Version(ctx context.Context, ownerID string) (int64, error) {
	return readVersion(ctx, c.client, ownerID)
}

// Set stores the cart unless the owner was invalidated after version was
// read, in which case it returns cart.ErrCacheStale.
func (c *CartCache) Set(ctx context.Context, v *cart.Cart, version int64) error {
	jitter := time.Duration(rand.IntN(5)) * time.Minute
	data := encodeCart(v)

	err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := readVersion(ctx, tx, v.OwnerID)
		if err != nil {
			return err
		}
		if current != version {
			return cart.ErrCacheStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(v.OwnerID), data, c.baseTTL+jitter)
			return nil
		})
		return err
	}, versionKey(v.OwnerID))

	switch {
	case err == nil:
		return nil
	case errors.Is(err, cart.ErrCacheStale), errors.Is(err, goredis.TxFailedErr):
		return cart.ErrCacheStale
	default:
		return errors.Wrap(err, "redis set")
	}
}

// Invalidate drops the owner's entry and bumps its version.
func (c *CartCache) Invalidate(ctx context.Context, ownerID string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Incr(ctx, versionKey(ownerID))
		// Outlives any entry written under an older version.
		pipe.Expire(ctx, versionKey(ownerID), c.baseTTL+10*time.Minute)
		pipe.Del(ctx, cacheKey(ownerID))
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "redis invalidate")
	}
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func readVersion(ctx context.Context, client getter, ownerID string) (int64, error) {
	n, err := client.Get(ctx, versionKey(ownerID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "redis get version")
	}
	return n, nil
}

func versionKey(ownerID string) string {
	return cacheKey(ownerID) + ":version"
}

func cacheKey(ownerID string) string {
	return fmt.Sprintf("cart:%s", ownerID)
}

func encodeCart(c *cart.Cart) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("owner_id")
	e.Str(c.OwnerID)
	e.FieldStart("created_at")
	e.Str(c.CreatedAt.Format(time.RFC3339Nano))
	e.FieldStart("updated_at")
	e.Str(c.UpdatedAt.Format(time.RFC3339Nano))
	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range c.Lines {
		e.ObjStart()
		e.FieldStart("id")
		e.Str(l.ID)
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("product_name")
		e.Str(l.ProductName)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("unit_price")
		e.Str(l.UnitPrice.String())
		e.FieldStart("added_at")
		e.Str(l.AddedAt.Format(time.RFC3339Nano))
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

func decodeCart(data []byte) (*cart.Cart, error) {
	var c cart.Cart
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "owner_id":
			c.OwnerID, err = d.Str()
		case "created_at":
			c.CreatedAt, err = decodeTime(d)
		case "updated_at":
			c.UpdatedAt, err = decodeTime(d)
		case "lines":
			err = d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				if err != nil {
					return err
				}
				c.Lines = append(c.Lines, l)
				return nil
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeLine(d *jx.Decoder) (cart.Line, error) {
	var l cart.Line
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			l.ID, err = d.Str()
		case "product_id":
			l.ProductID, err = d.Str()
		case "product_name":
			l.ProductName, err = d.Str()
		case "quantity":
			l.Quantity, err = d.Int()
		case "unit_price":
			var s string
			if s, err = d.Str(); err == nil {
				l.UnitPrice, err = decimal.NewFromString(s)
			}
		case "added_at":
			l.AddedAt, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return l, err
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}
