package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	fpmath "EUSDEngine/internal/math"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter reads the collateral price from a Redis hash at
// "price:{asset}" with fields "price" (decimal string) and "ts" (Unix nanos).
type RedisAdapter struct {
	rdb   redis.UniversalClient
	asset string
}

func NewRedisAdapter(rdb redis.UniversalClient, asset string) *RedisAdapter {
	return &RedisAdapter{rdb: rdb, asset: asset}
}

func priceKey(asset string) string {
	return "price:" + asset
}

func (a *RedisAdapter) Read(ctx context.Context) (Reading, error) {
	key := priceKey(a.asset)
	vals, err := a.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Reading{}, fmt.Errorf("%w: redis get %s: %v", ErrOracleUnavailable, key, err)
	}
	if len(vals) == 0 {
		return Reading{}, fmt.Errorf("%w: redis key %s not found", ErrOracleUnavailable, key)
	}

	priceStr, ok := vals["price"]
	if !ok {
		return Reading{}, fmt.Errorf("%w: redis key %s missing price", ErrOracleUnavailable, key)
	}
	price, err := fpmath.ParseDecimal(priceStr, fpmath.PriceConfig)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return Reading{}, fmt.Errorf("%w: redis key %s missing ts", ErrOracleUnavailable, key)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: parse ts %s: %v", ErrOracleUnavailable, key, err)
	}

	return Reading{Price: price, AsOf: time.Unix(0, tsNano), Source: "redis"}, nil
}

// SetPrice writes a reading in the format Read expects. Used by the price
// subscriber to share readings with other engine instances.
func (a *RedisAdapter) SetPrice(ctx context.Context, price int64, ts time.Time) error {
	key := priceKey(a.asset)
	fields := map[string]interface{}{
		"price": fpmath.FormatDecimal(price, fpmath.PriceConfig),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := a.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", a.asset, err)
	}
	return nil
}
