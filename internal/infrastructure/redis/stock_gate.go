package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const stockKeyPrefix = "stock:"

// decrementStockScript checks and decrements the cached stock counter in one
// atomic server-side step, so concurrent checkouts can be rejected cheaply
// before reaching the ledger.
var decrementStockScript = redis.NewScript(`
local key = KEYS[1]
local quantity = tonumber(ARGV[1])

local current = redis.call('GET', key)
if not current then
	return 1
end

current = tonumber(current)
if current >= quantity then
	redis.call('DECRBY', key, quantity)
	return 1
end

return 0
`)

// StockGate is a fast-fail admission check in front of the inventory ledger.
// A missing key passes the gate; the ledger stays the authority either way.
type StockGate struct {
	client *redis.Client
}

func NewStockGate(client *redis.Client) *StockGate {
	return &StockGate{client: client}
}

func (g *StockGate) TryDecrement(ctx context.Context, productID string, quantity int) (bool, error) {
	result, err := decrementStockScript.Run(ctx, g.client, []string{stockKeyPrefix + productID}, quantity).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

func (g *StockGate) Release(ctx context.Context, productID string, quantity int) error {
	// Only meaningful when the counter is seeded; INCRBY on a missing key
	// would invent stock out of nothing.
	exists, err := g.client.Exists(ctx, stockKeyPrefix+productID).Result()
	if err != nil || exists == 0 {
		return err
	}
	return g.client.IncrBy(ctx, stockKeyPrefix+productID, int64(quantity)).Err()
}

func (g *StockGate) Seed(ctx context.Context, productID string, quantity int) error {
	return g.client.Set(ctx, stockKeyPrefix+productID, quantity, 0).Err()
}
