package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"stockstream.com/pkg/market"
)

// ErrNoTick 还没有缓存过 Tick
var ErrNoTick = errors.New("no cached tick")

// TickCache 最新 Tick 与最近 N 笔，供晚加入的客户端和运维查看
// tick:{symbol}:last   最新一笔 (string)
// tick:{symbol}:recent 最近 N 笔 (list, 新的在前)
type TickCache struct {
	client *redis.Client
	recent int64
}

// NewTickCache 创建缓存，recent 为保留的笔数
func NewTickCache(client *redis.Client, recent int) *TickCache {
	if recent <= 0 {
		recent = 100
	}
	return &TickCache{client: client, recent: int64(recent)}
}

// Dial 连接 Redis 并 Ping
func Dial(ctx context.Context, addr string, recent int) (*TickCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewTickCache(rdb, recent), nil
}

func lastKey(symbol string) string   { return "tick:" + symbol + ":last" }
func recentKey(symbol string) string { return "tick:" + symbol + ":recent" }

// luaPush 写入脚本
// KEYS[1]: lastKey
// KEYS[2]: recentKey
// ARGV[1]: quoteJSON
// ARGV[2]: 保留笔数
const luaPush = `
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('LPUSH', KEYS[2], ARGV[1])
	redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[2]) - 1)
	return 1
`

var pushScript = redis.NewScript(luaPush)

// Push 写入一笔 Tick
func (c *TickCache) Push(ctx context.Context, t market.Tick) error {
	data, err := t.Encode()
	if err != nil {
		return err
	}
	return pushScript.Run(ctx, c.client,
		[]string{lastKey(t.Symbol), recentKey(t.Symbol)},
		data, c.recent).Err()
}

// Latest 最新一笔
func (c *TickCache) Latest(ctx context.Context, symbol string) (market.Quote, error) {
	data, err := c.client.Get(ctx, lastKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.Quote{}, ErrNoTick
	}
	if err != nil {
		return market.Quote{}, err
	}
	return market.DecodeQuote(data)
}

// Recent 最近 n 笔，按时间正序
func (c *TickCache) Recent(ctx context.Context, symbol string, n int) ([]market.Quote, error) {
	if n <= 0 || int64(n) > c.recent {
		n = int(c.recent)
	}
	items, err := c.client.LRange(ctx, recentKey(symbol), 0, int64(n)-1).Result()
	if err != nil {
		return nil, err
	}
	quotes := make([]market.Quote, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		q, err := market.DecodeQuote([]byte(items[i]))
		if err != nil {
			return nil, fmt.Errorf("decode cached tick: %w", err)
		}
		quotes = append(quotes, q)
	}
	return quotes, nil
}

// Close 关闭连接
func (c *TickCache) Close() error {
	return c.client.Close()
}
