package orderbook

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/p2p-energy-trading/engine/pkg/contracts"
)

// Key layout, all under the store prefix:
//
//	offer:{id}:guard      SETNX marker, set once blocks exist
//	offer:{id}:blocks     ZSET of every block id, score = seq
//	offer:{id}:available  ZSET of AVAILABLE block ids, score = seq
//	block:{id}            HASH of block fields
//	order:{id}            SET of block ids held by the order
//	txn:{id}              SET of block ids held by the transaction
//
// Status changes run as Lua scripts so each claim, sale or release is a
// single atomic Redis command. Scripts address block hashes by prefix, so
// the store expects a single Redis node rather than a cluster.

// KEYS[1] = available zset, KEYS[2] = order set, KEYS[3] = txn set
// ARGV[1] = quantity, ARGV[2] = order id, ARGV[3] = transaction id
// ARGV[4] = reserved_at (unix nanos), ARGV[5] = key prefix
var redisClaimScript = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, tonumber(ARGV[1]) - 1)
for _, id in ipairs(ids) do
    redis.call("ZREM", KEYS[1], id)
    redis.call("HSET", ARGV[5] .. "block:" .. id,
        "status", "RESERVED", "order_id", ARGV[2], "transaction_id", ARGV[3], "reserved_at", ARGV[4])
    redis.call("SADD", KEYS[2], id)
    redis.call("SADD", KEYS[3], id)
end
return ids
`)

// KEYS[1] = order set
// ARGV[1] = sold_at (unix nanos), ARGV[2] = key prefix
var redisMarkSoldScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
    local key = ARGV[2] .. "block:" .. id
    if redis.call("HGET", key, "status") == "RESERVED" then
        redis.call("HSET", key, "status", "SOLD", "sold_at", ARGV[1])
        n = n + 1
    end
end
return n
`)

// KEYS[1] = txn set
// ARGV[1] = key prefix
var redisReleaseScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
    local key = ARGV[1] .. "block:" .. id
    local f = redis.call("HMGET", key, "status", "offer_id", "seq", "order_id")
    if f[1] == "RESERVED" then
        redis.call("HSET", key, "status", "AVAILABLE")
        redis.call("HDEL", key, "order_id", "transaction_id", "reserved_at")
        redis.call("ZADD", ARGV[1] .. "offer:" .. f[2] .. ":available", tonumber(f[3]), id)
        redis.call("SREM", ARGV[1] .. "order:" .. f[4], id)
        redis.call("SREM", KEYS[1], id)
        n = n + 1
    end
end
return n
`)

// RedisStore is a Store for deployments that share the ledger across
// several engine processes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. An empty prefix defaults to "ob:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ob:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisStoreFromAddr dials addr with the given credentials.
func NewRedisStoreFromAddr(addr, password string, db int) *RedisStore {
	return NewRedisStore(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), "")
}

// Client returns the underlying client so other stores can share the
// connection pool.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) offerKey(offerID, suffix string) string {
	return s.prefix + "offer:" + offerID + ":" + suffix
}

func (s *RedisStore) blockKey(id string) string { return s.prefix + "block:" + id }
func (s *RedisStore) orderKey(id string) string { return s.prefix + "order:" + id }
func (s *RedisStore) txnKey(id string) string   { return s.prefix + "txn:" + id }

func (s *RedisStore) InsertBlocks(ctx context.Context, blocks []contracts.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	offerID := blocks[0].OfferID

	created, err := s.client.SetNX(ctx, s.offerKey(offerID, "guard"), len(blocks), 0).Result()
	if err != nil {
		return fmt.Errorf("redis guard: %w", err)
	}
	if !created {
		return ErrBlocksExist
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, b := range blocks {
			fields := map[string]interface{}{
				"id":          b.ID,
				"offer_id":    b.OfferID,
				"item_id":     b.ItemID,
				"provider_id": b.ProviderID,
				"seq":         i,
				"status":      string(b.Status),
				"price":       b.Price.Value.String(),
				"currency":    b.Price.Currency,
				"created_at":  b.CreatedAt.UnixNano(),
			}
			if b.TimeWindow != nil {
				fields["window_start"] = b.TimeWindow.Start.UnixNano()
				fields["window_end"] = b.TimeWindow.End.UnixNano()
			}
			pipe.HSet(ctx, s.blockKey(b.ID), fields)
			member := redis.Z{Score: float64(i), Member: b.ID}
			pipe.ZAdd(ctx, s.offerKey(offerID, "blocks"), member)
			if b.Status == contracts.BlockAvailable {
				pipe.ZAdd(ctx, s.offerKey(offerID, "available"), member)
			}
		}
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, s.offerKey(offerID, "guard")).Err()
		return fmt.Errorf("redis insert blocks: %w", err)
	}
	return nil
}

func (s *RedisStore) ClaimAvailable(ctx context.Context, offerID string, quantity int, orderID, transactionID string, at time.Time) ([]contracts.Block, error) {
	keys := []string{s.offerKey(offerID, "available"), s.orderKey(orderID), s.txnKey(transactionID)}
	ids, err := redisClaimScript.Run(ctx, s.client, keys, quantity, orderID, transactionID, at.UnixNano(), s.prefix).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis claim: %w", err)
	}
	return s.loadBlocks(ctx, ids)
}

func (s *RedisStore) MarkSold(ctx context.Context, orderID string, at time.Time) (int, error) {
	n, err := redisMarkSoldScript.Run(ctx, s.client, []string{s.orderKey(orderID)}, at.UnixNano(), s.prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("redis mark sold: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Release(ctx context.Context, transactionID string) (int, error) {
	n, err := redisReleaseScript.Run(ctx, s.client, []string{s.txnKey(transactionID)}, s.prefix).Int()
	if err != nil {
		return 0, fmt.Errorf("redis release: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Stats(ctx context.Context, offerID string) (contracts.BlockStats, error) {
	stats := contracts.BlockStats{OfferID: offerID}
	ids, err := s.client.ZRange(ctx, s.offerKey(offerID, "blocks"), 0, -1).Result()
	if err != nil {
		return stats, err
	}
	if len(ids) == 0 {
		return stats, nil
	}
	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, s.blockKey(id), "status")
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	for _, c := range cmds {
		stats.Add(contracts.BlockStatus(c.Val()))
	}
	return stats, nil
}

func (s *RedisStore) ListByOrder(ctx context.Context, orderID string) ([]contracts.Block, error) {
	ids, err := s.client.SMembers(ctx, s.orderKey(orderID)).Result()
	if err != nil {
		return nil, err
	}
	blocks, err := s.loadBlocks(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := blocks[:0]
	for _, b := range blocks {
		if b.OrderID == orderID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *RedisStore) DeleteByOffer(ctx context.Context, offerID string) (int, error) {
	ids, err := s.client.ZRange(ctx, s.offerKey(offerID, "blocks"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.blockKey(id))
		}
		pipe.Del(ctx, s.offerKey(offerID, "blocks"), s.offerKey(offerID, "available"), s.offerKey(offerID, "guard"))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete blocks: %w", err)
	}
	return len(ids), nil
}

// loadBlocks fetches block hashes and returns them ordered by offer and seq.
// Ids whose hash no longer exists are skipped.
func (s *RedisStore) loadBlocks(ctx context.Context, ids []string) ([]contracts.Block, error) {
	out := []contracts.Block{}
	if len(ids) == 0 {
		return out, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.blockKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	type seqBlock struct {
		seq   int
		block contracts.Block
	}
	loaded := make([]seqBlock, 0, len(ids))
	for _, c := range cmds {
		h := c.Val()
		if len(h) == 0 {
			continue
		}
		b, seq, err := blockFromHash(h)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, seqBlock{seq: seq, block: b})
	}
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].block.OfferID != loaded[j].block.OfferID {
			return loaded[i].block.OfferID < loaded[j].block.OfferID
		}
		return loaded[i].seq < loaded[j].seq
	})
	for _, l := range loaded {
		out = append(out, l.block)
	}
	return out, nil
}

func blockFromHash(h map[string]string) (contracts.Block, int, error) {
	seq, err := strconv.Atoi(h["seq"])
	if err != nil {
		return contracts.Block{}, 0, fmt.Errorf("corrupt block %s seq: %w", h["id"], err)
	}
	price, err := decimal.NewFromString(h["price"])
	if err != nil {
		return contracts.Block{}, 0, fmt.Errorf("corrupt block %s price: %w", h["id"], err)
	}
	b := contracts.Block{
		ID:            h["id"],
		OfferID:       h["offer_id"],
		ItemID:        h["item_id"],
		ProviderID:    h["provider_id"],
		Status:        contracts.BlockStatus(h["status"]),
		OrderID:       h["order_id"],
		TransactionID: h["transaction_id"],
		Price:         contracts.Price{Value: price, Currency: h["currency"]},
	}
	if t := hashTime(h, "created_at"); t != nil {
		b.CreatedAt = *t
	}
	start, end := hashTime(h, "window_start"), hashTime(h, "window_end")
	if start != nil && end != nil {
		b.TimeWindow = &contracts.TimeWindow{Start: *start, End: *end}
	}
	b.ReservedAt = hashTime(h, "reserved_at")
	b.SoldAt = hashTime(h, "sold_at")
	return b, seq, nil
}

func hashTime(h map[string]string, field string) *time.Time {
	v, ok := h[field]
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
