package collab

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const defaultPresenceTTL = 10 * time.Minute

// expirePresence drops members whose expiry score has passed from both the
// room set and the member hash.
var expirePresence = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisPresence mirrors room membership into Redis so every node can answer
// presence queries. Each room is a ZSET of connection ids scored by expiry
// time plus a hash of connection id to member JSON. Entries outlive a
// crashed node by at most the TTL.
type RedisPresence struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}
	return &RedisPresence{rdb: rdb, ttl: ttl, prefix: "notesync:presence:", now: time.Now}
}

func (p *RedisPresence) Joined(ctx context.Context, entityID string, m Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	expireAt := p.now().Add(p.ttl)
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, p.roomKey(entityID), redis.Z{Score: float64(expireAt.Unix()), Member: m.ConnID})
	tx.HSet(ctx, p.membersKey(entityID), m.ConnID, data)
	tx.ExpireAt(ctx, p.roomKey(entityID), expireAt)
	tx.ExpireAt(ctx, p.membersKey(entityID), expireAt)
	_, err = tx.Exec(ctx)
	return err
}

func (p *RedisPresence) Left(ctx context.Context, entityID string, m Member) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, p.roomKey(entityID), m.ConnID)
	tx.HDel(ctx, p.membersKey(entityID), m.ConnID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *RedisPresence) Members(ctx context.Context, entityID string) ([]Member, error) {
	now := strconv.FormatInt(p.now().Unix(), 10)
	keys := []string{p.roomKey(entityID), p.membersKey(entityID)}
	if err := expirePresence.Run(ctx, p.rdb, keys, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	alive, err := p.rdb.ZRangeByScore(ctx, p.roomKey(entityID), &redis.ZRangeBy{Min: "(" + now, Max: "+inf"}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return []Member{}, nil
	}
	values, err := p.rdb.HMGet(ctx, p.membersKey(entityID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]Member, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m Member
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *RedisPresence) roomKey(entityID string) string {
	return p.prefix + "room:" + entityID
}

func (p *RedisPresence) membersKey(entityID string) string {
	return p.prefix + "members:" + entityID
}
