package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisTokenPrefix = "im:sess:tok:"
	redisUserPrefix  = "im:sess:user:"
)

// 令牌键 + 用户索引（zset，score=过期时间）原子写入
// KEYS[1] = token key, KEYS[2] = user index key
// ARGV[1] = username, ARGV[2] = ttl seconds, ARGV[3] = expireAt unix
const luaSaveToken = `
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], KEYS[1])
redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", "(" .. tostring(tonumber(ARGV[3]) - tonumber(ARGV[2])))
redis.call("EXPIRE", KEYS[2], ARGV[2])
return 1
`

var saveTokenScript = redis.NewScript(luaSaveToken)

// RedisRegistry 多节点共享会话
type RedisRegistry struct {
	rdb redis.UniversalClient
}

func NewRedisRegistry(rdb redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func (r *RedisRegistry) Save(ctx context.Context, tokenHash, username string, ttl time.Duration) error {
	secs := int64(ttl / time.Second)
	if secs <= 0 {
		secs = 1
	}
	exp := time.Now().Add(time.Duration(secs) * time.Second).Unix()
	return saveTokenScript.Run(ctx, r.rdb,
		[]string{redisTokenPrefix + tokenHash, redisUserPrefix + username},
		username, secs, exp,
	).Err()
}

func (r *RedisRegistry) Lookup(ctx context.Context, tokenHash string) (string, error) {
	u, err := r.rdb.Get(ctx, redisTokenPrefix+tokenHash).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownToken
	}
	return u, err
}

func (r *RedisRegistry) Delete(ctx context.Context, tokenHash string) error {
	key := redisTokenPrefix + tokenHash
	u, err := r.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.rdb.ZRem(ctx, redisUserPrefix+u, key).Err()
}

// ActiveTokens 某用户当前登记的令牌数（多端数）
func (r *RedisRegistry) ActiveTokens(ctx context.Context, username string) (int64, error) {
	key := redisUserPrefix + username
	now := time.Now().Unix()
	if err := r.rdb.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now, 10)).Err(); err != nil {
		return 0, err
	}
	return r.rdb.ZCard(ctx, key).Result()
}
