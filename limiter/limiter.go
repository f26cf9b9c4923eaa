package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Strategy 定义限流算法策略接口
type Strategy interface {
	// Allow 检查是否允许通过
	// key: 限流标识 (如发送者ID、IP)
	// limit: 限制次数 (或令牌桶容量)
	// window: 时间窗口 (或令牌生成速率单位)
	Allow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration) (bool, error)
}

// NewStrategy 按名称创建策略
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "fixed_window":
		return &FixedWindowStrategy{}, nil
	case "token_bucket":
		return &TokenBucketStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", name)
	}
}

// Manager 限流管理器
type Manager struct {
	rdb      *redis.Client
	strategy Strategy
}

func NewManager(rdb *redis.Client, strategy Strategy) *Manager {
	return &Manager{
		rdb:      rdb,
		strategy: strategy,
	}
}

// Allow 代理执行具体的策略
func (m *Manager) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return m.strategy.Allow(ctx, m.rdb, key, limit, window)
}

// Keyed 固定了前缀、次数和窗口的限流器，供聊天消息限流使用
type Keyed struct {
	manager *Manager
	prefix  string
	limit   int
	window  time.Duration
}

func NewKeyed(manager *Manager, prefix string, limit int, window time.Duration) *Keyed {
	return &Keyed{manager: manager, prefix: prefix, limit: limit, window: window}
}

func (k *Keyed) Allow(ctx context.Context, key string) (bool, error) {
	if k.limit <= 0 {
		return true, nil
	}
	return k.manager.Allow(ctx, fmt.Sprintf("limiter:%s:%s", k.prefix, key), k.limit, k.window)
}

// 固定窗口 (Fixed Window / Counter)
type FixedWindowStrategy struct{}

// Lua 脚本：原子性执行 INCR 和 EXPIRE
var fixedWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local limit = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call("INCR", key)

	-- 第一次访问时设置过期时间
	if current == 1 then
		redis.call("EXPIRE", key, window)
	end

	if current > limit then
		return 0
	end
	return 1
`)

func (s *FixedWindowStrategy) Allow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration) (bool, error) {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	result, err := fixedWindowScript.Run(ctx, rdb, []string{key}, limit, seconds).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// 令牌桶 (Token Bucket)
type TokenBucketStrategy struct{}

// KEYS[1]: 存储令牌信息的 hash key
// ARGV[1]: 桶容量
// ARGV[2]: 令牌生成速率 (token/second)
// ARGV[3]: 当前时间戳 (秒)
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local capacity = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local info = redis.call("HMGET", key, "tokens", "last_time")
	local tokens = tonumber(info[1])
	local last_time = tonumber(info[2])

	if tokens == nil then
		tokens = capacity
		last_time = now
	end

	local delta = math.max(0, now - last_time)
	tokens = math.min(capacity, tokens + delta * rate)

	if tokens >= 1 then
		tokens = tokens - 1
		redis.call("HMSET", key, "tokens", tokens, "last_time", now)
		redis.call("EXPIRE", key, 60)
		return 1
	end
	return 0
`)

func (s *TokenBucketStrategy) Allow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration) (bool, error) {
	// 速率：limit / window秒数，例如 limit=10, window=1s -> rate=10
	rate := float64(limit) / window.Seconds()
	if rate <= 0 {
		rate = 1
	}
	result, err := tokenBucketScript.Run(ctx, rdb, []string{key}, limit, rate, time.Now().Unix()).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
