package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"shophub/chat"
	"shophub/config"
)

const (
	// 在线客户列表，field 为客户ID，value 为 UserInfo JSON
	onlineUsersKey = "support:online_users"
	onlineUsersTTL = 24 * time.Hour
)

type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient 初始化并返回一个新的 RedisClient 实例
func NewRedisClient(cfg config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password, // 密码，没有则留空
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// PING 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}

	return &RedisClient{Client: client}, nil
}

// Close 关闭 Redis 连接
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// 用户信息结构（用于在线列表）
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Unread bool   `json:"unread"`
	Seq    int    `json:"seq"`
}

// WritePresence 用快照整体替换 Redis 中的在线列表
func (r *RedisClient) WritePresence(ctx context.Context, users []chat.PresenceEntry) error {
	fields := make([]interface{}, 0, len(users)*2)
	for i, u := range users {
		data, err := json.Marshal(UserInfo{ID: u.ID, Name: u.Name, Unread: u.Unread, Seq: i})
		if err != nil {
			return fmt.Errorf("marshal user info: %w", err)
		}
		fields = append(fields, u.ID, data)
	}

	_, err := r.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, onlineUsersKey)
		if len(fields) > 0 {
			pipe.HSet(ctx, onlineUsersKey, fields...)
			pipe.Expire(ctx, onlineUsersKey, onlineUsersTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write presence to %s: %w", onlineUsersKey, err)
	}
	return nil
}

// GetOnlineUsers 读取镜像的在线列表，按快照顺序返回
func (r *RedisClient) GetOnlineUsers(ctx context.Context) ([]UserInfo, error) {
	result, err := r.Client.HGetAll(ctx, onlineUsersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch online users for key %s: %w", onlineUsersKey, err)
	}
	users := make([]UserInfo, 0, len(result))
	for field, data := range result {
		var info UserInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, fmt.Errorf("decode online user %s: %w", field, err)
		}
		users = append(users, info)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Seq < users[j].Seq })
	return users, nil
}
