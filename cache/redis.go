package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	settingsKey    = "console:settings"           // String: ConsoleSettings JSON
	nowPlayingKey  = "console:now_playing"        // Hash: 当前曲目和推流状态
	requestChannel = "console:requests"           // Pub/Sub: 点播处理结果
	frameKey       = "broadcast:%s:frame:%d"      // String: 推流帧 (connectionID, seq)
	frameHeadKey   = "broadcast:%s:head"          // String: 最新帧序号
	nowPlayingTTL  = 24 * time.Hour
)

// Client 缓存用到的 Redis 命令，*redis.Client 满足该接口
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.StringStringMapCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ErrNotInitialized Redis 客户端未初始化
var ErrNotInitialized = errors.New("Redis client not initialized")

// FrameKey 推流帧的键
func FrameKey(connectionID string, seq uint64) string {
	return fmt.Sprintf(frameKey, connectionID, seq)
}

// FrameHeadKey 会话最新帧序号的键
func FrameHeadKey(connectionID string) string {
	return fmt.Sprintf(frameHeadKey, connectionID)
}

// RequestChannel 点播通知频道
func RequestChannel() string {
	return requestChannel
}

func isMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}
