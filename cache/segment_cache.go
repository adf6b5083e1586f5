package cache

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"QFMConsole/logger"
)

type frameItem struct {
	connectionID string
	seq          uint64
	data         []byte
}

// FrameCache 把推流帧短期缓存在 Redis 中，供回听和补帧
// Archive 只入队，由 Run 协程写入 Redis
type FrameCache struct {
	client Client
	ttl    time.Duration
	items  chan frameItem

	written atomic.Int64
	dropped atomic.Int64
}

// NewFrameCache 创建帧缓存，buffer 为待写队列长度
func NewFrameCache(client Client, ttl time.Duration, buffer int) *FrameCache {
	if buffer <= 0 {
		buffer = 64
	}
	return &FrameCache{client: client, ttl: ttl, items: make(chan frameItem, buffer)}
}

// Archive 实现推流归档接口，队列满时丢弃
func (c *FrameCache) Archive(ctx context.Context, connectionID string, seq uint64, frame []byte) {
	select {
	case c.items <- frameItem{connectionID: connectionID, seq: seq, data: frame}:
	default:
		if c.dropped.Add(1)%100 == 1 {
			logger.Warn("帧缓存队列已满，丢弃",
				logger.String("connectionId", connectionID),
				logger.Int64("dropped", c.dropped.Load()))
		}
	}
}

// Run 写入协程，直到 ctx 取消
func (c *FrameCache) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-c.items:
			if err := c.SetFrame(ctx, it.connectionID, it.seq, it.data); err == nil {
				c.written.Add(1)
			}
		}
	}
}

// SetFrame 设置帧缓存并推进最新序号
func (c *FrameCache) SetFrame(ctx context.Context, connectionID string, seq uint64, data []byte) error {
	if c.client == nil {
		return ErrNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := FrameKey(connectionID, seq)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Error("设置帧缓存失败",
			logger.String("key", key),
			logger.Int("dataSize", len(data)),
			logger.ErrorField(err))
		return err
	}
	if err := c.client.Set(ctx, FrameHeadKey(connectionID), seq, c.ttl).Err(); err != nil {
		logger.Warn("更新最新帧序号失败", logger.String("key", key), logger.ErrorField(err))
	}
	return nil
}

// GetFrame 获取帧缓存，未命中返回 nil, nil
func (c *FrameCache) GetFrame(ctx context.Context, connectionID string, seq uint64) ([]byte, error) {
	if c.client == nil {
		return nil, ErrNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := FrameKey(connectionID, seq)
	maxRetries := 2
	retryDelay := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return data, nil
		}
		if isMiss(err) {
			return nil, nil
		}
		lastErr = err
		if attempt < maxRetries-1 {
			logger.Warn("获取帧缓存失败，准备重试",
				logger.String("key", key),
				logger.Int("attempt", attempt+1),
				logger.ErrorField(err))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}
	}
	return nil, lastErr
}

// Head 会话最新的帧序号，没有缓存时 ok 为 false
func (c *FrameCache) Head(ctx context.Context, connectionID string) (seq uint64, ok bool, err error) {
	if c.client == nil {
		return 0, false, ErrNotInitialized
	}
	v, err := c.client.Get(ctx, FrameHeadKey(connectionID)).Result()
	if err != nil {
		if isMiss(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	seq, err = strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// Written 已写入 Redis 的帧数
func (c *FrameCache) Written() int64 { return c.written.Load() }

// Dropped 因队列满丢弃的帧数
func (c *FrameCache) Dropped() int64 { return c.dropped.Load() }
