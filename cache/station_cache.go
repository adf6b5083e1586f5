package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"QFMConsole/core/events"
	"QFMConsole/logger"
	"QFMConsole/model"
)

// NowPlaying 对外公开的电台状态
type NowPlaying struct {
	TrackID      string  `json:"trackId,omitempty"`
	Name         string  `json:"name,omitempty"`
	Artist       string  `json:"artist,omitempty"`
	Duration     float64 `json:"duration"`
	Status       string  `json:"status,omitempty"`
	ConnectionID string  `json:"connectionId,omitempty"`
	UpdatedAt    int64   `json:"updatedAt"`
}

// RequestNotice 点播频道上的消息
type RequestNotice struct {
	Type      events.Type `json:"type"`
	RequestID string      `json:"requestId"`
	TrackID   string      `json:"trackId"`
	Timestamp int64       `json:"timestamp"`
}

// StationCache 把当前曲目和推流状态写入 Redis，点播结果发布到 Pub/Sub 频道
type StationCache struct {
	client Client
}

// NewStationCache 创建电台状态缓存
func NewStationCache(client Client) *StationCache {
	return &StationCache{client: client}
}

// ========== 当前曲目 ==========

// SetNowPlaying 设置当前曲目，info 为空表示停播
func (c *StationCache) SetNowPlaying(ctx context.Context, info *model.TrackInfo) error {
	if c.client == nil {
		return ErrNotInitialized
	}
	fields := map[string]interface{}{
		"track_id":   "",
		"name":       "",
		"artist":     "",
		"duration":   0,
		"updated_at": time.Now().UnixMilli(),
	}
	if info != nil {
		fields["track_id"] = info.ID
		fields["name"] = info.Name
		fields["artist"] = info.Artist
		fields["duration"] = info.Duration
	}
	return c.hset(ctx, fields)
}

// SetBroadcast 设置推流状态
func (c *StationCache) SetBroadcast(ctx context.Context, s model.BroadcastSession) error {
	if c.client == nil {
		return ErrNotInitialized
	}
	return c.hset(ctx, map[string]interface{}{
		"status":        string(s.Status),
		"connection_id": s.ConnectionID,
		"updated_at":    time.Now().UnixMilli(),
	})
}

func (c *StationCache) hset(ctx context.Context, fields map[string]interface{}) error {
	if err := c.client.HSet(ctx, nowPlayingKey, fields).Err(); err != nil {
		return fmt.Errorf("failed to update now playing: %w", err)
	}
	return c.client.Expire(ctx, nowPlayingKey, nowPlayingTTL).Err()
}

// GetNowPlaying 获取电台状态，没有记录时返回 nil, nil
func (c *StationCache) GetNowPlaying(ctx context.Context) (*NowPlaying, error) {
	if c.client == nil {
		return nil, ErrNotInitialized
	}
	result, err := c.client.HGetAll(ctx, nowPlayingKey).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	np := &NowPlaying{
		TrackID:      result["track_id"],
		Name:         result["name"],
		Artist:       result["artist"],
		Status:       result["status"],
		ConnectionID: result["connection_id"],
	}
	if v, ok := result["duration"]; ok {
		np.Duration, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := result["updated_at"]; ok {
		np.UpdatedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return np, nil
}

// ========== 点播通知 ==========

// PublishRequest 发布点播处理结果
func (c *StationCache) PublishRequest(ctx context.Context, t events.Type, d events.RequestData) error {
	if c.client == nil {
		return ErrNotInitialized
	}
	data, err := json.Marshal(RequestNotice{
		Type:      t,
		RequestID: d.RequestID,
		TrackID:   d.TrackID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request notice: %w", err)
	}
	return c.client.Publish(ctx, requestChannel, data).Err()
}

// Run 订阅事件总线并同步到 Redis，直到 ctx 取消或总线关闭
func (c *StationCache) Run(ctx context.Context, bus *events.Bus) {
	sub := bus.Subscribe(64,
		events.TypeTrack,
		events.TypeBroadcastStatus,
		events.TypeRequestFulfilled,
		events.TypeRequestRejected)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := c.handle(ctx, ev); err != nil {
				logger.Warn("同步电台状态到 Redis 失败",
					logger.String("type", string(ev.Type)),
					logger.ErrorField(err))
			}
		}
	}
}

func (c *StationCache) handle(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	switch ev.Type {
	case events.TypeTrack:
		info, _ := ev.Data.(model.TrackInfo)
		if ev.Data == nil {
			return c.SetNowPlaying(ctx, nil)
		}
		return c.SetNowPlaying(ctx, &info)
	case events.TypeBroadcastStatus:
		if s, ok := ev.Data.(model.BroadcastSession); ok {
			return c.SetBroadcast(ctx, s)
		}
	case events.TypeRequestFulfilled, events.TypeRequestRejected:
		if d, ok := ev.Data.(events.RequestData); ok {
			return c.PublishRequest(ctx, ev.Type, d)
		}
	}
	return nil
}
