package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"QFMConsole/logger"
	"QFMConsole/model"
)

// Type 事件类型
type Type string

const (
	TypePosition         Type = "position"          // 播放进度
	TypeTrack            Type = "track"             // 当前曲目变化
	TypeQueue            Type = "queue"             // 点播队列变化
	TypeNextPreview      Type = "next_preview"      // 下一首预告
	TypeLevels           Type = "levels"            // 推子电平
	TypeMeters           Type = "meters"            // 峰值/RMS 表
	TypeDevices          Type = "devices"           // 设备列表
	TypeBroadcastStatus  Type = "broadcast_status"  // 推流会话状态
	TypeUptime           Type = "uptime"            // 推流时长
	TypeRequestFulfilled Type = "request_fulfilled" // 点播已播放
	TypeRequestRejected  Type = "request_rejected"  // 点播被拒绝
	TypeError            Type = "error"             // 错误
	TypePlayback         Type = "playback"          // 播放状态机
	TypeSettings         Type = "settings"          // EQ/效果/模式设置
)

// Event 总线上的一条事件
type Event struct {
	Type      Type        `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// PositionData position 事件数据
type PositionData struct {
	TrackID  string  `json:"trackId"`
	Position float64 `json:"position"`
	Duration float64 `json:"duration"`
}

// RequestData request_fulfilled / request_rejected 事件数据
type RequestData struct {
	RequestID string `json:"requestId"`
	TrackID   string `json:"trackId"`
}

// ErrorData error 事件数据
type ErrorData struct {
	Kind        model.ErrorKind `json:"kind"`
	TrackID     string          `json:"trackId,omitempty"`
	Message     string          `json:"message"`
	Recoverable bool            `json:"recoverable"`
}

// MeterReading 单个测量点的峰值和 RMS
type MeterReading struct {
	Peak float64 `json:"peak"`
	RMS  float64 `json:"rms"`
}

// MetersData meters 事件数据
type MetersData struct {
	Monitor   MeterReading `json:"monitor"`
	Broadcast MeterReading `json:"broadcast"`
}

// UptimeData uptime 事件数据
type UptimeData struct {
	Seconds float64 `json:"seconds"`
}

// Subscription 一个订阅者
type Subscription struct {
	C <-chan Event

	ch      chan Event
	types   map[Type]bool
	bus     *Bus
	id      uint64
	dropped atomic.Int64
	once    sync.Once
}

// Dropped 返回因缓冲区满而丢弃的事件数
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close 取消订阅并关闭通道
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus 进程内的类型化发布/订阅总线
// 发布永不阻塞：订阅者缓冲区满时丢弃该订阅者的事件
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe 订阅指定类型的事件，types 为空表示订阅全部
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b, types: make(map[Type]bool, len(types))}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}

// Publish 发布事件
func (b *Bus) Publish(t Type, data interface{}) {
	ev := Event{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(t) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// 缓冲区满，丢弃
			if sub.dropped.Add(1)%100 == 1 {
				logger.Debug("event subscriber buffer full",
					logger.String("type", string(t)),
					logger.Int64("dropped", sub.dropped.Load()))
			}
		}
	}
}

// PublishError 以 error 事件发布控制台错误，并按可恢复性分级记录日志
func (b *Bus) PublishError(err error) {
	if err == nil {
		return
	}
	data := ErrorData{Message: err.Error(), Recoverable: true}
	if ce, ok := asConsoleError(err); ok {
		data.Kind = ce.Kind
		data.TrackID = ce.TrackID
		data.Message = ce.Message()
		data.Recoverable = ce.Recoverable
	}
	if data.Recoverable {
		logger.Warn("console error", logger.String("kind", string(data.Kind)),
			logger.TrackID(data.TrackID), logger.ErrorField(err))
	} else {
		logger.Error("console error", logger.String("kind", string(data.Kind)),
			logger.TrackID(data.TrackID), logger.ErrorField(err))
	}
	b.Publish(TypeError, data)
}

// Close 关闭总线和全部订阅
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		s := sub
		s.once.Do(func() { close(s.ch) })
	}
}

// SubscriberCount 当前订阅者数量
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func asConsoleError(err error) (*model.ConsoleError, bool) {
	var ce *model.ConsoleError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
