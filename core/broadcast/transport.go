package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"QFMConsole/core/events"
	"QFMConsole/logger"
	"QFMConsole/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrReconnectExhausted 重连次数用尽，需要操作员重新开始推流
var ErrReconnectExhausted = errors.New("broadcast reconnect attempts exhausted")

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	maxReadLimit = 4096
	metaBuffer   = 8
)

// 中继消息类型
const (
	MsgHello    = "hello"
	MsgMetadata = "metadata"
)

// Message 发给中继的文本消息
type Message struct {
	Type         string  `json:"type"`
	ConnectionID string  `json:"connectionId"`
	Station      string  `json:"station"`
	Title        string  `json:"title,omitempty"`
	Format       *Format `json:"format,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

// Archiver 推流帧归档，Archive 在发送协程中调用，必须很快返回
type Archiver interface {
	Archive(ctx context.Context, connectionID string, seq uint64, frame []byte)
}

// Archivers 依次交给多个归档
type Archivers []Archiver

func (as Archivers) Archive(ctx context.Context, connectionID string, seq uint64, frame []byte) {
	for _, a := range as {
		a.Archive(ctx, connectionID, seq, frame)
	}
}

// Publisher 事件出口
type Publisher interface {
	Publish(t events.Type, data interface{})
	PublishError(err error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Type, interface{}) {}
func (nopPublisher) PublishError(error)               {}

// Options 推流配置
type Options struct {
	URL           string
	StationName   string
	SampleRate    int
	FrameDuration time.Duration
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	QueueSize     int
	Header        http.Header
}

// Transport 把推流抽头切帧、编码后经 WebSocket 发给中继，断线按指数退避重连
// 采集与发送解耦：非 live 或队列满时丢帧
type Transport struct {
	opts     Options
	enc      Encoder
	pub      Publisher
	archiver Archiver
	dialer   *websocket.Dialer

	frames chan []byte
	meta   chan Message

	capMu  sync.Mutex
	framer *framer

	mu      sync.Mutex
	session model.BroadcastSession
	title   string
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	seq     atomic.Uint64
	sent    atomic.Int64
	dropped atomic.Int64
	dials   atomic.Int64
}

// New 创建推流传输
func New(opts Options, enc Encoder, pub Publisher) *Transport {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if enc == nil {
		enc = PCM16Encoder{}
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	return &Transport{
		opts:    opts,
		enc:     enc,
		pub:     pub,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		frames:  make(chan []byte, opts.QueueSize),
		meta:    make(chan Message, metaBuffer),
		framer:  newFramer(opts.SampleRate, opts.FrameDuration),
		session: model.BroadcastSession{Status: model.SessionIdle},
	}
}

// SetArchiver 设置归档（可为空）
func (t *Transport) SetArchiver(a Archiver) {
	t.mu.Lock()
	t.archiver = a
	t.mu.Unlock()
}

// Format 当前推流格式
func (t *Transport) Format() Format {
	return Format{
		Codec:      t.enc.Codec(),
		SampleRate: t.opts.SampleRate,
		Channels:   2,
		FrameMs:    t.opts.FrameDuration.Milliseconds(),
	}
}

// Session 会话快照
func (t *Transport) Session() model.BroadcastSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session
	s.FramesSent = t.sent.Load()
	s.FramesDrop = t.dropped.Load()
	return s
}

// Live 是否在线
func (t *Transport) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session.Status == model.SessionLive
}

// Dropped 丢弃的帧数
func (t *Transport) Dropped() int64 { return t.dropped.Load() }

// Sent 已发送的帧数
func (t *Transport) Sent() int64 { return t.sent.Load() }

// Dials 建连次数（含首次）
func (t *Transport) Dials() int64 { return t.dials.Load() }

// ========== 生命周期 ==========

// Start 开始推流，重置重连计数；已在运行时无操作
func (t *Transport) Start(ctx context.Context) error {
	if t.opts.URL == "" {
		return model.NewConsoleError(model.ErrNetworkSession, "", true, errors.New("relay url not configured"))
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.session = model.BroadcastSession{
		ConnectionID: uuid.NewString(),
		Status:       model.SessionIdle,
	}
	t.mu.Unlock()

	t.sent.Store(0)
	t.dropped.Store(0)
	t.seq.Store(0)

	logger.Info("broadcast starting",
		logger.String("relay", t.opts.URL),
		logger.String("connectionId", t.Session().ConnectionID))

	t.wg.Add(1)
	go t.run(runCtx)
	return nil
}

// Stop 停止推流，本地混音不受影响
func (t *Transport) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	t.wg.Wait()
	t.setStatus(model.SessionIdle, nil)
	logger.Info("broadcast stopped",
		logger.Int64("sent", t.sent.Load()),
		logger.Int64("dropped", t.dropped.Load()))
}

// Close 同 Stop
func (t *Transport) Close() error {
	t.Stop()
	return nil
}

// ========== 采集 ==========

// Capture 接收推流抽头的一块样本，凑满一帧后编码入队
func (t *Transport) Capture(block [][2]float64) {
	t.capMu.Lock()
	frames := t.framer.push(block)
	t.capMu.Unlock()

	for _, fr := range frames {
		if !t.Live() {
			t.dropped.Add(1)
			continue
		}
		data, err := t.enc.Encode(fr)
		if err != nil {
			logger.Warn("failed to encode broadcast frame", logger.ErrorField(err))
			t.dropped.Add(1)
			continue
		}
		select {
		case t.frames <- data:
		default:
			t.dropped.Add(1)
		}
	}
}

// SetTrack 更新当前曲目标题，在线时立即发送 metadata
func (t *Transport) SetTrack(title string) {
	t.mu.Lock()
	t.title = title
	live := t.session.Status == model.SessionLive
	id := t.session.ConnectionID
	t.mu.Unlock()
	if !live {
		return
	}
	select {
	case t.meta <- t.message(MsgMetadata, id, title, false):
	default:
		logger.Debug("broadcast metadata queue full")
	}
}

func (t *Transport) message(typ, id, title string, withFormat bool) Message {
	m := Message{
		Type:         typ,
		ConnectionID: id,
		Station:      t.opts.StationName,
		Title:        title,
		Timestamp:    time.Now().UnixMilli(),
	}
	if withFormat {
		f := t.Format()
		m.Format = &f
	}
	return m
}

// ========== 会话 ==========

// Backoff 第 attempt 次重连前的等待时间：base*2^(attempt-1)，不超过 limit
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

func (t *Transport) run(ctx context.Context) {
	defer t.wg.Done()

	for {
		t.setStatus(model.SessionConnecting, nil)
		wasLive, err := t.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		attempts := t.session.Attempts
		t.mu.Unlock()

		if attempts >= t.opts.MaxAttempts {
			t.fail(err)
			return
		}

		if !wasLive {
			t.setStatus(model.SessionError, err)
		}
		t.pub.PublishError(model.NewConsoleError(model.ErrNetworkSession, "", true, err))

		t.mu.Lock()
		t.session.Attempts++
		attempts = t.session.Attempts
		t.mu.Unlock()

		delay := Backoff(attempts, t.opts.BaseBackoff, t.opts.MaxBackoff)
		logger.Warn("broadcast session lost, reconnecting",
			logger.Int("attempt", attempts),
			logger.Int("maxAttempts", t.opts.MaxAttempts),
			logger.Duration("backoff", delay),
			logger.ErrorField(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// fail 重连用尽：终止并发出不可恢复的错误
func (t *Transport) fail(cause error) {
	err := fmt.Errorf("%w: %v", ErrReconnectExhausted, cause)
	t.mu.Lock()
	t.session.Status = model.SessionError
	t.session.Terminal = true
	t.session.LastError = err.Error()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	t.publishStatus()
	t.pub.PublishError(model.NewConsoleError(model.ErrNetworkSession, "", false, err))
}

func (t *Transport) setStatus(s model.SessionStatus, cause error) {
	t.mu.Lock()
	t.session.Status = s
	switch s {
	case model.SessionLive:
		t.session.StartedAt = time.Now()
		t.session.LastError = ""
		t.session.Terminal = false
	case model.SessionIdle:
		t.session.StartedAt = time.Time{}
	}
	if cause != nil {
		t.session.LastError = cause.Error()
	}
	t.mu.Unlock()
	t.publishStatus()
}

func (t *Transport) publishStatus() {
	t.pub.Publish(events.TypeBroadcastStatus, t.Session())
}

// connectAndServe 建连、发送 hello，然后持续发送直到出错或 ctx 取消
// wasLive 表示本次连接曾进入 live
func (t *Transport) connectAndServe(ctx context.Context) (wasLive bool, err error) {
	t.dials.Add(1)
	conn, resp, err := t.dialer.DialContext(ctx, t.opts.URL, t.opts.Header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("failed to dial relay (status %d): %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("failed to dial relay: %w", err)
	}
	defer conn.Close()

	// 断线前未发出的帧不再补发
	t.drain()
	t.capMu.Lock()
	t.framer.reset()
	t.capMu.Unlock()

	t.mu.Lock()
	id, title := t.session.ConnectionID, t.title
	t.mu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(t.message(MsgHello, id, title, true)); err != nil {
		return false, fmt.Errorf("failed to announce to relay: %w", err)
	}

	t.mu.Lock()
	t.session.Attempts = 0
	t.mu.Unlock()
	t.setStatus(model.SessionLive, nil)
	logger.Info("broadcast live", logger.String("connectionId", id), logger.String("relay", t.opts.URL))

	readErr := make(chan error, 1)
	go t.readLoop(conn, readErr)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "broadcast stopped"))
			return true, nil

		case err := <-readErr:
			t.setStatus(model.SessionDisconnected, err)
			return true, fmt.Errorf("relay connection closed: %w", err)

		case frame := <-t.frames:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				t.setStatus(model.SessionDisconnected, err)
				return true, fmt.Errorf("failed to send frame: %w", err)
			}
			seq := t.seq.Add(1)
			t.sent.Add(1)
			t.mu.Lock()
			archiver := t.archiver
			t.mu.Unlock()
			if archiver != nil {
				archiver.Archive(ctx, id, seq, frame)
			}

		case m := <-t.meta:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(m); err != nil {
				t.setStatus(model.SessionDisconnected, err)
				return true, fmt.Errorf("failed to send metadata: %w", err)
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.setStatus(model.SessionDisconnected, err)
				return true, fmt.Errorf("failed to ping relay: %w", err)
			}
		}
	}
}

// readLoop 读取中继消息，只用于发现断线和处理 pong
func (t *Transport) readLoop(conn *websocket.Conn, errc chan<- error) {
	conn.SetReadLimit(maxReadLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			errc <- err
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (t *Transport) drain() {
	for {
		select {
		case <-t.frames:
		case <-t.meta:
		default:
			return
		}
	}
}
