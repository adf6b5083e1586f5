package autodj

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"QFMConsole/core/crossfade"
	"QFMConsole/core/events"
	"QFMConsole/core/graph"
	"QFMConsole/logger"
	"QFMConsole/model"
)

var (
	// ErrTransitionInFlight 自动过渡在已有过渡进行时被忽略
	ErrTransitionInFlight = errors.New("transition already in flight")
	// ErrSuperseded 过渡被更新的手动操作取代
	ErrSuperseded   = errors.New("transition superseded by a newer intent")
	ErrNoPrevious   = errors.New("no previous track in history")
	ErrUnknownTrack = errors.New("unknown track")
)

// MaxCrossfade 交叉淡化时长上限
const MaxCrossfade = time.Duration(model.MaxCrossfadeSeconds) * time.Second

// Player 双 deck 播放器，由 graph.Manager 实现
type Player interface {
	LoadDeck(ctx context.Context, deck graph.Deck, track *model.Track, fade float64) error
	Start(deck graph.Deck) error
	Pause(deck graph.Deck) error
	Release(deck graph.Deck)
	Fader(deck graph.Deck) (*graph.GainNode, error)
	Playing(deck graph.Deck) bool
	Position(deck graph.Deck) time.Duration
}

// Publisher 事件出口
type Publisher interface {
	Publish(t events.Type, data interface{})
	PublishError(err error)
}

// QueueItem queue 事件中的一项
type QueueItem struct {
	model.TrackInfo
	RequestID string `json:"requestId,omitempty"`
}

// Options 控制器初始设置
type Options struct {
	AutoDJ        bool
	Shuffle       bool
	Crossfade     time.Duration
	RequireArm    bool // 操作员首次交互前拒绝自动开播
	PositionEvery time.Duration
	Seed          uint64
}

// chooser 依次给出候选曲目，失败后以失败曲目为当前继续
type chooser func(currentID string) (Selection, bool)

// Controller 播放状态机与 Auto DJ
// 状态：Idle → Loading → Playing ⇄ Paused，Playing → Crossfading → Playing
type Controller struct {
	player        Player
	xfade         *crossfade.Scheduler
	pub           Publisher
	lib           *Library
	queue         *Queue
	history       *History
	sel           *Selector
	positionEvery time.Duration

	// tmu 同一时间只允许一个过渡；手动操作排队等待，自动操作直接放弃
	tmu sync.Mutex
	gen atomic.Uint64

	mu         sync.Mutex
	status     model.PlaybackStatus
	current    *model.Track
	deck       graph.Deck
	autoDJ     bool
	crossfade  time.Duration
	requireArm bool
	armed      bool
	earlyFired bool

	wg sync.WaitGroup
}

// NewController 创建控制器
func NewController(player Player, xfade *crossfade.Scheduler, pub Publisher, lib *Library, opts Options) *Controller {
	if opts.PositionEvery <= 0 {
		opts.PositionEvery = 250 * time.Millisecond
	}
	queue := NewQueue()
	history := NewHistory(model.HistorySize)
	c := &Controller{
		player:        player,
		xfade:         xfade,
		pub:           pub,
		lib:           lib,
		queue:         queue,
		history:       history,
		sel:           NewSelector(lib, queue, history, opts.Seed),
		positionEvery: opts.PositionEvery,
		status:        model.StatusIdle,
		deck:          graph.DeckB, // 第一首加载到 A
		autoDJ:        opts.AutoDJ,
		crossfade:     clampCrossfade(opts.Crossfade),
		requireArm:    opts.RequireArm,
	}
	c.sel.SetShuffle(opts.Shuffle)
	return c
}

func clampCrossfade(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > MaxCrossfade {
		return MaxCrossfade
	}
	return d
}

// Library 曲库
func (c *Controller) Library() *Library { return c.lib }

// Queue 点播队列
func (c *Controller) Queue() *Queue { return c.queue }

// History 播放历史
func (c *Controller) History() *History { return c.history }

// ========== 状态 ==========

// State 当前播放状态快照
func (c *Controller) State() model.PlaybackState {
	c.mu.Lock()
	st := model.PlaybackState{
		Status:        c.status,
		IsPlaying:     c.status == model.StatusPlaying || c.status == model.StatusCrossfading,
		IsCrossfading: c.status == model.StatusCrossfading,
		AutoDJ:        c.autoDJ,
		Crossfade:     c.crossfade.Seconds(),
	}
	cur, deck := c.current, c.deck
	c.mu.Unlock()

	st.Shuffle = c.sel.Shuffle()
	st.History = c.history.IDs()
	if cur != nil {
		st.CurrentTrackID = cur.ID
		st.Duration = cur.Duration()
		st.Position = c.player.Position(deck).Seconds()
	}
	return st
}

// Current 当前曲目
func (c *Controller) Current() *model.Track {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Status 当前状态
func (c *Controller) Status() model.PlaybackStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Controller) setStatus(s model.PlaybackStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.publishPlayback()
}

func (c *Controller) currentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.ID
}

// PeekNext 预告下一首，不消费队列
func (c *Controller) PeekNext() (*model.Track, bool) {
	sel, ok := c.sel.Peek(c.currentID())
	return sel.Track, ok
}

// QueueItems 队列快照
func (c *Controller) QueueItems() []QueueItem {
	entries := c.queue.Entries()
	items := make([]QueueItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, QueueItem{TrackInfo: e.Track.Info(), RequestID: e.RequestID})
	}
	return items
}

// ========== 设置 ==========

// AutoDJ 是否启用 Auto DJ
func (c *Controller) AutoDJ() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoDJ
}

// SetAutoDJ 开关 Auto DJ；开启且空闲时立即开始选曲
func (c *Controller) SetAutoDJ(ctx context.Context, on bool) {
	c.mu.Lock()
	c.autoDJ = on
	idle := c.status == model.StatusIdle
	c.mu.Unlock()
	c.publishPlayback()
	if on && idle {
		c.autoAdvance(ctx)
	}
}

// SetShuffle 开关随机模式
func (c *Controller) SetShuffle(on bool) {
	c.sel.SetShuffle(on)
	c.publishPlayback()
	c.publishPreview()
}

// SetCrossfade 设置交叉淡化时长（秒，限制在 0 到上限之间）
func (c *Controller) SetCrossfade(seconds float64) time.Duration {
	d := clampCrossfade(time.Duration(seconds * float64(time.Second)))
	c.mu.Lock()
	c.crossfade = d
	c.mu.Unlock()
	c.publishPlayback()
	return d
}

// Crossfade 当前交叉淡化时长
func (c *Controller) Crossfade() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crossfade
}

// Arm 标记操作员已交互，此后允许自动开播
func (c *Controller) Arm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

func (c *Controller) startAllowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.requireArm || c.armed
}

// ========== 队列 ==========

// Enqueue 加入点播队列；Auto DJ 空闲时立即开播
func (c *Controller) Enqueue(ctx context.Context, track *model.Track, requestID string) {
	c.queue.Enqueue(track, requestID)
	logger.Info("track enqueued", logger.TrackID(track.ID), logger.String("requestId", requestID))
	c.publishQueue()
	c.publishPreview()

	c.mu.Lock()
	kick := c.autoDJ && c.status == model.StatusIdle
	c.mu.Unlock()
	if kick {
		c.autoAdvance(ctx)
	}
}

// Reject 拒绝点播：删除排队曲目与映射并发出一次拒绝通知
func (c *Controller) Reject(requestID string) bool {
	removed := c.queue.Reject(requestID)
	if len(removed) == 0 {
		return false
	}
	c.pub.Publish(events.TypeRequestRejected, events.RequestData{RequestID: requestID, TrackID: removed[0].ID})
	c.publishQueue()
	c.publishPreview()
	return true
}

// takeRequest 删除选中曲目对应的点播映射：出队条目按其点播 ID，手动播放按曲目最早的点播
func (c *Controller) takeRequest(sel Selection) (string, bool) {
	if sel.FromQueue {
		if sel.RequestID == "" || !c.queue.Release(sel.Track.ID, sel.RequestID) {
			return "", false
		}
		return sel.RequestID, true
	}
	return c.queue.TakeRequest(sel.Track.ID)
}

func (c *Controller) rejectMapped(sel Selection) {
	if reqID, ok := c.takeRequest(sel); ok {
		c.pub.Publish(events.TypeRequestRejected, events.RequestData{RequestID: reqID, TrackID: sel.Track.ID})
	}
}

// ========== 手动操作 ==========

// Play 播放指定曲目
func (c *Controller) Play(ctx context.Context, trackID string) error {
	c.Arm()
	t, ok := c.lib.Get(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, trackID)
	}
	first := true
	return c.transition(ctx, true, func(cur string) (Selection, bool) {
		if first {
			first = false
			return Selection{Track: t}, true
		}
		if !c.AutoDJ() {
			return Selection{}, false
		}
		return c.sel.Next(cur)
	})
}

// Next 跳到下一首
func (c *Controller) Next(ctx context.Context) error {
	c.Arm()
	return c.transition(ctx, true, c.nextChooser())
}

// Previous 播放历史中的倒数第二首
func (c *Controller) Previous(ctx context.Context) error {
	id, ok := c.history.Previous()
	if !ok {
		c.Arm()
		return ErrNoPrevious
	}
	return c.Play(ctx, id)
}

// TogglePlay 播放/暂停；空闲时开始播放下一首
func (c *Controller) TogglePlay(ctx context.Context) error {
	c.Arm()
	c.gen.Add(1)
	c.tmu.Lock()

	c.mu.Lock()
	st := c.status
	c.mu.Unlock()

	switch st {
	case model.StatusPlaying, model.StatusCrossfading:
		c.xfade.Cancel()
		c.mu.Lock()
		deck := c.deck
		c.mu.Unlock()
		err := c.player.Pause(deck)
		c.tmu.Unlock()
		if err != nil {
			return err
		}
		c.setStatus(model.StatusPaused)
		return nil
	case model.StatusPaused:
		c.mu.Lock()
		deck := c.deck
		c.mu.Unlock()
		err := c.player.Start(deck)
		c.tmu.Unlock()
		if err != nil {
			return err
		}
		c.setStatus(model.StatusPlaying)
		return nil
	}
	c.tmu.Unlock()
	return c.Next(ctx)
}

// Stop 停止播放并回到 Idle
func (c *Controller) Stop() {
	c.Arm()
	c.gen.Add(1)
	c.tmu.Lock()
	defer c.tmu.Unlock()
	c.xfade.Cancel()
	c.goIdle()
}

func (c *Controller) goIdle() {
	c.player.Release(graph.DeckA)
	c.player.Release(graph.DeckB)
	c.mu.Lock()
	c.status = model.StatusIdle
	c.current = nil
	c.mu.Unlock()
	c.publishPlayback()
	c.pub.Publish(events.TypeTrack, nil)
}

// ========== 自动 ==========

// Start 启动时若开启 Auto DJ 则开始播放
func (c *Controller) Start(ctx context.Context) {
	if c.AutoDJ() {
		c.autoAdvance(ctx)
	}
}

// OnTrackEnded 渲染循环报告 deck 自然播完，不阻塞调用方
func (c *Controller) OnTrackEnded(ctx context.Context, deck graph.Deck) {
	c.mu.Lock()
	ignore := deck != c.deck || c.current == nil || c.status == model.StatusCrossfading
	auto := c.autoDJ
	c.mu.Unlock()
	if ignore {
		return
	}
	if auto {
		c.autoAdvance(ctx)
		return
	}
	c.spawn(func() {
		if !c.tmu.TryLock() {
			return
		}
		defer c.tmu.Unlock()
		c.goIdle()
	})
}

func (c *Controller) autoAdvance(ctx context.Context) {
	c.spawn(func() {
		err := c.transition(ctx, false, c.nextChooser())
		switch {
		case err == nil:
		case errors.Is(err, ErrTransitionInFlight), errors.Is(err, ErrSuperseded):
			logger.Debug("auto transition skipped", logger.ErrorField(err))
		default:
			logger.Warn("auto transition failed", logger.ErrorField(err))
		}
	})
}

func (c *Controller) nextChooser() chooser {
	return c.sel.Next
}

func (c *Controller) spawn(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Wait 等待所有后台过渡结束
func (c *Controller) Wait() {
	c.wg.Wait()
}

// ========== 过渡 ==========

func (c *Controller) transition(ctx context.Context, manual bool, choose chooser) error {
	var my uint64
	if manual {
		my = c.gen.Add(1)
		c.tmu.Lock()
	} else {
		my = c.gen.Load()
		if !c.tmu.TryLock() {
			return ErrTransitionInFlight
		}
	}
	defer c.tmu.Unlock()
	if c.gen.Load() != my {
		return ErrSuperseded
	}

	if !manual && !c.startAllowed() {
		err := model.NewConsoleError(model.ErrPlaybackStartDenied, "", true,
			errors.New("playback start requires operator interaction"))
		c.pub.PublishError(err)
		return err
	}

	// 结束进行中的淡化，B 在此被提升为当前
	c.xfade.Cancel()

	c.mu.Lock()
	prevDeck, prevTrack, prevStatus := c.deck, c.current, c.status
	c.mu.Unlock()
	nextDeck := prevDeck.Other()

	cur := ""
	if prevTrack != nil {
		cur = prevTrack.ID
	}
	if prevStatus == model.StatusIdle {
		c.setStatus(model.StatusLoading)
	}

	var (
		track  *model.Track
		chosen Selection
	)
	attempts := c.lib.Len() + c.queue.Len() + 1
	for i := 0; i < attempts; i++ {
		sel, ok := choose(cur)
		if !ok {
			break
		}
		t := sel.Track
		err := c.player.LoadDeck(ctx, nextDeck, t, 0)
		if err == nil {
			track, chosen = t, sel
			break
		}
		if c.gen.Load() != my {
			return ErrSuperseded
		}
		if !model.IsKind(err, model.ErrResourceInvalid) {
			if prevStatus == model.StatusIdle {
				c.setStatus(model.StatusIdle)
			}
			return err
		}
		// 无效资源：报告后跳过
		c.pub.PublishError(err)
		c.rejectMapped(sel)
		c.publishQueue()
		cur = t.ID
	}

	if track == nil {
		if prevTrack != nil && c.player.Playing(prevDeck) {
			return nil
		}
		logger.Info("nothing to play, auto dj idle")
		c.goIdle()
		return nil
	}
	if c.gen.Load() != my {
		c.player.Release(nextDeck)
		return ErrSuperseded
	}

	if reqID, ok := c.takeRequest(chosen); ok {
		c.pub.Publish(events.TypeRequestFulfilled, events.RequestData{RequestID: reqID, TrackID: track.ID})
		logger.Info("request fulfilled", logger.String("requestId", reqID), logger.TrackID(track.ID))
	}

	return c.begin(prevDeck, nextDeck, prevTrack, track)
}

func (c *Controller) begin(prevDeck, nextDeck graph.Deck, prevTrack, track *model.Track) error {
	in, err := c.player.Fader(nextDeck)
	if err != nil {
		return err
	}

	var (
		out crossfade.Fader
		d   time.Duration
	)
	if prevTrack != nil && c.player.Playing(prevDeck) {
		if f, err := c.player.Fader(prevDeck); err == nil {
			out = f
			d = c.Crossfade()
		}
	}
	if out != nil && d > 0 {
		c.setStatus(model.StatusCrossfading)
	}

	c.xfade.Begin(crossfade.Transition{
		Out:      out,
		In:       in,
		Duration: d,
		StartIn: func() {
			if err := c.player.Start(nextDeck); err != nil {
				logger.Warn("failed to start deck", logger.String("deck", string(nextDeck)), logger.ErrorField(err))
			}
		},
		StopOut: func() {
			c.player.Pause(prevDeck)
		},
		OnComplete: func(bool) {
			c.complete(prevDeck, nextDeck, track)
		},
	})
	return nil
}

// complete 释放旧 deck，提升新 deck 为当前，并写入历史
func (c *Controller) complete(prevDeck, nextDeck graph.Deck, track *model.Track) {
	c.player.Release(prevDeck)

	c.mu.Lock()
	c.deck = nextDeck
	c.current = track
	c.status = model.StatusPlaying
	c.earlyFired = false
	c.mu.Unlock()
	c.history.Push(track.ID)

	logger.Info("now playing",
		logger.TrackID(track.ID),
		logger.String("title", track.Title()),
		logger.String("deck", string(nextDeck)))

	c.pub.Publish(events.TypeTrack, track.Info())
	c.publishPlayback()
	c.publishQueue()
	c.publishPreview()
}

// ========== 周期任务 ==========

// Run 周期发布播放进度，并在剩余时间落入淡化时长时提前开始过渡
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.positionEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	cur, deck, st := c.current, c.deck, c.status
	auto, d, fired := c.autoDJ, c.crossfade, c.earlyFired
	c.mu.Unlock()
	if cur == nil {
		return
	}

	pos := c.player.Position(deck)
	dur := cur.Duration()
	c.pub.Publish(events.TypePosition, events.PositionData{
		TrackID:  cur.ID,
		Position: pos.Seconds(),
		Duration: dur,
	})

	if !auto || fired || st != model.StatusPlaying || d <= 0 || dur <= 0 {
		return
	}
	remaining := time.Duration(dur*float64(time.Second)) - pos
	if remaining > d {
		return
	}
	c.mu.Lock()
	c.earlyFired = true
	c.mu.Unlock()
	logger.Debug("early auto transition", logger.TrackID(cur.ID), logger.Duration("remaining", remaining))
	c.autoAdvance(ctx)
}

// ========== 事件 ==========

func (c *Controller) publishPlayback() {
	c.pub.Publish(events.TypePlayback, c.State())
}

func (c *Controller) publishQueue() {
	c.pub.Publish(events.TypeQueue, c.QueueItems())
}

func (c *Controller) publishPreview() {
	if t, ok := c.PeekNext(); ok {
		c.pub.Publish(events.TypeNextPreview, t.Info())
		return
	}
	c.pub.Publish(events.TypeNextPreview, nil)
}
