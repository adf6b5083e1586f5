package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"QFMConsole/config"
	"QFMConsole/core/audio"
	"QFMConsole/core/autodj"
	"QFMConsole/core/broadcast"
	"QFMConsole/core/crossfade"
	"QFMConsole/core/device"
	"QFMConsole/core/events"
	"QFMConsole/core/graph"
	"QFMConsole/core/mixer"
	"QFMConsole/logger"
	"QFMConsole/model"
)

// TrackSource 曲库来源（repository 实现）
type TrackSource interface {
	ListTracks(ctx context.Context) ([]model.TrackRecord, error)
}

// SettingsStore 设置持久化（cache 包的 Redis 实现）
type SettingsStore interface {
	Load(ctx context.Context) (model.ConsoleSettings, bool, error)
	Save(ctx context.Context, s model.ConsoleSettings) error
}

// Deps 引擎的外部依赖，均可为空
type Deps struct {
	Decoder  audio.Decoder
	Resolver *audio.Resolver
	Source   TrackSource
	Tracks   []*model.Track // 直接注入的曲目，排在 Source 之前
	Devices  device.Backend
	Monitor  audio.Sink
	Mic      audio.Stream
	Store    SettingsStore
	Archiver broadcast.Archiver
	Encoder  broadcast.Encoder
	Bus      *events.Bus
	Settings *model.ConsoleSettings // 配置文件中的设置，为空时使用默认值
	Seed     uint64
}

// Engine 控制台核心：持有信号图、混音器、交叉淡化、Auto DJ、推流和设备管理
type Engine struct {
	cfg      *config.Config
	bus      *events.Bus
	ownBus   bool
	resolver *audio.Resolver
	source   TrackSource
	store    SettingsStore
	monitor  audio.Sink
	mic      audio.Stream

	graph     *graph.Manager
	mixer     *mixer.Mixer
	xfade     *crossfade.Scheduler
	ctrl      *autodj.Controller
	transport *broadcast.Transport
	devices   *device.Manager

	renderMu sync.Mutex
	writeErr int

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New 组装引擎。设置优先级：默认值 → 配置文件 → Redis 中保存的设置
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil config")
	}

	settings := model.DefaultSettings()
	if deps.Settings != nil {
		settings = *deps.Settings
	}
	if cfg.MicInBroadcast {
		settings.MicInBroadcast = true
	}
	if deps.Store != nil {
		stored, ok, err := deps.Store.Load(context.Background())
		switch {
		case err != nil:
			logger.Warn("failed to load persisted settings, using profile", logger.ErrorField(err))
		case ok:
			settings = stored
		}
	}
	settings = settings.Normalize()

	e := &Engine{
		cfg:      cfg,
		bus:      deps.Bus,
		resolver: deps.Resolver,
		source:   deps.Source,
		store:    deps.Store,
		monitor:  deps.Monitor,
		mic:      deps.Mic,
	}
	if e.bus == nil {
		e.bus = events.NewBus()
		e.ownBus = true
	}
	if e.monitor == nil {
		e.monitor = audio.NullSink{}
	}
	if e.resolver == nil {
		e.resolver = audio.NewResolver(cfg.MediaDir)
	}
	dec := deps.Decoder
	if dec == nil {
		dec = audio.NewMediaDecoder(cfg.SampleRate, cfg.FFmpegPath)
	}

	gm, err := graph.NewManager(graph.Options{
		SampleRate:     cfg.SampleRate,
		BlockSize:      cfg.BlockSize,
		MicInBroadcast: settings.MicInBroadcast,
		EQ:             settings.EQ,
		Effects:        settings.Effects,
	}, dec)
	if err != nil {
		return nil, fmt.Errorf("failed to build signal graph: %w", err)
	}
	e.graph = gm

	e.mixer = mixer.New(gm, e.bus, settings.Levels, cfg.ReconcileEvery)
	gm.SetLevelSource(e.mixer)

	mode, err := crossfade.ParseMode(cfg.CrossfadeMode)
	if err != nil {
		logger.Warn("invalid crossfade mode, using overlap", logger.ErrorField(err))
		mode = crossfade.ModeOverlap
	}
	e.xfade = crossfade.NewScheduler(crossfade.WithMode(mode), crossfade.WithTick(cfg.CrossfadeTick))

	lib := autodj.NewLibrary(deps.Tracks...)
	e.ctrl = autodj.NewController(gm, e.xfade, e.bus, lib, autodj.Options{
		AutoDJ:        settings.AutoDJ,
		Shuffle:       settings.Shuffle,
		Crossfade:     time.Duration(settings.CrossfadeSeconds * float64(time.Second)),
		RequireArm:    cfg.RequireArm,
		PositionEvery: cfg.PositionEvery,
		Seed:          deps.Seed,
	})

	e.transport = broadcast.New(broadcast.Options{
		URL:           cfg.RelayURL,
		StationName:   cfg.StationName,
		SampleRate:    cfg.SampleRate,
		FrameDuration: cfg.FrameDuration,
		MaxAttempts:   cfg.ReconnectAttempts,
		BaseBackoff:   cfg.ReconnectBase,
		MaxBackoff:    cfg.ReconnectMax,
		QueueSize:     cfg.SendQueueSize,
	}, deps.Encoder, e.bus)
	if deps.Archiver != nil {
		e.transport.SetArchiver(deps.Archiver)
	}

	backend := deps.Devices
	if backend == nil {
		backend = device.NewPactlBackend(cfg.PactlPath)
	}
	e.devices = device.NewManager(backend, e.bus, settings.InputDeviceID, settings.OutputDeviceID)
	if rb, ok := e.monitor.(audio.Rebindable); ok {
		e.devices.OnOutputChange(rb.Rebind)
	}
	if e.mic != nil {
		if err := gm.AttachMic(e.mic); err != nil {
			return nil, fmt.Errorf("failed to attach microphone: %w", err)
		}
		if rb, ok := e.mic.(audio.Rebindable); ok {
			e.devices.OnInputChange(rb.Rebind)
		}
	}
	return e, nil
}

// Bus 事件总线
func (e *Engine) Bus() *events.Bus { return e.bus }

// Controller 播放控制器
func (e *Engine) Controller() *autodj.Controller { return e.ctrl }

// Graph 信号图
func (e *Engine) Graph() *graph.Manager { return e.graph }

// Mixer 混音器
func (e *Engine) Mixer() *mixer.Mixer { return e.mixer }

// Transport 推流
func (e *Engine) Transport() *broadcast.Transport { return e.transport }

// Devices 设备管理
func (e *Engine) Devices() *device.Manager { return e.devices }

// ========== 生命周期 ==========

// Init 载入曲库并启动所有后台任务
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return errors.New("engine already initialised")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx, e.cancel = runCtx, cancel
	e.mu.Unlock()

	if e.source != nil {
		if err := e.LoadLibrary(ctx); err != nil {
			logger.Warn("failed to load library", logger.ErrorField(err))
		}
	}

	e.goRun(func() { e.renderLoop(runCtx) })
	e.goRun(func() { e.mixer.Run(runCtx) })
	e.goRun(func() { e.xfade.Run(runCtx) })
	e.goRun(func() { e.ctrl.Run(runCtx) })
	e.goRun(func() { e.statusLoop(runCtx) })
	e.goRun(func() { e.titleLoop(runCtx) })

	// 设备枚举不阻塞播放
	e.goRun(func() {
		if err := e.devices.Enumerate(runCtx); err != nil {
			logger.Warn("device enumeration failed", logger.ErrorField(err))
		}
	})
	if e.cfg.DeviceWatchDir != "" {
		e.goRun(func() {
			if err := e.devices.Watch(runCtx, e.cfg.DeviceWatchDir, device.DefaultDebounce); err != nil {
				logger.Warn("device hot-plug watch disabled", logger.ErrorField(err))
			}
		})
	}

	e.ctrl.Start(runCtx)
	logger.Info("console engine started",
		logger.Int("sampleRate", e.cfg.SampleRate),
		logger.Int("blockSize", e.cfg.BlockSize),
		logger.Int("tracks", e.ctrl.Library().Len()))
	return nil
}

// Shutdown 停止所有后台任务并释放资源
func (e *Engine) Shutdown() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	e.transport.Stop()
	e.wg.Wait()
	e.xfade.Cancel()
	e.ctrl.Wait()
	e.graph.Close()
	if err := e.monitor.Close(); err != nil {
		logger.Warn("failed to close monitor sink", logger.ErrorField(err))
	}
	if e.ownBus {
		e.bus.Close()
	}
	logger.Info("console engine stopped")
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

func (e *Engine) ctx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// ========== 曲库 ==========

// LoadLibrary 从 TrackSource 载入曲库，location 无法解析的曲目跳过
func (e *Engine) LoadLibrary(ctx context.Context) error {
	records, err := e.source.ListTracks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tracks: %w", err)
	}
	tracks := e.ctrl.Library().Tracks()
	for _, rec := range records {
		h, err := e.resolver.Resolve(rec.Location)
		if err != nil {
			logger.Warn("skipping track with unresolvable location",
				logger.TrackID(rec.ID), logger.String("location", rec.Location), logger.ErrorField(err))
			continue
		}
		t := model.NewTrack(rec.ID, rec.Name, rec.Artist, h)
		t.SetDuration(rec.Duration)
		tracks = append(tracks, t)
	}
	e.ctrl.Library().Set(tracks)
	logger.Info("library loaded", logger.Int("tracks", e.ctrl.Library().Len()))
	return nil
}

// Tracks 曲库列表
func (e *Engine) Tracks() []model.TrackInfo {
	tracks := e.ctrl.Library().Tracks()
	out := make([]model.TrackInfo, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.Info())
	}
	return out
}

// Enqueue 点播；Auto DJ 空闲时开播，过渡使用引擎的 ctx
func (e *Engine) Enqueue(_ context.Context, trackID, requestID string) error {
	t, ok := e.ctrl.Library().Get(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", autodj.ErrUnknownTrack, trackID)
	}
	e.ctrl.Enqueue(e.ctx(), t, requestID)
	return nil
}

// PlayFX 播放一次性音效，音效流的生命周期跟随引擎
func (e *Engine) PlayFX(_ context.Context, trackID string) error {
	t, ok := e.ctrl.Library().Get(trackID)
	if !ok {
		return fmt.Errorf("%w: %s", autodj.ErrUnknownTrack, trackID)
	}
	if _, err := e.graph.AddFX(e.ctx(), t); err != nil {
		e.bus.PublishError(err)
		return err
	}
	return nil
}

// StartBroadcast 开始推流，重置重连计数
func (e *Engine) StartBroadcast() error {
	return e.transport.Start(e.ctx())
}

// ========== 渲染 ==========

// Step 渲染一块：通知自然结束的 deck，写本地监听，交给推流采集
func (e *Engine) Step() {
	e.renderMu.Lock()
	defer e.renderMu.Unlock()

	ended := e.graph.Render(e.cfg.BlockSize)
	for _, d := range ended {
		e.ctrl.OnTrackEnded(e.ctx(), d)
	}

	if err := e.monitor.Write(e.graph.MonitorBlock()); err != nil {
		// 避免每块都打日志
		if e.writeErr%500 == 0 {
			logger.Named("render").Warn("monitor sink write failed", logger.ErrorField(err), logger.Int("failures", e.writeErr+1))
		}
		e.writeErr++
	} else {
		e.writeErr = 0
	}
	e.transport.Capture(e.graph.BroadcastBlock())
}

func (e *Engine) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.BlockDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Step()
		}
	}
}

// statusLoop 周期发布电平表与推流时长
func (e *Engine) statusLoop(ctx context.Context) {
	meters := time.NewTicker(e.cfg.PositionEvery)
	defer meters.Stop()
	uptime := time.NewTicker(time.Second)
	defer uptime.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-meters.C:
			e.bus.Publish(events.TypeMeters, e.Meters())
		case <-uptime.C:
			s := e.transport.Session()
			if s.Status == model.SessionLive {
				e.bus.Publish(events.TypeUptime, events.UptimeData{Seconds: s.Uptime(time.Now()).Seconds()})
			}
		}
	}
}

// titleLoop 曲目变化时更新推流 metadata
func (e *Engine) titleLoop(ctx context.Context) {
	sub := e.bus.Subscribe(8, events.TypeTrack)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if info, ok := ev.Data.(model.TrackInfo); ok {
				e.transport.SetTrack(trackTitle(info))
			}
		}
	}
}

func trackTitle(info model.TrackInfo) string {
	if info.Artist == "" {
		return info.Name
	}
	return info.Artist + " - " + info.Name
}

// Meters 当前电平表读数
func (e *Engine) Meters() events.MetersData {
	mp, mr, bp, br := e.graph.Meters()
	return events.MetersData{
		Monitor:   events.MeterReading{Peak: mp, RMS: mr},
		Broadcast: events.MeterReading{Peak: bp, RMS: br},
	}
}

// ========== 设置与状态 ==========

// Settings 当前可持久化的设置
func (e *Engine) Settings() model.ConsoleSettings {
	eq := make([]float64, 0, model.EQBandCount)
	for _, b := range e.graph.EQ() {
		eq = append(eq, b.GainDB)
	}
	in, out := e.devices.Selected()
	st := e.ctrl.State()
	return model.ConsoleSettings{
		Levels:           e.mixer.Levels(),
		EQ:               eq,
		Effects:          e.graph.Effects(),
		AutoDJ:           st.AutoDJ,
		Shuffle:          st.Shuffle,
		CrossfadeSeconds: st.Crossfade,
		MicInBroadcast:   e.graph.MicInBroadcast(),
		InputDeviceID:    in,
		OutputDeviceID:   out,
	}
}

func (e *Engine) settingsChanged(ctx context.Context) {
	s := e.Settings()
	e.bus.Publish(events.TypeSettings, s)
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, s); err != nil {
		logger.Warn("failed to persist settings", logger.ErrorField(err))
	}
}

// State 控制台状态快照
type State struct {
	Playback    model.PlaybackState    `json:"playback"`
	Track       *model.TrackInfo       `json:"track,omitempty"`
	Next        *model.TrackInfo       `json:"next,omitempty"`
	Queue       []autodj.QueueItem     `json:"queue"`
	Settings    model.ConsoleSettings  `json:"settings"`
	EQ          []model.EQBand         `json:"eq"`
	Meters      events.MetersData      `json:"meters"`
	Broadcast   model.BroadcastSession `json:"broadcast"`
	Devices     model.DeviceList       `json:"devices"`
	LibrarySize int                    `json:"librarySize"`
}

// State 返回状态快照
func (e *Engine) State() State {
	st := State{
		Playback:    e.ctrl.State(),
		Queue:       e.ctrl.QueueItems(),
		Settings:    e.Settings(),
		EQ:          e.graph.EQ(),
		Meters:      e.Meters(),
		Broadcast:   e.transport.Session(),
		Devices:     e.devices.List(),
		LibrarySize: e.ctrl.Library().Len(),
	}
	if cur := e.ctrl.Current(); cur != nil {
		info := cur.Info()
		st.Track = &info
	}
	if next, ok := e.ctrl.PeekNext(); ok {
		info := next.Info()
		st.Next = &info
	}
	return st
}
