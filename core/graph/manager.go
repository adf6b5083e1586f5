package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"QFMConsole/core/audio"
	"QFMConsole/logger"
	"QFMConsole/model"

	"github.com/google/uuid"
)

// ErrRebuildInProgress 同一 deck 的重建正在进行
var ErrRebuildInProgress = errors.New("deck rebuild in progress")

// ErrDeckEmpty deck 上没有加载曲目
var ErrDeckEmpty = errors.New("deck is empty")

// Deck 音乐通道（两个交替使用，用于交叉淡化）
type Deck string

const (
	DeckA Deck = "A"
	DeckB Deck = "B"
)

// Other 返回另一个 deck
func (d Deck) Other() Deck {
	if d == DeckA {
		return DeckB
	}
	return DeckA
}

const (
	nodeMonitorBus     = "bus.monitor"
	nodeMaster         = "gain.master"
	nodeMonitorMeter   = "meter.monitor"
	nodeMonitorTap     = "tap.monitor"
	nodeBroadcastBus   = "bus.broadcast"
	nodeBroadcastMeter = "meter.broadcast"
	nodeBroadcastTap   = "tap.broadcast"
	nodeMicSource      = "mic.source"
	nodeMicGain        = "mic.gain"
)

// LevelSource 新建增益节点时读取的通道增益（0-1）
type LevelSource interface {
	Gain(ch model.Channel) float64
}

type unityLevels struct{}

func (unityLevels) Gain(model.Channel) float64 { return 1 }

// Options 信号图配置
type Options struct {
	SampleRate     int
	BlockSize      int
	MicInBroadcast bool
	EQ             []float64
	Effects        model.EffectConfig
}

// deckChain source → fade → eq → comp → reverb → delay → tap(预主控抽头) → music
type deckChain struct {
	deck     Deck
	track    *model.Track
	source   *SourceNode
	fade     *GainNode
	eq       *EQNode
	comp     *CompressorNode
	reverb   *ReverbNode
	delay    *DelayNode
	tap      *GainNode
	music    *GainNode
	reported bool
}

func (c *deckChain) ids() []string {
	return []string{c.source.ID(), c.fade.ID(), c.eq.ID(), c.comp.ID(), c.reverb.ID(), c.delay.ID(), c.tap.ID(), c.music.ID()}
}

// fxChain 一次性音效：source → gain → 监听总线 + 推流总线
type fxChain struct {
	id     string
	source *SourceNode
	gain   *GainNode
}

// Manager 信号图管理器，所有结构修改经由 mu 串行化
type Manager struct {
	g          *Graph
	dec        audio.Decoder
	sampleRate float64

	mu             sync.Mutex
	levels         LevelSource
	decks          map[Deck]*deckChain
	rebuilding     map[Deck]bool
	fx             map[string]*fxChain
	micAttached    bool
	micInBroadcast bool
	eqGains        [model.EQBandCount]float64
	effects        model.EffectConfig
	generation     int

	monitorBus     *GainNode
	master         *GainNode
	monitorMeter   *MeterNode
	monitorTap     *TapNode
	broadcastBus   *GainNode
	broadcastMeter *MeterNode
	broadcastTap   *TapNode
	micSource      *SourceNode
	micGain        *GainNode
}

// NewManager 创建管理器并搭好主控与推流总线
func NewManager(opts Options, dec audio.Decoder) (*Manager, error) {
	m := &Manager{
		g:              New(opts.BlockSize),
		dec:            dec,
		sampleRate:     float64(opts.SampleRate),
		levels:         unityLevels{},
		decks:          make(map[Deck]*deckChain),
		rebuilding:     make(map[Deck]bool),
		fx:             make(map[string]*fxChain),
		micInBroadcast: opts.MicInBroadcast,
		effects:        opts.Effects,
		monitorBus:     NewBusNode(nodeMonitorBus),
		master:         NewGainNode(nodeMaster, 1),
		monitorMeter:   NewMeterNode(nodeMonitorMeter),
		monitorTap:     NewTapNode(nodeMonitorTap),
		broadcastBus:   NewBusNode(nodeBroadcastBus),
		broadcastMeter: NewMeterNode(nodeBroadcastMeter),
		broadcastTap:   NewTapNode(nodeBroadcastTap),
	}
	for i := 0; i < model.EQBandCount && i < len(opts.EQ); i++ {
		m.eqGains[i] = model.ClampEQGain(opts.EQ[i])
	}

	for _, n := range []Node{m.monitorBus, m.master, m.monitorMeter, m.monitorTap, m.broadcastBus, m.broadcastMeter, m.broadcastTap} {
		if err := m.g.AddNode(n); err != nil {
			return nil, err
		}
	}
	links := [][2]string{
		{nodeMonitorBus, nodeMaster},
		{nodeMaster, nodeMonitorMeter},
		{nodeMonitorMeter, nodeMonitorTap},
		{nodeBroadcastBus, nodeBroadcastMeter},
		{nodeBroadcastMeter, nodeBroadcastTap},
	}
	for _, l := range links {
		if err := m.g.Connect(l[0], l[1]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetLevelSource 设置新节点的初始增益来源（通常是 mixer）
func (m *Manager) SetLevelSource(src LevelSource) {
	m.mu.Lock()
	m.levels = src
	m.master.SetGain(src.Gain(model.ChannelMaster))
	m.mu.Unlock()
}

// Graph 底层信号图
func (m *Manager) Graph() *Graph {
	return m.g
}

// connect 忽略无害的重复连接
func (m *Manager) connect(from, to string) error {
	if err := m.g.Connect(from, to); err != nil && !errors.Is(err, ErrAlreadyConnected) {
		return err
	}
	return nil
}

// ========== Deck ==========

// LoadDeck 在 deck 上加载曲目，fade 为初始淡化增益
// 解码在锁外进行；同一 deck 的并发重建返回 ErrRebuildInProgress
func (m *Manager) LoadDeck(ctx context.Context, deck Deck, track *model.Track, fade float64) error {
	m.mu.Lock()
	if m.rebuilding[deck] {
		m.mu.Unlock()
		return ErrRebuildInProgress
	}
	m.rebuilding[deck] = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.rebuilding, deck)
		m.mu.Unlock()
	}()

	stream, err := audio.OpenTrack(ctx, m.dec, track)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if old := m.decks[deck]; old != nil {
		m.teardownLocked(old)
	}
	chain, err := m.buildDeckLocked(deck, track, stream, fade)
	if err != nil {
		stream.Close()
		return err
	}
	m.decks[deck] = chain

	logger.Info("deck loaded",
		logger.String("deck", string(deck)),
		logger.TrackID(track.ID),
		logger.String("name", track.Name))
	return nil
}

func (m *Manager) buildDeckLocked(deck Deck, track *model.Track, stream audio.Stream, fade float64) (*deckChain, error) {
	m.generation++
	prefix := fmt.Sprintf("deck%s.%d.", deck, m.generation)

	comp, err := NewCompressorNode(prefix+"comp", m.sampleRate, m.effects.Compressor)
	if err != nil {
		return nil, err
	}
	rev, err := NewReverbNode(prefix+"reverb", m.sampleRate, m.effects.Reverb)
	if err != nil {
		return nil, err
	}
	dly, err := NewDelayNode(prefix+"delay", m.sampleRate, m.effects.Delay)
	if err != nil {
		return nil, err
	}
	eq := NewEQNode(prefix+"eq", m.sampleRate)
	for i, g := range m.eqGains {
		if g != 0 {
			eq.SetBand(i, g)
		}
	}

	c := &deckChain{
		deck:   deck,
		track:  track,
		source: NewSourceNode(prefix + "source"),
		fade:   NewGainNode(prefix+"fade", fade),
		eq:     eq,
		comp:   comp,
		reverb: rev,
		delay:  dly,
		tap:    NewBusNode(prefix + "tap"),
		music:  NewGainNode(prefix+"music", m.levels.Gain(model.ChannelMusic)),
	}
	c.source.SetStream(stream)

	nodes := []Node{c.source, c.fade, c.eq, c.comp, c.reverb, c.delay, c.tap, c.music}
	for _, n := range nodes {
		if err := m.g.AddNode(n); err != nil {
			m.removeNodesLocked(nodes)
			return nil, err
		}
	}
	links := [][2]string{
		{c.source.ID(), c.fade.ID()},
		{c.fade.ID(), c.eq.ID()},
		{c.eq.ID(), c.comp.ID()},
		{c.comp.ID(), c.reverb.ID()},
		{c.reverb.ID(), c.delay.ID()},
		{c.delay.ID(), c.tap.ID()},
		{c.tap.ID(), c.music.ID()},
		{c.music.ID(), nodeMonitorBus},
		{c.tap.ID(), nodeBroadcastBus},
	}
	for _, l := range links {
		if err := m.connect(l[0], l[1]); err != nil {
			m.removeNodesLocked(nodes)
			return nil, err
		}
	}
	return c, nil
}

func (m *Manager) removeNodesLocked(nodes []Node) {
	for _, n := range nodes {
		m.g.RemoveNode(n.ID())
	}
}

// teardownLocked 先断开全部旧节点再移除
func (m *Manager) teardownLocked(c *deckChain) {
	for _, id := range c.ids() {
		m.g.DisconnectAll(id)
	}
	for _, id := range c.ids() {
		m.g.RemoveNode(id)
	}
	c.source.Release()
}

func (m *Manager) chain(deck Deck) (*deckChain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.decks[deck]
	if c == nil {
		return nil, fmt.Errorf("deck %s: %w", deck, ErrDeckEmpty)
	}
	return c, nil
}

// Start 开始播放 deck
func (m *Manager) Start(deck Deck) error {
	c, err := m.chain(deck)
	if err != nil {
		return err
	}
	c.source.Play()
	return nil
}

// Pause 暂停 deck
func (m *Manager) Pause(deck Deck) error {
	c, err := m.chain(deck)
	if err != nil {
		return err
	}
	c.source.Pause()
	return nil
}

// Release 卸载 deck
func (m *Manager) Release(deck Deck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.decks[deck]; c != nil {
		m.teardownLocked(c)
		delete(m.decks, deck)
	}
}

// Fader deck 的淡化增益节点
func (m *Manager) Fader(deck Deck) (*GainNode, error) {
	c, err := m.chain(deck)
	if err != nil {
		return nil, err
	}
	return c.fade, nil
}

// Track deck 上的曲目
func (m *Manager) Track(deck Deck) *model.Track {
	c, err := m.chain(deck)
	if err != nil {
		return nil
	}
	return c.track
}

// Playing deck 是否在播放
func (m *Manager) Playing(deck Deck) bool {
	c, err := m.chain(deck)
	if err != nil {
		return false
	}
	return c.source.Playing()
}

// Position deck 的播放位置
func (m *Manager) Position(deck Deck) time.Duration {
	c, err := m.chain(deck)
	if err != nil {
		return 0
	}
	return c.source.Position()
}

// ========== 麦克风 ==========

// AttachMic 接入麦克风采集流
func (m *Manager) AttachMic(s audio.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.micAttached {
		m.micSource.SetStream(s)
		return nil
	}
	m.micSource = NewLiveSourceNode(nodeMicSource, s)
	m.micGain = NewGainNode(nodeMicGain, m.levels.Gain(model.ChannelMic))
	if err := m.g.AddNode(m.micSource); err != nil {
		return err
	}
	if err := m.g.AddNode(m.micGain); err != nil {
		m.g.RemoveNode(nodeMicSource)
		return err
	}
	if err := m.connect(nodeMicSource, nodeMicGain); err != nil {
		return err
	}
	if err := m.connect(nodeMicGain, nodeMonitorBus); err != nil {
		return err
	}
	if m.micInBroadcast {
		if err := m.connect(nodeMicGain, nodeBroadcastBus); err != nil {
			return err
		}
	}
	m.micAttached = true
	return nil
}

// DetachMic 移除麦克风
func (m *Manager) DetachMic() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.micAttached {
		return
	}
	m.g.RemoveNode(nodeMicGain)
	m.g.RemoveNode(nodeMicSource)
	m.micSource.Release()
	m.micSource, m.micGain = nil, nil
	m.micAttached = false
}

// SetMicInBroadcast 麦克风是否进入推流
func (m *Manager) SetMicInBroadcast(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.micInBroadcast = on
	if !m.micAttached {
		return nil
	}
	if on {
		return m.connect(nodeMicGain, nodeBroadcastBus)
	}
	if err := m.g.Disconnect(nodeMicGain, nodeBroadcastBus); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

// MicInBroadcast 当前设置
func (m *Manager) MicInBroadcast() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micInBroadcast
}

// ========== 音效 ==========

// AddFX 加载并立即播放一次性音效，播放结束后自动移除
func (m *Manager) AddFX(ctx context.Context, track *model.Track) (string, error) {
	stream, err := audio.OpenTrack(ctx, m.dec, track)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := "fx." + uuid.NewString()
	c := &fxChain{
		id:     id,
		source: NewSourceNode(id + ".source"),
		gain:   NewGainNode(id+".gain", m.levels.Gain(model.ChannelFX)),
	}
	c.source.SetStream(stream)
	nodes := []Node{c.source, c.gain}
	for _, n := range nodes {
		if err := m.g.AddNode(n); err != nil {
			m.removeNodesLocked(nodes)
			stream.Close()
			return "", err
		}
	}
	for _, l := range [][2]string{
		{c.source.ID(), c.gain.ID()},
		{c.gain.ID(), nodeMonitorBus},
		{c.gain.ID(), nodeBroadcastBus},
	} {
		if err := m.connect(l[0], l[1]); err != nil {
			m.removeNodesLocked(nodes)
			stream.Close()
			return "", err
		}
	}
	c.source.Play()
	m.fx[id] = c
	return id, nil
}

// FXCount 正在播放的音效数量
func (m *Manager) FXCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fx)
}

// ========== 参数 ==========

// SetEQBand 实时修改所有 deck 的 EQ 频段
func (m *Manager) SetEQBand(band int, gainDB float64) error {
	if band < 0 || band >= model.EQBandCount {
		return fmt.Errorf("eq band out of range: %d", band)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	gainDB = model.ClampEQGain(gainDB)
	m.eqGains[band] = gainDB
	for _, c := range m.decks {
		if err := c.eq.SetBand(band, gainDB); err != nil {
			return err
		}
	}
	return nil
}

// EQ 当前 EQ 设置
func (m *Manager) EQ() []model.EQBand {
	m.mu.Lock()
	defer m.mu.Unlock()
	bands := model.FlatEQ()
	for i := range bands {
		bands[i].GainDB = m.eqGains[i]
	}
	return bands
}

// SetEffect 按名称修改效果参数，作用于所有 deck
func (m *Manager) SetEffect(name string, cfg model.EffectConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch name {
	case model.EffectCompressor:
		if err := cfg.Compressor.Validate(); err != nil {
			return err
		}
		m.effects.Compressor = cfg.Compressor
		for _, c := range m.decks {
			if err := c.comp.Configure(cfg.Compressor); err != nil {
				return err
			}
		}
	case model.EffectReverb:
		if err := cfg.Reverb.Validate(); err != nil {
			return err
		}
		m.effects.Reverb = cfg.Reverb
		for _, c := range m.decks {
			if err := c.reverb.Configure(cfg.Reverb); err != nil {
				return err
			}
		}
	case model.EffectDelay:
		if err := cfg.Delay.Validate(); err != nil {
			return err
		}
		m.effects.Delay = cfg.Delay
		for _, c := range m.decks {
			if err := c.delay.Configure(cfg.Delay); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown effect: %q", name)
	}
	return nil
}

// Effects 当前效果设置
func (m *Manager) Effects() model.EffectConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effects
}

// GainNodes 返回某通道当前全部增益节点，供 mixer 下发电平
func (m *Manager) GainNodes(ch model.Channel) []*GainNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*GainNode
	switch ch {
	case model.ChannelMaster:
		res = append(res, m.master)
	case model.ChannelMusic:
		for _, d := range []Deck{DeckA, DeckB} {
			if c := m.decks[d]; c != nil {
				res = append(res, c.music)
			}
		}
	case model.ChannelMic:
		if m.micAttached {
			res = append(res, m.micGain)
		}
	case model.ChannelFX:
		for _, c := range m.fx {
			res = append(res, c.gain)
		}
	}
	return res
}

// ========== 渲染 ==========

// Render 渲染一块，返回本块自然结束的 deck（每次加载只报告一次）
func (m *Manager) Render(frames int) []Deck {
	m.g.Render(frames)

	m.mu.Lock()
	defer m.mu.Unlock()

	var ended []Deck
	for _, d := range []Deck{DeckA, DeckB} {
		c := m.decks[d]
		if c != nil && !c.reported && c.source.Ended() {
			c.reported = true
			if err := c.source.Stream().Err(); err != nil {
				logger.Warn("deck stream ended with error",
					logger.String("deck", string(d)), logger.TrackID(c.track.ID), logger.ErrorField(err))
			}
			ended = append(ended, d)
		}
	}
	for id, c := range m.fx {
		if c.source.Ended() {
			m.removeNodesLocked([]Node{c.source, c.gain})
			c.source.Release()
			delete(m.fx, id)
		}
	}
	return ended
}

// MonitorBlock 最近一块本地监听输出
func (m *Manager) MonitorBlock() [][2]float64 {
	return m.monitorTap.Block()
}

// BroadcastBlock 最近一块推流抽头输出
func (m *Manager) BroadcastBlock() [][2]float64 {
	return m.broadcastTap.Block()
}

// Meters 监听与推流的峰值/RMS
func (m *Manager) Meters() (monitorPeak, monitorRMS, broadcastPeak, broadcastRMS float64) {
	monitorPeak, monitorRMS = m.monitorMeter.Reading()
	broadcastPeak, broadcastRMS = m.broadcastMeter.Reading()
	return
}

// Close 释放所有 deck、音效和麦克风
func (m *Manager) Close() {
	m.Release(DeckA)
	m.Release(DeckB)
	m.DetachMic()
	m.mu.Lock()
	for id, c := range m.fx {
		m.removeNodesLocked([]Node{c.source, c.gain})
		c.source.Release()
		delete(m.fx, id)
	}
	m.mu.Unlock()
}
