package mixer

import (
	"context"
	"sync"
	"time"

	"QFMConsole/core/events"
	"QFMConsole/core/graph"
	"QFMConsole/logger"
	"QFMConsole/model"
)

// DefaultReconcileInterval 默认电平对账周期
const DefaultReconcileInterval = 500 * time.Millisecond

// NodeSource 提供某个通道当前的全部增益节点
type NodeSource interface {
	GainNodes(ch model.Channel) []*graph.GainNode
}

// Publisher 事件发布
type Publisher interface {
	Publish(t events.Type, data interface{})
}

// Mixer 四路推子：master/music/mic/fx
// 显式修改立即生效，后创建的节点由周期对账补上
type Mixer struct {
	nodes NodeSource
	pub   Publisher
	every time.Duration

	mu     sync.RWMutex
	levels model.ChannelLevels
	fx     map[*graph.GainNode]struct{}
}

// New 创建混音器，interval<=0 时使用默认对账周期
func New(nodes NodeSource, pub Publisher, initial model.ChannelLevels, interval time.Duration) *Mixer {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Mixer{
		nodes:  nodes,
		pub:    pub,
		every:  interval,
		levels: initial.Clamped(),
		fx:     make(map[*graph.GainNode]struct{}),
	}
}

// Gain 通道的线性增益（0-1）
func (m *Mixer) Gain(ch model.Channel) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.LevelToGain(m.levels.Get(ch))
}

// Levels 当前电平
func (m *Mixer) Levels() model.ChannelLevels {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.levels
}

// SetLevel 设置单个通道电平（限制在 0-100），立即作用并广播 levels 事件
func (m *Mixer) SetLevel(ch model.Channel, value float64) float64 {
	m.mu.Lock()
	m.levels = m.levels.With(ch, value)
	levels := m.levels
	m.mu.Unlock()

	m.apply(ch, model.LevelToGain(levels.Get(ch)))
	if m.pub != nil {
		m.pub.Publish(events.TypeLevels, levels)
	}
	return levels.Get(ch)
}

// SetLevels 一次设置全部通道
func (m *Mixer) SetLevels(levels model.ChannelLevels) {
	m.mu.Lock()
	m.levels = levels.Clamped()
	m.mu.Unlock()

	m.Reconcile()
	if m.pub != nil {
		m.pub.Publish(events.TypeLevels, m.Levels())
	}
}

// RegisterFX 登记一个外部音效增益节点，立即套用 fx 电平
func (m *Mixer) RegisterFX(node *graph.GainNode) {
	m.mu.Lock()
	m.fx[node] = struct{}{}
	g := model.LevelToGain(m.levels.FX)
	m.mu.Unlock()
	node.SetGain(g)
}

// UnregisterFX 取消登记
func (m *Mixer) UnregisterFX(node *graph.GainNode) {
	m.mu.Lock()
	delete(m.fx, node)
	m.mu.Unlock()
}

func (m *Mixer) apply(ch model.Channel, gain float64) {
	if m.nodes != nil {
		for _, n := range m.nodes.GainNodes(ch) {
			n.SetGain(gain)
		}
	}
	if ch == model.ChannelFX {
		m.mu.RLock()
		for n := range m.fx {
			n.SetGain(gain)
		}
		m.mu.RUnlock()
	}
}

// Reconcile 把所有通道电平重新下发到当前节点
func (m *Mixer) Reconcile() {
	levels := m.Levels()
	for _, ch := range model.Channels {
		m.apply(ch, model.LevelToGain(levels.Get(ch)))
	}
}

// Run 周期对账，直到 ctx 取消
func (m *Mixer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.every)
	defer ticker.Stop()

	logger.Debug("mixer reconcile loop started", logger.Duration("interval", m.every))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reconcile()
		}
	}
}
