package graph

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"QFMConsole/core/audio"
)

// ========== 源 ==========

// SourceNode 播放一个解码流；暂停或无流时输出静音
type SourceNode struct {
	id string

	mu      sync.Mutex
	stream  audio.Stream
	playing atomic.Bool
	ended   atomic.Bool
	live    bool // 直播源（麦克风）不会结束
}

// NewSourceNode 创建源节点
func NewSourceNode(id string) *SourceNode {
	return &SourceNode{id: id}
}

// NewLiveSourceNode 创建直播源节点，永远处于播放状态
func NewLiveSourceNode(id string, s audio.Stream) *SourceNode {
	n := &SourceNode{id: id, stream: s, live: true}
	n.playing.Store(true)
	return n
}

func (n *SourceNode) ID() string { return n.id }

// SetStream 替换流并关闭旧流，新流处于暂停状态
func (n *SourceNode) SetStream(s audio.Stream) {
	n.mu.Lock()
	old := n.stream
	n.stream = s
	n.ended.Store(false)
	if !n.live {
		n.playing.Store(false)
	}
	n.mu.Unlock()
	if old != nil && old != s {
		old.Close()
	}
}

// Stream 当前流
func (n *SourceNode) Stream() audio.Stream {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stream
}

func (n *SourceNode) Play()         { n.playing.Store(true) }
func (n *SourceNode) Pause()        { n.playing.Store(false) }
func (n *SourceNode) Playing() bool { return n.playing.Load() }
func (n *SourceNode) Ended() bool   { return n.ended.Load() }

// Position 当前流的播放位置
func (n *SourceNode) Position() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stream == nil {
		return 0
	}
	return n.stream.Position()
}

// Release 停止并关闭流
func (n *SourceNode) Release() {
	n.mu.Lock()
	old := n.stream
	n.stream = nil
	n.playing.Store(false)
	n.ended.Store(false)
	n.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (n *SourceNode) Process(_, out [][2]float64) {
	n.mu.Lock()
	s := n.stream
	n.mu.Unlock()

	if s == nil || !n.playing.Load() {
		clear(out)
		return
	}
	filled, ok := 0, true
	for filled < len(out) && ok {
		var k int
		k, ok = s.Stream(out[filled:])
		if k <= 0 && ok {
			break
		}
		filled += max(k, 0)
	}
	clear(out[filled:])
	if !ok && !n.live {
		n.playing.Store(false)
		n.ended.Store(true)
	}
}

// ========== 增益 ==========

// GainNode 线性增益，可在渲染中无锁修改
type GainNode struct {
	id   string
	gain atomic.Uint64
}

// NewGainNode 创建增益节点
func NewGainNode(id string, gain float64) *GainNode {
	n := &GainNode{id: id}
	n.SetGain(gain)
	return n
}

// NewBusNode 单位增益的汇流节点
func NewBusNode(id string) *GainNode {
	return NewGainNode(id, 1)
}

func (n *GainNode) ID() string { return n.id }

func (n *GainNode) SetGain(g float64) {
	if math.IsNaN(g) || g < 0 {
		g = 0
	}
	n.gain.Store(math.Float64bits(g))
}

func (n *GainNode) Gain() float64 {
	return math.Float64frombits(n.gain.Load())
}

func (n *GainNode) Process(in, out [][2]float64) {
	g := n.Gain()
	for i := range in {
		out[i][0] = in[i][0] * g
		out[i][1] = in[i][1] * g
	}
}

// ========== 电平表 ==========

// MeterNode 直通并记录每块的峰值和 RMS
type MeterNode struct {
	id string

	mu   sync.Mutex
	peak float64
	rms  float64
}

// NewMeterNode 创建电平表
func NewMeterNode(id string) *MeterNode {
	return &MeterNode{id: id}
}

func (n *MeterNode) ID() string { return n.id }

func (n *MeterNode) Process(in, out [][2]float64) {
	copy(out, in)
	var peak, sum float64
	for _, fr := range in {
		for _, v := range fr {
			a := math.Abs(v)
			if a > peak {
				peak = a
			}
			sum += v * v
		}
	}
	rms := 0.0
	if len(in) > 0 {
		rms = math.Sqrt(sum / float64(2*len(in)))
	}
	n.mu.Lock()
	n.peak, n.rms = peak, rms
	n.mu.Unlock()
}

// Reading 最近一块的峰值和 RMS（线性）
func (n *MeterNode) Reading() (peak, rms float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peak, n.rms
}

// ========== 抽头 ==========

// TapNode 直通节点，保存最近一块供渲染协程之外的消费者读取
type TapNode struct {
	id string

	mu   sync.Mutex
	last [][2]float64
}

// NewTapNode 创建抽头
func NewTapNode(id string) *TapNode {
	return &TapNode{id: id}
}

func (n *TapNode) ID() string { return n.id }

func (n *TapNode) Process(in, out [][2]float64) {
	copy(out, in)
	n.mu.Lock()
	if cap(n.last) < len(in) {
		n.last = make([][2]float64, len(in))
	}
	n.last = n.last[:len(in)]
	copy(n.last, in)
	n.mu.Unlock()
}

// Block 返回最近一块的拷贝
func (n *TapNode) Block() [][2]float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := make([][2]float64, len(n.last))
	copy(res, n.last)
	return res
}
