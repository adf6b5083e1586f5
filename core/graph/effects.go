package graph

import (
	"fmt"
	"sync"

	"QFMConsole/model"

	"github.com/cwbudde/algo-dsp/dsp/delay"
	"github.com/cwbudde/algo-dsp/dsp/effects/dynamics"
	"github.com/cwbudde/algo-dsp/dsp/effects/reverb"
	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
)

// eqQ 图示均衡每个倍频程频段的 Q
const eqQ = 1.41

// ========== EQ ==========

// EQNode 10 段图示均衡，每段一个峰值双二阶滤波器，串联处理
type EQNode struct {
	id         string
	sampleRate float64

	mu    sync.Mutex
	gains [model.EQBandCount]float64
	left  [model.EQBandCount]*biquad.Section
	right [model.EQBandCount]*biquad.Section
}

// NewEQNode 创建平直的均衡器
func NewEQNode(id string, sampleRate float64) *EQNode {
	n := &EQNode{id: id, sampleRate: sampleRate}
	for i := range n.left {
		c := n.coefficients(i, 0)
		n.left[i] = biquad.NewSection(c)
		n.right[i] = biquad.NewSection(c)
	}
	return n
}

func (n *EQNode) ID() string { return n.id }

func (n *EQNode) coefficients(band int, gainDB float64) biquad.Coefficients {
	freq := model.EQFrequencies[band]
	// 高于奈奎斯特的频段保持平直
	if freq >= n.sampleRate/2 {
		return biquad.Coefficients{B0: 1}
	}
	return design.Peak(freq, gainDB, eqQ, n.sampleRate)
}

// SetBand 实时修改频段增益（dB，限制在 ±30）
func (n *EQNode) SetBand(band int, gainDB float64) error {
	if band < 0 || band >= model.EQBandCount {
		return fmt.Errorf("eq band out of range: %d", band)
	}
	gainDB = model.ClampEQGain(gainDB)
	c := n.coefficients(band, gainDB)

	n.mu.Lock()
	defer n.mu.Unlock()
	// 平直的频段不参与处理，状态停在上次离开时，重新启用前清零
	if n.gains[band] == 0 && gainDB != 0 {
		n.left[band].Reset()
		n.right[band].Reset()
	}
	n.gains[band] = gainDB
	n.left[band].Coefficients = c
	n.right[band].Coefficients = c
	return nil
}

// Bands 当前频段设置
func (n *EQNode) Bands() []model.EQBand {
	n.mu.Lock()
	defer n.mu.Unlock()
	bands := model.FlatEQ()
	for i := range bands {
		bands[i].GainDB = n.gains[i]
	}
	return bands
}

func (n *EQNode) Process(in, out [][2]float64) {
	copy(out, in)
	n.mu.Lock()
	defer n.mu.Unlock()
	for b := 0; b < model.EQBandCount; b++ {
		if n.gains[b] == 0 {
			continue
		}
		l, r := n.left[b], n.right[b]
		for i := range out {
			out[i][0] = l.ProcessSample(out[i][0])
			out[i][1] = r.ProcessSample(out[i][1])
		}
	}
}

// ========== 压缩 ==========

// CompressorNode 动态压缩，关闭时直通
type CompressorNode struct {
	id string

	mu      sync.Mutex
	enabled bool
	cfg     model.CompressorConfig
	left    *dynamics.Compressor
	right   *dynamics.Compressor
}

// NewCompressorNode 创建压缩器
func NewCompressorNode(id string, sampleRate float64, cfg model.CompressorConfig) (*CompressorNode, error) {
	left, err := dynamics.NewCompressor(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	right, err := dynamics.NewCompressor(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}
	n := &CompressorNode{id: id, left: left, right: right}
	if err := n.Configure(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *CompressorNode) ID() string { return n.id }

// Configure 实时修改参数
func (n *CompressorNode) Configure(cfg model.CompressorConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, c := range []*dynamics.Compressor{n.left, n.right} {
		if err := c.SetThreshold(cfg.ThresholdDB); err != nil {
			return err
		}
		if err := c.SetRatio(cfg.Ratio); err != nil {
			return err
		}
		if err := c.SetAttack(cfg.AttackMs); err != nil {
			return err
		}
		if err := c.SetRelease(cfg.ReleaseMs); err != nil {
			return err
		}
	}
	if n.enabled && !cfg.Enabled {
		n.left.Reset()
		n.right.Reset()
	}
	n.enabled = cfg.Enabled
	n.cfg = cfg
	return nil
}

// Config 当前参数
func (n *CompressorNode) Config() model.CompressorConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

func (n *CompressorNode) Process(in, out [][2]float64) {
	copy(out, in)
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled {
		return
	}
	for i := range out {
		out[i][0] = n.left.ProcessSample(out[i][0])
		out[i][1] = n.right.ProcessSample(out[i][1])
	}
}

// ========== 混响 ==========

// ReverbNode FDN 混响，wet/dry 并联，关闭时直通
type ReverbNode struct {
	id string

	mu      sync.Mutex
	enabled bool
	cfg     model.ReverbConfig
	left    *reverb.FDNReverb
	right   *reverb.FDNReverb
}

// NewReverbNode 创建混响
func NewReverbNode(id string, sampleRate float64, cfg model.ReverbConfig) (*ReverbNode, error) {
	left, err := reverb.NewFDNReverb(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create reverb: %w", err)
	}
	right, err := reverb.NewFDNReverb(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create reverb: %w", err)
	}
	n := &ReverbNode{id: id, left: left, right: right}
	if err := n.Configure(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *ReverbNode) ID() string { return n.id }

// Configure 实时修改 wet/dry
func (n *ReverbNode) Configure(cfg model.ReverbConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, r := range []*reverb.FDNReverb{n.left, n.right} {
		if err := r.SetWet(cfg.Wet); err != nil {
			return err
		}
		if err := r.SetDry(cfg.Dry); err != nil {
			return err
		}
	}
	if n.enabled && !cfg.Enabled {
		n.left.Reset()
		n.right.Reset()
	}
	n.enabled = cfg.Enabled
	n.cfg = cfg
	return nil
}

// Config 当前参数
func (n *ReverbNode) Config() model.ReverbConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

func (n *ReverbNode) Process(in, out [][2]float64) {
	copy(out, in)
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled {
		return
	}
	for i := range out {
		out[i][0] = n.left.ProcessSample(out[i][0])
		out[i][1] = n.right.ProcessSample(out[i][1])
	}
}

// ========== 延迟 ==========

// DelayNode 反馈回声：y = x + wet*d，写入 x + feedback*d
type DelayNode struct {
	id         string
	sampleRate float64

	mu      sync.Mutex
	enabled bool
	cfg     model.DelayConfig
	samples int
	left    *delay.Line
	right   *delay.Line
}

// NewDelayNode 创建延迟，缓冲区按最大延迟时间分配
func NewDelayNode(id string, sampleRate float64, cfg model.DelayConfig) (*DelayNode, error) {
	size := int(model.MaxDelayTime*sampleRate) + 1
	left, err := delay.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create delay line: %w", err)
	}
	right, err := delay.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create delay line: %w", err)
	}
	n := &DelayNode{id: id, sampleRate: sampleRate, left: left, right: right}
	if err := n.Configure(cfg); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *DelayNode) ID() string { return n.id }

// Configure 实时修改延迟参数
func (n *DelayNode) Configure(cfg model.DelayConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	samples := int(cfg.Time * n.sampleRate)
	if samples < 1 {
		samples = 1
	}
	if samples > n.left.Len() {
		samples = n.left.Len()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.enabled && !cfg.Enabled {
		n.left.Reset()
		n.right.Reset()
	}
	n.enabled = cfg.Enabled
	n.cfg = cfg
	n.samples = samples
	return nil
}

// Config 当前参数
func (n *DelayNode) Config() model.DelayConfig {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

func (n *DelayNode) Process(in, out [][2]float64) {
	copy(out, in)
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.enabled {
		return
	}
	fb, wet, d := n.cfg.Feedback, n.cfg.Wet, n.samples
	for i := range out {
		dl := n.left.Read(d)
		dr := n.right.Read(d)
		n.left.Write(in[i][0] + fb*dl)
		n.right.Write(in[i][1] + fb*dr)
		out[i][0] = in[i][0] + wet*dl
		out[i][1] = in[i][1] + wet*dr
	}
}
