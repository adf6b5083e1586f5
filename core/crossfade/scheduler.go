package crossfade

import (
	"context"
	"fmt"
	"sync"
	"time"

	"QFMConsole/logger"
)

const (
	// DefaultTick 默认淡化步进
	DefaultTick = 50 * time.Millisecond
	// MaxTick 步进上限，超过后回退到默认值
	MaxTick = 100 * time.Millisecond
)

// Mode 包络模式
type Mode string

const (
	// ModeOverlap B 立即开始，与 A 同时在 D 内完成，A+B 恒等于目标值
	ModeOverlap Mode = "overlap"
	// ModeSequential A 先在 D 内降到 0，然后 B 再用 D 升到目标值
	ModeSequential Mode = "sequential"
)

// ParseMode 解析模式名，空字符串为 overlap
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeOverlap:
		return ModeOverlap, nil
	case ModeSequential:
		return ModeSequential, nil
	}
	return "", fmt.Errorf("unknown crossfade mode: %q", s)
}

// Fader 可调增益，*graph.GainNode 满足该接口
type Fader interface {
	SetGain(g float64)
	Gain() float64
}

// Transition 一次交叉淡化
type Transition struct {
	Out      Fader // 可为空，表示当前没有在播的源
	In       Fader
	Duration time.Duration
	// Target 每个 tick 重新读取 In 的目标增益，为空时为 1
	Target func() float64
	// StartIn 在 B 应当开始发声时调用一次
	StartIn func()
	// StopOut 在 A 降到 0 时调用一次
	StopOut func()
	// OnComplete 淡化结束时调用一次，cancelled 表示被强制结束
	OnComplete func(cancelled bool)
}

type fade struct {
	t         Transition
	start     time.Time
	outFrom   float64
	inStarted bool
	outDone   bool
}

// Scheduler 离散 tick 的交叉淡化调度器，状态 Idle → Fading → Idle
// 精度受 tick 限制；要做到采样级精度需要改由渲染时钟驱动
type Scheduler struct {
	mode Mode
	tick time.Duration
	now  func() time.Time

	// step 串行化 Tick 与 Cancel：Cancel 返回时回调已全部执行完
	step   sync.Mutex
	mu     sync.Mutex
	active *fade
}

// Option 调度器选项
type Option func(*Scheduler)

// WithMode 设置包络模式
func WithMode(m Mode) Option {
	return func(s *Scheduler) { s.mode = m }
}

// WithTick 设置步进，超出 (0, MaxTick] 时使用默认值
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 && d <= MaxTick {
			s.tick = d
		}
	}
}

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler 创建调度器
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{mode: ModeOverlap, tick: DefaultTick, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mode 当前包络模式
func (s *Scheduler) Mode() Mode {
	return s.mode
}

// Interval tick 间隔
func (s *Scheduler) Interval() time.Duration {
	return s.tick
}

// Active 是否正在淡化
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

func target(t *Transition) float64 {
	if t.Target == nil {
		return 1
	}
	return t.Target()
}

// Begin 开始一次淡化；进行中的淡化先被强制结束
// Duration<=0 或没有 Out 时立即切换：先停 A 再启动 B
func (s *Scheduler) Begin(t Transition) {
	s.Cancel()

	if t.Duration <= 0 || t.Out == nil {
		if t.Out != nil {
			t.Out.SetGain(0)
		}
		if t.StopOut != nil && t.Out != nil {
			t.StopOut()
		}
		t.In.SetGain(target(&t))
		if t.StartIn != nil {
			t.StartIn()
		}
		if t.OnComplete != nil {
			t.OnComplete(false)
		}
		return
	}

	f := &fade{t: t, start: s.now(), outFrom: t.Out.Gain()}
	t.In.SetGain(0)

	s.mu.Lock()
	s.active = f
	if s.mode == ModeOverlap {
		f.inStarted = true
	}
	s.mu.Unlock()

	if f.inStarted && t.StartIn != nil {
		t.StartIn()
	}
	logger.Debug("crossfade started",
		logger.Duration("duration", t.Duration),
		logger.String("mode", string(s.mode)))
}

// Tick 推进一步，返回本次是否完成
func (s *Scheduler) Tick() bool {
	s.step.Lock()
	defer s.step.Unlock()

	s.mu.Lock()
	f := s.active
	if f == nil {
		s.mu.Unlock()
		return false
	}
	elapsed := s.now().Sub(f.start)
	d := f.t.Duration
	tgt := target(&f.t)

	var (
		outGain, inGain float64
		stopOut         bool
		startIn         bool
		done            bool
	)
	switch s.mode {
	case ModeSequential:
		if elapsed < d {
			outGain = f.outFrom * (1 - progress(elapsed, d))
		} else {
			inGain = tgt * progress(elapsed-d, d)
			stopOut = !f.outDone
			startIn = !f.inStarted
			done = elapsed >= 2*d
		}
	default:
		p := progress(elapsed, d)
		outGain = f.outFrom * (1 - p)
		inGain = tgt * p
		done = p >= 1
		stopOut = done
	}
	if done {
		outGain, inGain = 0, tgt
		stopOut = !f.outDone
		startIn = !f.inStarted
		s.active = nil
	}
	if stopOut {
		f.outDone = true
	}
	if startIn {
		f.inStarted = true
	}
	f.t.Out.SetGain(outGain)
	f.t.In.SetGain(inGain)
	s.mu.Unlock()

	if stopOut && f.t.StopOut != nil {
		f.t.StopOut()
	}
	if startIn && f.t.StartIn != nil {
		f.t.StartIn()
	}
	if done && f.t.OnComplete != nil {
		f.t.OnComplete(false)
	}
	return done
}

// Cancel 强制结束当前淡化：A=0，B=目标值
// 回调中不能再调用 Cancel 或 Begin
func (s *Scheduler) Cancel() {
	s.step.Lock()
	defer s.step.Unlock()

	s.mu.Lock()
	f := s.active
	s.active = nil
	if f != nil {
		f.t.Out.SetGain(0)
		f.t.In.SetGain(target(&f.t))
	}
	s.mu.Unlock()
	if f == nil {
		return
	}

	if !f.outDone && f.t.StopOut != nil {
		f.t.StopOut()
	}
	if !f.inStarted && f.t.StartIn != nil {
		f.t.StartIn()
	}
	if f.t.OnComplete != nil {
		f.t.OnComplete(true)
	}
	logger.Debug("crossfade cancelled")
}

// Run 按固定间隔推进淡化，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func progress(elapsed, d time.Duration) float64 {
	if d <= 0 {
		return 1
	}
	p := float64(elapsed) / float64(d)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
