package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"QFMConsole/logger"
)

// Sink 接收渲染好的立体声块
type Sink interface {
	Write(block [][2]float64) error
	Close() error
}

// Rebindable 可以切换到其他输出设备的 Sink
type Rebindable interface {
	Rebind(ctx context.Context, target string) error
}

// NullSink 丢弃所有数据
type NullSink struct{}

func (NullSink) Write([][2]float64) error { return nil }
func (NullSink) Close() error             { return nil }

// FuncSink 把块交给回调处理
type FuncSink func(block [][2]float64) error

func (f FuncSink) Write(block [][2]float64) error { return f(block) }
func (f FuncSink) Close() error                   { return nil }

// pwArgs pw-play / pw-record 的公共参数
func pwArgs(rate int, target string) []string {
	args := []string{"--rate", strconv.Itoa(rate), "--channels", "2", "--format", "f32"}
	if target != "" {
		args = append(args, "--target", target)
	}
	return append(args, "-")
}

// stopProcess 先发 SIGINT，超时后 kill
func stopProcess(cmd *exec.Cmd, timeout time.Duration) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		cmd.Process.Kill()
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Debug("pipewire client did not exit, killing", logger.String("cmd", cmd.Path))
		cmd.Process.Kill()
		<-done
	}
}

// ========== 播放 ==========

// PipeWireSink 通过 pw-play 把 PCM 写到输出设备
type PipeWireSink struct {
	path string
	rate int

	mu     sync.Mutex
	target string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	buf    []byte
	closed bool
}

// NewPipeWireSink 创建输出，Start 之前写入的数据会被丢弃
func NewPipeWireSink(pwPlayPath string, sampleRate int) *PipeWireSink {
	return &PipeWireSink{path: pwPlayPath, rate: sampleRate}
}

// Start 以指定设备启动 pw-play，target 为空表示系统默认
func (s *PipeWireSink) Start(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(target)
}

func (s *PipeWireSink) startLocked(target string) error {
	cmd := exec.Command(s.path, pwArgs(s.rate, target)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open pw-play stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pw-play: %w", err)
	}
	s.cmd = cmd
	s.stdin = stdin
	s.target = target
	s.closed = false
	logger.Info("output sink started", logger.String("target", target))
	return nil
}

// Rebind 切换输出设备
func (s *PipeWireSink) Rebind(ctx context.Context, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return s.startLocked(target)
}

// Target 当前输出设备
func (s *PipeWireSink) Target() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Write 编码为 f32le 写入 pw-play
func (s *PipeWireSink) Write(block [][2]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		return nil
	}
	need := len(block) * bytesPerFrame
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]
	for i, fr := range block {
		binary.LittleEndian.PutUint32(buf[i*8:], math.Float32bits(float32(fr[0])))
		binary.LittleEndian.PutUint32(buf[i*8+4:], math.Float32bits(float32(fr[1])))
	}
	if _, err := s.stdin.Write(buf); err != nil {
		return fmt.Errorf("failed to write to pw-play: %w", err)
	}
	return nil
}

func (s *PipeWireSink) stopLocked() {
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	stopProcess(s.cmd, 2*time.Second)
	s.cmd = nil
}

// Close 停止 pw-play
func (s *PipeWireSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	return nil
}

// ========== 采集 ==========

// PipeWireCapture 通过 pw-record 采集输入设备，实现 Stream（直播源，永不结束）
type PipeWireCapture struct {
	path string
	rate int

	mu      sync.Mutex
	target  string
	cmd     *exec.Cmd
	ring    [][2]float64
	head    int
	size    int
	frames  atomic.Int64
	overrun atomic.Int64
	err     error
}

// NewPipeWireCapture 创建采集，ring 保存约 1 秒数据
func NewPipeWireCapture(pwRecordPath string, sampleRate int) *PipeWireCapture {
	return &PipeWireCapture{path: pwRecordPath, rate: sampleRate, ring: make([][2]float64, sampleRate)}
}

// Start 启动 pw-record
func (c *PipeWireCapture) Start(ctx context.Context, target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(target)
}

func (c *PipeWireCapture) startLocked(target string) error {
	cmd := exec.Command(c.path, pwArgs(c.rate, target)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open pw-record stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start pw-record: %w", err)
	}
	c.cmd = cmd
	c.target = target
	c.err = nil
	go c.readLoop(cmd, stdout)
	logger.Info("input capture started", logger.String("target", target))
	return nil
}

// Rebind 切换输入设备（重启采集）
func (c *PipeWireCapture) Rebind(ctx context.Context, target string) error {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.head, c.size = 0, 0
	c.mu.Unlock()
	stopProcess(cmd, 2*time.Second)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked(target)
}

func (c *PipeWireCapture) readLoop(cmd *exec.Cmd, r io.Reader) {
	br := bufio.NewReaderSize(r, 32*1024)
	frame := make([]byte, bytesPerFrame)
	for {
		if _, err := io.ReadFull(br, frame); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				c.mu.Lock()
				if c.cmd == cmd {
					c.err = fmt.Errorf("pw-record read failed: %w", err)
				}
				c.mu.Unlock()
			}
			return
		}
		l := float64(math.Float32frombits(binary.LittleEndian.Uint32(frame)))
		rr := float64(math.Float32frombits(binary.LittleEndian.Uint32(frame[4:])))

		c.mu.Lock()
		if c.cmd != cmd {
			c.mu.Unlock()
			return
		}
		c.push([2]float64{l, rr})
		c.mu.Unlock()
	}
}

// push 写入 ring，满时覆盖最旧的数据
func (c *PipeWireCapture) push(f [2]float64) {
	n := len(c.ring)
	if c.size == n {
		c.head = (c.head + 1) % n
		c.size--
		c.overrun.Add(1)
	}
	c.ring[(c.head+c.size)%n] = f
	c.size++
}

// Stream 取出已采集的数据，不足部分补零
func (c *PipeWireCapture) Stream(buf [][2]float64) (int, bool) {
	c.mu.Lock()
	n := len(c.ring)
	i := 0
	for ; i < len(buf) && c.size > 0; i++ {
		buf[i] = c.ring[c.head]
		c.head = (c.head + 1) % n
		c.size--
	}
	c.mu.Unlock()
	for ; i < len(buf); i++ {
		buf[i] = [2]float64{}
	}
	c.frames.Add(int64(len(buf)))
	return len(buf), true
}

func (c *PipeWireCapture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *PipeWireCapture) Position() time.Duration {
	return time.Duration(float64(c.frames.Load()) / float64(c.rate) * float64(time.Second))
}

func (c *PipeWireCapture) Duration() time.Duration { return 0 }

// Overruns 因 ring 满而丢弃的帧数
func (c *PipeWireCapture) Overruns() int64 { return c.overrun.Load() }

// Close 停止 pw-record
func (c *PipeWireCapture) Close() error {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()
	stopProcess(cmd, 2*time.Second)
	return nil
}
