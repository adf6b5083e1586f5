package audio

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"QFMConsole/model"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/flac"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/wav"
)

// resampleQuality beep 重采样质量 (1-64)
const resampleQuality = 4

// Stream 解码后的立体声 PCM 流，采样率为引擎采样率
// Stream 只会被渲染协程调用；Position/Duration 可以被任意协程读取
type Stream interface {
	// Stream 填充 buf，返回写入的帧数；ok=false 表示流已结束
	Stream(buf [][2]float64) (n int, ok bool)
	Err() error
	// Position 已输出的时长
	Position() time.Duration
	// Duration 总时长，未知时为 0
	Duration() time.Duration
	Close() error
}

// Decoder 把媒体句柄解码成 Stream
type Decoder interface {
	Decode(ctx context.Context, h model.MediaHandle) (Stream, error)
}

// MediaDecoder 默认解码器：mp3/wav/flac 用 beep，其他容器交给 ffmpeg
type MediaDecoder struct {
	sampleRate int
	ffmpeg     *FFmpegDecoder
}

// NewMediaDecoder 创建解码器，ffmpegPath 为空时禁用 ffmpeg 回退
func NewMediaDecoder(sampleRate int, ffmpegPath string) *MediaDecoder {
	d := &MediaDecoder{sampleRate: sampleRate}
	if ffmpegPath != "" {
		d.ffmpeg = NewFFmpegDecoder(ffmpegPath, sampleRate)
	}
	return d
}

// SampleRate 引擎采样率
func (d *MediaDecoder) SampleRate() int {
	return d.sampleRate
}

// Decode 打开句柄并解码
func (d *MediaDecoder) Decode(ctx context.Context, h model.MediaHandle) (Stream, error) {
	if h == nil {
		return nil, fmt.Errorf("nil media handle: %w", ErrHandleInvalid)
	}
	switch h.Ext() {
	case ".mp3", ".wav", ".flac":
	default:
		if d.ffmpeg == nil {
			return nil, fmt.Errorf("unsupported container %q for %s", h.Ext(), h.Location())
		}
		return d.ffmpeg.Decode(ctx, h)
	}

	rc, err := h.Open(ctx)
	if err != nil {
		return nil, err
	}

	var (
		src    beep.StreamSeekCloser
		format beep.Format
	)
	switch h.Ext() {
	case ".mp3":
		src, format, err = mp3.Decode(rc)
	case ".wav":
		src, format, err = wav.Decode(rc)
	case ".flac":
		src, format, err = flac.Decode(rc)
	}
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to decode %s: %w", h.Location(), err)
	}
	return newBeepStream(src, format, rc, d.sampleRate), nil
}

// beepStream 包装 beep 解码器并重采样到引擎采样率
type beepStream struct {
	src    beep.StreamSeekCloser
	out    beep.Streamer
	closer io.Closer
	rate   beep.SampleRate
	dur    time.Duration
	frames atomic.Int64
}

func newBeepStream(src beep.StreamSeekCloser, format beep.Format, closer io.Closer, rate int) *beepStream {
	s := &beepStream{src: src, out: src, closer: closer, rate: beep.SampleRate(rate)}
	if format.SampleRate != s.rate {
		s.out = beep.Resample(resampleQuality, format.SampleRate, s.rate, src)
	}
	if n := src.Len(); n > 0 {
		s.dur = format.SampleRate.D(n)
	}
	return s
}

func (s *beepStream) Stream(buf [][2]float64) (int, bool) {
	n, ok := s.out.Stream(buf)
	s.frames.Add(int64(n))
	return n, ok
}

func (s *beepStream) Err() error {
	if err := s.out.Err(); err != nil {
		return err
	}
	return s.src.Err()
}

func (s *beepStream) Position() time.Duration { return s.rate.D(int(s.frames.Load())) }
func (s *beepStream) Duration() time.Duration { return s.dur }

func (s *beepStream) Close() error {
	err := s.src.Close()
	if s.closer != nil {
		s.closer.Close()
	}
	return err
}

// ========== 合成信号 ==========

// ToneStream 正弦测试信号；freq 为 0 时输出恒定的直流电平 amp
type ToneStream struct {
	rate   int
	freq   float64
	amp    float64
	total  int64 // 0 表示无限
	frames atomic.Int64
}

// NewToneStream 创建测试信号，duration 为 0 表示无限长
func NewToneStream(sampleRate int, freq, amp float64, duration time.Duration) *ToneStream {
	return &ToneStream{
		rate:  sampleRate,
		freq:  freq,
		amp:   amp,
		total: int64(duration.Seconds() * float64(sampleRate)),
	}
}

func (t *ToneStream) Stream(buf [][2]float64) (int, bool) {
	pos := t.frames.Load()
	n := len(buf)
	if t.total > 0 {
		if pos >= t.total {
			return 0, false
		}
		if rem := t.total - pos; int64(n) > rem {
			n = int(rem)
		}
	}
	for i := 0; i < n; i++ {
		v := t.amp
		if t.freq != 0 {
			v = t.amp * math.Sin(2*math.Pi*t.freq*float64(pos+int64(i))/float64(t.rate))
		}
		buf[i] = [2]float64{v, v}
	}
	t.frames.Add(int64(n))
	return n, true
}

func (t *ToneStream) Err() error { return nil }

func (t *ToneStream) Position() time.Duration {
	return time.Duration(float64(t.frames.Load()) / float64(t.rate) * float64(time.Second))
}

func (t *ToneStream) Duration() time.Duration {
	return time.Duration(float64(t.total) / float64(t.rate) * float64(time.Second))
}

func (t *ToneStream) Close() error { return nil }
