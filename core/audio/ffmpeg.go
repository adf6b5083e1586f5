package audio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"QFMConsole/logger"
	"QFMConsole/model"
)

// FFmpegDecoder 用 ffmpeg 把任意容器解码成 f32le 立体声 PCM
type FFmpegDecoder struct {
	ffmpegPath string
	sampleRate int
}

// NewFFmpegDecoder 创建 ffmpeg 解码器
func NewFFmpegDecoder(ffmpegPath string, sampleRate int) *FFmpegDecoder {
	return &FFmpegDecoder{ffmpegPath: ffmpegPath, sampleRate: sampleRate}
}

// FFmpegPath 返回 ffmpeg 路径
func (p *FFmpegDecoder) FFmpegPath() string {
	return p.ffmpegPath
}

// Decode 启动 ffmpeg，媒体数据从 stdin 写入，PCM 从 stdout 读出
func (p *FFmpegDecoder) Decode(ctx context.Context, h model.MediaHandle) (Stream, error) {
	rc, err := h.Open(ctx)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "f32le",
		"-ac", "2",
		"-ar", strconv.Itoa(p.sampleRate),
		"pipe:1",
	}

	cctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cctx, p.ffmpegPath, args...)
	cmd.Stdin = rc
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		rc.Close()
		return nil, fmt.Errorf("failed to open ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		rc.Close()
		return nil, fmt.Errorf("ffmpeg start failed for %s: %w", h.Location(), err)
	}

	s := &pcmStream{
		r:      bufio.NewReaderSize(stdout, 64*1024),
		cmd:    cmd,
		cancel: cancel,
		src:    rc,
		stderr: &stderr,
		rate:   p.sampleRate,
	}

	// 先读一帧确认数据可解码，否则视为句柄无效
	if _, err := s.r.Peek(8); err != nil {
		s.Close()
		return nil, fmt.Errorf("ffmpeg produced no audio for %s: %v %s", h.Location(), err, strings.TrimSpace(stderr.String()))
	}

	if d, err := p.GetAudioDuration(ctx, h.Location()); err == nil {
		s.dur = d
	}
	return s, nil
}

// ffprobeOutput ffprobe JSON 输出
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// GetAudioDuration 用 ffprobe 获取时长，location 需为本地路径或 URL
func (p *FFmpegDecoder) GetAudioDuration(ctx context.Context, location string) (time.Duration, error) {
	if strings.HasPrefix(location, "buffer:") {
		return 0, errors.New("in-memory media cannot be probed")
	}
	ffprobePath := strings.Replace(p.ffmpegPath, "ffmpeg", "ffprobe", 1)

	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		location,
	}

	cmd := exec.CommandContext(ctx, ffprobePath, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe execution failed for %s: %w\nFFprobe Error: %s", location, err, stderr.String())
	}

	var probeData ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probeData); err != nil {
		return 0, fmt.Errorf("failed to unmarshal ffprobe output for %s: %w", location, err)
	}
	if probeData.Format.Duration == "" {
		return 0, fmt.Errorf("duration not found in ffprobe output for %s", location)
	}

	seconds, err := strconv.ParseFloat(probeData.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration string %q for %s: %w", probeData.Format.Duration, location, err)
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// pcmStream 读取 ffmpeg 输出的 f32le 交错立体声
type pcmStream struct {
	r      *bufio.Reader
	cmd    *exec.Cmd
	cancel context.CancelFunc
	src    io.Closer
	stderr *bytes.Buffer
	rate   int
	dur    time.Duration
	frames atomic.Int64

	buf  []byte
	err  error
	done bool
	once sync.Once
}

const bytesPerFrame = 8 // 2 声道 * float32

func (s *pcmStream) Stream(samples [][2]float64) (int, bool) {
	if s.done {
		return 0, false
	}
	need := len(samples) * bytesPerFrame
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	n, err := io.ReadFull(s.r, buf)
	frames := n / bytesPerFrame
	for i := 0; i < frames; i++ {
		off := i * bytesPerFrame
		samples[i][0] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])))
		samples[i][1] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:])))
	}
	s.frames.Add(int64(frames))

	if err != nil {
		s.done = true
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			s.err = fmt.Errorf("ffmpeg read failed: %w", err)
		}
		if frames == 0 {
			return 0, false
		}
	}
	return frames, true
}

func (s *pcmStream) Err() error { return s.err }

func (s *pcmStream) Position() time.Duration {
	return time.Duration(float64(s.frames.Load()) / float64(s.rate) * float64(time.Second))
}

func (s *pcmStream) Duration() time.Duration { return s.dur }

func (s *pcmStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.src.Close()
		if err := s.cmd.Wait(); err != nil && s.stderr.Len() > 0 {
			logger.Debug("ffmpeg exited", logger.ErrorField(err),
				logger.String("stderr", strings.TrimSpace(s.stderr.String())))
		}
	})
	return nil
}
