package broadcast

import (
	"encoding/binary"
	"math"
	"time"
)

// Format 推流音频格式，在 hello 消息中告知中继
type Format struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	FrameMs    int64  `json:"frameMs"`
}

// Encoder 把一帧立体声样本编码为二进制消息
type Encoder interface {
	Encode(frame [][2]float64) ([]byte, error)
	Codec() string
}

// PCM16Encoder s16le 交错立体声
type PCM16Encoder struct{}

func (PCM16Encoder) Codec() string { return "pcm_s16le" }

func (PCM16Encoder) Encode(frame [][2]float64) ([]byte, error) {
	buf := make([]byte, len(frame)*4)
	for i, fr := range frame {
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(toInt16(fr[0])))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(toInt16(fr[1])))
	}
	return buf, nil
}

func toInt16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	return int16(math.Round(v * math.MaxInt16))
}

// framer 把任意长度的块切成固定长度的帧
type framer struct {
	size int
	buf  [][2]float64
}

func newFramer(sampleRate int, frame time.Duration) *framer {
	size := int(float64(sampleRate) * frame.Seconds())
	if size < 1 {
		size = 1
	}
	return &framer{size: size, buf: make([][2]float64, 0, size)}
}

// push 追加一块，返回凑满的完整帧
func (f *framer) push(block [][2]float64) [][][2]float64 {
	var out [][][2]float64
	for len(block) > 0 {
		n := min(f.size-len(f.buf), len(block))
		f.buf = append(f.buf, block[:n]...)
		block = block[n:]
		if len(f.buf) == f.size {
			frame := make([][2]float64, f.size)
			copy(frame, f.buf)
			out = append(out, frame)
			f.buf = f.buf[:0]
		}
	}
	return out
}

func (f *framer) reset() {
	f.buf = f.buf[:0]
}
