package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"QFMConsole/logger"

	"github.com/minio/minio-go/v7"
)

// Uploader 上传对象，*minio.Client 满足该接口
type Uploader interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// SegmentKey 归档分段的对象名
func SegmentKey(connectionID string, firstSeq uint64) string {
	return fmt.Sprintf("broadcasts/%s/%010d.pcm", connectionID, firstSeq)
}

type segment struct {
	connectionID string
	firstSeq     uint64
	lastSeq      uint64
	frames       int
	data         []byte
}

// SegmentArchiver 把推流帧按 framesPerSegment 分段上传到 MinIO
// Archive 只追加到内存分段，上传在 Run 协程中完成
type SegmentArchiver struct {
	up          Uploader
	bucket      string
	perSegment  int
	contentType string
	meta        map[string]string

	mu      sync.Mutex
	current *segment
	queue   chan *segment

	uploaded atomic.Int64
	dropped  atomic.Int64
}

// NewSegmentArchiver 创建分段归档，meta 写入对象元数据（例如采样率）
func NewSegmentArchiver(up Uploader, bucket string, framesPerSegment int, contentType string, meta map[string]string) *SegmentArchiver {
	if framesPerSegment <= 0 {
		framesPerSegment = 50
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return &SegmentArchiver{
		up:          up,
		bucket:      bucket,
		perSegment:  framesPerSegment,
		contentType: contentType,
		meta:        meta,
		queue:       make(chan *segment, 8),
	}
}

// Archive 实现推流归档接口
// 连接变化时先封存上一个连接的分段
func (a *SegmentArchiver) Archive(ctx context.Context, connectionID string, seq uint64, frame []byte) {
	a.mu.Lock()
	var full []*segment
	if a.current != nil && a.current.connectionID != connectionID {
		full = append(full, a.current)
		a.current = nil
	}
	if a.current == nil {
		a.current = &segment{connectionID: connectionID, firstSeq: seq}
	}
	a.current.data = append(a.current.data, frame...)
	a.current.lastSeq = seq
	a.current.frames++
	if a.current.frames >= a.perSegment {
		full = append(full, a.current)
		a.current = nil
	}
	a.mu.Unlock()

	for _, s := range full {
		a.enqueue(s)
	}
}

func (a *SegmentArchiver) enqueue(s *segment) {
	select {
	case a.queue <- s:
	default:
		a.dropped.Add(1)
		logger.Warn("归档上传队列已满，丢弃分段",
			logger.String("connectionId", s.connectionID),
			logger.Int("frames", s.frames))
	}
}

// Flush 封存未满的分段
func (a *SegmentArchiver) Flush() {
	a.mu.Lock()
	s := a.current
	a.current = nil
	a.mu.Unlock()
	if s != nil && s.frames > 0 {
		a.enqueue(s)
	}
}

// Run 上传协程。ctx 取消时封存当前分段并上传队列中剩余的分段
func (a *SegmentArchiver) Run(ctx context.Context) {
	for {
		select {
		case s := <-a.queue:
			a.upload(ctx, s)
		case <-ctx.Done():
			a.Flush()
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for {
				select {
				case s := <-a.queue:
					a.upload(drainCtx, s)
				default:
					return
				}
			}
		}
	}
}

func (a *SegmentArchiver) upload(ctx context.Context, s *segment) {
	key := SegmentKey(s.connectionID, s.firstSeq)
	meta := map[string]string{
		"connection-id": s.connectionID,
		"first-seq":     strconv.FormatUint(s.firstSeq, 10),
		"last-seq":      strconv.FormatUint(s.lastSeq, 10),
		"frames":        strconv.Itoa(s.frames),
	}
	for k, v := range a.meta {
		meta[k] = v
	}

	_, err := a.up.PutObject(ctx, a.bucket, key, bytes.NewReader(s.data), int64(len(s.data)), minio.PutObjectOptions{
		ContentType:  a.contentType,
		UserMetadata: meta,
	})
	if err != nil {
		logger.Error("上传归档分段失败",
			logger.String("key", key),
			logger.Int("dataSize", len(s.data)),
			logger.ErrorField(err))
		return
	}
	a.uploaded.Add(1)
	logger.Debug("归档分段已上传",
		logger.String("key", key),
		logger.Int("frames", s.frames))
}

// Uploaded 已上传的分段数
func (a *SegmentArchiver) Uploaded() int64 { return a.uploaded.Load() }

// Dropped 因队列满丢弃的分段数
func (a *SegmentArchiver) Dropped() int64 { return a.dropped.Load() }
