package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"QFMConsole/config"
	"QFMConsole/core/audio"

	"github.com/minio/minio-go/v7"
)

func TestParseObjectLocation(t *testing.T) {
	tests := []struct {
		name     string
		location string
		bucket   string
		key      string
		wantErr  bool
	}{
		{"simple", "minio://music/a.mp3", "music", "a.mp3", false},
		{"nested key", "minio://music/albums/x/01.flac", "music", "albums/x/01.flac", false},
		{"upper scheme", "MINIO://music/a.mp3", "music", "a.mp3", false},
		{"no key", "minio://music/", "", "", true},
		{"no bucket", "minio:///a.mp3", "", "", true},
		{"other scheme", "s3://music/a.mp3", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bucket, key, err := ParseObjectLocation(tt.location)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseObjectLocation(%q) error = %v, wantErr %v", tt.location, err, tt.wantErr)
			}
			if bucket != tt.bucket || key != tt.key {
				t.Errorf("Expected %s/%s, got %s/%s", tt.bucket, tt.key, bucket, key)
			}
		})
	}

	if got := ObjectLocation("music", "/a.mp3"); got != "minio://music/a.mp3" {
		t.Errorf("Expected minio://music/a.mp3, got %s", got)
	}
}

type fakePresigner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *fakePresigner) PresignedGetObject(_ context.Context, bucket, object string, expires time.Duration, _ url.Values) (*url.URL, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.calls++
	return url.Parse("http://store.local/" + bucket + "/" + object + "?sig=" + string(rune('0'+p.calls)))
}

func TestHandleFactory_RegeneratesURL(t *testing.T) {
	p := &fakePresigner{}
	factory := NewHandleFactory(p, time.Minute)

	h, err := factory("minio://music/song.mp3")
	if err != nil {
		t.Fatalf("factory failed: %v", err)
	}
	if h.Ext() != ".mp3" {
		t.Errorf("Expected .mp3, got %s", h.Ext())
	}
	if !strings.HasSuffix(h.Location(), "sig=1") {
		t.Errorf("Expected first signature, got %s", h.Location())
	}

	if err := h.Regenerate(context.Background()); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}
	if !strings.HasSuffix(h.Location(), "sig=2") {
		t.Errorf("Expected re-signed URL, got %s", h.Location())
	}
}

func TestHandleFactory_Errors(t *testing.T) {
	factory := NewHandleFactory(&fakePresigner{err: errors.New("denied")}, time.Minute)
	if _, err := factory("minio://music/song.mp3"); err == nil {
		t.Error("Expected presign failure to surface")
	}
	if _, err := factory("minio://music"); err == nil {
		t.Error("Expected invalid location error")
	}
}

func TestHandleFactory_WithResolver(t *testing.T) {
	cfg := config.FromEnv()
	cfg.MinioEndpoint = "127.0.0.1:9000"
	cfg.MinioRegion = "us-east-1"
	client, err := NewMinioClient(cfg)
	if err != nil {
		t.Fatalf("NewMinioClient failed: %v", err)
	}

	r := audio.NewResolver("")
	r.Register(ObjectScheme, NewHandleFactory(client, time.Hour))

	h, err := r.Resolve("minio://music/jingles/intro.wav")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	u, err := url.Parse(h.Location())
	if err != nil {
		t.Fatalf("Invalid presigned URL: %v", err)
	}
	if u.Path != "/music/jingles/intro.wav" {
		t.Errorf("Expected object path, got %s", u.Path)
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Errorf("Expected signed URL, got %s", h.Location())
	}
}

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	meta    map[string]map[string]string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{objects: make(map[string][]byte), meta: make(map[string]map[string]string)}
}

func (u *fakeUploader) PutObject(_ context.Context, _ string, name string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return minio.UploadInfo{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[name] = buf.Bytes()
	u.meta[name] = opts.UserMetadata
	return minio.UploadInfo{Key: name, Size: size}, nil
}

func (u *fakeUploader) get(name string) ([]byte, map[string]string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.objects[name]
	return data, u.meta[name], ok
}

func TestSegmentArchiver_GroupsFrames(t *testing.T) {
	up := newFakeUploader()
	a := NewSegmentArchiver(up, "archive", 3, "audio/L16", map[string]string{"sample-rate": "48000"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	for seq := uint64(1); seq <= 4; seq++ {
		a.Archive(ctx, "conn-a", seq, []byte{byte(seq), byte(seq)})
	}
	// 换连接封存 conn-a 的第二段
	a.Archive(ctx, "conn-b", 1, []byte{9})

	deadline := time.Now().Add(2 * time.Second)
	for a.Uploaded() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	data, meta, ok := up.get(SegmentKey("conn-a", 1))
	if !ok {
		t.Fatal("Expected first segment uploaded")
	}
	if !bytes.Equal(data, []byte{1, 1, 2, 2, 3, 3}) {
		t.Errorf("Unexpected segment bytes: %v", data)
	}
	if meta["frames"] != "3" || meta["last-seq"] != "3" || meta["sample-rate"] != "48000" {
		t.Errorf("Unexpected metadata: %v", meta)
	}

	if data, _, ok := up.get(SegmentKey("conn-a", 4)); !ok || !bytes.Equal(data, []byte{4, 4}) {
		t.Errorf("Expected partial segment sealed on connection change, got %v", data)
	}
	// 关闭时未满的分段也会上传
	if data, _, ok := up.get(SegmentKey("conn-b", 1)); !ok || !bytes.Equal(data, []byte{9}) {
		t.Errorf("Expected final segment flushed on shutdown, got %v", data)
	}
	if a.Uploaded() != 3 {
		t.Errorf("Expected 3 uploads, got %d", a.Uploaded())
	}
}

func TestSegmentKey(t *testing.T) {
	if got := SegmentKey("abc", 42); got != "broadcasts/abc/0000000042.pcm" {
		t.Errorf("Unexpected key: %s", got)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.size); got != tt.want {
			t.Errorf("FormatSize(%d) = %s, want %s", tt.size, got, tt.want)
		}
	}
}
