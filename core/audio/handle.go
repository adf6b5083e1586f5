package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"QFMConsole/model"
)

// ErrHandleInvalid 句柄已失效（已撤销的缓冲区、过期的签名 URL）
var ErrHandleInvalid = errors.New("media handle invalid")

// ========== 本地文件 ==========

// FileHandle 本地文件句柄
type FileHandle struct {
	path string
}

// NewFileHandle 创建本地文件句柄
func NewFileHandle(p string) *FileHandle {
	return &FileHandle{path: p}
}

// Open 打开文件
func (h *FileHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	f, err := os.Open(h.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", h.path, err)
	}
	return f, nil
}

// Regenerate 文件句柄没有可重建的状态，只检查文件仍然存在
func (h *FileHandle) Regenerate(ctx context.Context) error {
	if _, err := os.Stat(h.path); err != nil {
		return fmt.Errorf("media file gone: %w", err)
	}
	return nil
}

func (h *FileHandle) Location() string { return h.path }
func (h *FileHandle) Ext() string      { return strings.ToLower(filepath.Ext(h.path)) }

// ========== 内存缓冲区 ==========

// Loader 从原始数据重新取回字节
type Loader func(ctx context.Context) ([]byte, error)

// BufferHandle 内存中的媒体数据
// 缓冲区可以被撤销（Invalidate），之后 Open 返回 ErrHandleInvalid，直到 Regenerate 用 Loader 重新装载
type BufferHandle struct {
	name   string
	ext    string
	loader Loader

	mu    sync.RWMutex
	data  []byte
	valid bool
}

// NewBufferHandle 创建内存句柄，ext 形如 ".mp3"
func NewBufferHandle(name, ext string, data []byte, loader Loader) *BufferHandle {
	return &BufferHandle{name: name, ext: strings.ToLower(ext), data: data, loader: loader, valid: true}
}

// Open 返回缓冲区的只读视图
func (h *BufferHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.valid || len(h.data) == 0 {
		return nil, fmt.Errorf("%s: %w", h.name, ErrHandleInvalid)
	}
	return io.NopCloser(bytes.NewReader(h.data)), nil
}

// Invalidate 撤销缓冲区
func (h *BufferHandle) Invalidate() {
	h.mu.Lock()
	h.valid = false
	h.mu.Unlock()
}

// Regenerate 通过 Loader 重新装载数据
func (h *BufferHandle) Regenerate(ctx context.Context) error {
	if h.loader == nil {
		return fmt.Errorf("%s: no backing data to regenerate from", h.name)
	}
	data, err := h.loader(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", h.name, err)
	}
	h.mu.Lock()
	h.data = data
	h.valid = true
	h.mu.Unlock()
	return nil
}

func (h *BufferHandle) Location() string { return "buffer:" + h.name }
func (h *BufferHandle) Ext() string      { return h.ext }

// ========== 远程 URL ==========

// URLRefresher 重新签发 URL（例如 MinIO 预签名）
type URLRefresher func(ctx context.Context) (string, error)

// URLHandle HTTP(S) 媒体句柄
type URLHandle struct {
	client  *http.Client
	refresh URLRefresher
	ext     string

	mu  sync.RWMutex
	url string
}

// mediaClient 只限制连接和响应头阶段，响应体按播放进度读取，时长不受限
var mediaClient = newMediaClient()

func newMediaClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = 30 * time.Second
	tr.TLSHandshakeTimeout = 10 * time.Second
	return &http.Client{Transport: tr}
}

// NewURLHandle 创建 URL 句柄，refresh 可以为空
func NewURLHandle(rawURL string, refresh URLRefresher) *URLHandle {
	return &URLHandle{
		client:  mediaClient,
		refresh: refresh,
		ext:     urlExt(rawURL),
		url:     rawURL,
	}
}

// Open 发起 GET 请求。响应体跟随解码流的 Close 释放，不随调用方 ctx 取消
func (h *URLHandle) Open(ctx context.Context) (io.ReadCloser, error) {
	h.mu.RLock()
	u := h.url
	h.mu.RUnlock()

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		// 403/404/410 一般是签名过期
		return nil, fmt.Errorf("media fetch status %d: %w", resp.StatusCode, ErrHandleInvalid)
	}
	return resp.Body, nil
}

// Regenerate 重新签发 URL
func (h *URLHandle) Regenerate(ctx context.Context) error {
	if h.refresh == nil {
		return fmt.Errorf("url handle has no refresher")
	}
	u, err := h.refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh media url: %w", err)
	}
	h.mu.Lock()
	h.url = u
	h.mu.Unlock()
	return nil
}

func (h *URLHandle) Location() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.url
}

func (h *URLHandle) Ext() string { return h.ext }

func urlExt(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// ========== 解析 ==========

// HandleFactory 根据 location 构造句柄
type HandleFactory func(location string) (model.MediaHandle, error)

// Resolver 按 scheme 把曲库 location 转成媒体句柄
type Resolver struct {
	baseDir string

	mu        sync.RWMutex
	factories map[string]HandleFactory
}

// NewResolver 创建解析器，相对路径基于 baseDir
func NewResolver(baseDir string) *Resolver {
	r := &Resolver{baseDir: baseDir, factories: make(map[string]HandleFactory)}
	urlFactory := func(loc string) (model.MediaHandle, error) {
		return NewURLHandle(loc, nil), nil
	}
	r.factories["http"] = urlFactory
	r.factories["https"] = urlFactory
	return r
}

// Register 注册 scheme 的句柄工厂（例如 minio）
func (r *Resolver) Register(scheme string, f HandleFactory) {
	r.mu.Lock()
	r.factories[strings.ToLower(scheme)] = f
	r.mu.Unlock()
}

// Resolve 解析 location
func (r *Resolver) Resolve(location string) (model.MediaHandle, error) {
	if location == "" {
		return nil, fmt.Errorf("empty media location")
	}
	if i := strings.Index(location, "://"); i > 0 {
		scheme := strings.ToLower(location[:i])
		if scheme == "file" {
			return NewFileHandle(location[i+3:]), nil
		}
		r.mu.RLock()
		f, ok := r.factories[scheme]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("unsupported media scheme: %s", scheme)
		}
		return f(location)
	}
	p := location
	if !filepath.IsAbs(p) && r.baseDir != "" {
		p = filepath.Join(r.baseDir, p)
	}
	return NewFileHandle(p), nil
}
