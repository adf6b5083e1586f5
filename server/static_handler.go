package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"QFMConsole/logger"

	"github.com/minio/minio-go/v7"
)

// ArchiveHandler 从 MinIO 读取推流归档分段，路径形如 /archive/{connectionId}/{segment}.pcm
type ArchiveHandler struct {
	client *minio.Client
	bucket string
}

// NewArchiveHandler 创建 ArchiveHandler 实例
func NewArchiveHandler(client *minio.Client, bucket string) *ArchiveHandler {
	return &ArchiveHandler{client: client, bucket: bucket}
}

// ServeHTTP 实现 http.Handler 接口
func (h *ArchiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/archive/")
	if rel == "" || strings.Contains(rel, "..") {
		http.Error(w, "invalid archive path", http.StatusBadRequest)
		return
	}
	if h.client == nil {
		http.Error(w, "MinIO client not available", http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	objectPath := "broadcasts/" + rel
	object, err := h.client.GetObject(ctx, h.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	defer object.Close()

	info, err := object.Stat()
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	contentType := info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000")

	if _, err := io.Copy(w, object); err != nil {
		logger.Error("Error serving archive from MinIO",
			logger.String("object", objectPath),
			logger.ErrorField(err))
	}
}
