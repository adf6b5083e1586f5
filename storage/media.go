package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"QFMConsole/core/audio"
	"QFMConsole/model"
)

// ObjectScheme 曲库中 MinIO 对象的 location 前缀
const ObjectScheme = "minio"

// Presigner 签发对象的临时下载地址，*minio.Client 满足该接口
type Presigner interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// ObjectLocation 构造 minio://bucket/key
func ObjectLocation(bucket, key string) string {
	return ObjectScheme + "://" + bucket + "/" + strings.TrimPrefix(key, "/")
}

// ParseObjectLocation 解析 minio://bucket/key
func ParseObjectLocation(location string) (bucket, key string, err error) {
	prefix := ObjectScheme + "://"
	if !strings.HasPrefix(strings.ToLower(location), prefix) {
		return "", "", fmt.Errorf("not a %s location: %q", ObjectScheme, location)
	}
	rest := location[len(prefix):]
	i := strings.Index(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", fmt.Errorf("invalid object location: %q", location)
	}
	return rest[:i], rest[i+1:], nil
}

// NewHandleFactory 返回 minio scheme 的句柄工厂
// 句柄是预签名 URL，过期后 Regenerate 重新签发
func NewHandleFactory(p Presigner, expiry time.Duration) audio.HandleFactory {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return func(location string) (model.MediaHandle, error) {
		bucket, key, err := ParseObjectLocation(location)
		if err != nil {
			return nil, err
		}
		sign := func(ctx context.Context) (string, error) {
			u, err := p.PresignedGetObject(ctx, bucket, key, expiry, nil)
			if err != nil {
				return "", fmt.Errorf("failed to presign %s/%s: %w", bucket, key, err)
			}
			return u.String(), nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		u, err := sign(ctx)
		if err != nil {
			return nil, err
		}
		return audio.NewURLHandle(u, sign), nil
	}
}
