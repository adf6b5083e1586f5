package device

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"QFMConsole/model"
)

// Backend 枚举系统音频设备
type Backend interface {
	// RequestAccess 首次枚举前调用，失败表示没有权限或音频服务不可用
	RequestAccess(ctx context.Context) error
	List(ctx context.Context, dir model.DeviceDirection) ([]model.Device, error)
}

// PactlBackend 通过 pactl 枚举 PipeWire/PulseAudio 设备
type PactlBackend struct {
	path string
}

// NewPactlBackend path 为空时使用 PATH 中的 pactl
func NewPactlBackend(path string) *PactlBackend {
	if path == "" {
		path = "pactl"
	}
	return &PactlBackend{path: path}
}

func (b *PactlBackend) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, b.path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pactl %s failed: %w (%s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (b *PactlBackend) RequestAccess(ctx context.Context) error {
	_, err := b.run(ctx, "info")
	return err
}

func (b *PactlBackend) List(ctx context.Context, dir model.DeviceDirection) ([]model.Device, error) {
	kind, getDefault := "sinks", "get-default-sink"
	if dir == model.DeviceInput {
		kind, getDefault = "sources", "get-default-source"
	}

	out, err := b.run(ctx, "list", "short", kind)
	if err != nil {
		return nil, err
	}
	// 旧版 pactl 没有 get-default-*，取不到就没有默认标记
	def := ""
	if d, err := b.run(ctx, getDefault); err == nil {
		def = strings.TrimSpace(string(d))
	}
	return parseShortList(string(out), def, dir == model.DeviceInput), nil
}

// parseShortList 解析 `pactl list short sinks|sources`：
// 每行 "索引\t名称\t驱动\t格式\t状态"，输入设备跳过 .monitor
func parseShortList(out, defaultName string, skipMonitors bool) []model.Device {
	var devices []model.Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			fields = strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
		}
		name := fields[1]
		if skipMonitors && strings.HasSuffix(name, ".monitor") {
			continue
		}
		devices = append(devices, model.Device{
			ID:        name,
			Name:      name,
			IsDefault: name == defaultName,
		})
	}
	return devices
}
