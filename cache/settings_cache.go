package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"QFMConsole/logger"
	"QFMConsole/model"
)

// SettingsStore 在 Redis 中保存控制台设置，跨会话恢复
type SettingsStore struct {
	client Client
	key    string
}

// NewSettingsStore 创建设置存储
func NewSettingsStore(client Client) *SettingsStore {
	return &SettingsStore{client: client, key: settingsKey}
}

// Load 读取设置，键不存在时 ok 为 false
func (s *SettingsStore) Load(ctx context.Context) (model.ConsoleSettings, bool, error) {
	if s.client == nil {
		return model.ConsoleSettings{}, false, ErrNotInitialized
	}

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if isMiss(err) {
			return model.ConsoleSettings{}, false, nil
		}
		return model.ConsoleSettings{}, false, fmt.Errorf("failed to load settings: %w", err)
	}

	var settings model.ConsoleSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return model.ConsoleSettings{}, false, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, true, nil
}

// Save 保存设置（不过期）
func (s *SettingsStore) Save(ctx context.Context, settings model.ConsoleSettings) error {
	if s.client == nil {
		return ErrNotInitialized
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}

	logger.Debug("console settings saved", logger.Int("size", len(data)))
	return nil
}
