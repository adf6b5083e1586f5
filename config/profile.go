package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"QFMConsole/model"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadProfile reads the YAML console profile on top of the built-in defaults.
// A missing file is not an error: the defaults are returned.
func LoadProfile(path string) (model.ConsoleSettings, error) {
	settings := model.DefaultSettings()
	if path == "" {
		return settings, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}

	// 使用独立的 viper 实例，避免和全局实例互相干扰
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("QFM")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return settings, fmt.Errorf("error reading profile %s: %w", path, err)
	}
	if err := v.Unmarshal(&settings); err != nil {
		return settings, fmt.Errorf("error decoding profile %s: %w", path, err)
	}

	if err := validateSettings(settings); err != nil {
		return settings, fmt.Errorf("profile %s: %w", path, err)
	}
	return settings.Normalize(), nil
}

// SaveProfile writes the settings back as YAML, creating the directory if needed.
func SaveProfile(path string, settings model.ConsoleSettings) error {
	if path == "" {
		return fmt.Errorf("no profile path specified")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	out, err := yaml.Marshal(settings.Normalize())
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("failed to write profile %s: %w", path, err)
	}
	return nil
}

func validateSettings(s model.ConsoleSettings) error {
	if len(s.EQ) > model.EQBandCount {
		return fmt.Errorf("eq has %d bands, expected at most %d", len(s.EQ), model.EQBandCount)
	}
	if s.CrossfadeSeconds < 0 {
		return fmt.Errorf("crossfade must be >= 0, got %v", s.CrossfadeSeconds)
	}
	if err := s.Effects.Compressor.Validate(); err != nil {
		return err
	}
	if err := s.Effects.Reverb.Validate(); err != nil {
		return err
	}
	return s.Effects.Delay.Validate()
}
