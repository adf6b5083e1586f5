package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"QFMConsole/model"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.SampleRate != 48000 {
		t.Errorf("Expected sample rate 48000, got %d", cfg.SampleRate)
	}
	if cfg.FrameDuration != 200*time.Millisecond {
		t.Errorf("Expected 200ms frames, got %v", cfg.FrameDuration)
	}
	if cfg.CrossfadeTick != 50*time.Millisecond {
		t.Errorf("Expected 50ms crossfade tick, got %v", cfg.CrossfadeTick)
	}
	if cfg.MicInBroadcast {
		t.Error("Mic must stay out of the broadcast by default")
	}
}

func TestFromEnv_ClampsTimings(t *testing.T) {
	t.Setenv("FRAME_DURATION", "900ms")
	t.Setenv("CROSSFADE_TICK", "250")
	t.Setenv("RECONCILE_INTERVAL", "2s")

	cfg := FromEnv()

	if cfg.FrameDuration != 200*time.Millisecond {
		t.Errorf("Frame duration above 250ms should fall back to 200ms, got %v", cfg.FrameDuration)
	}
	if cfg.CrossfadeTick != 50*time.Millisecond {
		t.Errorf("Crossfade tick above 100ms should fall back to 50ms, got %v", cfg.CrossfadeTick)
	}
	if cfg.ReconcileEvery != 500*time.Millisecond {
		t.Errorf("Reconcile interval must stay sub-second, got %v", cfg.ReconcileEvery)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("SAMPLE_RATE", "44100")
	t.Setenv("MIC_IN_BROADCAST", "true")
	t.Setenv("FRAME_DURATION", "100")

	cfg := FromEnv()

	if cfg.SampleRate != 44100 {
		t.Errorf("Expected 44100, got %d", cfg.SampleRate)
	}
	if !cfg.MicInBroadcast {
		t.Error("Expected MicInBroadcast from env")
	}
	if cfg.FrameDuration != 100*time.Millisecond {
		t.Errorf("Expected plain milliseconds to parse, got %v", cfg.FrameDuration)
	}
}

func TestLoadProfile_MissingFileUsesDefaults(t *testing.T) {
	s, err := LoadProfile(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Levels != model.DefaultLevels() {
		t.Errorf("Expected default levels, got %+v", s.Levels)
	}
	if len(s.EQ) != model.EQBandCount {
		t.Errorf("Expected %d EQ bands, got %d", model.EQBandCount, len(s.EQ))
	}
}

func TestLoadProfile_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.yaml")
	content := `levels:
  master: 80
  music: 150
shuffle: true
crossfade: 3
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.Levels.Master != 80 {
		t.Errorf("Expected master 80, got %v", s.Levels.Master)
	}
	if s.Levels.Music != 100 {
		t.Errorf("Expected music clamped to 100, got %v", s.Levels.Music)
	}
	if s.Levels.Mic != 100 {
		t.Errorf("Expected mic inherited from defaults, got %v", s.Levels.Mic)
	}
	if !s.Shuffle || s.CrossfadeSeconds != 3 {
		t.Errorf("Expected shuffle on and crossfade 3, got %+v", s)
	}
	if !s.AutoDJ {
		t.Error("Expected AutoDJ default to survive a partial profile")
	}
}

func TestSaveProfile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "console.yaml")
	in := model.DefaultSettings()
	in.Levels.Mic = 42
	in.EQ[3] = 6
	in.MicInBroadcast = true

	if err := SaveProfile(path, in); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}
	out, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if out.Levels.Mic != 42 || out.EQ[3] != 6 || !out.MicInBroadcast {
		t.Errorf("Round trip lost values: %+v", out)
	}
}

func TestLoadProfile_RejectsBadEffect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.yaml")
	content := `effects:
  compressor:
    ratio: 0.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("Expected an error for a compressor ratio below 1")
	}
}
