package model

import (
	"fmt"
	"math"
)

// Channel names one of the four mixer faders.
type Channel string

const (
	ChannelMaster Channel = "master"
	ChannelMusic  Channel = "music"
	ChannelMic    Channel = "mic"
	ChannelFX     Channel = "fx"
)

// Channels lists every fader in display order.
var Channels = []Channel{ChannelMaster, ChannelMusic, ChannelMic, ChannelFX}

// ParseChannel validates a channel name coming from an intent.
func ParseChannel(s string) (Channel, error) {
	for _, ch := range Channels {
		if string(ch) == s {
			return ch, nil
		}
	}
	return "", fmt.Errorf("unknown channel: %q", s)
}

const (
	LevelMin = 0.0
	LevelMax = 100.0
)

// ChannelLevels holds the four independent fader positions in [0,100].
type ChannelLevels struct {
	Master float64 `json:"master" yaml:"master" mapstructure:"master"`
	Music  float64 `json:"music" yaml:"music" mapstructure:"music"`
	Mic    float64 `json:"mic" yaml:"mic" mapstructure:"mic"`
	FX     float64 `json:"fx" yaml:"fx" mapstructure:"fx"`
}

// DefaultLevels is full scale on every channel.
func DefaultLevels() ChannelLevels {
	return ChannelLevels{Master: 100, Music: 100, Mic: 100, FX: 100}
}

// ClampLevel limits a fader value to [0,100]; NaN becomes 0.
func ClampLevel(v float64) float64 {
	if math.IsNaN(v) || v < LevelMin {
		return LevelMin
	}
	if v > LevelMax {
		return LevelMax
	}
	return v
}

// Get returns the level of one channel.
func (l ChannelLevels) Get(ch Channel) float64 {
	switch ch {
	case ChannelMaster:
		return l.Master
	case ChannelMusic:
		return l.Music
	case ChannelMic:
		return l.Mic
	case ChannelFX:
		return l.FX
	}
	return 0
}

// With returns a copy with one channel set (clamped).
func (l ChannelLevels) With(ch Channel, v float64) ChannelLevels {
	v = ClampLevel(v)
	switch ch {
	case ChannelMaster:
		l.Master = v
	case ChannelMusic:
		l.Music = v
	case ChannelMic:
		l.Mic = v
	case ChannelFX:
		l.FX = v
	}
	return l
}

// Clamped returns a copy with every channel clamped.
func (l ChannelLevels) Clamped() ChannelLevels {
	return ChannelLevels{
		Master: ClampLevel(l.Master),
		Music:  ClampLevel(l.Music),
		Mic:    ClampLevel(l.Mic),
		FX:     ClampLevel(l.FX),
	}
}

// LevelToGain maps a [0,100] fader value to a linear gain in [0,1].
func LevelToGain(v float64) float64 {
	return ClampLevel(v) / LevelMax
}

// ========== EQ ==========

// EQBandCount is the number of fixed graphic EQ bands.
const EQBandCount = 10

// EQGainLimitDB bounds band gain in both directions.
const EQGainLimitDB = 30.0

// EQFrequencies are the fixed ISO octave centres of the 10 bands.
var EQFrequencies = [EQBandCount]float64{31, 62, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

// EQBand is one band of the graphic EQ. Bands always exist, flat at 0 dB.
type EQBand struct {
	Index     int     `json:"index"`
	Frequency float64 `json:"frequency"`
	GainDB    float64 `json:"gainDb"`
}

// ClampEQGain limits a band gain to ±EQGainLimitDB.
func ClampEQGain(db float64) float64 {
	if math.IsNaN(db) {
		return 0
	}
	return math.Max(-EQGainLimitDB, math.Min(EQGainLimitDB, db))
}

// FlatEQ returns the 10 bands at 0 dB.
func FlatEQ() []EQBand {
	bands := make([]EQBand, EQBandCount)
	for i := range bands {
		bands[i] = EQBand{Index: i, Frequency: EQFrequencies[i]}
	}
	return bands
}

// ========== Effects ==========

// Effect names accepted by setEffect.
const (
	EffectCompressor = "compressor"
	EffectReverb     = "reverb"
	EffectDelay      = "delay"
)

// CompressorConfig configures the dynamics stage.
type CompressorConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ThresholdDB float64 `json:"threshold" yaml:"threshold" mapstructure:"threshold"`
	Ratio       float64 `json:"ratio" yaml:"ratio" mapstructure:"ratio"`
	AttackMs    float64 `json:"attack" yaml:"attack" mapstructure:"attack"`
	ReleaseMs   float64 `json:"release" yaml:"release" mapstructure:"release"`
}

// ReverbConfig configures the spatial (reverb) stage as a wet/dry mix.
type ReverbConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Wet     float64 `json:"wet" yaml:"wet" mapstructure:"wet"`
	Dry     float64 `json:"dry" yaml:"dry" mapstructure:"dry"`
}

// DelayConfig configures the echo stage.
type DelayConfig struct {
	Enabled  bool    `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Time     float64 `json:"time" yaml:"time" mapstructure:"time"` // seconds
	Feedback float64 `json:"feedback" yaml:"feedback" mapstructure:"feedback"`
	Wet      float64 `json:"wet" yaml:"wet" mapstructure:"wet"`
}

// EffectConfig groups every effect stage of a music chain.
type EffectConfig struct {
	Compressor CompressorConfig `json:"compressor" yaml:"compressor" mapstructure:"compressor"`
	Reverb     ReverbConfig     `json:"reverb" yaml:"reverb" mapstructure:"reverb"`
	Delay      DelayConfig      `json:"delay" yaml:"delay" mapstructure:"delay"`
}

// DefaultEffects returns every effect disabled with usable parameters.
func DefaultEffects() EffectConfig {
	return EffectConfig{
		Compressor: CompressorConfig{ThresholdDB: -20, Ratio: 4, AttackMs: 10, ReleaseMs: 100},
		Reverb:     ReverbConfig{Wet: 0.3, Dry: 1},
		Delay:      DelayConfig{Time: 0.3, Feedback: 0.35, Wet: 0.3},
	}
}

// Validate checks the parameter ranges of every stage.
func (c CompressorConfig) Validate() error {
	if c.Ratio < 1 || c.Ratio > 100 {
		return fmt.Errorf("compressor ratio must be in [1,100]: %v", c.Ratio)
	}
	if c.AttackMs < 0.1 || c.AttackMs > 1000 {
		return fmt.Errorf("compressor attack must be in [0.1,1000] ms: %v", c.AttackMs)
	}
	if c.ReleaseMs < 1 || c.ReleaseMs > 5000 {
		return fmt.Errorf("compressor release must be in [1,5000] ms: %v", c.ReleaseMs)
	}
	if math.IsNaN(c.ThresholdDB) || c.ThresholdDB > 0 || c.ThresholdDB < -100 {
		return fmt.Errorf("compressor threshold must be in [-100,0] dB: %v", c.ThresholdDB)
	}
	return nil
}

// Validate checks the wet/dry gains.
func (c ReverbConfig) Validate() error {
	if c.Wet < 0 || c.Wet > 1 || c.Dry < 0 || c.Dry > 1 {
		return fmt.Errorf("reverb wet/dry must be in [0,1]: wet=%v dry=%v", c.Wet, c.Dry)
	}
	return nil
}

// MaxDelayTime bounds the delay line length in seconds.
const MaxDelayTime = 2.0

// Validate checks time, feedback and wet.
func (c DelayConfig) Validate() error {
	if c.Time <= 0 || c.Time > MaxDelayTime {
		return fmt.Errorf("delay time must be in (0,%v] s: %v", MaxDelayTime, c.Time)
	}
	if c.Feedback < 0 || c.Feedback >= 1 {
		return fmt.Errorf("delay feedback must be in [0,1): %v", c.Feedback)
	}
	if c.Wet < 0 || c.Wet > 1 {
		return fmt.Errorf("delay wet must be in [0,1]: %v", c.Wet)
	}
	return nil
}

// ========== Playback ==========

// PlaybackStatus is the state of the playback state machine.
type PlaybackStatus string

const (
	StatusIdle        PlaybackStatus = "idle"
	StatusLoading     PlaybackStatus = "loading"
	StatusPlaying     PlaybackStatus = "playing"
	StatusPaused      PlaybackStatus = "paused"
	StatusCrossfading PlaybackStatus = "crossfading"
)

// HistorySize bounds the play history ring buffer.
const HistorySize = 50

// PlaybackState is the process-wide playback snapshot.
type PlaybackState struct {
	Status         PlaybackStatus `json:"status"`
	CurrentTrackID string         `json:"currentTrackId,omitempty"`
	IsPlaying      bool           `json:"isPlaying"`
	IsCrossfading  bool           `json:"isCrossfading"`
	Position       float64        `json:"position"`
	Duration       float64        `json:"duration"`
	History        []string       `json:"history"`
	AutoDJ         bool           `json:"autoDj"`
	Shuffle        bool           `json:"shuffle"`
	Crossfade      float64        `json:"crossfadeDuration"`
}
