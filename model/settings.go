package model

// ConsoleSettings is the operator-tunable state persisted between sessions.
type ConsoleSettings struct {
	Levels           ChannelLevels `json:"levels" yaml:"levels" mapstructure:"levels"`
	EQ               []float64     `json:"eq" yaml:"eq" mapstructure:"eq"` // band gains in dB, index-aligned with EQFrequencies
	Effects          EffectConfig  `json:"effects" yaml:"effects" mapstructure:"effects"`
	AutoDJ           bool          `json:"autoDj" yaml:"autoDj" mapstructure:"autodj"`
	Shuffle          bool          `json:"shuffle" yaml:"shuffle" mapstructure:"shuffle"`
	CrossfadeSeconds float64       `json:"crossfade" yaml:"crossfade" mapstructure:"crossfade"`
	MicInBroadcast   bool          `json:"micInBroadcast" yaml:"micInBroadcast" mapstructure:"micinbroadcast"`
	InputDeviceID    string        `json:"inputDevice,omitempty" yaml:"inputDevice,omitempty" mapstructure:"inputdevice"`
	OutputDeviceID   string        `json:"outputDevice,omitempty" yaml:"outputDevice,omitempty" mapstructure:"outputdevice"`
}

// DefaultSettings returns levels at full scale, flat EQ, effects off,
// Auto DJ on and a 5 second crossfade.
func DefaultSettings() ConsoleSettings {
	return ConsoleSettings{
		Levels:           DefaultLevels(),
		EQ:               make([]float64, EQBandCount),
		Effects:          DefaultEffects(),
		AutoDJ:           true,
		CrossfadeSeconds: 5,
	}
}

// Normalize clamps every field into its legal range.
func (s ConsoleSettings) Normalize() ConsoleSettings {
	s.Levels = s.Levels.Clamped()
	eq := make([]float64, EQBandCount)
	for i := 0; i < EQBandCount && i < len(s.EQ); i++ {
		eq[i] = ClampEQGain(s.EQ[i])
	}
	s.EQ = eq
	if s.CrossfadeSeconds < 0 {
		s.CrossfadeSeconds = 0
	}
	if s.CrossfadeSeconds > MaxCrossfadeSeconds {
		s.CrossfadeSeconds = MaxCrossfadeSeconds
	}
	return s
}

// MaxCrossfadeSeconds bounds the operator-selectable crossfade duration.
const MaxCrossfadeSeconds = 30.0
