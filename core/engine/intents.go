package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"QFMConsole/logger"
	"QFMConsole/model"
)

// IntentType 展示层发来的操作
type IntentType string

const (
	IntentPlay              IntentType = "play"
	IntentTogglePlay        IntentType = "toggle_play"
	IntentNext              IntentType = "next"
	IntentPrevious          IntentType = "previous"
	IntentStop              IntentType = "stop"
	IntentSetLevel          IntentType = "set_level"
	IntentSetEQBand         IntentType = "set_eq_band"
	IntentSetEffect         IntentType = "set_effect"
	IntentSetAutoDJ         IntentType = "set_auto_dj"
	IntentSetShuffle        IntentType = "set_shuffle"
	IntentSetCrossfade      IntentType = "set_crossfade"
	IntentSetMicInBroadcast IntentType = "set_mic_in_broadcast"
	IntentStartBroadcast    IntentType = "start_broadcast"
	IntentStopBroadcast     IntentType = "stop_broadcast"
	IntentSelectInput       IntentType = "select_input"
	IntentSelectOutput      IntentType = "select_output"
	IntentPlayFX            IntentType = "play_fx"
	IntentEnqueue           IntentType = "enqueue"
	IntentReject            IntentType = "reject"
	IntentArm               IntentType = "arm"
)

// ErrUnknownIntent 不支持的操作类型
var ErrUnknownIntent = errors.New("unknown intent")

// Intent 一条操作，Data 的结构由 Type 决定
type Intent struct {
	Type IntentType      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewIntent 构造带数据的操作
func NewIntent(t IntentType, data interface{}) (Intent, error) {
	if data == nil {
		return Intent{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Intent{}, fmt.Errorf("failed to encode intent data: %w", err)
	}
	return Intent{Type: t, Data: raw}, nil
}

// 各操作的数据

type TrackData struct {
	TrackID string `json:"trackId"`
}

type LevelData struct {
	Channel string  `json:"channel"`
	Value   float64 `json:"value"`
}

type EQBandData struct {
	Band   int     `json:"band"`
	GainDB float64 `json:"gainDb"`
}

// EffectData config 按 name 解码为对应的效果配置
type EffectData struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

type ToggleData struct {
	Enabled bool `json:"enabled"`
}

type CrossfadeData struct {
	Seconds float64 `json:"seconds"`
}

type DeviceData struct {
	ID string `json:"id"`
}

type EnqueueData struct {
	TrackID   string `json:"trackId"`
	RequestID string `json:"requestId,omitempty"`
}

type RejectData struct {
	RequestID string `json:"requestId"`
}

func decode(in Intent, v interface{}) error {
	if len(in.Data) == 0 {
		return fmt.Errorf("intent %s requires data", in.Type)
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("invalid %s data: %w", in.Type, err)
	}
	return nil
}

// Dispatch 执行一条操作
func (e *Engine) Dispatch(ctx context.Context, in Intent) error {
	logger.Debug("intent", logger.String("type", string(in.Type)))

	// 加载曲目和自动过渡的生命周期跟随引擎，而不是发起请求的连接
	pctx := e.ctx()

	switch in.Type {
	case IntentPlay:
		var d TrackData
		if err := decode(in, &d); err != nil {
			return err
		}
		return e.ctrl.Play(pctx, d.TrackID)

	case IntentTogglePlay:
		return e.ctrl.TogglePlay(pctx)

	case IntentNext:
		return e.ctrl.Next(pctx)

	case IntentPrevious:
		return e.ctrl.Previous(pctx)

	case IntentStop:
		e.ctrl.Stop()
		return nil

	case IntentArm:
		e.ctrl.Arm()
		return nil

	case IntentSetLevel:
		var d LevelData
		if err := decode(in, &d); err != nil {
			return err
		}
		ch, err := model.ParseChannel(d.Channel)
		if err != nil {
			return err
		}
		e.mixer.SetLevel(ch, d.Value)
		e.settingsChanged(ctx)
		return nil

	case IntentSetEQBand:
		var d EQBandData
		if err := decode(in, &d); err != nil {
			return err
		}
		if err := e.graph.SetEQBand(d.Band, d.GainDB); err != nil {
			return err
		}
		e.settingsChanged(ctx)
		return nil

	case IntentSetEffect:
		var d EffectData
		if err := decode(in, &d); err != nil {
			return err
		}
		cfg, err := mergeEffect(e.graph.Effects(), d)
		if err != nil {
			return err
		}
		if err := e.graph.SetEffect(d.Name, cfg); err != nil {
			return err
		}
		e.settingsChanged(ctx)
		return nil

	case IntentSetAutoDJ:
		var d ToggleData
		if err := decode(in, &d); err != nil {
			return err
		}
		e.ctrl.SetAutoDJ(pctx, d.Enabled)
		e.settingsChanged(ctx)
		return nil

	case IntentSetShuffle:
		var d ToggleData
		if err := decode(in, &d); err != nil {
			return err
		}
		e.ctrl.SetShuffle(d.Enabled)
		e.settingsChanged(ctx)
		return nil

	case IntentSetCrossfade:
		var d CrossfadeData
		if err := decode(in, &d); err != nil {
			return err
		}
		e.ctrl.SetCrossfade(d.Seconds)
		e.settingsChanged(ctx)
		return nil

	case IntentSetMicInBroadcast:
		var d ToggleData
		if err := decode(in, &d); err != nil {
			return err
		}
		if err := e.graph.SetMicInBroadcast(d.Enabled); err != nil {
			return err
		}
		e.settingsChanged(ctx)
		return nil

	case IntentStartBroadcast:
		return e.StartBroadcast()

	case IntentStopBroadcast:
		e.transport.Stop()
		return nil

	case IntentSelectInput, IntentSelectOutput:
		var d DeviceData
		if err := decode(in, &d); err != nil {
			return err
		}
		var err error
		if in.Type == IntentSelectInput {
			err = e.devices.SelectInput(ctx, d.ID)
		} else {
			err = e.devices.SelectOutput(ctx, d.ID)
		}
		if err != nil {
			return err
		}
		e.settingsChanged(ctx)
		return nil

	case IntentPlayFX:
		var d TrackData
		if err := decode(in, &d); err != nil {
			return err
		}
		return e.PlayFX(ctx, d.TrackID)

	case IntentEnqueue:
		var d EnqueueData
		if err := decode(in, &d); err != nil {
			return err
		}
		return e.Enqueue(ctx, d.TrackID, d.RequestID)

	case IntentReject:
		var d RejectData
		if err := decode(in, &d); err != nil {
			return err
		}
		e.ctrl.Reject(d.RequestID)
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownIntent, in.Type)
}

// mergeEffect 把单个效果的配置合并进当前配置
func mergeEffect(cur model.EffectConfig, d EffectData) (model.EffectConfig, error) {
	var target interface{}
	switch d.Name {
	case model.EffectCompressor:
		target = &cur.Compressor
	case model.EffectReverb:
		target = &cur.Reverb
	case model.EffectDelay:
		target = &cur.Delay
	default:
		return cur, fmt.Errorf("unknown effect: %q", d.Name)
	}
	if len(d.Config) > 0 {
		if err := json.Unmarshal(d.Config, target); err != nil {
			return cur, fmt.Errorf("invalid %s config: %w", d.Name, err)
		}
	}
	return cur, nil
}
