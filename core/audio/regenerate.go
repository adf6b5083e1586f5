package audio

import (
	"context"
	"fmt"

	"QFMConsole/logger"
	"QFMConsole/model"
)

// OpenTrack 解码曲目；失败时用原始数据重建句柄一次再重试
// 重试仍失败返回带曲目 ID 的 ResourceInvalid 错误
func OpenTrack(ctx context.Context, dec Decoder, track *model.Track) (Stream, error) {
	if track == nil {
		return nil, fmt.Errorf("nil track")
	}
	if track.Handle == nil {
		return nil, model.NewConsoleError(model.ErrResourceInvalid, track.ID, true,
			fmt.Errorf("track %s has no media handle", track.ID))
	}

	s, err := dec.Decode(ctx, track.Handle)
	if err == nil {
		noteDuration(track, s)
		return s, nil
	}

	logger.Warn("media open failed, regenerating handle",
		logger.TrackID(track.ID),
		logger.String("location", track.Handle.Location()),
		logger.ErrorField(err))

	if rerr := track.Handle.Regenerate(ctx); rerr != nil {
		return nil, model.NewConsoleError(model.ErrResourceInvalid, track.ID, true,
			fmt.Errorf("open failed (%v) and regenerate failed: %w", err, rerr))
	}

	s, err = dec.Decode(ctx, track.Handle)
	if err != nil {
		return nil, model.NewConsoleError(model.ErrResourceInvalid, track.ID, true,
			fmt.Errorf("open failed after regenerate: %w", err))
	}
	noteDuration(track, s)
	return s, nil
}

func noteDuration(track *model.Track, s Stream) {
	if d := s.Duration(); d > 0 {
		track.SetDuration(d.Seconds())
	}
}
