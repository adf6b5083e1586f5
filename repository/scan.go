package repository

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"QFMConsole/logger"
	"QFMConsole/model"

	"github.com/google/uuid"
)

// AudioExtensions 扫描时认作曲目的扩展名
var AudioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".flac": true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
	".opus": true,
}

// ProbeFunc returns the duration of a media location; zero means unknown.
type ProbeFunc func(ctx context.Context, location string) (time.Duration, error)

// ParseTrackName splits "Artist - Title.ext" into its parts.
// Without a separator the whole base name is the title.
func ParseTrackName(filename string) (name, artist string) {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if i := strings.Index(base, " - "); i > 0 {
		artist = strings.TrimSpace(base[:i])
		name = strings.TrimSpace(base[i+3:])
		if name != "" {
			return name, artist
		}
	}
	return strings.TrimSpace(base), ""
}

// ScanDirectory walks dir for audio files and builds library records.
// Locations are stored relative to dir with forward slashes; positions follow path order.
// A failed probe keeps the track with an unknown duration.
func ScanDirectory(ctx context.Context, dir string, probe ProbeFunc) ([]model.TrackRecord, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if AudioExtensions[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	records := make([]model.TrackRecord, 0, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		name, artist := ParseTrackName(path)
		rec := model.TrackRecord{
			ID:       uuid.NewString(),
			Name:     name,
			Artist:   artist,
			Location: filepath.ToSlash(rel),
			Position: i,
		}
		if probe != nil {
			if d, err := probe(ctx, path); err != nil {
				logger.Warn("failed to probe track duration",
					logger.String("path", path), logger.ErrorField(err))
			} else {
				rec.Duration = d.Seconds()
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
