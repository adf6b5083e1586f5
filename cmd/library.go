package cmd

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"QFMConsole/core/audio"
	"QFMConsole/model"
	"QFMConsole/repository"
	"QFMConsole/storage"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	libraryMinioPrefix string
	libraryProbe       bool
)

var libraryCmd = &cobra.Command{
	Use:   "library",
	Short: "曲库管理",
	Long:  `扫描媒体目录或 MinIO 前缀写入曲库，列出、删除曲目。后端由 LIBRARY_BACKEND 决定 (sqlite/mysql)。`,
}

var libraryScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "扫描 MEDIA_DIR（或 --minio 前缀）并写入曲库",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		repo, closeRepo, err := openLibrary(cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		var probe repository.ProbeFunc
		if libraryProbe {
			probe = durationProbe()
		}

		var records []model.TrackRecord
		if cmd.Flags().Changed("minio") {
			records, err = scanMinio(ctx, libraryMinioPrefix, probe)
		} else {
			fmt.Printf("扫描目录: %s\n", cfg.MediaDir)
			records, err = repository.ScanDirectory(ctx, cfg.MediaDir, probe)
		}
		if err != nil {
			return err
		}

		// 已登记的曲目保持原位置，新曲目追加在末尾
		existing, err := repo.ListTracks(ctx)
		if err != nil {
			return err
		}
		positions := make(map[string]int, len(existing))
		next := 0
		for _, rec := range existing {
			positions[rec.Location] = rec.Position
			if rec.Position >= next {
				next = rec.Position + 1
			}
		}
		added := 0
		for i := range records {
			if pos, ok := positions[records[i].Location]; ok {
				records[i].Position = pos
				continue
			}
			records[i].Position = next
			next++
			added++
		}
		if err := repo.UpsertTracks(ctx, records); err != nil {
			return err
		}
		fmt.Printf("写入 %d 首曲目，新增 %d 首\n", len(records), added)
		return nil
	},
}

// durationProbe 先用 beep 解码器读时长，beep 不支持的容器或读不到时长时用 ffprobe
func durationProbe() repository.ProbeFunc {
	resolver := audio.NewResolver("")
	dec := audio.NewMediaDecoder(cfg.SampleRate, "")
	ffprobe := audio.NewFFmpegDecoder(cfg.FFmpegPath, cfg.SampleRate)

	return func(ctx context.Context, location string) (time.Duration, error) {
		ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()

		if h, err := resolver.Resolve(location); err == nil {
			if s, err := dec.Decode(ctx, h); err == nil {
				d := s.Duration()
				s.Close()
				if d > 0 {
					return d, nil
				}
			}
		}
		return ffprobe.GetAudioDuration(ctx, location)
	}
}

// scanMinio 把前缀下的音频对象登记为 minio://bucket/key
func scanMinio(ctx context.Context, prefix string, probe repository.ProbeFunc) ([]model.TrackRecord, error) {
	if err := storage.InitMinio(cfg); err != nil {
		return nil, err
	}
	client := storage.GetMinioClient()
	fmt.Printf("扫描 MinIO: %s/%s\n", cfg.MinioBucket, prefix)

	objects, _, err := storage.ListBucketObjects(ctx, client, cfg.MinioBucket, prefix, true)
	if err != nil {
		return nil, err
	}

	var records []model.TrackRecord
	for _, obj := range objects {
		if !repository.AudioExtensions[strings.ToLower(path.Ext(obj.Key))] {
			continue
		}
		name, artist := repository.ParseTrackName(obj.Key)
		rec := model.TrackRecord{
			ID:       uuid.NewString(),
			Name:     name,
			Artist:   artist,
			Location: storage.ObjectLocation(cfg.MinioBucket, obj.Key),
		}
		if probe != nil {
			u, err := client.PresignedGetObject(ctx, cfg.MinioBucket, obj.Key, cfg.MinioURLExpiry, nil)
			if err == nil {
				if d, err := probe(ctx, u.String()); err == nil {
					rec.Duration = d.Seconds()
				}
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

var libraryListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出曲库",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeRepo, err := openLibrary(cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		records, err := repo.ListTracks(cmd.Context())
		if err != nil {
			return err
		}
		for _, rec := range records {
			dur := time.Duration(rec.Duration * float64(time.Second)).Round(time.Second)
			fmt.Printf("%4d  %s  %-8s  %s", rec.Position, rec.ID, dur, rec.Name)
			if rec.Artist != "" {
				fmt.Printf(" - %s", rec.Artist)
			}
			fmt.Printf("  (%s)\n", rec.Location)
		}
		fmt.Printf("共 %d 首\n", len(records))
		return nil
	},
}

var libraryRemoveCmd = &cobra.Command{
	Use:   "remove <id>...",
	Short: "从曲库删除曲目",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeRepo, err := openLibrary(cfg)
		if err != nil {
			return err
		}
		defer closeRepo()

		if err := repo.DeleteTracks(cmd.Context(), args...); err != nil {
			return err
		}
		fmt.Printf("已删除 %d 首\n", len(args))
		return nil
	},
}

func init() {
	libraryScanCmd.Flags().StringVar(&libraryMinioPrefix, "minio", "", "扫描 MinIO 存储桶中的前缀，而不是本地目录")
	libraryScanCmd.Flags().BoolVar(&libraryProbe, "probe", true, "用 ffprobe 读取时长")
	libraryCmd.AddCommand(libraryScanCmd, libraryListCmd, libraryRemoveCmd)
	rootCmd.AddCommand(libraryCmd)
}
