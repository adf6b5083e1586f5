package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"QFMConsole/cache"
	"QFMConsole/config"
	"QFMConsole/core/audio"
	"QFMConsole/core/broadcast"
	"QFMConsole/core/engine"
	"QFMConsole/core/events"
	"QFMConsole/db"
	"QFMConsole/logger"
	"QFMConsole/model"
	"QFMConsole/repository"
	"QFMConsole/server"
	"QFMConsole/storage"

	"github.com/spf13/cobra"
)

var (
	consoleHeadless    bool
	consoleSaveProfile bool
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "启动广播控制台",
	Long:  `启动控制台引擎和 HTTP/WebSocket 控制服务。Redis、MinIO 按配置启用，不可用时降级运行。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsole(cmd.Context())
	},
}

func init() {
	consoleCmd.Flags().BoolVar(&consoleHeadless, "headless", false, "不启动 PipeWire 监听输出和麦克风采集")
	consoleCmd.Flags().BoolVar(&consoleSaveProfile, "save-profile", true, "退出时把当前设置写回配置文件")
	rootCmd.Flags().AddFlagSet(consoleCmd.Flags())
	rootCmd.AddCommand(consoleCmd)
}

// openLibrary 按 LIBRARY_BACKEND 打开曲库
func openLibrary(cfg *config.Config) (repository.TrackRepository, func(), error) {
	switch cfg.LibraryBackend {
	case "mysql":
		if err := db.ConnectGormDB(cfg); err != nil {
			return nil, nil, err
		}
		if err := db.AutoMigrateModels(&model.TrackRecord{}); err != nil {
			db.CloseGormDB()
			return nil, nil, err
		}
		return repository.NewGormTrackRepository(db.GormDB), func() { db.CloseGormDB() }, nil
	case "sqlite", "":
		if err := db.ConnectDB(cfg.SQLitePath); err != nil {
			return nil, nil, err
		}
		return repository.NewSQLiteTrackRepository(db.DB), func() { db.CloseDB() }, nil
	}
	return nil, nil, fmt.Errorf("unknown library backend %q", cfg.LibraryBackend)
}

func runConsole(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		logger.Warn("配置文件无效，使用默认设置",
			logger.String("path", cfg.ProfilePath),
			logger.ErrorField(err))
		profile = model.DefaultSettings()
	}

	bus := events.NewBus()
	defer bus.Close()

	deps := engine.Deps{
		Bus:      bus,
		Settings: &profile,
		Resolver: audio.NewResolver(cfg.MediaDir),
		Encoder:  broadcast.PCM16Encoder{},
	}

	library, closeLibrary, err := openLibrary(cfg)
	if err != nil {
		return fmt.Errorf("failed to open library: %w", err)
	}
	defer closeLibrary()
	deps.Source = library

	var (
		archivers broadcast.Archivers
		runners   []func(context.Context)
	)

	// Redis：设置持久化、帧缓存、电台状态
	if cfg.RedisEnabled {
		if err := db.ConnectRedis(cfg); err != nil {
			logger.Warn("Redis 不可用，设置不会持久化", logger.ErrorField(err))
		} else {
			defer db.CloseRedis()
			deps.Store = cache.NewSettingsStore(db.RedisClient)

			frames := cache.NewFrameCache(db.RedisClient, cfg.FrameCacheTTL, 256)
			archivers = append(archivers, frames)
			runners = append(runners, frames.Run)

			station := cache.NewStationCache(db.RedisClient)
			runners = append(runners, func(ctx context.Context) { station.Run(ctx, bus) })
		}
	}

	// MinIO：对象曲目、推流归档
	var archive http.Handler
	if cfg.MinioEnabled {
		if err := storage.InitMinio(cfg); err != nil {
			logger.Warn("MinIO 不可用，对象存储曲目和归档已禁用", logger.ErrorField(err))
		} else {
			client := storage.GetMinioClient()
			deps.Resolver.Register(storage.ObjectScheme, storage.NewHandleFactory(client, cfg.MinioURLExpiry))
			archive = server.NewArchiveHandler(client, cfg.MinioBucket)

			if cfg.ArchiveEnabled {
				seg := storage.NewSegmentArchiver(client, cfg.MinioBucket, cfg.ArchiveFrames, "audio/L16",
					map[string]string{
						"station":     cfg.StationName,
						"sample-rate": strconv.Itoa(cfg.SampleRate),
						"codec":       broadcast.PCM16Encoder{}.Codec(),
					})
				archivers = append(archivers, seg)
				runners = append(runners, seg.Run)
			}
		}
	}
	if len(archivers) > 0 {
		deps.Archiver = archivers
	}

	if !consoleHeadless {
		sink := audio.NewPipeWireSink(cfg.PwPlayPath, cfg.SampleRate)
		if err := sink.Start(ctx, profile.OutputDeviceID); err != nil {
			logger.Warn("监听输出启动失败，改为静音输出", logger.ErrorField(err))
		} else {
			deps.Monitor = sink
		}
		capture := audio.NewPipeWireCapture(cfg.PwRecordPath, cfg.SampleRate)
		if err := capture.Start(ctx, profile.InputDeviceID); err != nil {
			logger.Warn("麦克风采集启动失败", logger.ErrorField(err))
		} else {
			deps.Mic = capture
		}
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		return err
	}
	if err := eng.Init(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, run := range runners {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}

	srv := server.New(cfg, eng)
	if archive != nil {
		srv.SetArchive(archive)
	}
	serveErr := srv.Start(ctx)
	if serveErr != nil {
		logger.Error("控制服务异常退出", logger.ErrorField(serveErr))
	}

	eng.Shutdown()
	stop()
	wg.Wait()

	if consoleSaveProfile {
		if err := config.SaveProfile(cfg.ProfilePath, eng.Settings()); err != nil {
			logger.Warn("保存配置文件失败", logger.ErrorField(err))
		}
	}
	return serveErr
}
