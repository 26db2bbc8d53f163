package server

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ivrit-ai/crowd-recital/cache"
	"github.com/ivrit-ai/crowd-recital/config"
	"github.com/ivrit-ai/crowd-recital/core/audio"
	"github.com/ivrit-ai/crowd-recital/core/auth"
	"github.com/ivrit-ai/crowd-recital/core/recital"
	"github.com/ivrit-ai/crowd-recital/core/scheduler"
	"github.com/ivrit-ai/crowd-recital/core/stats"
	"github.com/ivrit-ai/crowd-recital/db"
	"github.com/ivrit-ai/crowd-recital/logger"
	"github.com/ivrit-ai/crowd-recital/repository"
	"github.com/ivrit-ai/crowd-recital/storage"

	"github.com/go-redis/redis/v8"
	"github.com/gofrs/flock"
	"github.com/minio/minio-go/v7"
	"gorm.io/gorm"
)

// finalizeLockFile serialises finalization between the server and CLI runs.
const finalizeLockFile = ".finalize.lock"

// App holds the wired components shared by the server and the CLI commands.
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Storage   *storage.ContentStorage
	Scheduler *scheduler.Scheduler
	Manager   *recital.Manager
	Stats     *stats.Service
	Tokens    *auth.TokenManager
}

// NewApp connects to the database, Redis and MinIO and wires the pipeline.
// Redis is optional: without it statistics are computed on every request.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create data folder %s: %w", cfg.DataFolder, err)
	}

	gdb, err := db.ConnectGormDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		db.CloseGormDB()
		return nil, err
	}

	redisClient, err := cache.ConnectRedis(cfg)
	if err != nil {
		logger.Warn("Redis 不可用，统计缓存已禁用", logger.ErrorField(err))
	}

	var minioClient *minio.Client
	if cfg.ContentUploadDisabled {
		logger.Warn("内容上传已禁用，跳过 MinIO 初始化")
	} else {
		minioClient, err = storage.NewMinioClient(cfg)
		if err != nil {
			db.CloseGormDB()
			cache.CloseRedis()
			return nil, err
		}
		if err := storage.EnsureBucket(ctx, minioClient, cfg); err != nil {
			db.CloseGormDB()
			cache.CloseRedis()
			return nil, err
		}
	}

	content := storage.NewContentStorage(minioClient, cfg.MinioBucket, cfg.DataFolder)
	recitalRepo := repository.NewGormRecitalRepository(gdb, cfg.DataFolder)
	statsRepo := repository.NewGormStatsRepository(gdb)

	var statsCache *cache.StatsCache
	var invalidator recital.StatsInvalidator
	if redisClient != nil {
		statsCache = cache.NewStatsCache(redisClient, cfg.StatsCacheTTL)
		invalidator = statsCache
	}

	media := audio.NewFFmpegProcessor(cfg.FFmpegPath, cfg.FFprobePath)
	aggregator := recital.NewAggregationEngine(recitalRepo, content, cfg.CaptionsProducer)
	transcoder := recital.NewTransformEngine(recitalRepo, content, media, cfg.LightAudioBitrate)
	sched := scheduler.NewScheduler()

	manager := recital.NewManager(recitalRepo, content, aggregator, transcoder, sched, invalidator, recital.OptionsFromConfig(cfg))
	manager.SetCycleGuard(flock.New(filepath.Join(cfg.DataFolder, finalizeLockFile)))

	return &App{
		Config:    cfg,
		DB:        gdb,
		Redis:     redisClient,
		Storage:   content,
		Scheduler: sched,
		Manager:   manager,
		Stats:     stats.NewService(statsRepo, statsCache),
		Tokens:    auth.NewTokenManager(cfg.AccessTokenSecretKey, 0),
	}, nil
}

// Close stops background jobs and releases connections.
func (a *App) Close() {
	a.Scheduler.Stop()
	if err := cache.CloseRedis(); err != nil {
		logger.Warn("关闭 Redis 连接失败", logger.ErrorField(err))
	}
	if err := db.CloseGormDB(); err != nil {
		logger.Warn("关闭数据库连接失败", logger.ErrorField(err))
	}
}
