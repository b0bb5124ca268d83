package main

import (
	"context"
	"fmt"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/aigateway"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/config"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/database"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/library"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/logging"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime/redisstore"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/realtime/sqlstore"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/servicemode"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/video"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the components shared by every command.
type app struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	mode      *servicemode.State
	gateway   *aigateway.Gateway
	library   *library.Service
	refresher *library.Refresher
	closers   []func() error
}

func (a *app) Close() {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func bootstrap(ctx context.Context) (*app, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:      appConfig.Log.Level,
		File:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
		MaxAgeDays: appConfig.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}
	application := &app{config: appConfig, logger: logger}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		application.Close()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		application.Close()
		return nil, err
	}
	application.db = db
	application.closers = append(application.closers, sqlDB.Close)

	application.mode = servicemode.New(servicemode.Config{
		HalfOpenAfter: appConfig.AI.HalfOpenAfter,
		Logger:        logger,
	})
	application.gateway, err = newGateway(appConfig.AI, application.mode, logger)
	if err != nil {
		application.Close()
		return nil, err
	}

	pipeline, err := newPipeline(ctx, appConfig, application.gateway, logger)
	if err != nil {
		application.Close()
		return nil, err
	}
	application.library, err = library.NewService(library.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		application.Close()
		return nil, err
	}
	application.refresher, err = library.NewRefresher(library.RefresherConfig{
		Library:    application.library,
		Discoverer: pipeline,
		Logger:     logger,
	})
	if err != nil {
		application.Close()
		return nil, err
	}
	return application, nil
}

func newGateway(cfg config.AIConfig, mode *servicemode.State, logger *zap.Logger) (*aigateway.Gateway, error) {
	credentialed := cfg.APIKey != ""
	var backend aigateway.Backend
	if credentialed {
		openAIBackend, err := aigateway.NewOpenAIBackend(aigateway.OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			ChatModel:   cfg.ChatModel,
			SearchModel: cfg.SearchModel,
			ImageModel:  cfg.ImageModel,
			VideoModel:  cfg.VideoModel,
		})
		if err != nil {
			return nil, err
		}
		backend = openAIBackend
	}
	return aigateway.NewGateway(aigateway.Config{
		Backend:      backend,
		Mode:         mode,
		Credentialed: credentialed,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	})
}

func newPipeline(ctx context.Context, cfg config.AppConfig, gateway *aigateway.Gateway, logger *zap.Logger) (*video.Pipeline, error) {
	var searcher video.Searcher
	if cfg.YouTube.APIKey != "" {
		youtubeSearcher, err := video.NewYouTubeSearcher(ctx, cfg.YouTube.APIKey, cfg.YouTube.Endpoint)
		if err != nil {
			return nil, err
		}
		searcher = youtubeSearcher
	} else {
		logger.Warn("no youtube api key configured; discovery uses ai suggestions only")
	}
	prober := video.NewThumbnailProber(cfg.Discovery.ThumbnailBaseURL, cfg.Discovery.ProbeTimeout)
	return video.NewPipeline(video.PipelineConfig{
		Searcher:        searcher,
		Gateway:         gateway,
		Verifier:        video.NewVerifier(prober, cfg.Discovery.ProbeConcurrency, logger),
		TargetCount:     cfg.Discovery.TargetCount,
		OverfetchFactor: cfg.Discovery.OverfetchFactor,
		Logger:          logger,
	})
}

// openRealtimeStore selects the substrate. Redis lets several API processes share
// presence, typing and chat; sqlite keeps everything in this process.
func (a *app) openRealtimeStore(ctx context.Context) (realtime.Store, error) {
	switch a.config.Realtime.Backend {
	case config.RealtimeBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.config.Redis.Address,
			Password: a.config.Redis.Password,
			DB:       a.config.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", a.config.Redis.Address, err)
		}
		a.closers = append(a.closers, client.Close)
		return redisstore.New(redisstore.Config{Client: client, Logger: a.logger})
	default:
		return sqlstore.New(sqlstore.Config{Database: a.db, Logger: a.logger})
	}
}
