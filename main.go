package main

import (
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"meetscribe/internal/api"
	"meetscribe/internal/auth"
	"meetscribe/internal/config"
	"meetscribe/internal/engine"
	"meetscribe/internal/execx"
	"meetscribe/internal/logging"
	"meetscribe/internal/media"
	"meetscribe/internal/pipeline"
	"meetscribe/internal/redis"
	"meetscribe/internal/service/meeting"
	"meetscribe/internal/storage"
	"meetscribe/internal/worker"
)

func main() {
	cfgPath := os.Getenv("MEETSCRIBE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		bootLog := logging.New("info")
		bootLog.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.BasicConfig.LogLevel)

	dbType := os.Getenv("MEETSCRIBE_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("db_type", dbType).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	// The report cache is optional. Without redis every public read hits
	// the database.
	rdb, err := redis.NewClient(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, running without report cache")
		rdb = nil
	} else {
		defer rdb.Close()
	}

	meetings := meeting.NewService(db, rdb)
	authSvc := auth.NewService(db, 24*time.Hour)

	runner := execx.New()
	orch := pipeline.NewOrchestrator(
		meetings,
		media.NewNormalizer(runner, cfg.Engine.FFmpegBin),
		engine.NewTranscriber(runner, cfg.Engine),
		engine.NewSummarizer(runner, cfg.Engine),
		engine.NewExtractor(runner, cfg.Engine),
		time.Duration(cfg.Engine.StepTimeoutMin)*time.Minute,
		log,
	)

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:        cfg.BasicConfig.MinWorkers,
		MaxWorkers:        cfg.BasicConfig.MaxWorkers,
		QueueSize:         cfg.BasicConfig.QueueSize,
		WorkerIdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, orch)

	fileBase := cfg.BasicConfig.FileBaseDir
	if fileBase == "" {
		fileBase = "./data/uploads"
	}
	if err := os.MkdirAll(fileBase, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", fileBase).Msg("create upload directory")
	}

	handlers := api.NewHandler(meetings, authSvc, dispatcher,
		fileBase, cfg.BasicConfig.PublicBaseURL, cfg.BasicConfig.MaxUploadMB, log)

	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	log.Info().Str("addr", addr).Msg("meetscribe listening")
	if err := router.Run(addr); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
