package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/amankumarsingh77/comfyui-router/internal/cleanup"
	"github.com/amankumarsingh77/comfyui-router/internal/comfy"
	"github.com/amankumarsingh77/comfyui-router/internal/config"
	"github.com/amankumarsingh77/comfyui-router/internal/output"
	outputRepo "github.com/amankumarsingh77/comfyui-router/internal/output/repository"
	"github.com/amankumarsingh77/comfyui-router/internal/probe"
	"github.com/amankumarsingh77/comfyui-router/internal/runs"
	runsRepo "github.com/amankumarsingh77/comfyui-router/internal/runs/repository"
	"github.com/amankumarsingh77/comfyui-router/internal/transcode"
	"github.com/amankumarsingh77/comfyui-router/internal/worker"
	"github.com/amankumarsingh77/comfyui-router/internal/workflow"
	"github.com/amankumarsingh77/comfyui-router/pkg/db/aws"
	"github.com/amankumarsingh77/comfyui-router/pkg/db/postgres"
	clientRedis "github.com/amankumarsingh77/comfyui-router/pkg/db/redis"
	"github.com/amankumarsingh77/comfyui-router/pkg/execx"
	"github.com/amankumarsingh77/comfyui-router/pkg/logger"
)

// app holds everything a command needs, built from one config file.
type app struct {
	cfg     *config.Config
	logger  logger.Logger
	client  *comfy.Client
	history runs.Repository

	redisClient *redis.Client
	psqlDB      *sqlx.DB
}

// newApp loads the config and the logger. Pipeline wiring is left to
// processor so commands that only talk to ComfyUI or the database stay
// cheap.
func newApp(ctx context.Context, configFile string) (*app, error) {
	cfgFile, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("loadConfig: %w", err)
	}
	cfg, err := config.ParseConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("parseConfig: %w", err)
	}

	appLogger := logger.NewApiLogger(cfg)
	if err := appLogger.InitLogger(); err != nil {
		return nil, fmt.Errorf("initLogger: %w", err)
	}
	appLogger.Infof("AppVersion: %s, LogLevel: %s, Mode: %s", cfg.Server.AppVersion, cfg.Logger.Level, cfg.Server.Mode)

	a := &app{
		cfg:     cfg,
		logger:  appLogger,
		client:  comfy.NewClient(cfg.Comfy, cfg.Polling, appLogger),
		history: runsRepo.NewNopRunRepo(),
	}

	if cfg.PostgresEnabled() {
		psqlDB, err := postgres.NewPsqlDB(ctx, cfg)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("could not connect to db: %w", err)
		}
		appLogger.Infof("db connected, status: %#v", psqlDB.Stats())
		a.psqlDB = psqlDB
		a.history = runsRepo.NewRunRepo(psqlDB)
	}
	return a, nil
}

// processor wires the full pipeline.
func (a *app) processor(ctx context.Context) (*worker.Processor, error) {
	cfg := a.cfg

	templates, err := workflow.LoadTemplates(cfg.Workflows.Dir, cfg.Workflows.Names())
	if err != nil {
		return nil, err
	}
	a.logger.Infof("loaded %d workflow templates from %s", len(templates), cfg.Workflows.Dir)

	locks := runsRepo.NewLocalLockRepo()
	if cfg.RedisEnabled() {
		redisClient, err := clientRedis.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("could not connect to redis: %w", err)
		}
		a.logger.Infof("redis connected")
		a.redisClient = redisClient
		locks = runsRepo.NewRunRedisRepo(redisClient)
	}

	backend, err := a.outputBackend(ctx)
	if err != nil {
		return nil, err
	}

	runner := execx.NewExecRunner()
	return worker.NewProcessor(cfg, a.logger, worker.Deps{
		Prober:       probe.NewProber(runner, "ffprobe"),
		Selector:     workflow.NewSelector(cfg.Workflows, templates),
		Client:       a.client,
		Synchronizer: output.NewSynchronizer(backend, cfg.Output, cfg.Polling.Visibility, a.logger),
		Transcoder:   transcode.NewTranscoder(runner, "ffmpeg", cfg.Transcode, a.logger),
		Cleaner:      cleanup.NewCleaner(cfg.Paths.TrashDir, a.logger),
		Locks:        locks,
		History:      a.history,
	}), nil
}

func (a *app) outputBackend(ctx context.Context) (output.Backend, error) {
	cfg := a.cfg
	switch cfg.Output.Backend {
	case config.BackendHTTP:
		return outputRepo.NewHTTPRepository(a.client, cfg.Paths.WorkDir), nil
	case config.BackendS3:
		s3Client, err := aws.NewS3Client(ctx, cfg.S3.Endpoint, cfg.S3.Region, cfg.S3.AccessKey, cfg.S3.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("could not connect to s3: %w", err)
		}
		return outputRepo.NewAwsRepository(s3Client, cfg.Output.S3Bucket, cfg.Output.S3Prefix, cfg.Paths.WorkDir), nil
	default:
		return outputRepo.NewLocalRepository(cfg.Paths.OutputDir), nil
	}
}

func (a *app) close() {
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.psqlDB != nil {
		_ = a.psqlDB.Close()
	}
	_ = a.logger.Sync()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
