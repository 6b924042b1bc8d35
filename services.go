package main

import (
	"context"
	"net/http"

	"github.com/Yulian302/lfusys-services-ingest/caching"
	"github.com/Yulian302/lfusys-services-ingest/config"
	"github.com/Yulian302/lfusys-services-ingest/handlers"
	"github.com/Yulian302/lfusys-services-ingest/health"
	"github.com/Yulian302/lfusys-services-ingest/queues"
	"github.com/Yulian302/lfusys-services-ingest/services"
	"github.com/Yulian302/lfusys-services-ingest/store"
)

type Stores struct {
	objects  store.ObjectStore
	files    store.FileStore
	sessions store.SessionStore
}

type Services struct {
	Sessions  services.SessionManager
	Chunks    services.ChunkIngestor
	Files     services.FileService
	Reaper    *services.SessionReaper
	Publisher queues.UploadsPublisher

	Stores *Stores
	Checks []health.ReadinessCheck

	Router http.Handler
}

type Shutdowner interface {
	Shutdown(context.Context) error
}

func BuildServices(ctx context.Context, app *App) (*Services, error) {
	stores, err := buildStores(ctx, app)
	if err != nil {
		return nil, err
	}

	var cachingSvc caching.CachingService = caching.NewNullCachingService()
	if app.Redis != nil {
		cachingSvc = caching.NewRedisCachingService(app.Redis)
	}

	var publisher queues.UploadsPublisher = queues.NewNullUploadsPublisher()
	if queueUrl := app.Config.QueueURL(); queueUrl != "" {
		publisher = queues.NewSqsUploadsPublisherImpl(app.Sqs, queueUrl)
	}

	svcCfg := app.Config.ServiceConfig
	ingestCfg := services.IngestConfig{
		MaxFileSize:       svcCfg.MaxFileSize,
		MaxChunkSize:      svcCfg.MaxChunkSize,
		SessionTTL:        svcCfg.SessionTTL,
		ChunkWriteTimeout: svcCfg.ChunkWriteTimeout,
	}

	sessionMgr := services.NewSessionManagerImpl(
		stores.objects,
		stores.files,
		stores.sessions,
		cachingSvc,
		publisher,
		ingestCfg,
		app.Logger.With("component", "sessions"),
	)
	ingestor := services.NewChunkIngestorImpl(sessionMgr, app.Logger.With("component", "chunks"))
	fileSvc := services.NewFileServiceImpl(stores.files, stores.objects, cachingSvc, svcCfg.DownloadURLTTL, app.Logger.With("component", "files"))
	reaper := services.NewSessionReaper(ctx, sessionMgr, svcCfg.ReaperInterval, app.Logger.With("component", "reaper"))

	checks := []health.ReadinessCheck{stores.objects, stores.files, stores.sessions}
	if app.Redis != nil {
		checks = append(checks, cachingSvc)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Sessions:     sessionMgr,
		Chunks:       ingestor,
		Files:        fileSvc,
		Checks:       checks,
		MaxChunkSize: svcCfg.MaxChunkSize,
		Logger:       app.Logger.With("component", "http"),
	})

	return &Services{
		Sessions:  sessionMgr,
		Chunks:    ingestor,
		Files:     fileSvc,
		Reaper:    reaper,
		Publisher: publisher,

		Stores: stores,
		Checks: checks,

		Router: router,
	}, nil
}

func buildStores(ctx context.Context, app *App) (*Stores, error) {
	cfg := app.Config
	s := &Stores{}

	switch cfg.StorageConfig.Backend {
	case config.StorageS3:
		s.objects = store.NewS3ObjectStoreImplWithThreshold(
			app.S3,
			cfg.StorageConfig.Bucket,
			cfg.ServiceConfig.MultipartThreshold,
			app.Logger.With("component", "objects"),
		)
	case config.StorageMinio:
		objects, err := store.NewMinioObjectStoreImpl(store.MinioConfig{
			Endpoint:  cfg.StorageConfig.MinioEndpoint,
			Region:    cfg.AWSConfig.Region,
			Bucket:    cfg.StorageConfig.Bucket,
			AccessKey: cfg.StorageConfig.MinioAccessKey,
			SecretKey: cfg.StorageConfig.MinioSecretKey,
			UseSSL:    cfg.StorageConfig.MinioUseSSL,
		}, app.Logger.With("component", "objects"))
		if err != nil {
			return nil, err
		}
		s.objects = objects
	default:
		s.objects = store.NewMemoryObjectStoreImpl()
	}

	switch cfg.ServiceConfig.MetadataBackend {
	case config.BackendDynamoDB:
		s.files = store.NewDynamoDbFileStoreImpl(app.DynamoDB, cfg.DynamoDBConfig.FilesTableName)
	case config.BackendPostgres:
		files, err := store.NewPostgresFileStoreImpl(ctx, cfg.PostgresConfig.DSN, cfg.PostgresConfig.Schema, app.Logger.With("component", "files"))
		if err != nil {
			return nil, err
		}
		s.files = files
	default:
		s.files = store.NewMemoryFileStoreImpl()
	}

	switch cfg.ServiceConfig.SessionBackend {
	case config.BackendDynamoDB:
		s.sessions = store.NewDynamoDbSessionStoreImpl(app.DynamoDB, cfg.DynamoDBConfig.UploadsTableName)
	default:
		s.sessions = store.NewMemorySessionStoreImpl()
	}

	return s, nil
}

func (s *Services) Shutdown(ctx context.Context) error {
	if s.Reaper != nil {
		if err := s.Reaper.Shutdown(ctx); err != nil {
			return err
		}
	}

	if s.Stores != nil {
		return s.Stores.Shutdown(ctx)
	}
	return nil
}

func (s *Stores) Shutdown(ctx context.Context) error {
	closeIfPossible := func(v any) error {
		if sh, ok := v.(Shutdowner); ok {
			return sh.Shutdown(ctx)
		}
		if c, ok := v.(interface{ Close() }); ok {
			c.Close()
		}
		return nil
	}

	for _, v := range []any{s.objects, s.files, s.sessions} {
		if err := closeIfPossible(v); err != nil {
			return err
		}
	}
	return nil
}
