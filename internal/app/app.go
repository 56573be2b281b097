// Package app builds and runs the ingestion service: it wires configuration
// into stores, fetchers, the pipeline, the worker pool, and the HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/ragline/ragline/internal/api"
	"github.com/ragline/ragline/internal/clock/system"
	"github.com/ragline/ragline/internal/config"
	"github.com/ragline/ragline/internal/crawl"
	embedopenai "github.com/ragline/ragline/internal/embed/openai"
	headlessfetcher "github.com/ragline/ragline/internal/fetcher/headless"
	"github.com/ragline/ragline/internal/fetcher/httpfetch"
	"github.com/ragline/ragline/internal/fetcher/promote"
	"github.com/ragline/ragline/internal/hash/sha256"
	"github.com/ragline/ragline/internal/headless/detector"
	"github.com/ragline/ragline/internal/id/uuid"
	"github.com/ragline/ragline/internal/ingest"
	"github.com/ragline/ragline/internal/logging"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/pipeline"
	"github.com/ragline/ragline/internal/progress"
	progresssinks "github.com/ragline/ragline/internal/progress/sinks"
	memorypublisher "github.com/ragline/ragline/internal/publisher/memory"
	pubsubpublisher "github.com/ragline/ragline/internal/publisher/pubsub"
	queuememory "github.com/ragline/ragline/internal/queue/memory"
	"github.com/ragline/ragline/internal/robots"
	"github.com/ragline/ragline/internal/router"
	gcsstorage "github.com/ragline/ragline/internal/storage/gcs"
	localstorage "github.com/ragline/ragline/internal/storage/local"
	memorystorage "github.com/ragline/ragline/internal/storage/memory"
	memorystore "github.com/ragline/ragline/internal/store/memory"
	pgstore "github.com/ragline/ragline/internal/store/postgres"
	memoryindex "github.com/ragline/ragline/internal/vectorstore/memory"
	qdrantindex "github.com/ragline/ragline/internal/vectorstore/qdrant"
	"github.com/ragline/ragline/internal/vectorsync"
	visionopenai "github.com/ragline/ragline/internal/vision/openai"
	"github.com/ragline/ragline/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer   *api.Server
	worker      *worker.Worker
	queue       *queuememory.Queue
	progressHub *progress.Hub
	crawler     *crawl.Orchestrator
	crawls      ingest.CrawlStore

	pubsubClient *pubsub.Client
	gcsClient    *storage.Client
	headless     *headlessfetcher.Fetcher
	pgCrawls     *pgstore.CrawlStore
	pgDocs       *pgstore.DocumentStore
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies")

	crawls, docs, err := app.setupStores(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupBlobStorage(ctx)
	if err != nil {
		return nil, err
	}
	pub, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	index, err := app.setupVectorIndex()
	if err != nil {
		return nil, err
	}
	emitter, err := app.setupProgress(ctx)
	if err != nil {
		return nil, err
	}

	app.queue = queuememory.NewQueue(cfg.Crawler.QueueDepth)
	clock := system.New()
	ids := uuid.NewUUIDGenerator()
	hasher := sha256.New()

	embedder, err := embedopenai.New(embedopenai.Config{
		BaseURL: cfg.Embedding.BaseURL,
		Token:   cfg.Embedding.Token,
		Model:   cfg.Embedding.Model,
	}, logger.Named("embed"))
	if err != nil {
		return nil, fmt.Errorf("embedder init failed: %w", err)
	}
	vision, err := visionopenai.New(visionopenai.Config{
		BaseURL: cfg.Vision.BaseURL,
		Token:   cfg.Vision.Token,
		Model:   cfg.Vision.Model,
	}, logger.Named("vision"))
	if err != nil {
		return nil, fmt.Errorf("vision client init failed: %w", err)
	}

	syncer := vectorsync.New(docs, index, embedder, ids, logger.Named("vectorsync"))
	chunkEmbed, err := pipeline.NewChunkEmbed(
		docs,
		blobs,
		index,
		embedder,
		syncer,
		hasher,
		ids,
		cfg.Pipeline.EmbedPoolSize,
		logger.Named("chunk_embed"),
	)
	if err != nil {
		return nil, fmt.Errorf("chunk embed init failed: %w", err)
	}
	pl := pipeline.New(docs, app.queue, clock, pub, logger.Named("pipeline"),
		pipeline.NewHTMLToMarkdown(blobs),
		pipeline.NewPDFToImages(blobs, nil, pipeline.PDFConfig{
			Tool: cfg.Pipeline.PDFTool,
			DPI:  cfg.Pipeline.PDFRenderDPI,
		}),
		pipeline.NewImagesToMarkdown(blobs, vision),
		chunkEmbed,
	)

	fetcher := app.setupFetcher()
	orch := crawl.New(
		crawls,
		docs,
		blobs,
		app.queue,
		fetcher,
		bypassFetcher(app.headless),
		func(c ingest.Crawl) ingest.RobotsPolicy {
			return robots.New(c.RespectRobots, cfg.Crawler.UserAgent, logger.Named("robots"))
		},
		hasher,
		clock,
		ids,
		crawl.Config{
			UserAgent:          cfg.Crawler.UserAgent,
			MaxContentBytes:    cfg.Crawler.MaxContentBytes,
			RetryBudget:        cfg.Crawler.RetryBudget,
			RetryBackoff:       time.Duration(cfg.Crawler.RetryBackoffMs) * time.Millisecond,
			ForbiddenThreshold: cfg.Crawler.ForbiddenThreshold,
		},
		logger.Named("crawl"),
	)
	rt := router.New(crawls, docs, app.queue, ids, clock, logger.Named("router"))
	if emitter != nil {
		orch.SetProgress(emitter)
		rt.SetProgress(emitter)
	}

	app.worker = worker.New(app.queue, worker.Config{Concurrency: cfg.Worker.Concurrency}, logger.Named("worker"))
	app.worker.Register(ingest.TaskCrawlFetch, orch.HandleFetch)
	app.worker.Register(ingest.TaskRouteContent, rt.HandleRoute)
	app.worker.Register(ingest.TaskPipelineStep, pl.HandleStep)

	apiCfg := api.Config{
		RequestTimeout:  cfg.RequestTimeout(),
		MaxDepthDefault: cfg.Crawler.MaxDepthDefault,
		MaxPagesDefault: cfg.Crawler.MaxPagesDefault,
		DelayDefault:    cfg.CrawlDelay(),
	}
	if cfg.Auth.Enabled {
		apiCfg.APIKey = cfg.Auth.APIKey
	}
	app.apiServer = api.NewServer(crawls, docs, orch, rt, pl, apiCfg, logger.Named("api"))
	app.crawler = orch
	app.crawls = crawls

	return app, nil
}

// Crawler exposes the crawl orchestrator for CLI-driven campaigns.
func (a *App) Crawler() *crawl.Orchestrator {
	return a.crawler
}

// CrawlStore exposes the crawl store for CLI status polling.
func (a *App) CrawlStore() ingest.CrawlStore {
	return a.crawls
}

// RunWorkers starts only the task consumption loop, without the HTTP server.
func (a *App) RunWorkers(ctx context.Context) {
	a.worker.Run(ctx)
}

// Run starts the worker pool and HTTP server, blocking until the context is
// canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("worker pool started", zap.Int("concurrency", a.cfg.Worker.Concurrency))
		a.worker.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgCrawls != nil {
		a.pgCrawls.Close()
	}
	if a.pgDocs != nil {
		a.pgDocs.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) setupStores(ctx context.Context) (ingest.CrawlStore, ingest.DocumentStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("using in-memory stores")
		return memorystore.NewCrawlStore(), memorystore.NewDocumentStore(), nil
	}
	a.logger.Info("connecting to postgres")
	var err error
	a.pgCrawls, err = pgstore.NewCrawlStore(ctx, a.cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("crawl store init failed: %w", err)
	}
	a.pgDocs, err = pgstore.NewDocumentStore(ctx, a.cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("document store init failed: %w", err)
	}
	return a.pgCrawls, a.pgDocs, nil
}

func (a *App) setupBlobStorage(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		var err error
		a.gcsClient, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("dir", a.cfg.Storage.LocalDir))
		blobs, err := localstorage.New(a.cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.New(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized", zap.String("project", a.cfg.PubSub.ProjectID))
	return pubsubpublisher.New(a.pubsubClient), nil
}

func (a *App) setupVectorIndex() (ingest.VectorIndex, error) {
	if a.cfg.Qdrant.Host == "" {
		a.logger.Info("using in-memory vector index")
		return memoryindex.New(), nil
	}
	index, err := qdrantindex.New(qdrantindex.Config{
		Host:   a.cfg.Qdrant.Host,
		Port:   a.cfg.Qdrant.Port,
		APIKey: a.cfg.Qdrant.APIKey,
		UseTLS: a.cfg.Qdrant.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant init failed: %w", err)
	}
	a.logger.Info("qdrant vector index initialized",
		zap.String("host", a.cfg.Qdrant.Host),
		zap.Int("port", a.cfg.Qdrant.Port),
	)
	return index, nil
}

func (a *App) setupProgress(ctx context.Context) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if a.cfg.Logging.Development {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress")))
	}
	a.progressHub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	return a.progressHub, nil
}

func (a *App) setupFetcher() ingest.Fetcher {
	probe := httpfetch.New(httpfetch.Config{
		UserAgent: a.cfg.Crawler.UserAgent,
		Timeout:   time.Duration(a.cfg.Crawler.TimeoutSeconds) * time.Second,
		MaxBody:   a.cfg.Crawler.MaxContentBytes,
	})
	if !a.cfg.Headless.Enabled {
		return probe
	}
	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.Crawler.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		a.logger.Warn("headless fetcher init failed; probe only", zap.Error(err))
		return probe
	}
	a.headless = headless
	a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	return promote.New(
		probe,
		headless,
		detector.NewHeuristic(a.cfg.Headless.PromotionThresh),
		a.logger.Named("promote"),
	)
}

// bypassFetcher keeps the orchestrator's bypass slot nil-safe: a typed nil
// pointer must not become a non-nil interface.
func bypassFetcher(f *headlessfetcher.Fetcher) ingest.Fetcher {
	if f == nil {
		return nil
	}
	return f
}
