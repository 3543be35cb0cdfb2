package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ozank/scholarharvest/internal/api"
	"github.com/ozank/scholarharvest/internal/batch"
	"github.com/ozank/scholarharvest/internal/clock/system"
	"github.com/ozank/scholarharvest/internal/config"
	"github.com/ozank/scholarharvest/internal/dedup"
	"github.com/ozank/scholarharvest/internal/discovery"
	"github.com/ozank/scholarharvest/internal/extractor"
	"github.com/ozank/scholarharvest/internal/extractor/htmlindex"
	"github.com/ozank/scholarharvest/internal/extractor/jsonapi"
	collyfetcher "github.com/ozank/scholarharvest/internal/fetcher/colly"
	headlessfetcher "github.com/ozank/scholarharvest/internal/fetcher/headless"
	"github.com/ozank/scholarharvest/internal/governor"
	"github.com/ozank/scholarharvest/internal/harvest"
	"github.com/ozank/scholarharvest/internal/headless/detector"
	"github.com/ozank/scholarharvest/internal/id/uuid"
	"github.com/ozank/scholarharvest/internal/logging"
	"github.com/ozank/scholarharvest/internal/progress"
	"github.com/ozank/scholarharvest/internal/progress/sinks"
	memorypublisher "github.com/ozank/scholarharvest/internal/publisher/memory"
	gcppublisher "github.com/ozank/scholarharvest/internal/publisher/pubsub"
	"github.com/ozank/scholarharvest/internal/scheduler"
	"github.com/ozank/scholarharvest/internal/storage/gcs"
	"github.com/ozank/scholarharvest/internal/storage/local"
	memorystorage "github.com/ozank/scholarharvest/internal/storage/memory"
	"github.com/ozank/scholarharvest/internal/storage/postgres"
	"github.com/ozank/scholarharvest/internal/store"
	"github.com/ozank/scholarharvest/internal/tracker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg, logger); err != nil {
		logger.Error("harvester failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.NewUUIDGenerator()

	runID, err := ids.NewRawID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	binID := progress.UUIDToBytes(runID)

	artifacts, batchPrefix, err := openArtifactStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}

	var ledger store.RunRepository
	if cfg.DB.DSN != "" {
		runStore, storeErr := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxConns),
			MinConns: int32(cfg.DB.MinConns),
		})
		if storeErr != nil {
			return fmt.Errorf("open run ledger: %w", storeErr)
		}
		defer runStore.Close()
		ledger = runStore
	}

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	sinkList := []progress.Sink{sinks.NewLogSink(logger.Named("progress")), promSink}
	if ledger != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(ledger, logger.Named("ledger")))
	}
	hub := progress.NewHub(progress.Config{BaseContext: ctx, Logger: logger.Named("hub")}, sinkList...)

	var publisher harvest.Publisher = memorypublisher.New()
	if cfg.PubSub.ProjectID != "" {
		psClient, psErr := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if psErr != nil {
			return fmt.Errorf("create pubsub client: %w", psErr)
		}
		gcPub := gcppublisher.New(psClient)
		defer gcPub.Close()
		publisher = gcPub
	}

	flushHook := func(a batch.Artifact) {
		hub.Emit(progress.Event{
			RunID:   binID,
			TS:      a.At,
			Stage:   progress.StageFlushDone,
			Records: int64(a.Records),
			Bytes:   a.Bytes,
			Note:    a.URI,
		})
		if cfg.PubSub.TopicName == "" {
			return
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, pubErr := publisher.Publish(pubCtx, cfg.PubSub.TopicName, map[string]any{
			"run_id":  runID.String(),
			"uri":     a.URI,
			"records": a.Records,
			"bytes":   a.Bytes,
		}); pubErr != nil {
			logger.Warn("artifact notification failed", zap.String("uri", a.URI), zap.Error(pubErr))
		}
	}

	batchMgr := batch.NewManager(batch.Config{
		Prefix:      batchPrefix,
		FlushSize:   cfg.Batch.FlushSize,
		BackupEvery: cfg.Batch.BackupEvery,
		ContentType: cfg.Batch.ContentType,
	}, artifacts, clock, logger.Named("batch"), batch.WithFlushHook(flushHook))

	gov := governor.New(governor.Config{
		PolitenessDelay:    cfg.PolitenessDelay(),
		RetryCount:         cfg.HTTP.RetryCount,
		Backoff:            time.Duration(cfg.HTTP.BackoffMs) * time.Millisecond,
		RateLimitedBackoff: time.Duration(cfg.HTTP.RateLimitedBackoffMs) * time.Millisecond,
		Burst:              cfg.HTTP.Burst,
	}, logger.Named("governor"))

	trk := tracker.New(tracker.Config{
		Path:   cfg.Checkpoint.Path,
		Every:  cfg.Checkpoint.Every,
		Window: cfg.Checkpoint.Window,
	}, clock, logger.Named("tracker"))

	var prior tracker.Checkpoint
	index := dedup.NewIndex()
	if cfg.Harvest.Resume {
		cp, found, cpErr := tracker.Load(cfg.Checkpoint.Path)
		if cpErr != nil {
			return fmt.Errorf("load checkpoint: %w", cpErr)
		}
		if found {
			prior = cp
			logger.Info("resuming from checkpoint",
				zap.Int("targets_done", len(cp.TargetsDone)),
				zap.Time("written_at", cp.Timestamp),
			)
		}
		if n, loadErr := loadDedupSnapshot(index, cfg.Checkpoint.Path); loadErr != nil {
			logger.Warn("dedup snapshot load failed", zap.Error(loadErr))
		} else if n > 0 {
			logger.Info("dedup index restored", zap.Int("identities", n))
		}
	}

	probeFetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Harvest.UserAgent,
		RespectRobots: cfg.Harvest.RespectRobots,
		Timeout:       cfg.RequestTimeout(),
	})
	var headless harvest.Fetcher
	headlessFetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         cfg.Harvest.UserAgent,
		NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		logger.Warn("headless fetcher init failed, sharded targets degrade to plain fetches", zap.Error(err))
	} else {
		headless = headlessFetcher
	}

	extract := extractor.NewRouter(
		jsonapi.Config{
			IDPath: "id",
			Fields: map[string]string{
				"title":    "bibjson.title",
				"authors":  "bibjson.author.name",
				"journal":  "bibjson.journal.title",
				"year":     "bibjson.year",
				"doi":      "bibjson.identifier.id",
				"abstract": "bibjson.abstract",
			},
			MaxPages: cfg.Discovery.MaxPages,
			Clock:    clock,
		},
		htmlindex.Config{
			ArticlePattern: "/article",
			IndexPattern:   "/issue",
			Clock:          clock,
		},
	)

	orch, err := scheduler.New(scheduler.Config{
		ProcessCount:       cfg.Harvest.ProcessCount,
		MaxConcurrent:      int64(cfg.Harvest.MaxConcurrent),
		SubBatchSize:       cfg.Harvest.SubBatchSize,
		TargetFailureLimit: cfg.Harvest.TargetFailureLimit,
	}, scheduler.Deps{
		Fetcher:   probeFetcher,
		Headless:  headless,
		Detector:  detector.NewHeuristic(cfg.Headless.PromotionThresh),
		Extractor: extract,
		Dedup:     index,
		Sink:      batchMgr,
		Governor:  gov,
		Tracker:   trk,
		Emitter:   hub,
		Clock:     clock,
		Logger:    logger.Named("scheduler"),
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	apiServer := api.NewServer(trk, batchMgr, ledger, registry, api.Config{
		RequestTimeout: time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
		Auth:           api.AuthConfig{Enabled: cfg.Auth.Enabled, APIKey: cfg.Auth.APIKey},
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if srvErr := srv.ListenAndServe(); srvErr != nil && !errors.Is(srvErr, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(srvErr))
			stop()
		}
	}()

	runDone := make(chan error, 1)
	go func() {
		defer stop()
		targets := make([]harvest.Target, 0, len(cfg.Targets))
		gather := func(t harvest.Target) { targets = append(targets, t) }
		if discErr := discovery.NewStatic(cfg.HarvestTargets()).Discover(ctx, gather); discErr != nil {
			runDone <- fmt.Errorf("discover targets: %w", discErr)
			return
		}
		if cfg.Discovery.IndexURL != "" {
			paged := discovery.NewPaged(discovery.PagedConfig{
				Locator: func(page int) string {
					loc, locErr := harvest.WithPage(cfg.Discovery.IndexURL, page)
					if locErr != nil {
						return cfg.Discovery.IndexURL
					}
					return loc
				},
				MaxPages:    cfg.Discovery.MaxPages,
				PageRetries: cfg.Discovery.PageRetries,
				RetryDelay:  time.Duration(cfg.Discovery.RetryDelayMs) * time.Millisecond,
			}, probeFetcher, discovery.NewHTMLTargets(discovery.HTMLTargetsConfig{
				Base:           cfg.Discovery.IndexURL,
				Pattern:        cfg.Discovery.TargetPattern,
				EstimatedUnits: cfg.Discovery.TargetEstimatedUnits,
			}), logger.Named("discovery"))
			if discErr := paged.Discover(ctx, gather); discErr != nil {
				runDone <- fmt.Errorf("discover targets: %w", discErr)
				return
			}
		}
		counters, orchErr := orch.Run(ctx, runID, targets, prior)
		if orchErr != nil {
			runDone <- orchErr
			return
		}
		logger.Info("harvest complete",
			zap.Int("targets_done", counters.TargetsDone),
			zap.Int("targets_skipped", counters.TargetsSkipped),
			zap.Int("records_accepted", counters.Accepted),
			zap.Int("records_duplicate", counters.Duplicates),
		)
		runDone <- nil
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := trk.WriteCheckpoint(); err != nil {
		logger.Error("final checkpoint failed", zap.Error(err))
	}
	if err := saveDedupSnapshot(index, cfg.Checkpoint.Path); err != nil {
		logger.Error("dedup snapshot failed", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	select {
	case err := <-runDone:
		return err
	default:
		// Interrupted before the run finished; the checkpoint covers resume.
		return nil
	}
}

// openArtifactStore selects the artifact backend from the configured URI
// scheme and returns the store plus the object prefix flushes write under.
func openArtifactStore(ctx context.Context, cfg config.Config) (harvest.ArtifactStore, string, error) {
	u, err := url.Parse(cfg.Storage.ArtifactURI)
	if err != nil {
		return nil, "", fmt.Errorf("parse artifact uri: %w", err)
	}
	prefix := cfg.Batch.Prefix
	switch u.Scheme {
	case "gs":
		client, clientErr := gcstorage.NewClient(ctx)
		if clientErr != nil {
			return nil, "", fmt.Errorf("create storage client: %w", clientErr)
		}
		gcsStore, storeErr := gcs.New(client, gcs.Config{Bucket: u.Host})
		if storeErr != nil {
			return nil, "", storeErr
		}
		if p := strings.Trim(u.Path, "/"); p != "" {
			prefix = path.Join(p, prefix)
		}
		return gcsStore, prefix, nil
	case "file":
		// file://./artifacts keeps the relative spelling; file:///var/x
		// parses to an absolute path.
		localStore, storeErr := local.New(local.Config{BaseDir: u.Host + u.Path})
		if storeErr != nil {
			return nil, "", storeErr
		}
		return localStore, prefix, nil
	case "mem", "memory":
		return memorystorage.NewStore(), prefix, nil
	default:
		return nil, "", fmt.Errorf("unsupported artifact scheme %q", u.Scheme)
	}
}

func dedupSnapshotPath(checkpointPath string) string {
	return checkpointPath + ".dedup"
}

func loadDedupSnapshot(index *dedup.Index, checkpointPath string) (int, error) {
	f, err := os.Open(dedupSnapshotPath(checkpointPath))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open dedup snapshot: %w", err)
	}
	defer f.Close()
	n, err := index.Load(f)
	if err != nil {
		return 0, fmt.Errorf("load dedup snapshot: %w", err)
	}
	return n, nil
}

func saveDedupSnapshot(index *dedup.Index, checkpointPath string) error {
	tmp := dedupSnapshotPath(checkpointPath) + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create dedup snapshot: %w", err)
	}
	if err := index.Snapshot(f); err != nil {
		f.Close()
		return fmt.Errorf("write dedup snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close dedup snapshot: %w", err)
	}
	if err := os.Rename(tmp, dedupSnapshotPath(checkpointPath)); err != nil {
		return fmt.Errorf("replace dedup snapshot: %w", err)
	}
	return nil
}
