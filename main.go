package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/api"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/config"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/conversation"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/ingestion"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/knowledge"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/metrics"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/redis"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/service/ai"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/speech"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/storage"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/token"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("SOULECHO_CONFIG"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)

	if err := run(cfg); err != nil {
		slog.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbType := os.Getenv("SOULECHO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	slog.Info("opening database", "type", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return err
	}
	store := storage.NewStore(db, dbType)

	m := metrics.New(prometheus.DefaultRegisterer)

	tokens, err := token.NewCache(ctx,
		token.NewHTTPIssuer(cfg.Credential.Endpoint, nil),
		cfg.Credential.AccessKeyID,
		cfg.Credential.AccessKeySecret,
		token.WithAdvanceWindow(cfg.Credential.AdvanceWindowDuration()),
		token.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	chatModel, err := ai.NewChatModel(ctx, cfg.LLMProvider, cfg.Providers[cfg.LLMProvider])
	if err != nil {
		return err
	}

	var (
		knowledgeStore conversation.KnowledgeStore
		knowledgeCache *knowledge.CachedStore
	)
	if cfg.Knowledge.SearchURL != "" {
		var base knowledge.Store = knowledge.NewHTTPStore(cfg.Knowledge, nil)
		knowledgeStore = base
		if cfg.Redis.Host != "" {
			rdb, err := redis.NewClient(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()
			knowledgeCache = knowledge.NewCachedStore(base, rdb, cfg.Redis.KnowledgeTTLDuration(),
				knowledge.WithSearchTimeout(cfg.Knowledge.TimeoutDuration()))
			knowledgeStore = knowledgeCache
		}
	}

	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.Conversation.MinWorkers,
		MaxWorkers:  cfg.Conversation.MaxWorkers,
		QueueSize:   cfg.Conversation.QueueSize,
		IdleTimeout: cfg.Conversation.WorkerIdleDuration(),
	})
	defer dispatcher.Stop()

	orchestrator, err := conversation.New(conversation.Config{
		HistoryLimit:     cfg.Conversation.HistoryLimit,
		TurnTimeout:      cfg.Conversation.TurnTimeoutDuration(),
		KnowledgeTimeout: cfg.Knowledge.TimeoutDuration(),
		FallbackReply:    cfg.Conversation.FallbackReply,
	}, conversation.Dependencies{
		Model:       ai.NewChatService(chatModel),
		Recognizer:  speech.NewRecognizer(cfg.Speech, tokens, nil),
		Synthesizer: speech.NewSynthesizer(cfg.Speech, tokens),
		Knowledge:   knowledgeStore,
		Dispatcher:  dispatcher,
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	var notifier ingestion.StatusNotifier
	if len(cfg.Kafka.Brokers) > 0 {
		kn := ingestion.NewKafkaNotifier(cfg.Kafka)
		defer kn.Close()
		notifier = kn
	}

	remote := ingestion.NewHTTPRemote(cfg.Ingestion, nil)
	pipeline, err := ingestion.NewPipeline(store, remote,
		ingestion.WithWorkers(cfg.Ingestion.Workers),
		ingestion.WithQueueSize(cfg.Ingestion.QueueSize),
		ingestion.WithCallTimeout(cfg.Ingestion.CallTimeoutDuration()),
		ingestion.WithNotifier(notifier),
		ingestion.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer pipeline.Release()

	monitor := ingestion.NewIndexMonitor(store, remote,
		cfg.Ingestion.MonitorIntervalDuration(), cfg.Ingestion.CallTimeoutDuration(), notifier, m)
	if knowledgeCache != nil {
		monitor.OnCompleted(func(ctx context.Context, job *models.IngestionJob) {
			character, err := store.GetCharacter(ctx, job.CharacterID)
			if err != nil {
				slog.Warn("resolve character for cache invalidation", "job_id", job.ID, "error", err)
				return
			}
			if _, err := knowledgeCache.Invalidate(ctx, character.Name); err != nil {
				slog.Warn("invalidate knowledge cache", "character", character.Name, "error", err)
			}
		})
	}
	janitor := ingestion.NewJanitor(store, pipeline, cfg.Ingestion.StaleJobTTLDuration(), notifier, m)

	handler := api.NewHandler(api.Dependencies{
		Characters:    store,
		Jobs:          store,
		Ingestion:     pipeline,
		Conversations: orchestrator,
		Tokens:        tokens,
		UploadDir:     cfg.BasicConfig.UploadDir,
		AdminKey:      cfg.BasicConfig.AdminKey,
	})
	router := gin.Default()
	handler.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{Addr: addr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tokens.Run(gctx, cfg.Credential.InitialDelayDuration(), cfg.Credential.RefreshIntervalDuration())
		return nil
	})
	g.Go(func() error {
		return monitor.Run(gctx)
	})
	g.Go(func() error {
		// one sweep at startup picks up jobs orphaned by the previous process
		if n, err := janitor.SweepOnce(gctx); err != nil {
			slog.Warn("startup stale job sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("failed stale jobs from previous run", "count", n)
		}
		return janitor.Run(gctx, ingestion.DefaultSweepInterval)
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
