// Command worker runs the job orchestration core's Worker Loop (C3),
// claiming and dispatching every job type spec.md §4.3's Handler Registry
// names against the Postgres-backed Queue.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ashford-core/ashford-core/internal/adapter/ai/openrouter"
	"github.com/ashford-core/ashford-core/internal/approval"
	"github.com/ashford-core/ashford-core/internal/backfill"
	"github.com/ashford-core/ashford-core/internal/classifier"
	"github.com/ashford-core/ashford-core/internal/config"
	"github.com/ashford-core/ashford-core/internal/domain"
	"github.com/ashford-core/ashford-core/internal/executor"
	"github.com/ashford-core/ashford-core/internal/labelcache"
	"github.com/ashford-core/ashford-core/internal/labelsync"
	"github.com/ashford-core/ashford-core/internal/observability"
	"github.com/ashford-core/ashford-core/internal/outbound"
	"github.com/ashford-core/ashford-core/internal/queue"
	"github.com/ashford-core/ashford-core/internal/store/postgres"
	"github.com/ashford-core/ashford-core/internal/undo"
	"github.com/ashford-core/ashford-core/internal/unsnooze"
	"github.com/ashford-core/ashford-core/internal/worker"
)

// unconfiguredProvider is the placeholder ProviderFactory wired when no
// mail-provider client is available. MailProviderClient is an out-of-scope
// external collaborator (spec.md §1): an account-scoped Gmail client with
// its own OAuth token refresh, owned by whatever deployment wires this
// core to a real mailbox.
func unconfiguredProvider(ctx context.Context, accountID string) (domain.MailProviderClient, error) {
	return nil, domain.Fatal("no MailProviderClient configured for account " + accountID)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	actions := postgres.NewActionStore(pool)
	messages := postgres.NewMessageStore(pool)
	labels := postgres.NewLabelStore(pool)
	decisions := postgres.NewDecisionStore(pool)
	rules := postgres.NewRuleStore(pool)
	jobs := postgres.NewJobStore(pool)
	actionLinks := postgres.NewActionLinkStore(pool)

	q := queue.New(jobs)
	labelCache := labelcache.New(redisClient, cfg.LabelCacheTTL)
	llm := openrouter.New(cfg)

	exec := executor.New(actions, messages, labels, labelCache, q, unconfiguredProvider, cfg)
	undoEngine := undo.New(actions, actionLinks, messages, q, unconfiguredProvider, exec)
	cls := classifier.New(rules, decisions, actions, messages, q, llm, cfg)
	sync := labelsync.New(labels, labelCache, unconfiguredProvider)
	bf := backfill.New(q, unconfiguredProvider)
	send := outbound.New(actions, unconfiguredProvider)
	notif := approval.New(actions)
	unsnz := unsnooze.New(messages, unconfiguredProvider)

	registry := worker.Registry{
		domain.JobTypeClassify:        cls.Handle,
		domain.JobTypeActionGmail:     exec.Handle,
		domain.JobTypeUndoAction:      undoEngine.Handle,
		domain.JobTypeLabelsSyncGmail: sync.Handle,
		domain.JobTypeBackfillGmail:   bf.Handle,
		domain.JobTypeOutboundSend:    send.Handle,
		domain.JobTypeApprovalNotify:  notif.Handle,
		domain.JobTypeUnsnoozeGmail:   unsnz.Handle,
	}

	workerID := os.Getenv("HOSTNAME")
	if workerID == "" {
		workerID = "worker-1"
	}
	wcfg := worker.Config{
		WorkerID:          workerID,
		Concurrency:       cfg.WorkerCount,
		PollInterval:      cfg.PollInterval,
		LeaseDuration:     cfg.LeaseDuration,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}
	w := worker.New(q, registry, wcfg)

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		slog.Info("worker loop starting", slog.Int("concurrency", wcfg.Concurrency), slog.String("worker_id", workerID))
		w.Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
	cancel()
}
