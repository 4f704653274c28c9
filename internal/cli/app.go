package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/nadmax/pipetune/internal/advisor"
	"github.com/nadmax/pipetune/internal/aggregate"
	"github.com/nadmax/pipetune/internal/cache"
	"github.com/nadmax/pipetune/internal/config"
	"github.com/nadmax/pipetune/internal/dashboard"
	"github.com/nadmax/pipetune/internal/impact"
	"github.com/nadmax/pipetune/internal/lifecycle"
	"github.com/nadmax/pipetune/internal/logging"
	"github.com/nadmax/pipetune/internal/notify"
	"github.com/nadmax/pipetune/internal/repository"
	"github.com/nadmax/pipetune/internal/run"
	"go.uber.org/zap"
)

type store interface {
	repository.RunStore
	repository.OptimizationStore
}

// app holds every wired component of one invocation.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    store
	postgres *repository.PostgresStore
	cache    *cache.SnapshotCache
	manager  *lifecycle.Manager
	service  *dashboard.Service
	worker   *impact.Worker
	notifier *notify.EmailNotifier
}

type seedFile struct {
	Runs          []run.PipelineRun  `json:"runs"`
	QualityChecks []run.QualityCheck `json:"quality_checks"`
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	if verrs := config.Validate(cfg); len(verrs) > 0 {
		errs := make([]error, len(verrs))
		for i, e := range verrs {
			errs[i] = e
		}
		return nil, fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging, "pipetune", version)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.openStore(flags); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		c, err := cache.NewSnapshotCache(ctx, cfg.Redis.Addr)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = c
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
	}

	a.manager = lifecycle.NewManager(a.store,
		lifecycle.WithTolerance(cfg.Lifecycle.Tolerance),
		lifecycle.WithLogger(logger))

	impactCfg := impact.Config{CostPerMinute: cfg.Analytics.CostPerMinute}
	sinks := impact.MultiSink{impact.MetricsSink{}}
	if a.cache != nil {
		sinks = append(sinks, a.cache)
	}
	a.worker = impact.NewWorker(a.store, a.store, impactCfg, sinks, logger)
	a.manager.Subscribe(a.worker)

	if cfg.Notify.Enabled() {
		a.notifier = notify.NewEmailNotifier(cfg.Notify, nil, logger)
		a.manager.Subscribe(a.notifier)
	}

	opts := dashboard.Options{
		Aggregate: aggregate.Options{
			Limit: cfg.Analytics.RunLimit,
			Days:  aggregate.DefaultDays,
			Now:   time.Now,
		},
		Impact:            impactCfg,
		QualityFetchLimit: cfg.Analytics.QualityFetchLimit,
		Interval:          cfg.Reconciler.Interval,
		Logger:            logger,
	}
	if a.cache != nil {
		opts.Cache = a.cache
	}
	a.service = dashboard.NewService(a.store, a.manager, a.newAdvisor(), opts)
	return a, nil
}

func (a *app) openStore(flags *globalFlags) error {
	if flags.memory {
		mem := repository.NewMemoryStore()
		if flags.seedPath != "" {
			if err := seed(mem, flags.seedPath); err != nil {
				return err
			}
		}
		a.store = mem
		a.logger.Info("using in-memory store")
		return nil
	}

	if flags.seedPath != "" {
		return errors.New("--seed requires --memory")
	}
	if a.cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn (or POSTGRES_DSN) is required unless --memory is set")
	}
	pg, err := repository.NewPostgresStore(a.cfg.Postgres.DSN, a.logger)
	if err != nil {
		return err
	}
	a.postgres = pg
	a.store = pg
	return nil
}

// newAdvisor uses the remote advisor when one is configured and the
// rule-based advisor otherwise, behind the same bridge.
func (a *app) newAdvisor() *advisor.Bridge {
	var adv advisor.Advisor = advisor.RuleAdvisor{}
	if a.cfg.Advisor.URL != "" {
		adv = advisor.NewHTTPAdvisor(a.cfg.Advisor.URL, &http.Client{})
		a.logger.Info("using remote advisor", zap.String("url", a.cfg.Advisor.URL))
	}
	return advisor.NewBridge(adv, advisor.Config{
		Timeout:     a.cfg.Advisor.Timeout,
		MaxFailures: a.cfg.Advisor.MaxFailures,
		OpenTimeout: a.cfg.Advisor.OpenTimeout,
	}, a.logger)
}

// resume watches the pipelines that left a dashboard snapshot in redis before
// the last shutdown, then schedules an impact recomputation for every watched
// pipeline so the cached reports catch up with the store.
func (a *app) resume(ctx context.Context) {
	if a.cache != nil {
		ids, err := a.cache.Pipelines(ctx, cache.KindDashboard)
		if err != nil {
			a.logger.Warn("failed to list cached pipelines", zap.Error(err))
		} else if len(ids) > 0 {
			a.service.Watch(ids...)
			a.logger.Info("resumed cached pipelines", zap.Strings("pipelines", ids))
		}
	}

	for _, id := range a.service.Watched() {
		a.worker.Trigger(id)
	}
}

func seed(mem *repository.MemoryStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	var s seedFile
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parsing seed file: %w", err)
	}
	mem.AddRuns(s.Runs...)
	mem.AddQualityChecks(s.QualityChecks...)
	return nil
}

// Close stops background work and releases connections. The impact worker
// is stopped before the store it reads from is closed.
func (a *app) Close() {
	if a.service != nil {
		a.service.Stop()
	}
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.postgres != nil {
		if err := a.postgres.Close(); err != nil {
			a.logger.Warn("failed to close postgres", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
