package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/metamx/sherlock/internal/bus"
	"github.com/metamx/sherlock/internal/config"
	"github.com/metamx/sherlock/internal/detection"
	"github.com/metamx/sherlock/internal/detector"
	"github.com/metamx/sherlock/internal/druid"
	"github.com/metamx/sherlock/internal/execution"
	"github.com/metamx/sherlock/internal/granularity"
	"github.com/metamx/sherlock/internal/model"
	"github.com/metamx/sherlock/internal/notify"
	"github.com/metamx/sherlock/internal/scheduler"
	"github.com/metamx/sherlock/internal/storage"
	"github.com/metamx/sherlock/internal/storage/sqlstore"
)

// metadataStore is everything the worker needs from persistence.
type metadataStore interface {
	GetJob(ctx context.Context, id int) (model.JobMetadata, error)
	ListJobs(ctx context.Context) ([]model.JobMetadata, error)
	execution.ClusterStore
	execution.JobStore
	execution.ReportStore
}

type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     metadataStore
	detection *detection.Service
	exec      *execution.Service
	registry  *scheduler.Registry
	natsConn  *bus.Subscriber
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp wires storage, the store client, detectors, sinks and the scheduler.
// withScheduler is false for one-shot commands.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, withScheduler bool) (*app, error) {
	settings, err := cfg.GranularitySettings()
	if err != nil {
		return nil, err
	}
	granularity.Configure(settings)

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var client druid.Client = druid.NewHTTPClient(cfg.Broker.Timeout, cfg.Broker.QPS, cfg.Broker.Burst)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		client = druid.NewCachedClient(client, rdb, cfg.Redis.TTL, logger)
	}

	detectorCfg := detector.DefaultConfig()
	if cfg.Detector.ConfigPath != "" {
		if detectorCfg, err = detector.LoadConfig(cfg.Detector.ConfigPath); err != nil {
			return nil, err
		}
	}
	a.detection = detection.NewService(client, buildDetectors(cfg), detectorCfg, logger)

	publisher, err := a.buildPublisher()
	if err != nil {
		return nil, err
	}

	a.exec = &execution.Service{
		Detection: a.detection,
		Clusters:  a.store,
		Jobs:      a.store,
		Reports:   a.store,
		Emailer:   notify.NewEmailer(cfg.Notify.SendGridAPIKey, cfg.Notify.From, logger),
		Pager:     notify.NewPager(cfg.Notify.PagerURL, cfg.Broker.Timeout, logger),
		Settings: execution.Settings{
			ContinueOnError:     cfg.Execution.ContinueOnError,
			EnableEmail:         cfg.Notify.EnableEmail,
			EnablePager:         cfg.Notify.EnablePager,
			FailureEmail:        cfg.Notify.FailureEmail,
			BackfillParallelism: cfg.Execution.BackfillParallelism,
		},
		Logger: logger,
	}
	if publisher != nil {
		a.exec.Publisher = publisher
	}

	if withScheduler {
		a.registry = scheduler.NewRegistry(a.exec, cfg.Scheduler.Workers, cfg.Scheduler.QueueSize, cfg.Scheduler.JobTimeout, logger)
		a.exec.Scheduler = a.registry
		a.closers = append(a.closers, a.registry.Stop)
	}
	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	db := a.cfg.Database
	if db.Driver == "pgx" {
		store, err := storage.NewStore(ctx, db.URL)
		if err != nil {
			return fmt.Errorf("connect to db: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		if db.Migrate {
			applied, err := store.Migrate(ctx)
			if err != nil {
				return err
			}
			a.logger.Info("migrations applied", zap.Strings("files", applied))
		}
		a.store = storage.NewRepository(store)
		return nil
	}
	store, err := sqlstore.Open(sqlstore.ConnectionConfig{
		Type:     db.Driver,
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		Database: db.Name,
		SSLMode:  db.SSLMode,
		Schema:   db.Schema,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() { _ = store.Close() })
	if err := store.Ping(ctx); err != nil {
		return err
	}
	a.store = store
	return nil
}

func buildDetectors(cfg *config.Config) detector.Detector {
	statistical := detector.NewStatistical()
	models := map[string]detector.Detector{detector.ModelOlympic: statistical}
	if cfg.Detector.RemoteURL != "" {
		models[detector.ModelProphet] = detector.NewRemote(cfg.Detector.RemoteURL, cfg.Detector.RemoteTimeout)
	}
	return detector.NewRegistry(statistical, models)
}

func (a *app) buildPublisher() (execution.Publisher, error) {
	kind := strings.ToLower(a.cfg.Bus.Kind)
	var sinks bus.Fanout
	if kind == "nats" || kind == "both" {
		sub, err := a.connectNATS()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, bus.NewNATSPublisher(sub.Conn, a.cfg.NATS.ReportSubject))
	}
	if kind == "kafka" || kind == "both" {
		kafka := bus.NewKafkaPublisher(a.cfg.Bus.KafkaBrokers, a.cfg.Bus.KafkaTopic)
		a.closers = append(a.closers, func() { _ = kafka.Close() })
		sinks = append(sinks, kafka)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func (a *app) connectNATS() (*bus.Subscriber, error) {
	if a.natsConn != nil {
		return a.natsConn, nil
	}
	sub, err := bus.NewSubscriber(a.cfg.NATS.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	a.natsConn = sub
	a.closers = append(a.closers, sub.Close)
	return sub, nil
}

var errNoJob = errors.New("--job is required")
