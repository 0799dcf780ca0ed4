package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arklow-data/tender-triage/internal/exclusion"
	"github.com/arklow-data/tender-triage/internal/feature"
	"github.com/arklow-data/tender-triage/internal/notify"
	"github.com/arklow-data/tender-triage/internal/queue"
	"github.com/arklow-data/tender-triage/internal/routing"
	"github.com/arklow-data/tender-triage/internal/scoring"
	"github.com/arklow-data/tender-triage/internal/store"
)

// appEnv holds the wired pipeline components shared by the commands.
type appEnv struct {
	Store     store.Store
	Queue     *queue.PostgresQueue
	Extractor *feature.Extractor
	Filter    *exclusion.Filter
	Engine    *scoring.Engine
	Router    *routing.Router
	Notifier  *notify.Webhook
}

// initEnv validates the config for the given command mode, opens the store,
// and builds the scoring components. The queue needs Postgres; against SQLite
// it stays nil and queue-backed commands refuse to run.
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	tables, err := feature.LoadTables(cfg.Tables.KeywordsPath)
	if err != nil {
		return nil, err
	}
	terms, err := exclusion.LoadTerms(cfg.Tables.ExclusionPath)
	if err != nil {
		return nil, err
	}

	modelCfg := scoring.FromAppConfig(cfg.Scoring, cfg.Exclusion)

	extractor, err := feature.NewExtractor(tables)
	if err != nil {
		return nil, err
	}
	filter, err := exclusion.NewFilter(terms, modelCfg.ExclusionCeiling)
	if err != nil {
		return nil, err
	}
	engine, err := scoring.NewEngine(modelCfg, tables)
	if err != nil {
		return nil, err
	}

	st, err := store.OpenByDriver(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}

	env := &appEnv{
		Store:     st,
		Extractor: extractor,
		Filter:    filter,
		Engine:    engine,
		Router:    routing.NewRouter(cfg.Routing.MinContentLength),
		Notifier: notify.NewWebhook(notify.Options{
			WebhookURL: cfg.Notify.WebhookURL,
			RatePerSec: cfg.Notify.RatePerSec,
			Burst:      cfg.Notify.Burst,
			Timeout:    time.Duration(cfg.Notify.TimeoutSecs) * time.Second,
		}),
	}

	if pg, ok := st.(*store.PostgresStore); ok {
		env.Queue = queue.NewPostgres(pg.Pool(), queue.Options{
			VisibilityTimeout: time.Duration(cfg.Queue.VisibilitySecs) * time.Second,
			MaxReceives:       cfg.Queue.MaxReceives,
		})
	}

	return env, nil
}

func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

// queueOrNil converts the optional Postgres queue into the interface without
// producing a typed-nil interface value.
func queueOrNil(e *appEnv) queue.Queue {
	if e.Queue == nil {
		return nil
	}
	return e.Queue
}

// requireQueue guards commands that cannot run without the durable queue.
func (e *appEnv) requireQueue() (*queue.PostgresQueue, error) {
	if e.Queue == nil {
		return nil, eris.New("durable queues require the postgres store driver")
	}
	return e.Queue, nil
}
