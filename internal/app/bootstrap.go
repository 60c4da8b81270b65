// Package app is the composition root: bootstrap stays orchestration-only.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"ledgermill.io/ledgermill/internal/api/handlers"
	"ledgermill.io/ledgermill/internal/config"
	"ledgermill.io/ledgermill/internal/entitygraph"
	"ledgermill.io/ledgermill/internal/eventstore"
	"ledgermill.io/ledgermill/internal/infrastructure"
	"ledgermill.io/ledgermill/internal/intents"
	"ledgermill.io/ledgermill/internal/intentstore"
	"ledgermill.io/ledgermill/internal/jobs"
	"ledgermill.io/ledgermill/internal/pipeline"
	"ledgermill.io/ledgermill/internal/pkg/logger"
	"ledgermill.io/ledgermill/internal/pkg/worker"
	"ledgermill.io/ledgermill/internal/projection"
	projhandlers "ledgermill.io/ledgermill/internal/projection/handlers"
	"ledgermill.io/ledgermill/internal/rules"
	"ledgermill.io/ledgermill/internal/snapshot"
	"ledgermill.io/ledgermill/internal/subscription"
)

// Application holds composed application dependencies.
type Application struct {
	Config *config.Config
	Router *gin.Engine
	DB     *infrastructure.DatabaseClients
	Pools  *worker.Pools
	Poller *projection.Poller
}

// projectionTables binds every built-in projection to its table identity so
// snapshots and ad-hoc queries stay schema-agnostic.
var projectionTables = map[string]snapshot.TableInfo{
	projhandlers.TypeVendorList:      {Table: "vendor_list", KeyColumn: "vendor_id"},
	projhandlers.TypeItemList:        {Table: "item_list", KeyColumn: "item_id"},
	projhandlers.TypeAPInvoiceList:   {Table: "ap_invoice_list", KeyColumn: "invoice_id"},
	projhandlers.TypeAPAging:         {Table: "ap_aging", KeyColumn: "invoice_id"},
	projhandlers.TypeAPVendorBalance: {Table: "ap_vendor_balance", KeyColumn: "vendor_id"},
	projhandlers.TypeGLPostings:      {Table: "gl_postings", KeyColumn: "event_id"},
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:    worker.DefaultPoolConfig().GeneralPoolSize,
		ProjectionPoolSize: cfg.Projection.WorkerPoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	registry := eventstore.NewRegistry(db.Pool)
	events := eventstore.New(db.Pool, registry)
	graph := entitygraph.New(db.Pool)
	subs := subscription.New(db.Pool)
	snapshots := snapshot.New(db.Pool)
	for projectionType, info := range projectionTables {
		snapshots.RegisterTable(projectionType, info)
	}

	engine := projection.NewEngine(db.Pool, events, subs)
	engine.Register(projhandlers.NewVendorList())
	engine.Register(projhandlers.NewItemList())
	engine.Register(projhandlers.NewAPInvoiceList())
	engine.Register(projhandlers.NewAPAging())
	engine.Register(projhandlers.NewAPVendorBalance())
	engine.Register(projhandlers.NewGLPostings(projhandlers.GLAccounts{
		DefaultExpense: cfg.AP.DefaultExpenseAccount,
		APControl:      cfg.AP.APControlAccount,
		Cash:           cfg.AP.CashAccount,
	}))

	// Each projection gets a cursor row; re-creation is a no-op so restarts
	// never rewind an existing subscription.
	for projectionType := range projectionTables {
		if _, err := subs.Create(ctx, nil, subscription.CreateParams{
			ProjectionType: projectionType,
			EventTypes:     engine.EventTypesFor(projectionType),
			BatchSize:      cfg.Projection.BatchSize,
		}); err != nil {
			pools.Shutdown()
			db.Close()
			return nil, fmt.Errorf("ensure subscription %s: %w", projectionType, err)
		}
	}

	businessRules, err := rules.LoadDir(cfg.Rules.Dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			pools.Shutdown()
			db.Close()
			return nil, fmt.Errorf("load rules from %s: %w", cfg.Rules.Dir, err)
		}
		logger.Warn("rules directory missing, running without business rules",
			zap.String("dir", cfg.Rules.Dir))
	}
	logger.Info("business rules loaded",
		zap.String("dir", cfg.Rules.Dir),
		zap.Int("count", len(businessRules)))

	intentStore := intentstore.New(db.Pool)
	pl := pipeline.New(intentStore)
	pl.SetCapabilities(cfg.Security.Capabilities)
	for _, h := range intents.All(intents.Deps{
		Pool:        db.Pool,
		Events:      events,
		Graph:       graph,
		Projections: engine,
		Snapshots:   snapshots,
		Rules:       businessRules,
		AP:          cfg.AP,
	}) {
		pl.Register(h)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewProjectionRebuildWorker(engine))
	river.AddWorker(workers, jobs.NewSnapshotCreateWorker(snapshots))
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	poller := projection.NewPoller(engine, projection.PollerConfig{
		PollInterval:    cfg.Projection.PollInterval,
		BatchSize:       cfg.Projection.BatchSize,
		MaxEventRetries: cfg.Projection.MaxEventRetries,
	})

	server := handlers.NewServer(db.Pool, pl, intentStore, events, registry, engine, subs, snapshots, db.RiverClient, pools)

	return &Application{
		Config: cfg,
		Router: newRouter(cfg, server),
		DB:     db,
		Pools:  pools,
		Poller: poller,
	}, nil
}
