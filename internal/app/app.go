// Package app assembles the shared components used by every command from a
// loaded configuration.
package app

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/archive"
	"github.com/rossigee/cms-deployer/internal/audit"
	"github.com/rossigee/cms-deployer/internal/config"
	"github.com/rossigee/cms-deployer/internal/database"
	"github.com/rossigee/cms-deployer/internal/deploy"
	"github.com/rossigee/cms-deployer/internal/metrics"
	"github.com/rossigee/cms-deployer/internal/migrate"
	"github.com/rossigee/cms-deployer/internal/prefs"
	"github.com/rossigee/cms-deployer/internal/process"
	"github.com/rossigee/cms-deployer/internal/schema"
	"github.com/rossigee/cms-deployer/internal/site"
	"github.com/rossigee/cms-deployer/internal/storage"
)

const auditTable = "cms_log"

// App holds one invocation's components. Nothing in it is process-global.
type App struct {
	Config    *config.Config
	DB        *sqlx.DB
	Dialect   database.Dialect
	Store     *storage.Store
	Metrics   *metrics.Metrics
	Validator *site.Validator
	Prefs     prefs.Source
	Audit     audit.Sink
	Deploy    *deploy.Service
}

// Open connects to the configured database and wires the deploy service.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	dialect, err := cfg.Database.Dialect()
	if err != nil {
		return nil, err
	}
	dsn, err := cfg.Database.DataSourceName()
	if err != nil {
		return nil, err
	}

	opts := database.DefaultOptions()
	opts.PingRetry = cfg.ConnectRetry
	db, err := database.Open(ctx, dialect, dsn, opts)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:    cfg,
		DB:        db,
		Dialect:   dialect,
		Store:     storage.NewStore(db, dialect),
		Metrics:   metrics.New(),
		Validator: site.NewValidator(cfg.SiteBaseDir),
		Prefs:     prefs.NewDBStore(db, dialect),
	}

	sinks := audit.Multi{audit.LogSink{}}
	if ok, err := database.TableExists(ctx, db, dialect, auditTable); err != nil {
		logrus.WithError(err).Warn("Failed to check for audit table")
	} else if ok {
		sinks = append(sinks, audit.NewDBSink(db))
	}
	a.Audit = sinks

	svcOpts := []deploy.Option{
		deploy.WithPrefs(a.Prefs),
		deploy.WithAudit(a.Audit),
		deploy.WithMetrics(a.Metrics),
	}
	if cfg.Archive.Enabled() {
		archiver, err := archive.New(cfg.Archive)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize output archive: %w", err)
		}
		svcOpts = append(svcOpts, deploy.WithArchive(archiver))
		logrus.WithField("bucket", archiver.Bucket()).Info("Job output archive enabled")
	}

	executor := process.NewExecutor(process.Options{Disabled: cfg.ExecDisabled})
	a.Deploy = deploy.NewService(a.Store, executor, a.Validator, svcOpts...)
	return a, nil
}

// Close releases the database connection.
func (a *App) Close() {
	if err := a.DB.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close database connection")
	}
}

// Migrator returns a runner over the configured migrations directory.
func (a *App) Migrator() *migrate.Runner {
	return migrate.NewRunner(a.DB, a.Dialect, a.Config.MigrationsDir, migrate.WithMetrics(a.Metrics))
}

// OpenSyncer connects to the master database described by masterPath and
// returns a syncer targeting this app's database, plus a function closing
// the master connection.
func (a *App) OpenSyncer(ctx context.Context, masterPath string) (*schema.Syncer, func(), error) {
	if a.Dialect != database.MySQL {
		return nil, nil, fmt.Errorf("schema sync requires a mysql target, have %s", a.Dialect)
	}

	master, err := config.LoadMaster(masterPath)
	if err != nil {
		return nil, nil, err
	}
	dsn, err := master.DataSourceName()
	if err != nil {
		return nil, nil, err
	}

	opts := database.DefaultOptions()
	opts.PingRetry = a.Config.ConnectRetry
	source, err := database.Open(ctx, database.MySQL, dsn, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("master database: %w", err)
	}
	closeFn := func() {
		if err := source.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close master database connection")
		}
	}
	return schema.NewSyncer(source, a.DB, a.Metrics), closeFn, nil
}
