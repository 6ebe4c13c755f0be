package schema

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/rossigee/cms-deployer/internal/metrics"
)

// Syncer brings a target database up to a master (source) schema.
type Syncer struct {
	source  Catalog
	target  Catalog
	apply   func(ctx context.Context, ops []Operation) ([]Applied, error)
	metrics *metrics.Metrics
}

// NewSyncer compares two live MySQL databases and applies changes to target.
func NewSyncer(source, target *sqlx.DB, m *metrics.Metrics) *Syncer {
	return &Syncer{
		source: NewMySQLCatalog(source),
		target: NewMySQLCatalog(target),
		apply: func(ctx context.Context, ops []Operation) ([]Applied, error) {
			return ApplyDB(ctx, target, ops)
		},
		metrics: m,
	}
}

// NewCatalogSyncer builds a Syncer from catalogs and a session-bound execer.
func NewCatalogSyncer(source, target Catalog, exec Execer, m *metrics.Metrics) *Syncer {
	return &Syncer{
		source: source,
		target: target,
		apply: func(ctx context.Context, ops []Operation) ([]Applied, error) {
			return Apply(ctx, exec, ops)
		},
		metrics: m,
	}
}

// Coverage reports which prefixed source tables exist in the target.
func (s *Syncer) Coverage(ctx context.Context, prefix string) (*Coverage, error) {
	return TableCoverage(ctx, s.source, s.target, prefix)
}

// Plan computes the additive operations needed by the target.
func (s *Syncer) Plan(ctx context.Context, prefix string) (*Plan, error) {
	return BuildPlan(ctx, s.source, s.target, prefix)
}

// Sync plans and applies in one step. The plan is returned even when
// applying fails part-way.
func (s *Syncer) Sync(ctx context.Context, prefix string) (*Plan, []Applied, error) {
	plan, err := s.Plan(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}
	if len(plan.Operations) == 0 {
		logrus.WithField("table_prefix", plan.Summary.TablePrefix).Info("Target schema already up to date")
		return plan, []Applied{}, nil
	}

	applied, err := s.apply(ctx, plan.Operations)
	for _, a := range applied {
		result := "applied"
		if a.Type == OpAddForeignKeySkipped {
			result = "skipped"
		}
		s.metrics.SchemaOperation(string(a.Type), result)
	}
	if err != nil {
		s.metrics.SchemaOperation("apply", "failed")
		return plan, applied, err
	}

	logrus.WithFields(logrus.Fields{
		"table_prefix": plan.Summary.TablePrefix,
		"operations":   len(applied),
	}).Info("Schema sync applied")
	return plan, applied, nil
}
