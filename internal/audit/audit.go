// Package audit records operator actions in the CMS activity log.
package audit

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Actor identifies who triggered an action.
type Actor struct {
	UserID    *int64
	IP        string
	UserAgent string
}

// Entry is one audit record.
type Entry struct {
	Action   string
	Name     string // display name, defaults to Action
	Scope    string // "cms" or "web"
	Table    string
	RecordID string
	SQL      string
	FormName string
	Actor    Actor
}

func (e Entry) normalized() Entry {
	if e.Name == "" {
		e.Name = e.Action
	}
	if e.Scope != "web" {
		e.Scope = "cms"
	}
	return e
}

// Sink receives audit entries. Implementations never fail the caller.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// DBSink writes entries to the cms_log table.
type DBSink struct {
	db *sqlx.DB
}

// NewDBSink creates a sink over db.
func NewDBSink(db *sqlx.DB) *DBSink {
	return &DBSink{db: db}
}

// Record implements Sink. Insert failures are logged and dropped.
func (s *DBSink) Record(ctx context.Context, e Entry) {
	e = e.normalized()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cms_log
		 (name, user_id, scope, action, form_name, record_id, table_name, sql_text, ip, user_agent, showonweb)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'Yes')`,
		e.Name,
		e.Actor.UserID,
		e.Scope,
		e.Action,
		nullIfEmpty(e.FormName),
		nullIfEmpty(e.RecordID),
		nullIfEmpty(e.Table),
		nullIfEmpty(e.SQL),
		nullIfEmpty(e.Actor.IP),
		nullIfEmpty(e.Actor.UserAgent),
	)
	if err != nil {
		logrus.WithError(err).WithField("action", e.Action).Warn("Failed to write audit log entry")
	}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// LogSink writes entries to the structured log.
type LogSink struct{}

// Record implements Sink.
func (LogSink) Record(_ context.Context, e Entry) {
	e = e.normalized()
	fields := logrus.Fields{
		"action": e.Action,
		"scope":  e.Scope,
	}
	if e.Table != "" {
		fields["table"] = e.Table
	}
	if e.RecordID != "" {
		fields["record_id"] = e.RecordID
	}
	if e.Actor.UserID != nil {
		fields["user_id"] = *e.Actor.UserID
	}
	if e.Actor.IP != "" {
		fields["ip"] = e.Actor.IP
	}
	logrus.WithFields(fields).Info(e.Name)
}

// Multi fans an entry out to several sinks.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, e Entry) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// Discard drops every entry.
type Discard struct{}

// Record implements Sink.
func (Discard) Record(context.Context, Entry) {}
