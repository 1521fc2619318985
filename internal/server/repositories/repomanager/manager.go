// Package repomanager aggregates repository constructors behind one
// interface so services can obtain repositories bound to either a plain
// connection or an open transaction.
package repomanager

import (
	"context"
	"database/sql"

	"sessiond/internal/dbx"
	"sessiond/internal/server/repositories/accounts"
	"sessiond/internal/server/repositories/audit"
	"sessiond/internal/server/repositories/ratelimit"
	"sessiond/internal/server/repositories/sessions"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Accounts(db dbx.DBTX) accounts.Repository
	Sessions(db dbx.DBTX) sessions.Repository
	RateCounters(db dbx.DBTX) ratelimit.CounterStore
	Audit(db dbx.DBTX) audit.Repository
}
