package db

import (
	"context"
	"embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemaFiles holds the migrations applied by internal/db/migrate.
//
//go:embed schema/*.sql
var SchemaFiles embed.FS

// DBTX is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

// Pool returns the underlying pgxpool.Pool if the Queries was created with one.
func (q *Queries) Pool() *pgxpool.Pool {
	if p, ok := q.db.(*pgxpool.Pool); ok {
		return p
	}
	return nil
}

// Ping pings the database when the Queries wraps something that can.
func (q *Queries) Ping(ctx context.Context) error {
	if p, ok := q.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
