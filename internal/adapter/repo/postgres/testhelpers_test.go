package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row.
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// txStub implements pgx.Tx by embedding the interface; only the methods the
// repositories call are overridden.
type txStub struct {
	pgx.Tx
	exec      func(sql string, args ...any) (pgconn.CommandTag, error)
	query     func(sql string, args ...any) (pgx.Rows, error)
	committed bool
}

func (t *txStub) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.exec == nil {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	return t.exec(sql, args...)
}

func (t *txStub) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	if t.query == nil {
		return nil, errors.New("no query configured")
	}
	return t.query(sql, args...)
}

func (t *txStub) Commit(context.Context) error   { t.committed = true; return nil }
func (t *txStub) Rollback(context.Context) error { return nil }

// rowsStub implements pgx.Rows over a fixed string result set.
type rowsStub struct {
	pgx.Rows
	data [][]string
	i    int
}

func (r *rowsStub) Next() bool { r.i++; return r.i <= len(r.data) }

func (r *rowsStub) Scan(dest ...any) error {
	row := r.data[r.i-1]
	for i := range dest {
		*(dest[i].(*string)) = row[i]
	}
	return nil
}

func (r *rowsStub) Close()     {}
func (r *rowsStub) Err() error { return nil }

// poolStub implements postgres.PgxPool for tests.
type poolStub struct {
	execTag pgconn.CommandTag
	execErr error
	row     rowStub
	tx      *txStub
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("no rows configured")
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Begin(context.Context) (pgx.Tx, error) {
	if p.tx == nil {
		return nil, errors.New("no tx configured")
	}
	return p.tx, nil
}
