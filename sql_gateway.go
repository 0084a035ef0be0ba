package datamapper

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

type sqlTransaction struct {
	Tx *sqlx.Tx
}

func (st *sqlTransaction) Rollback(_ context.Context) error {
	return st.Tx.Rollback()
}

func (st *sqlTransaction) Commit(_ context.Context) error {
	return st.Tx.Commit()
}

type GatewayOption func(o *gatewayOption)

type gatewayOption struct {
	dialect Dialect
	logger  zerolog.Logger
}

// WithDialect overrides the dialect guessed from the driver name.
func WithDialect(d Dialect) GatewayOption {
	return func(o *gatewayOption) {
		o.dialect = d
	}
}

func WithGatewayLogger(logger zerolog.Logger) GatewayOption {
	return func(o *gatewayOption) {
		o.logger = logger
	}
}

// SQLGateway is the Querier for database/sql databases, driven through sqlx.
type SQLGateway struct {
	db      *sqlx.DB
	dialect Dialect
	logger  zerolog.Logger
}

var _ Querier = (*SQLGateway)(nil)

func NewSQLGateway(db *sqlx.DB, options ...GatewayOption) *SQLGateway {
	opt := &gatewayOption{logger: zerolog.Nop()}
	for _, op := range options {
		op(opt)
	}

	if opt.dialect == "" {
		opt.dialect = DialectFor(db.DriverName())
	}

	return &SQLGateway{
		db:      db,
		dialect: opt.dialect,
		logger:  opt.logger,
	}
}

func (g *SQLGateway) Dialect() Dialect {
	return g.dialect
}

// Begin starts a transaction to pass along with WithTransaction.
func (g *SQLGateway) Begin(ctx context.Context) (Transaction, error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &sqlTransaction{Tx: tx}, nil
}

func (g *SQLGateway) Select(ctx context.Context, q SelectQuery) (Rows, error) {
	ext, err := g.ext(q.Tx)
	if err != nil {
		return nil, err
	}

	qry, args, err := buildSelect(g.dialect, q)
	if err != nil {
		return nil, err
	}

	g.logger.Debug().Str("query", qry).Msg("select")
	rows, err := ext.QueryxContext(ctx, qry, args...)
	if err != nil {
		return nil, wrapSQLError(err)
	}

	return &sqlRows{rows: rows}, nil
}

// Insert runs the insert and returns the generated key: through RETURNING on
// postgres, LastInsertId elsewhere, nil when neither is available.
//
// Inside a postgres transaction the insert runs under a savepoint so a
// duplicate key leaves the transaction usable for a follow up update.
func (g *SQLGateway) Insert(ctx context.Context, table TableDef, row Row, tx Transaction) (id any, err error) {
	ext, err := g.ext(tx)
	if err != nil {
		return nil, err
	}

	if len(row) == 0 {
		return nil, fmt.Errorf("%w: empty row for %s", ErrInvalidQuery, table.FullTableName())
	}

	if tx != nil && g.dialect == DialectPostgres {
		if _, err := ext.ExecContext(ctx, "SAVEPOINT datamapper_insert"); err != nil {
			return nil, wrapSQLError(err)
		}
		defer func() {
			release := "RELEASE SAVEPOINT datamapper_insert"
			if err != nil {
				release = "ROLLBACK TO SAVEPOINT datamapper_insert"
			}
			if _, spErr := ext.ExecContext(ctx, release); spErr != nil && err == nil {
				err = wrapSQLError(spErr)
			}
		}()
	}

	qry, args := buildInsert(g.dialect, table, row)
	g.logger.Debug().Str("query", qry).Msg("insert")

	if g.dialect == DialectPostgres && len(table.PrimaryKey) == 1 {
		if err := ext.QueryRowxContext(ctx, qry, args...).Scan(&id); err != nil {
			return nil, wrapSQLError(err)
		}
		return id, nil
	}

	res, err := ext.ExecContext(ctx, qry, args...)
	if err != nil {
		return nil, wrapSQLError(err)
	}

	if g.dialect == DialectOracle {
		return nil, nil
	}

	if lastID, idErr := res.LastInsertId(); idErr == nil && lastID != 0 {
		return lastID, nil
	}

	return nil, nil
}

func (g *SQLGateway) Update(ctx context.Context, table TableDef, row Row, where *Condition, tx Transaction) (int64, error) {
	ext, err := g.ext(tx)
	if err != nil {
		return 0, err
	}

	qry, args, err := buildUpdate(g.dialect, table, row, where)
	if err != nil {
		return 0, err
	}

	g.logger.Debug().Str("query", qry).Msg("update")
	res, err := ext.ExecContext(ctx, qry, args...)
	if err != nil {
		return 0, wrapSQLError(err)
	}

	return res.RowsAffected()
}

func (g *SQLGateway) Delete(ctx context.Context, table TableDef, where *Condition, tx Transaction) (int64, error) {
	ext, err := g.ext(tx)
	if err != nil {
		return 0, err
	}

	qry, args, err := buildDelete(g.dialect, table, where)
	if err != nil {
		return 0, err
	}

	g.logger.Debug().Str("query", qry).Msg("delete")
	res, err := ext.ExecContext(ctx, qry, args...)
	if err != nil {
		return 0, wrapSQLError(err)
	}

	return res.RowsAffected()
}

func (g *SQLGateway) ext(tx Transaction) (sqlx.ExtContext, error) {
	if tx == nil {
		return g.db, nil
	}

	if st, ok := tx.(*sqlTransaction); ok {
		return st.Tx, nil
	}

	return nil, fmt.Errorf("%w: transaction %T does not belong to a SQL gateway", ErrUnsupported, tx)
}

type sqlRows struct {
	rows *sqlx.Rows
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Scan(dest map[string]any) error {
	return wrapSQLError(r.rows.MapScan(dest))
}

func (r *sqlRows) Err() error {
	return wrapSQLError(r.rows.Err())
}

func (r *sqlRows) Close() error {
	return r.rows.Close()
}
