package datamapper

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
	DialectOracle   Dialect = "oracle"
)

// DialectFor guesses the dialect from a database/sql driver name.
func DialectFor(driverName string) Dialect {
	switch driverName {
	case "postgres", "pgx", "pgx/v5", "pq-timeouts", "cloudsqlpostgres", "nrpostgres", "cockroach":
		return DialectPostgres
	case "mysql", "nrmysql":
		return DialectMySQL
	case "godror", "oci8", "ora", "goracle", "oracle":
		return DialectOracle
	default:
		return DialectSQLite
	}
}

func (d Dialect) bindType() int {
	switch d {
	case DialectPostgres:
		return sqlx.DOLLAR
	case DialectOracle:
		return sqlx.NAMED
	default:
		return sqlx.QUESTION
	}
}

func (d Dialect) limitOffsetSQL(limit int, offset int64) string {
	if limit < 0 {
		limit = 0
	}

	qry := strings.Builder{}
	if d == DialectOracle {
		if offset > 0 {
			qry.WriteString(fmt.Sprintf(" OFFSET %d ROWS", offset))
		}
		if limit > 0 {
			qry.WriteString(fmt.Sprintf(" FETCH NEXT %d ROWS ONLY", limit))
		}
		return qry.String()
	}

	if limit > 0 {
		qry.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	} else if offset > 0 {
		// mysql and sqlite only accept OFFSET after a LIMIT
		switch d {
		case DialectMySQL:
			qry.WriteString(" LIMIT 18446744073709551615")
		case DialectSQLite:
			qry.WriteString(" LIMIT -1")
		}
	}

	if offset > 0 {
		qry.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}

	return qry.String()
}

func MakeSortClause(sorter []string, sortFieldMap map[string]string) string {
	if len(sorter) == 0 {
		return ""
	}

	var srt []string
	for _, s := range sorter {
		if s == "" {
			continue
		}

		op := ""
		field := strings.ToLower(s)
		if s[:1] == "-" || s[:1] == "+" {
			op = s[:1]
			field = strings.ToLower(s[1:])
		}

		if op == "-" {
			op = "DESC"
		} else {
			op = "ASC"
		}

		if sortFieldMap != nil {
			if mf, ok := sortFieldMap[field]; ok {
				field = mf
			}
		}

		srt = append(srt, fmt.Sprintf("%s %s", field, op))
	}

	return strings.Join(srt, ",")
}

// renderWhere renders a condition with `?` placeholders and IN lists
// expanded by sqlx.In.
func renderWhere(cond *Condition) (string, []any, error) {
	var args []any
	where, err := cond.renderSQL(&args)
	if err != nil || where == "" {
		return "", nil, err
	}

	return sqlx.In(where, args...)
}

func buildSelect(d Dialect, q SelectQuery) (string, []any, error) {
	td := q.Table
	var columns []string
	if len(td.Columns) == 0 {
		if len(td.Joins) == 0 {
			columns = append(columns, "*")
		} else {
			columns = append(columns, td.FullTableName()+".*")
		}
	} else {
		columns = append(columns, td.Columns...)
	}

	var joins strings.Builder
	for _, j := range td.Joins {
		joins.WriteString(fmt.Sprintf(" %s %s ON %s", j.keyword(), j.Table, j.On))
		if j.Columns == nil {
			columns = append(columns, j.Table+".*")
			continue
		}
		columns = append(columns, j.Columns...)
	}

	qry := strings.Builder{}
	qry.WriteString(fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(columns, ","), td.FullTableName(), joins.String()))

	where, args, err := renderWhere(q.Where)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		qry.WriteString(" WHERE " + where)
	}

	if sorter := MakeSortClause(q.Sorter, nil); sorter != "" {
		qry.WriteString(" ORDER BY " + sorter)
	}

	qry.WriteString(d.limitOffsetSQL(q.Limit, q.Offset))

	return sqlx.Rebind(d.bindType(), qry.String()), args, nil
}

// buildInsert sorts the columns so the statement text is stable. For
// postgres and a single column key the key is returned by the statement.
func buildInsert(d Dialect, td TableDef, row Row) (string, []any) {
	columns := sortedKeys(row)
	args := make([]any, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		args[i] = row[col]
		placeholders[i] = "?"
	}

	qry := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", td.FullTableName(), strings.Join(columns, ","), strings.Join(placeholders, ","))
	if d == DialectPostgres && len(td.PrimaryKey) == 1 {
		qry += " RETURNING " + td.PrimaryKey[0]
	}

	return sqlx.Rebind(d.bindType(), qry), args
}

func buildUpdate(d Dialect, td TableDef, row Row, cond *Condition) (string, []any, error) {
	columns := sortedKeys(row)
	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns))
	for i, col := range columns {
		sets[i] = col + " = ?"
		args = append(args, row[col])
	}

	qry := fmt.Sprintf("UPDATE %s SET %s", td.FullTableName(), strings.Join(sets, ", "))

	where, whereArgs, err := renderWhere(cond)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		qry += " WHERE " + where
		args = append(args, whereArgs...)
	}

	return sqlx.Rebind(d.bindType(), qry), args, nil
}

func buildDelete(d Dialect, td TableDef, cond *Condition) (string, []any, error) {
	qry := fmt.Sprintf("DELETE FROM %s", td.FullTableName())

	where, args, err := renderWhere(cond)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		qry += " WHERE " + where
	}

	return sqlx.Rebind(d.bindType(), qry), args, nil
}

func wrapSQLError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w. %w", ErrKeynotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgresCode(pgErr.Code, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgresCode(string(pqErr.Code), err)
	}

	msg := err.Error()
	for _, dup := range duplicateMessages {
		if strings.Contains(msg, dup) {
			return fmt.Errorf("%w. %w", ErrKeyAlreadyExists, err)
		}
	}

	return err
}

// messages of drivers without typed errors (sqlite, mysql, oracle)
var duplicateMessages = []string{
	"UNIQUE constraint failed",
	"PRIMARY KEY constraint failed",
	"Error 1062",
	"Duplicate entry",
	"ORA-00001",
}

func classifyPostgresCode(code string, err error) error {
	switch {
	case code == pgerrcode.UniqueViolation:
		return fmt.Errorf("%w. %w", ErrKeyAlreadyExists, err)
	case pgerrcode.IsIntegrityConstraintViolation(code),
		pgerrcode.IsSyntaxErrororAccessRuleViolation(code),
		pgerrcode.IsDataException(code):
		return fmt.Errorf("%w. %w", ErrInvalidQuery, err)
	}

	return err
}
