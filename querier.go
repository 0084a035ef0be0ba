package datamapper

import "context"

// Row is a flat column to value mapping ready for an insert or update.
type Row map[string]any

// SelectQuery is everything a Querier needs to run a read.
type SelectQuery struct {
	Table  TableDef
	Where  *Condition
	Sorter []string
	Limit  int
	Offset int64
	Tx     Transaction
}

// Rows is a lazy result set. Scan fills dest with the current row.
type Rows interface {
	Next() bool
	Scan(dest map[string]any) error
	Err() error
	Close() error
}

// Querier builds and runs the statements of a mapper. Insert returns the
// generated key when the backend reports one, nil otherwise.
//
// Implementations report unique and primary key violations as
// ErrKeyAlreadyExists and other rejected statements as ErrInvalidQuery.
type Querier interface {
	Select(ctx context.Context, q SelectQuery) (Rows, error)
	Insert(ctx context.Context, table TableDef, row Row, tx Transaction) (any, error)
	Update(ctx context.Context, table TableDef, row Row, where *Condition, tx Transaction) (int64, error)
	Delete(ctx context.Context, table TableDef, where *Condition, tx Transaction) (int64, error)
}

// RowIterator yields hydrated entities one by one. Next returns
// ErrIteratorDone after the last row.
type RowIterator[T any] interface {
	Next() (*T, error)
	Close() error
}
