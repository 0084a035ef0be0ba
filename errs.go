package datamapper

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrKeyAlreadyExists  = errors.New("key already exists")
	ErrKeynotFound       = errors.New("key not found")
	ErrInvalidPrimaryKey = errors.New("invalid primary key")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrInvalidConfig     = errors.New("invalid mapper configuration")
	ErrUnsupported       = errors.New("operation not supported by this querier")
	ErrIteratorDone      = errors.New("no more rows in result set")
)

// InvalidPrimaryKeyError reports the columns that made a key mapping differ
// from the declared primary key of a table.
type InvalidPrimaryKeyError struct {
	Table   string
	Missing []string
	Extra   []string
}

func (e *InvalidPrimaryKeyError) Error() string {
	var clauses []string
	if len(e.Missing) > 0 {
		clauses = append(clauses, "missing primary key column(s): "+strings.Join(e.Missing, ", "))
	}

	if len(e.Extra) > 0 {
		clauses = append(clauses, "unexpected primary key column(s): "+strings.Join(e.Extra, ", "))
	}

	return fmt.Sprintf("%s for table %s: %s", ErrInvalidPrimaryKey, e.Table, strings.Join(clauses, "; "))
}

func (e *InvalidPrimaryKeyError) Is(target error) bool {
	return target == ErrInvalidPrimaryKey
}
