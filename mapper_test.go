package datamapper

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type user struct {
	ID    int64  `db:"id,key auto"`
	Name  string `db:"name"`
	Email string `db:"email"`
	Age   int    `db:"age"`
}

var usersTable = TableDef{Name: "users", PrimaryKey: []string{"id"}}

func newUserMapper(t *testing.T, options ...MapperOption) (*Mapper[user], *MemoryGateway) {
	t.Helper()
	gw := NewMemoryGateway()
	m, err := New[user](gw, usersTable, options...)
	require.NoError(t, err)
	return m, gw
}

func TestNew(t *testing.T) {
	t.Run("should default the primary key to id", func(t *testing.T) {
		m, err := New[Record](NewMemoryGateway(), TableDef{Name: "users"})
		require.NoError(t, err)
		assert.Equal(t, []string{"id"}, m.Table().PrimaryKey)
	})

	t.Run("should refuse a table without name", func(t *testing.T) {
		_, err := New[Record](NewMemoryGateway(), TableDef{})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should refuse a nil querier", func(t *testing.T) {
		_, err := New[Record](nil, usersTable)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should refuse entities without default hydrator", func(t *testing.T) {
		_, err := New[string](NewMemoryGateway(), usersTable)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("should not share configuration with the caller", func(t *testing.T) {
		td := TableDef{Name: "users", PrimaryKey: []string{"id"}, WriteFilter: []string{"name"}}
		m, err := New[Record](NewMemoryGateway(), td)
		require.NoError(t, err)

		td.PrimaryKey[0] = "other"
		td.WriteFilter[0] = "other"
		assert.Equal(t, []string{"id"}, m.Table().PrimaryKey)
		assert.Equal(t, []string{"name"}, m.Table().WriteFilter)
	})
}

func TestMapper_Find(t *testing.T) {
	ctx := context.Background()

	t.Run("should treat a scalar as the first key column", func(t *testing.T) {
		m, gw := newRecordMapper(t, TableDef{Name: "users"})
		gw.Seed(m.Table(), Row{"id": "42", "name": "Ann"}, Row{"id": "43", "name": "Bob"})

		byScalar, err := m.Find(ctx, "42")
		require.NoError(t, err)
		byMap, err := m.Find(ctx, KeyValues{"id": "42"})
		require.NoError(t, err)

		assert.Equal(t, byMap, byScalar)
		assert.Equal(t, "Ann", (*byScalar)["name"])
	})

	t.Run("should hydrate a struct entity", func(t *testing.T) {
		m, gw := newUserMapper(t)
		gw.Seed(usersTable, Row{"id": int64(1), "name": "Ann", "email": "ann@example.com", "age": int64(31)})

		u, err := m.Find(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, &user{ID: 1, Name: "Ann", Email: "ann@example.com", Age: 31}, u)
	})

	t.Run("should report extra key columns", func(t *testing.T) {
		m, _ := newRecordMapper(t, TableDef{Name: "users"})

		_, err := m.Find(ctx, KeyValues{"id": "1", "name": "x"})
		var pkErr *InvalidPrimaryKeyError
		require.True(t, errors.As(err, &pkErr))
		assert.Equal(t, []string{"name"}, pkErr.Extra)
		assert.Empty(t, pkErr.Missing)
	})

	t.Run("should report missing key columns", func(t *testing.T) {
		m, _ := newRecordMapper(t, TableDef{Name: "memberships", PrimaryKey: []string{"id", "tenant"}})

		_, err := m.Find(ctx, KeyValues{})
		require.ErrorIs(t, err, ErrInvalidPrimaryKey)
		assert.Contains(t, err.Error(), "missing primary key column(s): id, tenant")
	})

	t.Run("should return ErrKeynotFound on an empty result", func(t *testing.T) {
		m, _ := newUserMapper(t)

		u, err := m.Find(ctx, 99)
		assert.Nil(t, u)
		assert.ErrorIs(t, err, ErrKeynotFound)
	})

	t.Run("should AND the extra condition with the key", func(t *testing.T) {
		m, gw := newUserMapper(t)
		gw.Seed(usersTable, Row{"id": int64(1), "name": "Ann", "age": int64(31)})

		_, err := m.Find(ctx, 1, WithWhere(Gt("age", 40)))
		assert.ErrorIs(t, err, ErrKeynotFound)

		u, err := m.Find(ctx, 1, WithWhere(Gt("age", 30)))
		require.NoError(t, err)
		assert.Equal(t, "Ann", u.Name)
	})

	// Several rows sharing a key are not detected: the first one wins.
	t.Run("should return the first row when several match", func(t *testing.T) {
		m, gw := newRecordMapper(t, TableDef{Name: "users"})
		gw.Seed(m.Table(), Row{"id": "1", "name": "first"}, Row{"id": "1", "name": "second"})

		r, err := m.Find(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "first", (*r)["name"])
	})

	t.Run("should search by any column once the check is bypassed", func(t *testing.T) {
		m, gw := newRecordMapper(t, TableDef{Name: "users"})
		gw.Seed(m.Table(), Row{"id": "1", "name": "Ann"})

		r, err := m.DisablePrimaryKeyCheckOnce(true).Find(ctx, KeyValues{"name": "Ann"})
		require.NoError(t, err)
		assert.Equal(t, "1", (*r)["id"])

		_, err = m.Find(ctx, KeyValues{"name": "Ann"})
		assert.ErrorIs(t, err, ErrInvalidPrimaryKey)

		r, err = m.Find(ctx, KeyValues{"name": "Ann"}, SkipPrimaryKeyCheck())
		require.NoError(t, err)
		assert.Equal(t, "1", (*r)["id"])
	})
}

func TestMapper_FetchAll(t *testing.T) {
	ctx := context.Background()
	m, gw := newUserMapper(t)
	gw.Seed(usersTable,
		Row{"id": int64(1), "name": "Ann", "age": int64(31)},
		Row{"id": int64(2), "name": "Bob", "age": int64(19)},
		Row{"id": int64(3), "name": "Cid", "age": int64(45)},
		Row{"id": int64(4), "name": "Dee", "age": int64(27)},
	)

	t.Run("should return every row", func(t *testing.T) {
		users, err := m.FetchAll(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 4)
	})

	t.Run("should apply where, order and paging", func(t *testing.T) {
		users, err := m.FetchAll(ctx, WithWhere(Gt("age", 20)), WithSorter("-age"), WithLimit(2))
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "Cid", users[0].Name)
		assert.Equal(t, "Ann", users[1].Name)

		users, err = m.FetchAll(ctx, WithSorter("+name"), WithOffset(3))
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "Dee", users[0].Name)
	})

	t.Run("should accept a filter map", func(t *testing.T) {
		users, err := m.FetchAll(ctx, WithFilter(map[string]any{"name": []string{"Ann", "Bob"}}), WithSorter("id"))
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, int64(1), users[0].ID)
		assert.Equal(t, int64(2), users[1].ID)
	})

	t.Run("should iterate lazily", func(t *testing.T) {
		iter, err := m.Iterate(ctx, WithSorter("id"))
		require.NoError(t, err)
		defer iter.Close()

		var names []string
		for {
			u, err := iter.Next()
			if errors.Is(err, ErrIteratorDone) {
				break
			}
			require.NoError(t, err)
			names = append(names, u.Name)
		}
		assert.Equal(t, []string{"Ann", "Bob", "Cid", "Dee"}, names)
	})
}

func TestMapper_InsertEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("should return the generated key", func(t *testing.T) {
		m, _ := newUserMapper(t)

		id, err := m.InsertEntity(ctx, user{Name: "Ann"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)

		id, err = m.InsertEntity(ctx, user{Name: "Bob"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), id)
	})

	t.Run("should return the key carried by the entity", func(t *testing.T) {
		m, _ := newUserMapper(t)

		id, err := m.InsertEntity(ctx, user{ID: 10, Name: "Ann"})
		require.NoError(t, err)
		assert.Equal(t, int64(10), id)
	})

	t.Run("should fail on an existing key", func(t *testing.T) {
		m, _ := newUserMapper(t)

		_, err := m.InsertEntity(ctx, user{ID: 10, Name: "Ann"})
		require.NoError(t, err)
		_, err = m.InsertEntity(ctx, user{ID: 10, Name: "Bob"})
		assert.ErrorIs(t, err, ErrKeyAlreadyExists)
	})

	t.Run("should write the filtered and renamed row", func(t *testing.T) {
		m, gw := newRecordMapper(t, TableDef{
			Name:        "users",
			WriteFilter: []string{"id", "name", "email"},
			RenameMap:   map[string]string{"email": "email_address"},
		})

		_, err := m.InsertEntity(ctx, Record{"id": "u1", "name": "A", "email": "x@y.com", "internal": "secret"})
		require.NoError(t, err)

		stored, err := m.Find(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, Record{"id": "u1", "name": "A", "email_address": "x@y.com"}, *stored)
		assert.Len(t, gw.tables["users"], 1)
	})

	t.Run("should generate a missing key", func(t *testing.T) {
		m, _ := newRecordMapper(t, TableDef{Name: "sessions"}, WithKeyGenerator(UUIDKeyGenerator))

		id, err := m.InsertEntity(ctx, Record{"user": "ann"})
		require.NoError(t, err)

		s, ok := id.(string)
		require.True(t, ok)
		_, err = uuid.Parse(s)
		assert.NoError(t, err)

		stored, err := m.Find(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, "ann", (*stored)["user"])
	})
}

func TestMapper_UpdateEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("should update the row with the same key", func(t *testing.T) {
		m, _ := newUserMapper(t)
		_, err := m.InsertEntity(ctx, user{ID: 1, Name: "Ann", Age: 30})
		require.NoError(t, err)
		_, err = m.InsertEntity(ctx, user{ID: 2, Name: "Bob", Age: 40})
		require.NoError(t, err)

		require.NoError(t, m.UpdateEntity(ctx, user{ID: 1, Name: "Anna", Age: 31}))

		u, err := m.Find(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Anna", u.Name)
		assert.Equal(t, 31, u.Age)

		other, err := m.Find(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "Bob", other.Name)
	})

	t.Run("should refuse an entity without key", func(t *testing.T) {
		m, _ := newUserMapper(t)

		err := m.UpdateEntity(ctx, user{Name: "Ann"})
		assert.ErrorIs(t, err, ErrInvalidPrimaryKey)
	})

	t.Run("should stay silent when no row matches", func(t *testing.T) {
		m, _ := newUserMapper(t)

		assert.NoError(t, m.UpdateEntity(ctx, user{ID: 5, Name: "Ghost"}))
		_, err := m.Find(ctx, 5)
		assert.ErrorIs(t, err, ErrKeynotFound)
	})
}

func TestMapper_SaveEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("should insert a new entity", func(t *testing.T) {
		m, _ := newUserMapper(t)

		id, err := m.SaveEntity(ctx, user{Name: "Ann"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)
	})

	t.Run("should update when the key already exists", func(t *testing.T) {
		var buf bytes.Buffer
		m, _ := newUserMapper(t, WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))

		_, err := m.InsertEntity(ctx, user{ID: 1, Name: "Ann"})
		require.NoError(t, err)

		id, err := m.SaveEntity(ctx, user{ID: 1, Name: "Anna"})
		require.NoError(t, err)
		assert.Nil(t, id)

		u, err := m.Find(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Anna", u.Name)

		assert.Contains(t, buf.String(), "updating instead")
		assert.Contains(t, buf.String(), `"table":"users"`)
	})

	t.Run("should propagate other insert failures", func(t *testing.T) {
		m, err := New[user](failingQuerier{err: ErrInvalidQuery}, usersTable)
		require.NoError(t, err)

		_, err = m.SaveEntity(ctx, user{ID: 1, Name: "Ann"})
		assert.ErrorIs(t, err, ErrInvalidQuery)
	})
}

func TestMapper_DeleteEntity(t *testing.T) {
	ctx := context.Background()

	t.Run("should delete by entity and by scalar", func(t *testing.T) {
		m, _ := newUserMapper(t)
		for _, name := range []string{"Ann", "Bob", "Cid"} {
			_, err := m.InsertEntity(ctx, user{Name: name})
			require.NoError(t, err)
		}

		require.NoError(t, m.DeleteEntity(ctx, user{ID: 1}))
		require.NoError(t, m.DeleteEntity(ctx, int64(2)))

		users, err := m.FetchAll(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, "Cid", users[0].Name)
	})

	t.Run("should refuse an entity without key", func(t *testing.T) {
		m, _ := newUserMapper(t)

		err := m.DeleteEntity(ctx, user{Name: "Ann"})
		assert.ErrorIs(t, err, ErrInvalidPrimaryKey)
	})

	t.Run("should stay silent when no row matches", func(t *testing.T) {
		m, _ := newUserMapper(t)

		assert.NoError(t, m.DeleteEntity(ctx, 404))
	})
}

func TestMapper_PrimaryKeyValues(t *testing.T) {
	m, _ := newUserMapper(t)

	kv, err := m.PrimaryKeyValues(user{ID: 3, Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, KeyValues{"id": int64(3)}, kv)

	kv, err = m.PrimaryKeyValues(user{Name: "Ann"})
	require.NoError(t, err)
	assert.Empty(t, kv)
}

type failingQuerier struct {
	err error
}

func (f failingQuerier) Select(context.Context, SelectQuery) (Rows, error) {
	return nil, f.err
}

func (f failingQuerier) Insert(context.Context, TableDef, Row, Transaction) (any, error) {
	return nil, f.err
}

func (f failingQuerier) Update(context.Context, TableDef, Row, *Condition, Transaction) (int64, error) {
	return 0, f.err
}

func (f failingQuerier) Delete(context.Context, TableDef, *Condition, Transaction) (int64, error) {
	return 0, f.err
}

func TestMapper_InsertAll(t *testing.T) {
	ctx := context.Background()

	t.Run("should return every key", func(t *testing.T) {
		m, _ := newUserMapper(t)

		ids, err := m.InsertAll(ctx, []user{{Name: "Ann"}, {ID: 7, Name: "Bob"}, {Name: "Cid"}})
		require.NoError(t, err)
		assert.Equal(t, []any{int64(1), int64(7), int64(8)}, ids)
	})

	t.Run("should stop at the first failure", func(t *testing.T) {
		m, _ := newUserMapper(t)

		ids, err := m.InsertAll(ctx, []user{{ID: 1, Name: "Ann"}, {ID: 1, Name: "Bob"}, {ID: 2, Name: "Cid"}})
		assert.ErrorIs(t, err, ErrKeyAlreadyExists)
		assert.Equal(t, []any{int64(1)}, ids)

		_, err = m.Find(ctx, 2)
		assert.ErrorIs(t, err, ErrKeynotFound)
	})
}

type invoice struct {
	Number string `db:"number"`
	Total  int    `db:"total"`
}

func (invoice) TableDef() TableDef {
	return TableDef{Schema: "billing", Name: "invoices", PrimaryKey: []string{"number"}}
}

func TestNewModelMapper(t *testing.T) {
	ctx := context.Background()
	m, err := NewModelMapper[invoice](NewMemoryGateway())
	require.NoError(t, err)
	assert.Equal(t, "billing.invoices", m.Table().FullTableName())

	_, err = m.InsertEntity(ctx, invoice{Number: "INV-1", Total: 120})
	require.NoError(t, err)

	inv, err := m.Find(ctx, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, 120, inv.Total)
}

func TestMapper_KeyMappings(t *testing.T) {
	ctx := context.Background()
	memberships := TableDef{Name: "memberships", PrimaryKey: []string{"id", "tenant"}}

	t.Run("should delete by a composite key mapping", func(t *testing.T) {
		m, gw := newRecordMapper(t, memberships)
		gw.Seed(memberships,
			Row{"id": 1, "tenant": "acme", "role": "admin"},
			Row{"id": 1, "tenant": "other", "role": "user"},
		)

		require.NoError(t, m.DeleteEntity(ctx, KeyValues{"id": 1, "tenant": "acme"}))

		rest, err := m.FetchAll(ctx)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "other", rest[0]["tenant"])

		err = m.DeleteEntity(ctx, map[string]any{"id": 1})
		assert.ErrorIs(t, err, ErrInvalidPrimaryKey)
	})

	t.Run("should delete a struct entity row by key mapping", func(t *testing.T) {
		m, _ := newUserMapper(t)
		_, err := m.InsertEntity(ctx, user{ID: 1, Name: "Ann"})
		require.NoError(t, err)

		require.NoError(t, m.DeleteEntity(ctx, KeyValues{"id": int64(1)}))
		_, err = m.Find(ctx, 1)
		assert.ErrorIs(t, err, ErrKeynotFound)
	})

	t.Run("should keep extra columns of a key mapping for the validator", func(t *testing.T) {
		m, _ := newRecordMapper(t, memberships)

		kv, err := m.PrimaryKeyValues(map[string]any{"id": "1", "tenant": "a", "x": 1, "zone": ""})
		require.NoError(t, err)
		assert.Equal(t, KeyValues{"id": "1", "tenant": "a", "x": 1}, kv)

		err = m.DeleteEntity(ctx, KeyValues{"id": "1", "tenant": "a", "x": 1})
		var pkErr *InvalidPrimaryKeyError
		require.True(t, errors.As(err, &pkErr))
		assert.Equal(t, []string{"x"}, pkErr.Extra)
	})

	t.Run("should still project a record entity onto the key", func(t *testing.T) {
		m, _ := newRecordMapper(t, memberships)

		kv, err := m.PrimaryKeyValues(Record{"id": 1, "tenant": "acme", "role": "admin"})
		require.NoError(t, err)
		assert.Equal(t, KeyValues{"id": 1, "tenant": "acme"}, kv)
	})
}

func TestMapper_EmptyKeyWithBypass(t *testing.T) {
	ctx := context.Background()

	seeded := func(t *testing.T) (*Mapper[user], *MemoryGateway) {
		m, gw := newUserMapper(t)
		gw.Seed(usersTable, Row{"id": int64(1), "name": "Ann"}, Row{"id": int64(2), "name": "Bob"})
		return m, gw
	}

	t.Run("should refuse a delete without key", func(t *testing.T) {
		m, _ := seeded(t)

		err := m.DisablePrimaryKeyCheckOnce(true).DeleteEntity(ctx, user{Name: "nobody"})
		assert.ErrorIs(t, err, ErrInvalidQuery)

		err = m.DeleteEntity(ctx, KeyValues{}, SkipPrimaryKeyCheck())
		assert.ErrorIs(t, err, ErrInvalidQuery)

		users, err := m.FetchAll(ctx)
		require.NoError(t, err)
		assert.Len(t, users, 2)
	})

	t.Run("should refuse an update without key", func(t *testing.T) {
		m, _ := seeded(t)

		err := m.UpdateEntity(ctx, user{Name: "Everyone"}, SkipPrimaryKeyCheck())
		assert.ErrorIs(t, err, ErrInvalidQuery)

		users, err := m.FetchAll(ctx, WithSorter("id"))
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, "Ann", users[0].Name)
		assert.Equal(t, "Bob", users[1].Name)
	})

	t.Run("should still accept a partial key once bypassed", func(t *testing.T) {
		m, gw := newRecordMapper(t, TableDef{Name: "memberships", PrimaryKey: []string{"id", "tenant"}})
		gw.Seed(m.Table(), Row{"id": 1, "tenant": "acme"}, Row{"id": 2, "tenant": "acme"})

		require.NoError(t, m.DeleteEntity(ctx, KeyValues{"id": 1}, SkipPrimaryKeyCheck()))

		rest, err := m.FetchAll(ctx)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, 2, rest[0]["id"])
	})
}

type recordingQuerier struct {
	failingQuerier
	selects []SelectQuery
}

func (r *recordingQuerier) Select(_ context.Context, q SelectQuery) (Rows, error) {
	r.selects = append(r.selects, q)
	return &memoryRows{pos: -1}, nil
}

func TestMapper_FindWithJoins(t *testing.T) {
	ctx := context.Background()
	td := TableDef{
		Name:  "users",
		Joins: []Join{{Table: "roles", On: "roles.id = users.role_id"}},
	}

	q := &recordingQuerier{failingQuerier: failingQuerier{err: ErrUnsupported}}
	m, err := New[Record](q, td)
	require.NoError(t, err)

	t.Run("should qualify key columns with the table name", func(t *testing.T) {
		_, err := m.Find(ctx, 1)
		assert.ErrorIs(t, err, ErrKeynotFound)

		require.Len(t, q.selects, 1)
		assert.Equal(t, Eq("users.id", 1), q.selects[0].Where)

		qry, args, err := buildSelect(DialectPostgres, q.selects[0])
		require.NoError(t, err)
		assert.Equal(t, "SELECT users.*,roles.* FROM users INNER JOIN roles ON roles.id = users.role_id WHERE users.id = $1", qry)
		assert.Equal(t, []any{1}, args)
	})

	t.Run("should leave qualified key columns untouched", func(t *testing.T) {
		q.selects = nil

		_, err := m.Find(ctx, KeyValues{"roles.id": 2}, SkipPrimaryKeyCheck())
		assert.ErrorIs(t, err, ErrKeynotFound)

		require.Len(t, q.selects, 1)
		assert.Equal(t, Eq("roles.id", 2), q.selects[0].Where)
	})

	t.Run("should keep bare key columns without joins", func(t *testing.T) {
		plain := &recordingQuerier{failingQuerier: failingQuerier{err: ErrUnsupported}}
		pm, err := New[Record](plain, TableDef{Name: "users"})
		require.NoError(t, err)

		_, err = pm.Find(ctx, 1)
		assert.ErrorIs(t, err, ErrKeynotFound)
		require.Len(t, plain.selects, 1)
		assert.Equal(t, Eq("id", 1), plain.selects[0].Where)
	})
}
