package datamapper

import "sort"

// assertValidPrimaryKey fails unless the keys of kv are exactly the declared
// primary key columns. A call scoped skip lets the call through and leaves a
// pending one shot bypass for the next validation; otherwise the bypass is
// consumed by this one.
func (m *Mapper[T]) assertValidPrimaryKey(kv KeyValues, skip bool) error {
	if skip {
		return nil
	}

	if m.skipNextKeyCheck.Swap(false) {
		m.logger.Debug().Msg("primary key check bypassed once")
		return nil
	}

	var missing, extra []string
	for _, col := range m.table.PrimaryKey {
		if _, ok := kv[col]; !ok {
			missing = append(missing, col)
		}
	}

	for col := range kv {
		if !sliceContains(m.table.PrimaryKey, col) {
			extra = append(extra, col)
		}
	}

	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	sort.Strings(extra)
	return &InvalidPrimaryKeyError{
		Table:   m.table.Name,
		Missing: missing,
		Extra:   extra,
	}
}

// DisablePrimaryKeyCheckOnce makes the next primary key validation of this
// mapper succeed. Passing false cancels a pending bypass. The bypass is
// shared by every goroutine using the mapper; SkipPrimaryKeyCheck is the
// per call alternative.
func (m *Mapper[T]) DisablePrimaryKeyCheckOnce(disable bool) *Mapper[T] {
	m.skipNextKeyCheck.Store(disable)
	return m
}
