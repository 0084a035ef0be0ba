package datamapper

// Model is implemented by entities that carry their own table definition.
// TableDef must work on the zero value of the type.
type Model interface {
	TableDef() TableDef
}

// NewModelMapper is New with the table definition taken from T.
func NewModelMapper[T Model](q Querier, options ...MapperOption) (*Mapper[T], error) {
	var entity T
	return New[T](q, entity.TableDef(), options...)
}
