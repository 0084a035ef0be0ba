package datamapper

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPrimaryKey is used when a TableDef declares no primary key column.
const DefaultPrimaryKey = "id"

type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinOuter JoinType = "outer"
)

// TableDef is the per-mapper configuration: which table, which key, which
// columns to read and how entity fields are shaped before a write.
type TableDef struct {
	Schema     string   `yaml:"schema"`
	Name       string   `yaml:"name" validate:"required"`
	PrimaryKey []string `yaml:"primary_key" validate:"dive,required"`
	// Columns is the read projection. Empty means every column.
	Columns []string `yaml:"columns" validate:"dive,required"`
	Joins   []Join   `yaml:"joins" validate:"dive"`
	// WriteFilter lists the entity fields allowed into a row. Nil disables filtering.
	WriteFilter []string `yaml:"write_filter"`
	// RenameMap maps an entity field to the column it is written to.
	RenameMap map[string]string `yaml:"rename_map" validate:"dive,keys,required,endkeys,required"`
}

type Join struct {
	Table   string   `yaml:"table" validate:"required"`
	On      string   `yaml:"on" validate:"required"`
	Columns []string `yaml:"columns"`
	Type    JoinType `yaml:"type" validate:"omitempty,oneof=inner left right outer"`
}

func (td TableDef) FullTableName() string {
	name := td.Name
	if td.Schema != "" {
		name = fmt.Sprintf("%s.%s", td.Schema, td.Name)
	}
	return name
}

// Validate checks the definition and fills the default primary key.
func (td *TableDef) Validate() error {
	if len(td.PrimaryKey) == 0 {
		td.PrimaryKey = []string{DefaultPrimaryKey}
	}

	if err := tableValidator.Struct(td); err != nil {
		return fmt.Errorf("%w: table %q: %s", ErrInvalidConfig, td.Name, err.Error())
	}

	seen := make(map[string]struct{}, len(td.PrimaryKey))
	for _, k := range td.PrimaryKey {
		if _, ok := seen[k]; ok {
			return fmt.Errorf("%w: table %q: duplicate primary key column %s", ErrInvalidConfig, td.Name, k)
		}
		seen[k] = struct{}{}
	}

	return nil
}

func (td TableDef) clone() TableDef {
	c := td
	c.PrimaryKey = append([]string(nil), td.PrimaryKey...)
	c.Columns = append([]string(nil), td.Columns...)
	c.Joins = sliceMap(td.Joins, func(j Join) Join {
		j.Columns = append([]string(nil), j.Columns...)
		return j
	})
	if td.WriteFilter != nil {
		c.WriteFilter = append([]string{}, td.WriteFilter...)
	}
	if td.RenameMap != nil {
		c.RenameMap = make(map[string]string, len(td.RenameMap))
		for k, v := range td.RenameMap {
			c.RenameMap[k] = v
		}
	}
	return c
}

func (j Join) keyword() string {
	switch JoinType(strings.ToLower(string(j.Type))) {
	case JoinLeft:
		return "LEFT JOIN"
	case JoinRight:
		return "RIGHT JOIN"
	case JoinOuter:
		return "FULL OUTER JOIN"
	default:
		return "INNER JOIN"
	}
}

var tableValidator = validator.New()

// ParseTableDefs reads a YAML document holding a list of table definitions
// keyed by name:
//
//	users:
//	  name: users
//	  primary_key: [id]
//	  write_filter: [name, email]
//	  rename_map:
//	    email: email_address
func ParseTableDefs(r io.Reader) (map[string]TableDef, error) {
	defs := make(map[string]TableDef)
	if err := yaml.NewDecoder(r).Decode(&defs); err != nil {
		if err == io.EOF {
			return defs, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}

	for key, td := range defs {
		if td.Name == "" {
			td.Name = key
		}
		if err := td.Validate(); err != nil {
			return nil, err
		}
		defs[key] = td
	}

	return defs, nil
}
