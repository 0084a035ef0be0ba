package datamapper

import (
	"fmt"
	"net/url"

	"github.com/go-playground/validator/v10"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type PGConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     string `yaml:"port" validate:"required,numeric"`
	Database string `yaml:"database" validate:"required"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

var configValidator = validator.New()

func (c PGConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	return nil
}

func (c PGConfig) URL() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

// ConnectPostgresql opens a pool through the pgx stdlib driver.
func ConnectPostgresql(config PGConfig) (*sqlx.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return sqlx.Open("pgx", config.URL())
}

// ConnectLibPQ opens a pool through lib/pq, for setups that still rely on
// its connection string handling.
func ConnectLibPQ(config PGConfig) (*sqlx.DB, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return sqlx.Open("postgres", config.URL())
}
