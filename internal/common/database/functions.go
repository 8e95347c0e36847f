package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/renstrom/shortuuid"

	"github.com/tripmill/tripmill/internal/configuration"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/current/libpq-connect.html#LIBPQ-CONNSTRING
	result := ""
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	for k, v := range values {
		result += k + "='" + replacer.Replace(v) + "' "
	}
	return result
}

func OpenPgxPool(config configuration.PostgresConfig) (*pgxpool.Pool, error) {
	db, err := pgxpool.Connect(context.Background(), CreateConnectionString(config.Connection))
	if err != nil {
		return nil, err
	}
	err = db.Ping(context.Background())
	return db, err
}

// UniqueTableName returns a name for a staging table that is unique per
// invocation, so concurrent loads on the same session pool never collide.
// Table names must start with an alphabetic character.
func UniqueTableName(table string) string {
	suffix := strings.ToLower(shortuuid.New())
	return fmt.Sprintf("a%s_tmp_%s", table, suffix)
}
