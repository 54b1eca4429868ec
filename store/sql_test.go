package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRebindPostgres(t *testing.T) {
	s := &SQLStore{driver: "postgres"}
	assert.Equal(t,
		"INSERT INTO t (a, b) VALUES ($1, $2)",
		s.rebind("INSERT INTO t (a, b) VALUES (?, ?)"))
}

func TestRebindPassThrough(t *testing.T) {
	for _, driver := range []string{"sqlite3", "mysql"} {
		s := &SQLStore{driver: driver}
		query := "SELECT * FROM t WHERE a = ? AND b = ?"
		assert.Equal(t, query, s.rebind(query))
	}
}
