// Package session looks sessions up in the relational store, flattening
// the user row into the field mapping templates read from.
package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// Store resolves session ids against the users table.
type Store struct {
	DB *sqlx.DB
}

// Lookup returns the field mapping for the session id. An empty mapping
// means no such session. The 24h caching of results happens in the data
// store, keyed under session_<id>.
func (s *Store) Lookup(ctx context.Context, id string) (map[string]string, error) {
	if s == nil || s.DB == nil || id == "" {
		return map[string]string{}, nil
	}
	log.Infof("Looking up session %s", id)
	rows, err := s.DB.QueryxContext(ctx, "SELECT * FROM users WHERE id = $1", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return map[string]string{}, rows.Err()
	}
	row := map[string]interface{}{}
	if err := rows.MapScan(row); err != nil {
		return nil, err
	}
	return Flatten(row), rows.Err()
}

// Flatten stringifies a scanned row; NULLs flatten to the empty string.
func Flatten(row map[string]interface{}) map[string]string {
	out := make(map[string]string, len(row))
	for column, value := range row {
		out[column] = stringify(value)
	}
	return out
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case []byte:
		return string(v)
	case string:
		return v
	case sql.RawBytes:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
