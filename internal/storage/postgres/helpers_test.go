// Package postgres provides a PostgreSQL implementation of the storage backend.
// This file contains test helpers only available during testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from every table.
// It is defined in the postgres package (not the _test package) so it has
// access to the unexported db field.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE memory_records, snapshot_meta, audit_log RESTART IDENTITY")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
