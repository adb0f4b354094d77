package postgres

import (
	"context"
	"fmt"
)

// Stats summarises harvesting coverage.
type Stats struct {
	Versions  int64 `json:"versions"`
	Harvested int64 `json:"harvested"`
	Pending   int64 `json:"pending"`
}

// EnsureSchema creates the documents table when it does not exist yet.
// The artifacts and versions tables are owned by the indexer and must exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	c, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer release()

	if _, err := c.Exec(ctx, s.queries.createTable); err != nil {
		return fmt.Errorf("create table %s: %w", s.queries.table, err)
	}
	return nil
}

// Stats reports how many versions exist, how many have a stored document,
// and how many are still pending.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	c, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer release()

	var st Stats
	if err := c.QueryRow(ctx, s.queries.stats).Scan(&st.Versions, &st.Harvested); err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	if err := c.QueryRow(ctx, s.queries.countPending).Scan(&st.Pending); err != nil {
		return Stats{}, fmt.Errorf("count pending versions: %w", err)
	}
	return st, nil
}
