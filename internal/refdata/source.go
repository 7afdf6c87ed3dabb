package refdata

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rfeldman/ricmux/internal/model"
)

// Source loads the instrument universe from backing storage.
type Source interface {
	LoadInstruments(ctx context.Context) ([]model.Instrument, error)
}

const instrumentQuery = `
SELECT ric, description, enabled, (extract(epoch FROM updated_at) * 1000000)::bigint
FROM instruments
ORDER BY ric`

// PGSource reads the instruments table through a pgx pool.
type PGSource struct {
	pool *pgxpool.Pool
}

// NewPGSource creates a Postgres-backed instrument source.
func NewPGSource(pool *pgxpool.Pool) *PGSource {
	return &PGSource{pool: pool}
}

// LoadInstruments fetches every instrument row.
func (s *PGSource) LoadInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx, instrumentQuery)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var instruments []model.Instrument
	for rows.Next() {
		var inst model.Instrument
		if err := rows.Scan(&inst.RIC, &inst.Description, &inst.Enabled, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		instruments = append(instruments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instruments: %w", err)
	}

	return instruments, nil
}
