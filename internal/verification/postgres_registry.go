package verification

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry persists outcomes in a PostgreSQL table.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

const createVerificationsSQL = `
CREATE TABLE IF NOT EXISTS identity_verifications (
    address TEXT PRIMARY KEY,
    verified BOOLEAN NOT NULL,
    verified_at TIMESTAMPTZ NOT NULL
);
`

// NewPostgresRegistry ensures the table exists on an existing pool.
func NewPostgresRegistry(ctx context.Context, pool *pgxpool.Pool) (*PostgresRegistry, error) {
	if pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, createVerificationsSQL); err != nil {
		return nil, err
	}
	return &PostgresRegistry{pool: pool}, nil
}

func (p *PostgresRegistry) IsVerified(ctx context.Context, addr common.Address) (bool, error) {
	var verified bool
	err := p.pool.QueryRow(ctx, `
SELECT verified FROM identity_verifications WHERE address = $1
`, addressKey(addr)).Scan(&verified)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return verified, err
}

func (p *PostgresRegistry) Lookup(ctx context.Context, addr common.Address) (Outcome, bool, error) {
	out := Outcome{Address: addr}
	err := p.pool.QueryRow(ctx, `
SELECT verified, verified_at FROM identity_verifications WHERE address = $1
`, addressKey(addr)).Scan(&out.Verified, &out.At)
	if errors.Is(err, pgx.ErrNoRows) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	return out, true, nil
}

func (p *PostgresRegistry) Record(ctx context.Context, outcome Outcome) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO identity_verifications (address, verified, verified_at)
VALUES ($1, $2, $3)
ON CONFLICT (address) DO UPDATE
SET verified = EXCLUDED.verified,
    verified_at = EXCLUDED.verified_at
WHERE identity_verifications.verified_at <= EXCLUDED.verified_at
`, addressKey(outcome.Address), outcome.Verified, outcome.At)
	return err
}

func addressKey(addr common.Address) string {
	return common.Bytes2Hex(addr.Bytes())
}
