package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresResolver reads voice profiles from the platform's voice_personas
// table. The table is owned by the admin plane; this resolver is read-only.
type PostgresResolver struct {
	pool *pgxpool.Pool
}

func NewPostgresResolver(ctx context.Context, databaseURL string) (*PostgresResolver, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresResolver{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS voice_personas (
		name TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		voice_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		stability DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		similarity_boost DOUBLE PRECISION NOT NULL DEFAULT 0.8,
		speed DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		system_prompt TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init schema failed: %w", err)
	}
	return nil
}

func (r *PostgresResolver) Resolve(ctx context.Context, voiceName string) (Profile, error) {
	var p Profile
	err := r.pool.QueryRow(ctx,
		`SELECT name, display_name, voice_id, model_id, stability, similarity_boost, speed, system_prompt
		 FROM voice_personas WHERE name=$1 AND active`,
		strings.ToLower(strings.TrimSpace(voiceName)),
	).Scan(&p.Name, &p.DisplayName, &p.VoiceID, &p.ModelID, &p.Stability, &p.SimilarityBoost, &p.Speed, &p.SystemPrompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("resolve persona: %w", err)
	}
	return p, nil
}

func (r *PostgresResolver) Close() error {
	r.pool.Close()
	return nil
}
