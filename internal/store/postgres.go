package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/christophengelmayer/flow-oauth2-client/internal/oauth"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS authorizations (
	authorization_id TEXT PRIMARY KEY,
	client_id        TEXT NOT NULL,
	client_secret    TEXT NOT NULL,
	service_name     TEXT NOT NULL,
	grant_type       TEXT NOT NULL,
	access_token     TEXT NOT NULL,
	refresh_token    TEXT NOT NULL DEFAULT '',
	expires          TIMESTAMPTZ,
	scope            TEXT NOT NULL DEFAULT '',
	token_values     JSONB NOT NULL DEFAULT '{}'::jsonb
);
CREATE INDEX IF NOT EXISTS idx_authorizations_expires ON authorizations(expires);
`

// PostgresRepository stores Authorization records in PostgreSQL via a
// pgx connection pool, making it safe to share across instances.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects to the database and runs the schema
// migration.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Find(ctx context.Context, authorizationID string) (*oauth.Authorization, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT authorization_id, client_id, client_secret, service_name, grant_type,
		       access_token, refresh_token, expires, scope, token_values
		FROM authorizations WHERE authorization_id = $1`, authorizationID)

	authorization, err := scanPostgresAuthorization(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}
	return authorization, nil
}

func (r *PostgresRepository) Save(ctx context.Context, authorization *oauth.Authorization) error {
	tokenValues, err := encodeTokenValues(authorization)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO authorizations
			(authorization_id, client_id, client_secret, service_name, grant_type,
			 access_token, refresh_token, expires, scope, token_values)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (authorization_id) DO UPDATE SET
			client_id = EXCLUDED.client_id,
			client_secret = EXCLUDED.client_secret,
			service_name = EXCLUDED.service_name,
			grant_type = EXCLUDED.grant_type,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires = EXCLUDED.expires,
			scope = EXCLUDED.scope,
			token_values = EXCLUDED.token_values`,
		authorization.AuthorizationID, authorization.ClientID, authorization.ClientSecret,
		authorization.ServiceName, string(authorization.GrantType), authorization.AccessToken,
		authorization.RefreshToken, authorization.Expires, authorization.Scope, tokenValues)
	if err != nil {
		return fmt.Errorf("failed to save authorization: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, authorizationID string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM authorizations WHERE authorization_id = $1`, authorizationID); err != nil {
		return fmt.Errorf("failed to delete authorization: %w", err)
	}
	return nil
}

// Replace removes any prior record and inserts the new one inside a
// single transaction.
func (r *PostgresRepository) Replace(ctx context.Context, authorization *oauth.Authorization) error {
	tokenValues, err := encodeTokenValues(authorization)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM authorizations WHERE authorization_id = $1`, authorization.AuthorizationID); err != nil {
		return fmt.Errorf("failed to delete prior authorization: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO authorizations
			(authorization_id, client_id, client_secret, service_name, grant_type,
			 access_token, refresh_token, expires, scope, token_values)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		authorization.AuthorizationID, authorization.ClientID, authorization.ClientSecret,
		authorization.ServiceName, string(authorization.GrantType), authorization.AccessToken,
		authorization.RefreshToken, authorization.Expires, authorization.Scope, tokenValues); err != nil {
		return fmt.Errorf("failed to insert authorization: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*oauth.Authorization, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT authorization_id, client_id, client_secret, service_name, grant_type,
		       access_token, refresh_token, expires, scope, token_values
		FROM authorizations
		WHERE expires IS NOT NULL AND expires < $1
		ORDER BY expires`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring authorizations: %w", err)
	}
	defer rows.Close()

	var result []*oauth.Authorization
	for rows.Next() {
		authorization, err := scanPostgresAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan authorization: %w", err)
		}
		result = append(result, authorization)
	}
	return result, rows.Err()
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func scanPostgresAuthorization(row pgx.Row) (*oauth.Authorization, error) {
	var (
		authorization oauth.Authorization
		grantType     string
		expires       *time.Time
		tokenValues   []byte
	)

	err := row.Scan(
		&authorization.AuthorizationID, &authorization.ClientID, &authorization.ClientSecret,
		&authorization.ServiceName, &grantType, &authorization.AccessToken,
		&authorization.RefreshToken, &expires, &authorization.Scope, &tokenValues)
	if err != nil {
		return nil, err
	}

	authorization.GrantType = oauth.GrantType(grantType)
	authorization.Expires = expires
	if len(tokenValues) > 0 && string(tokenValues) != "{}" {
		if err := json.Unmarshal(tokenValues, &authorization.TokenValues); err != nil {
			return nil, fmt.Errorf("failed to decode token values: %w", err)
		}
	}

	return &authorization, nil
}

func encodeTokenValues(authorization *oauth.Authorization) ([]byte, error) {
	if len(authorization.TokenValues) == 0 {
		return []byte("{}"), nil
	}
	encoded, err := json.Marshal(authorization.TokenValues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode token values: %w", err)
	}
	return encoded, nil
}

var _ oauth.Repository = (*PostgresRepository)(nil)
