package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/christophengelmayer/flow-oauth2-client/internal/oauth"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS authorizations (
	authorization_id TEXT PRIMARY KEY,
	client_id        TEXT NOT NULL,
	client_secret    TEXT NOT NULL,
	service_name     TEXT NOT NULL,
	grant_type       TEXT NOT NULL,
	access_token     TEXT NOT NULL,
	refresh_token    TEXT NOT NULL DEFAULT '',
	expires          TIMESTAMP,
	scope            TEXT NOT NULL DEFAULT '',
	token_values     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_authorizations_expires ON authorizations(expires);
`

// SQLiteRepository stores Authorization records in a SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database file and runs the
// schema migration. Use ":memory:" for an ephemeral database in tests.
func NewSQLiteRepository(databasePath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", databasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Find(ctx context.Context, authorizationID string) (*oauth.Authorization, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT authorization_id, client_id, client_secret, service_name, grant_type,
		       access_token, refresh_token, expires, scope, token_values
		FROM authorizations WHERE authorization_id = ?`, authorizationID)

	authorization, err := scanAuthorization(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}
	return authorization, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, authorization *oauth.Authorization) error {
	tokenValues, expires, err := encodeAuthorization(authorization)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO authorizations
			(authorization_id, client_id, client_secret, service_name, grant_type,
			 access_token, refresh_token, expires, scope, token_values)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(authorization_id) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			service_name = excluded.service_name,
			grant_type = excluded.grant_type,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires = excluded.expires,
			scope = excluded.scope,
			token_values = excluded.token_values`,
		authorization.AuthorizationID, authorization.ClientID, authorization.ClientSecret,
		authorization.ServiceName, string(authorization.GrantType), authorization.AccessToken,
		authorization.RefreshToken, expires, authorization.Scope, tokenValues)
	if err != nil {
		return fmt.Errorf("failed to save authorization: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, authorizationID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM authorizations WHERE authorization_id = ?`, authorizationID); err != nil {
		return fmt.Errorf("failed to delete authorization: %w", err)
	}
	return nil
}

// Replace removes any prior record and inserts the new one inside a
// single transaction.
func (r *SQLiteRepository) Replace(ctx context.Context, authorization *oauth.Authorization) error {
	tokenValues, expires, err := encodeAuthorization(authorization)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM authorizations WHERE authorization_id = ?`, authorization.AuthorizationID); err != nil {
		return fmt.Errorf("failed to delete prior authorization: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO authorizations
			(authorization_id, client_id, client_secret, service_name, grant_type,
			 access_token, refresh_token, expires, scope, token_values)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		authorization.AuthorizationID, authorization.ClientID, authorization.ClientSecret,
		authorization.ServiceName, string(authorization.GrantType), authorization.AccessToken,
		authorization.RefreshToken, expires, authorization.Scope, tokenValues); err != nil {
		return fmt.Errorf("failed to insert authorization: %w", err)
	}

	return tx.Commit()
}

func (r *SQLiteRepository) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*oauth.Authorization, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT authorization_id, client_id, client_secret, service_name, grant_type,
		       access_token, refresh_token, expires, scope, token_values
		FROM authorizations
		WHERE expires IS NOT NULL AND expires < ?
		ORDER BY expires`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring authorizations: %w", err)
	}
	defer rows.Close()

	var result []*oauth.Authorization
	for rows.Next() {
		authorization, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan authorization: %w", err)
		}
		result = append(result, authorization)
	}
	return result, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuthorization(row rowScanner) (*oauth.Authorization, error) {
	var (
		authorization oauth.Authorization
		grantType     string
		expires       sql.NullTime
		tokenValues   string
	)

	err := row.Scan(
		&authorization.AuthorizationID, &authorization.ClientID, &authorization.ClientSecret,
		&authorization.ServiceName, &grantType, &authorization.AccessToken,
		&authorization.RefreshToken, &expires, &authorization.Scope, &tokenValues)
	if err != nil {
		return nil, err
	}

	authorization.GrantType = oauth.GrantType(grantType)
	if expires.Valid {
		t := expires.Time
		authorization.Expires = &t
	}
	if tokenValues != "" && tokenValues != "{}" {
		if err := json.Unmarshal([]byte(tokenValues), &authorization.TokenValues); err != nil {
			return nil, fmt.Errorf("failed to decode token values: %w", err)
		}
	}

	return &authorization, nil
}

func encodeAuthorization(authorization *oauth.Authorization) (string, sql.NullTime, error) {
	tokenValues := "{}"
	if len(authorization.TokenValues) > 0 {
		encoded, err := json.Marshal(authorization.TokenValues)
		if err != nil {
			return "", sql.NullTime{}, fmt.Errorf("failed to encode token values: %w", err)
		}
		tokenValues = string(encoded)
	}

	var expires sql.NullTime
	if authorization.Expires != nil {
		expires = sql.NullTime{Time: authorization.Expires.UTC(), Valid: true}
	}

	return tokenValues, expires, nil
}

var _ oauth.Repository = (*SQLiteRepository)(nil)
