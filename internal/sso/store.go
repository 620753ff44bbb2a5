package sso

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// RecordStore persists issued-token records in SQLite for audit and
// revocation. Token strings themselves are never stored, only claims
// metadata.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore opens (and initializes) the token record database.
func NewRecordStore(path string) (*RecordStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	rs := &RecordStore{db: db}
	if err := rs.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize token store: %w", err)
	}
	return rs, nil
}

func (rs *RecordStore) initDB() error {
	_, err := rs.db.Exec(`
		CREATE TABLE IF NOT EXISTS issued_tokens (
			jti TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			token_type TEXT NOT NULL,
			app_id TEXT,
			issued_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			revoked INTEGER DEFAULT 0
		)
	`)
	if err != nil {
		return err
	}
	_, err = rs.db.Exec(`CREATE INDEX IF NOT EXISTS idx_issued_tokens_principal ON issued_tokens(principal)`)
	return err
}

// Record stores an issued-token entry.
func (rs *RecordStore) Record(jti, principal, tokenType, appID string, expiry time.Time) error {
	_, err := rs.db.Exec(
		"INSERT INTO issued_tokens (jti, principal, token_type, app_id, issued_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)",
		jti, principal, tokenType, appID, time.Now().Unix(), expiry.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record token: %w", err)
	}
	return nil
}

// IsRevoked reports whether a jti has been revoked. Unknown jtis are not
// revoked; the signature and expiry checks already gate them.
func (rs *RecordStore) IsRevoked(jti string) (bool, error) {
	var revoked int
	err := rs.db.QueryRow("SELECT revoked FROM issued_tokens WHERE jti = ?", jti).Scan(&revoked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database error: %w", err)
	}
	return revoked != 0, nil
}

// Revoke marks a jti as revoked.
func (rs *RecordStore) Revoke(jti string) error {
	res, err := rs.db.Exec("UPDATE issued_tokens SET revoked = 1 WHERE jti = ?", jti)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown jti %s", jti)
	}
	return nil
}

// RevokeAllForPrincipal revokes every live token issued to a principal.
func (rs *RecordStore) RevokeAllForPrincipal(principal string) error {
	_, err := rs.db.Exec("UPDATE issued_tokens SET revoked = 1 WHERE principal = ?", principal)
	return err
}

// Cleanup removes expired and revoked records.
func (rs *RecordStore) Cleanup() (int64, error) {
	result, err := rs.db.Exec(
		"DELETE FROM issued_tokens WHERE revoked = 1 OR expires_at < ?",
		time.Now().Unix(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the underlying database.
func (rs *RecordStore) Close() error {
	return rs.db.Close()
}
