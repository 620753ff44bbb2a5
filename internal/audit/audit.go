// Package audit provides a tamper-evident trail of tunnel security
// events. Entries form a hash-linked chain where each entry carries the
// hash of the previous one, making after-the-fact edits detectable.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("idv-audit")

// Event types
const (
	EventHandshake       = "tunnel.handshake"
	EventSessionReplaced = "tunnel.session_replaced"
	EventSessionClosed   = "tunnel.session_closed"
	EventAuthSuccess     = "auth.success"
	EventAuthFailure     = "auth.failure"
	EventAuthRateLimited = "auth.rate_limited"
	EventVaultAccess     = "vault.access"
	EventVaultRefused    = "vault.refused"
	EventSSOIssued       = "sso.issued"
	EventAppTokenIssued  = "sso.app_token"
	EventDecryptFailure  = "tunnel.decrypt_failure"
)

// Severity levels
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Errors
var (
	ErrTrailTampered = errors.New("audit trail tampering detected")
	ErrEntryNotFound = errors.New("audit entry not found")
)

const (
	trailDBFile = "audit.db"

	// genesisHash anchors the first entry of the chain.
	genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"
)

// Entry is a single audit trail record.
type Entry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	Severity     string    `json:"severity"`
	Peer         string    `json:"peer,omitempty"`
	Principal    string    `json:"principal,omitempty"`
	Description  string    `json:"description"`
	Details      string    `json:"details,omitempty"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// Trail is an append-only hash-linked event log backed by SQLite.
// A nil Trail is safe to record against and drops the event.
type Trail struct {
	db       *sql.DB
	lastHash string
	mu       sync.Mutex
}

// NewTrail opens (or creates) the audit trail under basePath.
func NewTrail(basePath string) (*Trail, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	dbPath := filepath.Join(basePath, trailDBFile)
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	t := &Trail{db: db, lastHash: genesisHash}
	if err := t.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit database: %w", err)
	}
	if err := t.loadLastHash(); err != nil {
		log.Warnf("Failed to load last audit hash: %v", err)
	}
	return t, nil
}

func (t *Trail) initDB() error {
	_, err := t.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_trail (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			peer TEXT,
			principal TEXT,
			description TEXT NOT NULL,
			details TEXT,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL UNIQUE
		)
	`)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_trail(timestamp)`)
	if err != nil {
		return err
	}
	_, err = t.db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_trail(event_type)`)
	return err
}

func (t *Trail) loadLastHash() error {
	var hash string
	err := t.db.QueryRow(`SELECT entry_hash FROM audit_trail ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if err == sql.ErrNoRows {
		t.lastHash = genesisHash
		return nil
	} else if err != nil {
		return err
	}
	t.lastHash = hash
	return nil
}

// Record appends one event to the trail. Recording never blocks the
// caller's request path on failure; errors are logged and returned.
func (t *Trail) Record(eventType, severity, peer, principal, description string, details map[string]interface{}) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	timestamp := time.Now().UTC()

	var detailsJSON string
	if details != nil {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		detailsJSON = string(data)
	}

	entry := Entry{
		Timestamp:    timestamp,
		EventType:    eventType,
		Severity:     severity,
		Peer:         peer,
		Principal:    principal,
		Description:  description,
		Details:      detailsJSON,
		PreviousHash: t.lastHash,
	}
	entry.EntryHash = computeEntryHash(entry)

	_, err := t.db.Exec(`
		INSERT INTO audit_trail (timestamp, event_type, severity, peer, principal,
			description, details, previous_hash, entry_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, timestamp.Unix(), eventType, severity, peer, principal,
		description, detailsJSON, t.lastHash, entry.EntryHash)
	if err != nil {
		log.Warnf("Failed to write audit entry: %v", err)
		return fmt.Errorf("failed to write audit entry: %w", err)
	}

	t.lastHash = entry.EntryHash
	log.Debugf("Audit: [%s] %s - %s", eventType, severity, description)
	return nil
}

func computeEntryHash(e Entry) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s",
		e.Timestamp.Unix(), e.EventType, e.Severity, e.Peer,
		e.Principal, e.Description, e.Details, e.PreviousHash)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks the whole trail and checks every link.
func (t *Trail) VerifyChain() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rows, err := t.db.Query(`
		SELECT id, timestamp, event_type, severity, peer, principal,
			description, details, previous_hash, entry_hash
		FROM audit_trail ORDER BY id ASC
	`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	expectedPrev := genesisHash
	var count int

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return false, fmt.Errorf("failed to scan entry: %w", err)
		}

		if entry.PreviousHash != expectedPrev {
			log.Errorf("Chain break at entry %d: expected prev hash %s, got %s",
				entry.ID, expectedPrev, entry.PreviousHash)
			return false, ErrTrailTampered
		}
		if computed := computeEntryHash(entry); entry.EntryHash != computed {
			log.Errorf("Hash mismatch at entry %d: stored %s, computed %s",
				entry.ID, entry.EntryHash, computed)
			return false, ErrTrailTampered
		}

		expectedPrev = entry.EntryHash
		count++
	}

	log.Infof("Audit chain verified: %d entries, integrity OK", count)
	return true, rows.Err()
}

// QueryOptions filters trail queries.
type QueryOptions struct {
	EventType string
	Peer      string
	Principal string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Query retrieves trail entries matching the options, newest first.
func (t *Trail) Query(opts QueryOptions) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	query := `
		SELECT id, timestamp, event_type, severity, peer, principal,
			description, details, previous_hash, entry_hash
		FROM audit_trail WHERE 1=1
	`
	var args []interface{}

	if opts.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, opts.EventType)
	}
	if opts.Peer != "" {
		query += " AND peer = ?"
		args = append(args, opts.Peer)
	}
	if opts.Principal != "" {
		query += " AND principal = ?"
		args = append(args, opts.Principal)
	}
	if !opts.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, opts.Since.Unix())
	}
	if !opts.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, opts.Until.Unix())
	}

	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var entry Entry
	var timestamp int64
	var peer, principal, details sql.NullString

	err := rows.Scan(&entry.ID, &timestamp, &entry.EventType, &entry.Severity,
		&peer, &principal, &entry.Description, &details,
		&entry.PreviousHash, &entry.EntryHash)
	if err != nil {
		return Entry{}, err
	}

	entry.Timestamp = time.Unix(timestamp, 0)
	entry.Peer = peer.String
	entry.Principal = principal.String
	entry.Details = details.String
	return entry, nil
}

// Count returns the total number of trail entries.
func (t *Trail) Count() (int64, error) {
	var count int64
	err := t.db.QueryRow("SELECT COUNT(*) FROM audit_trail").Scan(&count)
	return count, err
}

// LastHash returns the hash of the most recent entry.
func (t *Trail) LastHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastHash
}

// Export serializes the whole trail to JSON.
func (t *Trail) Export() ([]byte, error) {
	entries, err := t.Query(QueryOptions{})
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(entries, "", "  ")
}

// Close closes the underlying database.
func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	return t.db.Close()
}

// Convenience recorders for the tunnel's common events.

// RecordAuth records an authentication attempt outcome.
func (t *Trail) RecordAuth(peer, principal string, success bool) {
	if success {
		_ = t.Record(EventAuthSuccess, SeverityInfo, peer, principal,
			fmt.Sprintf("Principal %s authenticated", principal), nil)
		return
	}
	_ = t.Record(EventAuthFailure, SeverityWarning, peer, principal,
		fmt.Sprintf("Authentication failed for %s", principal), nil)
}

// RecordVaultAccess records a vault payload retrieval.
func (t *Trail) RecordVaultAccess(peer, principal, vaultRef string) {
	_ = t.Record(EventVaultAccess, SeverityInfo, peer, principal,
		"Vault payload retrieved", map[string]interface{}{"vault_ref": vaultRef})
}

// RecordDecryptFailure records an envelope that failed authentication.
func (t *Trail) RecordDecryptFailure(peer string) {
	_ = t.Record(EventDecryptFailure, SeverityCritical, peer, "",
		"Envelope failed authenticated decryption", nil)
}
