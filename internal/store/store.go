// Package store provides SQLite-backed persistence for cadence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/cadence/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the cadence SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewWithDB wraps an already-open, already-migrated database.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prospects (
		campaign_id TEXT NOT NULL,
		identity_key TEXT NOT NULL,
		stage TEXT NOT NULL,
		scheduled_next_action_at DATETIME,
		body TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (campaign_id, identity_key)
	);

	CREATE TABLE IF NOT EXISTS action_records (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL,
		action_class TEXT NOT NULL,
		at DATETIME NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT
	);

	CREATE TABLE IF NOT EXISTS admission (
		scope TEXT PRIMARY KEY,
		policy TEXT NOT NULL,
		state TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cycle_runs (
		id TEXT PRIMARY KEY,
		campaign_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		body TEXT NOT NULL,
		started_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL UNIQUE,
		holder_id TEXT NOT NULL,
		lock_type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		campaign_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_prospects_stage ON prospects(campaign_id, stage);
	CREATE INDEX IF NOT EXISTS idx_action_records_scope ON action_records(scope, at);
	CREATE INDEX IF NOT EXISTS idx_cycle_runs_campaign ON cycle_runs(campaign_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_pdr_campaign ON pdr(campaign_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Snapshot Operations ---

// Save writes snap in a single transaction. Either every table reflects snap
// or, on any error, none of them changed.
func (s *Store) Save(ctx context.Context, snap *models.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// History is pruned in memory, so the table is replaced wholesale.
	if _, err := tx.ExecContext(ctx, `DELETE FROM action_records`); err != nil {
		return fmt.Errorf("clear action records: %w", err)
	}
	for _, r := range snap.History {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO action_records (id, scope, action_class, at, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)`,
			r.ID, r.Scope, r.ActionClass, r.At.UTC(), r.Outcome, r.Detail,
		)
		if err != nil {
			return fmt.Errorf("insert action record: %w", err)
		}
	}

	for _, a := range snap.Admission {
		policy, err := json.Marshal(a.Policy)
		if err != nil {
			return fmt.Errorf("encode policy: %w", err)
		}
		state, err := json.Marshal(a.State)
		if err != nil {
			return fmt.Errorf("encode admission state: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO admission (scope, policy, state) VALUES (?, ?, ?)
			 ON CONFLICT(scope) DO UPDATE SET policy = excluded.policy, state = excluded.state`,
			a.Scope, string(policy), string(state),
		)
		if err != nil {
			return fmt.Errorf("upsert admission: %w", err)
		}
	}

	for _, c := range snap.Campaigns {
		body, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode campaign: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO campaigns (id, name, body, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, body = excluded.body`,
			c.ID, c.Name, string(body), c.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert campaign: %w", err)
		}
	}

	for _, p := range snap.Prospects {
		body, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encode prospect: %w", err)
		}
		var next sql.NullTime
		if p.ScheduledNextActionAt != nil {
			next = sql.NullTime{Time: p.ScheduledNextActionAt.UTC(), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO prospects (campaign_id, identity_key, stage, scheduled_next_action_at, body, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(campaign_id, identity_key) DO UPDATE SET
			   stage = excluded.stage,
			   scheduled_next_action_at = excluded.scheduled_next_action_at,
			   body = excluded.body,
			   updated_at = excluded.updated_at`,
			p.CampaignID, p.IdentityKey, p.Stage, next, string(body), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("upsert prospect: %w", err)
		}
	}

	// Runs are append-only.
	for _, r := range snap.Runs {
		body, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode cycle run: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO cycle_runs (id, campaign_id, outcome, body, started_at) VALUES (?, ?, ?, ?, ?)`,
			r.ID, r.CampaignID, r.Outcome, string(body), r.StartedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert cycle run: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('saved_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		snap.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write saved_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Load reads the last committed snapshot. An empty database yields an
// empty snapshot.
func (s *Store) Load(ctx context.Context) (*models.Snapshot, error) {
	snap := &models.Snapshot{}

	if err := s.loadBodies(ctx, `SELECT body FROM campaigns ORDER BY created_at, id`, func(b []byte) error {
		var c models.Campaign
		if err := json.Unmarshal(b, &c); err != nil {
			return err
		}
		snap.Campaigns = append(snap.Campaigns, c)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load campaigns: %w", err)
	}

	if err := s.loadBodies(ctx, `SELECT body FROM prospects ORDER BY campaign_id, created_at, identity_key`, func(b []byte) error {
		var p models.Prospect
		if err := json.Unmarshal(b, &p); err != nil {
			return err
		}
		snap.Prospects = append(snap.Prospects, p)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load prospects: %w", err)
	}

	if err := s.loadBodies(ctx, `SELECT body FROM cycle_runs ORDER BY started_at, id`, func(b []byte) error {
		var r models.CycleRun
		if err := json.Unmarshal(b, &r); err != nil {
			return err
		}
		snap.Runs = append(snap.Runs, r)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load cycle runs: %w", err)
	}

	history, err := s.loadHistory(ctx)
	if err != nil {
		return nil, err
	}
	snap.History = history

	admission, err := s.loadAdmission(ctx)
	if err != nil {
		return nil, err
	}
	snap.Admission = admission

	var savedAt string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'saved_at'`).Scan(&savedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load saved_at: %w", err)
	}
	if savedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, savedAt); err == nil {
			snap.SavedAt = t
		}
	}
	return snap, nil
}

func (s *Store) loadBodies(ctx context.Context, query string, fn func([]byte) error) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) loadHistory(ctx context.Context) ([]models.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scope, action_class, at, outcome, detail FROM action_records ORDER BY at, id`)
	if err != nil {
		return nil, fmt.Errorf("query action records: %w", err)
	}
	defer rows.Close()

	var out []models.ActionRecord
	for rows.Next() {
		var r models.ActionRecord
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &r.Scope, &r.ActionClass, &r.At, &r.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		r.Detail = detail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) loadAdmission(ctx context.Context) ([]models.AdmissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, policy, state FROM admission ORDER BY scope`)
	if err != nil {
		return nil, fmt.Errorf("query admission: %w", err)
	}
	defer rows.Close()

	var out []models.AdmissionRecord
	for rows.Next() {
		var rec models.AdmissionRecord
		var policy, state string
		if err := rows.Scan(&rec.Scope, &policy, &state); err != nil {
			return nil, fmt.Errorf("scan admission: %w", err)
		}
		if err := json.Unmarshal([]byte(policy), &rec.Policy); err != nil {
			return nil, fmt.Errorf("decode policy for %s: %w", rec.Scope, err)
		}
		if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
			return nil, fmt.Errorf("decode admission state for %s: %w", rec.Scope, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Lock Operations ---

// ErrResourceLocked indicates the resource is already locked by another holder.
var ErrResourceLocked = fmt.Errorf("resource already locked")

// AcquireLock attempts to acquire a lock on a resource atomically.
// Expired locks for the resource are removed first; a live lock held by
// anyone yields ErrResourceLocked.
func (s *Store) AcquireLock(ctx context.Context, resourceID, holderID, lockType string, ttl time.Duration) (*models.Lock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `DELETE FROM locks WHERE resource_id = ? AND expires_at <= ?`, resourceID, now); err != nil {
		return nil, fmt.Errorf("clean expired locks: %w", err)
	}

	var existingHolder string
	err = tx.QueryRowContext(ctx,
		`SELECT holder_id FROM locks WHERE resource_id = ? AND expires_at > ?`,
		resourceID, now,
	).Scan(&existingHolder)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("check existing lock: %w", err)
	}
	if err != sql.ErrNoRows {
		return nil, ErrResourceLocked
	}

	lock := &models.Lock{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		HolderID:   holderID,
		LockType:   lockType,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (id, resource_id, holder_id, lock_type, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		lock.ID, lock.ResourceID, lock.HolderID, lock.LockType, lock.CreatedAt, lock.ExpiresAt,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return nil, ErrResourceLocked
		}
		return nil, fmt.Errorf("insert lock: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return lock, nil
}

// GetLock retrieves a lock by resource ID if it exists and is not expired.
func (s *Store) GetLock(ctx context.Context, resourceID string) (*models.Lock, error) {
	lock := &models.Lock{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, resource_id, holder_id, lock_type, created_at, expires_at
		 FROM locks WHERE resource_id = ? AND expires_at > ?`,
		resourceID, time.Now().UTC(),
	).Scan(&lock.ID, &lock.ResourceID, &lock.HolderID, &lock.LockType, &lock.CreatedAt, &lock.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query lock: %w", err)
	}
	return lock, nil
}

// ReleaseLock releases a lock.
func (s *Store) ReleaseLock(ctx context.Context, lockID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE id = ?`, lockID)
	return err
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, action, inputsHash, outcome, campaignID, details string) (*models.PDREntry, error) {
	pdr := &models.PDREntry{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		CampaignID: campaignID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, campaign_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.CampaignID, pdr.Details, pdr.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert pdr: %w", err)
	}
	return pdr, nil
}

// ListPDR returns the most recent decision records, optionally for one
// campaign.
func (s *Store) ListPDR(ctx context.Context, campaignID string, limit int) ([]models.PDREntry, error) {
	query := `SELECT id, action, inputs_hash, outcome, campaign_id, details, timestamp FROM pdr`
	var args []interface{}
	if campaignID != "" {
		query += ` WHERE campaign_id = ?`
		args = append(args, campaignID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var out []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var campaign, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &campaign, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		e.CampaignID = campaign.String
		e.Details = details.String
		out = append(out, e)
	}
	return out, rows.Err()
}
