package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"billscan_worker/core/domain"
	"billscan_worker/core/port/out"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// LedgerAdapter - processed message ledger (Postgres / SQLite)
// =============================================================================

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// rows per INSERT; keeps SQLite under its bound-parameter limit
const ledgerInsertChunk = 200

// sqlite IN-list size per lookup
const ledgerLookupChunk = 500

type LedgerAdapter struct {
	db      *sqlx.DB
	dialect Dialect
}

func NewPostgresLedger(db *sqlx.DB) *LedgerAdapter {
	return &LedgerAdapter{db: db, dialect: DialectPostgres}
}

func NewSQLiteLedger(db *sqlx.DB) *LedgerAdapter {
	return &LedgerAdapter{db: db, dialect: DialectSQLite}
}

// OpenSQLiteLedger opens (or creates) a file-backed ledger and ensures its schema.
func OpenSQLiteLedger(ctx context.Context, path string) (*LedgerAdapter, error) {
	db, err := sqlx.ConnectContext(ctx, "sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	ledger := NewSQLiteLedger(db)
	if err := ledger.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

// =============================================================================
// Entity
// =============================================================================

type processedMessageEntity struct {
	UserID      string    `db:"user_id"`
	MessageID   string    `db:"message_id"`
	MatchedName string    `db:"matched_name"`
	CreatedAt   time.Time `db:"created_at"`
}

func toProcessedEntity(r domain.ProcessedMessageRecord) processedMessageEntity {
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return processedMessageEntity{
		UserID:      r.UserID.String(),
		MessageID:   r.MessageID,
		MatchedName: r.MatchedName,
		CreatedAt:   created.UTC(),
	}
}

// =============================================================================
// Schema
// =============================================================================

const postgresLedgerSchema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	user_id      UUID        NOT NULL,
	message_id   TEXT        NOT NULL,
	matched_name TEXT        NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_id, message_id)
)`

const sqliteLedgerSchema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	user_id      TEXT      NOT NULL,
	message_id   TEXT      NOT NULL,
	matched_name TEXT      NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, message_id)
)`

func (a *LedgerAdapter) EnsureSchema(ctx context.Context) error {
	schema := postgresLedgerSchema
	if a.dialect == DialectSQLite {
		schema = sqliteLedgerSchema
	}
	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (a *LedgerAdapter) Close() error {
	return a.db.Close()
}

// =============================================================================
// Queries
// =============================================================================

func (a *LedgerAdapter) Processed(ctx context.Context, userID uuid.UUID, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(ids) == 0 {
		return found, nil
	}

	if a.dialect == DialectPostgres {
		var hits []string
		query := `SELECT message_id FROM processed_messages WHERE user_id = $1 AND message_id = ANY($2)`
		if err := a.db.SelectContext(ctx, &hits, query, userID.String(), pq.Array(ids)); err != nil {
			return nil, fmt.Errorf("ledger lookup: %w", err)
		}
		for _, id := range hits {
			found[id] = struct{}{}
		}
		return found, nil
	}

	for start := 0; start < len(ids); start += ledgerLookupChunk {
		end := min(start+ledgerLookupChunk, len(ids))
		query, args, err := sqlx.In(
			`SELECT message_id FROM processed_messages WHERE user_id = ? AND message_id IN (?)`,
			userID.String(), ids[start:end],
		)
		if err != nil {
			return nil, err
		}
		var hits []string
		if err := a.db.SelectContext(ctx, &hits, a.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("ledger lookup: %w", err)
		}
		for _, id := range hits {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

// Record inserts rows, skipping ones already present. It returns the number of new rows.
func (a *LedgerAdapter) Record(ctx context.Context, records []domain.ProcessedMessageRecord) (int, error) {
	entities := make([]processedMessageEntity, 0, len(records))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		key := r.UserID.String() + "/" + r.MessageID
		if r.MessageID == "" || seen[key] {
			continue
		}
		seen[key] = true
		entities = append(entities, toProcessedEntity(r))
	}
	if len(entities) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO processed_messages (user_id, message_id, matched_name, created_at)
		VALUES (:user_id, :message_id, :matched_name, :created_at)
		ON CONFLICT (user_id, message_id) DO NOTHING`

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	written := 0
	for start := 0; start < len(entities); start += ledgerInsertChunk {
		end := min(start+ledgerInsertChunk, len(entities))
		res, err := tx.NamedExecContext(ctx, query, entities[start:end])
		if err != nil {
			return 0, fmt.Errorf("ledger insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		written += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

// =============================================================================
// MemoryLedger - process-local ledger for CLI runs and tests
// =============================================================================

type MemoryLedger struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]map[string]domain.ProcessedMessageRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{rows: make(map[uuid.UUID]map[string]domain.ProcessedMessageRecord)}
}

func (m *MemoryLedger) Processed(_ context.Context, userID uuid.UUID, ids []string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := make(map[string]struct{})
	user := m.rows[userID]
	for _, id := range ids {
		if _, ok := user[id]; ok {
			found[id] = struct{}{}
		}
	}
	return found, nil
}

func (m *MemoryLedger) Record(_ context.Context, records []domain.ProcessedMessageRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	written := 0
	for _, r := range records {
		if r.MessageID == "" {
			continue
		}
		user, ok := m.rows[r.UserID]
		if !ok {
			user = make(map[string]domain.ProcessedMessageRecord)
			m.rows[r.UserID] = user
		}
		if _, exists := user[r.MessageID]; exists {
			continue
		}
		user[r.MessageID] = r
		written++
	}
	return written, nil
}

var (
	_ out.LedgerStore = (*LedgerAdapter)(nil)
	_ out.LedgerStore = (*MemoryLedger)(nil)
)
