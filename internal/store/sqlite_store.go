// SQLite persistence built on ncruces/go-sqlite3/driver, which provides a
// database/sql interface. One SQLiteStore instance corresponds to one story
// database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// SQLiteStore is the SQLite-backed story store.
// Thread-safe for concurrent request handlers and background jobs.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// schema defines all tables for one story database.
// No foreign keys; referential integrity is managed at the application
// level because soft-deleted branches keep their rows for recovery.
const schema = `
-- Story header (single row)
CREATE TABLE IF NOT EXISTS story (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    active_branch_id TEXT NOT NULL DEFAULT 'main',
    promoted_leaf_id TEXT NOT NULL DEFAULT '',
    schema_json TEXT NOT NULL DEFAULT '',
    default_state TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Branch tree. Parent is referenced by id; '' marks the root.
-- fork_offset -1 means the branch inherits nothing (blank, or root).
CREATE TABLE IF NOT EXISTS branches (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    fork_offset INTEGER NOT NULL DEFAULT -1,
    protected INTEGER DEFAULT 0,
    blank INTEGER DEFAULT 0,
    auto_created INTEGER DEFAULT 0,
    deleted INTEGER DEFAULT 0,
    merged INTEGER DEFAULT 0,
    pruned INTEGER DEFAULT 0,
    incomplete INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    deleted_at INTEGER,
    merged_at INTEGER,
    pruned_at INTEGER,
    last_active_at INTEGER NOT NULL DEFAULT 0
);

-- Partial index for live-tree walks (fast child lookups)
CREATE INDEX IF NOT EXISTS idx_branches_parent ON branches(parent_id)
    WHERE deleted = 0 AND merged = 0 AND pruned = 0;

-- Per-branch delta logs. idx is the position in the composed timeline.
-- Snapshot columns hold full-value JSON documents captured at append time.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    branch_id TEXT NOT NULL,
    idx INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    state_snapshot TEXT,
    roster_snapshot TEXT,
    clock_snapshot TEXT,
    progression_snapshot TEXT,
    created_at INTEGER NOT NULL,
    UNIQUE(branch_id, idx)
);

CREATE INDEX IF NOT EXISTS idx_messages_branch ON messages(branch_id, idx);

-- Canonical mutable documents: state, roster, clock, progression
CREATE TABLE IF NOT EXISTS documents (
    branch_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    body TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (branch_id, kind)
);

-- Plot events. Title is the identity within a branch.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch_id TEXT NOT NULL,
    event_type TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    message_index INTEGER,
    status TEXT NOT NULL DEFAULT 'planted',
    tags TEXT NOT NULL DEFAULT '',
    related_titles TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(branch_id, title)
);

CREATE INDEX IF NOT EXISTS idx_events_branch ON events(branch_id);

-- Per-branch lore, keyed by (topic, subcategory)
CREATE TABLE IF NOT EXISTS lore (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    branch_id TEXT NOT NULL,
    topic TEXT NOT NULL,
    subcategory TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    edited_by TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    UNIQUE(branch_id, topic, subcategory)
);

CREATE INDEX IF NOT EXISTS idx_lore_branch ON lore(branch_id);

-- Derived search index: projection of state + roster, rebuildable
CREATE TABLE IF NOT EXISTS index_entries (
    branch_id TEXT NOT NULL,
    category TEXT NOT NULL,
    entry_key TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    tags TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (branch_id, category, entry_key)
);

CREATE INDEX IF NOT EXISTS idx_index_entries_branch ON index_entries(branch_id, category);

-- Index freshness markers for staleness detection
CREATE TABLE IF NOT EXISTS index_meta (
    branch_id TEXT PRIMARY KEY,
    rebuilt_at INTEGER NOT NULL DEFAULT 0,
    dirty INTEGER DEFAULT 0
);
`

// StoryDSN returns the connection string for a story database under dir.
// WAL mode keeps readers unblocked while a turn is being written.
func StoryDSN(dir, storyID string) string {
	path := filepath.Join(dir, "story_"+storyID+".db")
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"
}

// OpenStory opens (creating if needed) the database for one story.
func OpenStory(dir, storyID string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return NewSQLiteStoreWithDSN(StoryDSN(dir, storyID))
}

// NewSQLiteStore creates a new in-memory SQLite store. Used by tests and
// throwaway sessions.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Story header
// =============================================================================

// GetStory returns the story header, or nil if the database is fresh.
func (s *SQLiteStore) GetStory() (*Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Story
	var schemaJSON, defaultState string

	err := s.db.QueryRow(`
		SELECT id, title, active_branch_id, promoted_leaf_id, schema_json,
			default_state, created_at, updated_at
		FROM story LIMIT 1
	`).Scan(&st.ID, &st.Title, &st.ActiveBranchID, &st.PromotedLeafID,
		&schemaJSON, &defaultState, &st.CreatedAt, &st.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if schemaJSON != "" {
		st.SchemaJSON = json.RawMessage(schemaJSON)
	}
	if defaultState != "" {
		st.DefaultStateJSON = json.RawMessage(defaultState)
	}

	return &st, nil
}

// PutStory inserts or updates the story header.
func (s *SQLiteStore) PutStory(story *Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if story.CreatedAt == 0 {
		story.CreatedAt = now
	}
	story.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO story (id, title, active_branch_id, promoted_leaf_id,
			schema_json, default_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			active_branch_id = excluded.active_branch_id,
			promoted_leaf_id = excluded.promoted_leaf_id,
			schema_json = excluded.schema_json,
			default_state = excluded.default_state,
			updated_at = excluded.updated_at
	`, story.ID, story.Title, story.ActiveBranchID, story.PromotedLeafID,
		string(story.SchemaJSON), string(story.DefaultStateJSON),
		story.CreatedAt, story.UpdatedAt)

	return err
}

// =============================================================================
// Branch CRUD
// =============================================================================

// CreateBranch inserts a new branch row.
func (s *SQLiteStore) CreateBranch(branch *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM branches WHERE id = ? LIMIT 1`, branch.ID).Scan(&exists)
	if err == nil {
		return ErrBranchExists
	}
	if err != sql.ErrNoRows {
		return err
	}

	if branch.CreatedAt == 0 {
		branch.CreatedAt = time.Now().UnixMilli()
	}
	if branch.LastActiveAt == 0 {
		branch.LastActiveAt = branch.CreatedAt
	}

	_, err = s.db.Exec(`
		INSERT INTO branches (id, name, parent_id, fork_offset, protected, blank,
			auto_created, deleted, merged, pruned, incomplete,
			created_at, deleted_at, merged_at, pruned_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, branch.ID, branch.Name, branch.ParentID, branch.ForkOffset,
		boolToInt(branch.Protected), boolToInt(branch.Blank), boolToInt(branch.Auto),
		boolToInt(branch.Deleted), boolToInt(branch.Merged), boolToInt(branch.Pruned),
		boolToInt(branch.Incomplete), branch.CreatedAt,
		nullMillis(branch.DeletedAt), nullMillis(branch.MergedAt), nullMillis(branch.PrunedAt),
		branch.LastActiveAt)

	return err
}

// GetBranch retrieves a branch by id.
func (s *SQLiteStore) GetBranch(id string) (*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBranchLocked(id)
}

// getBranchLocked requires the caller to hold at least a read lock.
func (s *SQLiteStore) getBranchLocked(id string) (*Branch, error) {
	var b Branch
	var protected, blank, auto, deleted, merged, pruned, incomplete int
	var deletedAt, mergedAt, prunedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, name, parent_id, fork_offset, protected, blank, auto_created,
			deleted, merged, pruned, incomplete,
			created_at, deleted_at, merged_at, pruned_at, last_active_at
		FROM branches WHERE id = ?
	`, id).Scan(
		&b.ID, &b.Name, &b.ParentID, &b.ForkOffset, &protected, &blank, &auto,
		&deleted, &merged, &pruned, &incomplete,
		&b.CreatedAt, &deletedAt, &mergedAt, &prunedAt, &b.LastActiveAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrBranchNotFound
	}
	if err != nil {
		return nil, err
	}

	b.Protected = protected != 0
	b.Blank = blank != 0
	b.Auto = auto != 0
	b.Deleted = deleted != 0
	b.Merged = merged != 0
	b.Pruned = pruned != 0
	b.Incomplete = incomplete != 0
	if deletedAt.Valid {
		b.DeletedAt = deletedAt.Int64
	}
	if mergedAt.Valid {
		b.MergedAt = mergedAt.Int64
	}
	if prunedAt.Valid {
		b.PrunedAt = prunedAt.Int64
	}

	return &b, nil
}

// UpdateBranch overwrites a branch row.
func (s *SQLiteStore) UpdateBranch(branch *Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE branches SET name = ?, parent_id = ?, fork_offset = ?,
			protected = ?, blank = ?, auto_created = ?,
			deleted = ?, merged = ?, pruned = ?, incomplete = ?,
			deleted_at = ?, merged_at = ?, pruned_at = ?, last_active_at = ?
		WHERE id = ?
	`, branch.Name, branch.ParentID, branch.ForkOffset,
		boolToInt(branch.Protected), boolToInt(branch.Blank), boolToInt(branch.Auto),
		boolToInt(branch.Deleted), boolToInt(branch.Merged), boolToInt(branch.Pruned),
		boolToInt(branch.Incomplete),
		nullMillis(branch.DeletedAt), nullMillis(branch.MergedAt), nullMillis(branch.PrunedAt),
		branch.LastActiveAt, branch.ID)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrBranchNotFound
	}
	return nil
}

// ListBranches returns every branch row, including soft-deleted ones,
// ordered by creation time.
func (s *SQLiteStore) ListBranches() ([]*Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, parent_id, fork_offset, protected, blank, auto_created,
			deleted, merged, pruned, incomplete,
			created_at, deleted_at, merged_at, pruned_at, last_active_at
		FROM branches ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		var b Branch
		var protected, blank, auto, deleted, merged, pruned, incomplete int
		var deletedAt, mergedAt, prunedAt sql.NullInt64

		if err := rows.Scan(
			&b.ID, &b.Name, &b.ParentID, &b.ForkOffset, &protected, &blank, &auto,
			&deleted, &merged, &pruned, &incomplete,
			&b.CreatedAt, &deletedAt, &mergedAt, &prunedAt, &b.LastActiveAt,
		); err != nil {
			return nil, err
		}

		b.Protected = protected != 0
		b.Blank = blank != 0
		b.Auto = auto != 0
		b.Deleted = deleted != 0
		b.Merged = merged != 0
		b.Pruned = pruned != 0
		b.Incomplete = incomplete != 0
		if deletedAt.Valid {
			b.DeletedAt = deletedAt.Int64
		}
		if mergedAt.Valid {
			b.MergedAt = mergedAt.Int64
		}
		if prunedAt.Valid {
			b.PrunedAt = prunedAt.Int64
		}
		branches = append(branches, &b)
	}

	return branches, rows.Err()
}

// CountBranches returns the total number of branch rows.
func (s *SQLiteStore) CountBranches() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM branches").Scan(&count)
	return count, err
}

// RemoveBranch deletes a branch row. Owned data (messages, documents,
// events, lore, index) is removed by the caller first.
func (s *SQLiteStore) RemoveBranch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM branches WHERE id = ?", id)
	return err
}

// =============================================================================
// Message log
// =============================================================================

// AppendMessage appends a message to a branch's delta log, assigning the
// next composed-timeline index under the store lock. Snapshot fields on
// msg are written in the same insert, so a reader never observes the
// message without its snapshot. Also bumps the branch's last-active time.
func (s *SQLiteStore) AppendMessage(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	branch, err := s.getBranchLocked(msg.BranchID)
	if err != nil {
		return err
	}

	var last int
	err = s.db.QueryRow(`
		SELECT COALESCE(MAX(idx), ?) FROM messages WHERE branch_id = ?
	`, branch.ForkOffset, msg.BranchID).Scan(&last)
	if err != nil {
		return err
	}

	msg.Index = last + 1
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	if err := s.insertMessageLocked(msg); err != nil {
		return err
	}

	_, err = s.db.Exec("UPDATE branches SET last_active_at = ? WHERE id = ?",
		msg.CreatedAt, msg.BranchID)
	return err
}

// InsertMessage writes a message with an explicit index. Used when a merge
// or reparent replays an existing delta log whose indices must survive.
func (s *SQLiteStore) InsertMessage(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM messages WHERE branch_id = ? AND idx = ? LIMIT 1`,
		msg.BranchID, msg.Index).Scan(&exists)
	if err == nil {
		return ErrIndexConflict
	}
	if err != sql.ErrNoRows {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	return s.insertMessageLocked(msg)
}

func (s *SQLiteStore) insertMessageLocked(msg *Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, branch_id, idx, role, content,
			state_snapshot, roster_snapshot, clock_snapshot, progression_snapshot,
			created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.BranchID, msg.Index, msg.Role, msg.Content,
		rawArg(msg.StateSnapshot), rawArg(msg.RosterSnapshot),
		rawArg(msg.ClockSnapshot), rawArg(msg.ProgressionSnapshot),
		msg.CreatedAt)
	return err
}

// MessagesFor returns a branch's local delta log in index order.
func (s *SQLiteStore) MessagesFor(branchID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, branch_id, idx, role, content,
			state_snapshot, roster_snapshot, clock_snapshot, progression_snapshot,
			created_at
		FROM messages WHERE branch_id = ? ORDER BY idx ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MessageAt retrieves the message at a composed-timeline index from a
// branch's local log.
func (s *SQLiteStore) MessageAt(branchID string, index int) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, branch_id, idx, role, content,
			state_snapshot, roster_snapshot, clock_snapshot, progression_snapshot,
			created_at
		FROM messages WHERE branch_id = ? AND idx = ?
	`, branchID, index)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// LastIndex returns the highest local index in a branch's delta log, or
// -1 when the log is empty.
func (s *SQLiteStore) LastIndex(branchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int
	err := s.db.QueryRow(`
		SELECT COALESCE(MAX(idx), -1) FROM messages WHERE branch_id = ?
	`, branchID).Scan(&last)
	return last, err
}

// CountMessages returns the size of a branch's local delta log.
func (s *SQLiteStore) CountMessages(branchID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM messages WHERE branch_id = ?", branchID).Scan(&count)
	return count, err
}

// TruncateMessages removes local messages past keepThrough. Used by merge
// and promote to trim a parent's abandoned continuation.
func (s *SQLiteStore) TruncateMessages(branchID string, keepThrough int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM messages WHERE branch_id = ? AND idx > ?",
		branchID, keepThrough)
	return err
}

// DeleteMessages removes a branch's entire delta log.
func (s *SQLiteStore) DeleteMessages(branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM messages WHERE branch_id = ?", branchID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var state, roster, clock, progression sql.NullString

	if err := r.Scan(&m.ID, &m.BranchID, &m.Index, &m.Role, &m.Content,
		&state, &roster, &clock, &progression, &m.CreatedAt); err != nil {
		return nil, err
	}

	if state.Valid {
		m.StateSnapshot = json.RawMessage(state.String)
	}
	if roster.Valid {
		m.RosterSnapshot = json.RawMessage(roster.String)
	}
	if clock.Valid {
		m.ClockSnapshot = json.RawMessage(clock.String)
	}
	if progression.Valid {
		m.ProgressionSnapshot = json.RawMessage(progression.String)
	}

	return &m, nil
}

// =============================================================================
// Documents
// =============================================================================

// GetDocument returns the canonical document of one kind for a branch.
func (s *SQLiteStore) GetDocument(branchID, kind string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body string
	err := s.db.QueryRow(`
		SELECT body FROM documents WHERE branch_id = ? AND kind = ?
	`, branchID, kind).Scan(&body)

	if err == sql.ErrNoRows {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(body), nil
}

// PutDocument inserts or overwrites a branch's document of one kind.
func (s *SQLiteStore) PutDocument(branchID, kind string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO documents (branch_id, kind, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(branch_id, kind) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`, branchID, kind, string(body), time.Now().UnixMilli())

	return err
}

// CopyDocuments copies every document from one branch to another,
// overwriting what the destination already has.
func (s *SQLiteStore) CopyDocuments(fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO documents (branch_id, kind, body, updated_at)
		SELECT ?, kind, body, ? FROM documents WHERE branch_id = ?
		ON CONFLICT(branch_id, kind) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`, toID, time.Now().UnixMilli(), fromID)

	return err
}

// DeleteDocuments removes all documents owned by a branch.
func (s *SQLiteStore) DeleteDocuments(branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM documents WHERE branch_id = ?", branchID)
	return err
}

// =============================================================================
// Events
// =============================================================================

// UpsertEvent inserts or updates an event, keyed by (branch, title).
func (s *SQLiteStore) UpsertEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if event.CreatedAt == 0 {
		event.CreatedAt = now
	}
	event.UpdatedAt = now
	if event.Status == "" {
		event.Status = EventPlanted
	}

	_, err := s.db.Exec(`
		INSERT INTO events (branch_id, event_type, title, description,
			message_index, status, tags, related_titles, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(branch_id, title) DO UPDATE SET
			event_type = excluded.event_type,
			description = excluded.description,
			message_index = excluded.message_index,
			status = excluded.status,
			tags = excluded.tags,
			related_titles = excluded.related_titles,
			updated_at = excluded.updated_at
	`, event.BranchID, event.Type, event.Title, event.Description,
		event.MessageIndex, event.Status, event.Tags, event.RelatedTitles,
		event.CreatedAt, event.UpdatedAt)

	return err
}

// GetEvent retrieves an event by branch and title. Returns nil when the
// title is unknown.
func (s *SQLiteStore) GetEvent(branchID, title string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e Event
	err := s.db.QueryRow(`
		SELECT id, branch_id, event_type, title, description, message_index,
			status, tags, related_titles, created_at, updated_at
		FROM events WHERE branch_id = ? AND title = ?
	`, branchID, title).Scan(
		&e.ID, &e.BranchID, &e.Type, &e.Title, &e.Description, &e.MessageIndex,
		&e.Status, &e.Tags, &e.RelatedTitles, &e.CreatedAt, &e.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &e, nil
}

// ListEvents returns a branch's events, newest first. A non-positive
// limit returns everything.
func (s *SQLiteStore) ListEvents(branchID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(`
		SELECT id, branch_id, event_type, title, description, message_index,
			status, tags, related_titles, created_at, updated_at
		FROM events WHERE branch_id = ? ORDER BY id DESC LIMIT ?
	`, branchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.BranchID, &e.Type, &e.Title, &e.Description, &e.MessageIndex,
			&e.Status, &e.Tags, &e.RelatedTitles, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

// UpdateEventStatus moves an event through its lifecycle.
func (s *SQLiteStore) UpdateEventStatus(branchID, title, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE events SET status = ?, updated_at = ?
		WHERE branch_id = ? AND title = ?
	`, status, time.Now().UnixMilli(), branchID, title)
	return err
}

// CopyEvents copies every event from one branch to another. Conflicting
// titles in the destination are overwritten by the source.
func (s *SQLiteStore) CopyEvents(fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO events (branch_id, event_type, title, description,
			message_index, status, tags, related_titles, created_at, updated_at)
		SELECT ?, event_type, title, description, message_index, status, tags,
			related_titles, created_at, ?
		FROM events WHERE branch_id = ?
		ON CONFLICT(branch_id, title) DO UPDATE SET
			event_type = excluded.event_type,
			description = excluded.description,
			message_index = excluded.message_index,
			status = excluded.status,
			tags = excluded.tags,
			related_titles = excluded.related_titles,
			updated_at = excluded.updated_at
	`, toID, time.Now().UnixMilli(), fromID)

	return err
}

// DeleteEvents removes all events owned by a branch.
func (s *SQLiteStore) DeleteEvents(branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM events WHERE branch_id = ?", branchID)
	return err
}

// =============================================================================
// Lore
// =============================================================================

// UpsertLore inserts or updates a lore entry keyed by (branch, topic,
// subcategory). Fields left empty on the incoming entry are preserved
// from the existing row, so a partial re-extraction never blanks out
// category or provenance.
func (s *SQLiteStore) UpsertLore(entry *LoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingCategory, existingSource, existingEditedBy string
	var existingCreated int64
	err := s.db.QueryRow(`
		SELECT category, source, edited_by, created_at FROM lore
		WHERE branch_id = ? AND topic = ? AND subcategory = ?
	`, entry.BranchID, entry.Topic, entry.Subcategory).Scan(
		&existingCategory, &existingSource, &existingEditedBy, &existingCreated)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	now := time.Now().UnixMilli()
	if entry.CreatedAt == 0 {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	sourceJSON := ""
	if entry.Source != nil {
		raw, merr := json.Marshal(entry.Source)
		if merr != nil {
			return fmt.Errorf("failed to marshal lore source: %w", merr)
		}
		sourceJSON = string(raw)
	}

	if err == nil {
		// Keep fields the incoming entry leaves unset
		if entry.Category == "" {
			entry.Category = existingCategory
		}
		if sourceJSON == "" {
			sourceJSON = existingSource
		}
		if entry.EditedBy == "" {
			entry.EditedBy = existingEditedBy
		}
		entry.CreatedAt = existingCreated
	}

	_, err = s.db.Exec(`
		INSERT INTO lore (branch_id, topic, subcategory, category, content,
			source, edited_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(branch_id, topic, subcategory) DO UPDATE SET
			category = excluded.category,
			content = excluded.content,
			source = excluded.source,
			edited_by = excluded.edited_by,
			updated_at = excluded.updated_at
	`, entry.BranchID, entry.Topic, entry.Subcategory, entry.Category,
		entry.Content, sourceJSON, entry.EditedBy, entry.CreatedAt, entry.UpdatedAt)

	return err
}

// GetLore retrieves one lore entry. Returns nil when absent.
func (s *SQLiteStore) GetLore(branchID, topic, subcategory string) (*LoreEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e LoreEntry
	var sourceJSON string

	err := s.db.QueryRow(`
		SELECT id, branch_id, topic, subcategory, category, content, source,
			edited_by, created_at, updated_at
		FROM lore WHERE branch_id = ? AND topic = ? AND subcategory = ?
	`, branchID, topic, subcategory).Scan(
		&e.ID, &e.BranchID, &e.Topic, &e.Subcategory, &e.Category, &e.Content,
		&sourceJSON, &e.EditedBy, &e.CreatedAt, &e.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if sourceJSON != "" {
		var src LoreSource
		if err := json.Unmarshal([]byte(sourceJSON), &src); err == nil {
			e.Source = &src
		}
	}

	return &e, nil
}

// ListLore returns all lore entries for a branch.
func (s *SQLiteStore) ListLore(branchID string) ([]*LoreEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, branch_id, topic, subcategory, category, content, source,
			edited_by, created_at, updated_at
		FROM lore WHERE branch_id = ? ORDER BY id ASC
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*LoreEntry
	for rows.Next() {
		var e LoreEntry
		var sourceJSON string

		if err := rows.Scan(
			&e.ID, &e.BranchID, &e.Topic, &e.Subcategory, &e.Category, &e.Content,
			&sourceJSON, &e.EditedBy, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, err
		}

		if sourceJSON != "" {
			var src LoreSource
			if err := json.Unmarshal([]byte(sourceJSON), &src); err == nil {
				e.Source = &src
			}
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// CopyLore copies every lore entry from one branch to another. Source
// entries win on key conflict.
func (s *SQLiteStore) CopyLore(fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO lore (branch_id, topic, subcategory, category, content,
			source, edited_by, created_at, updated_at)
		SELECT ?, topic, subcategory, category, content, source, edited_by,
			created_at, ?
		FROM lore WHERE branch_id = ?
		ON CONFLICT(branch_id, topic, subcategory) DO UPDATE SET
			category = excluded.category,
			content = excluded.content,
			source = excluded.source,
			edited_by = excluded.edited_by,
			updated_at = excluded.updated_at
	`, toID, time.Now().UnixMilli(), fromID)

	return err
}

// DeleteLore removes all lore owned by a branch.
func (s *SQLiteStore) DeleteLore(branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM lore WHERE branch_id = ?", branchID)
	return err
}

// =============================================================================
// Derived search index
// =============================================================================

// ReplaceIndexCategory atomically swaps all index rows of one category for
// a branch. The index is a derived projection, so a replace is always safe
// to retry from the same canonical state.
func (s *SQLiteStore) ReplaceIndexCategory(branchID, category string, entries []*IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		DELETE FROM index_entries WHERE branch_id = ? AND category = ?
	`, branchID, category); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, entry := range entries {
		if entry.Key == "" {
			continue
		}
		if _, err := tx.Exec(`
			INSERT INTO index_entries (branch_id, category, entry_key, content, tags, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(branch_id, category, entry_key) DO UPDATE SET
				content = excluded.content,
				tags = excluded.tags,
				updated_at = excluded.updated_at
		`, branchID, category, entry.Key, entry.Content, entry.Tags, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListIndexEntries returns every index row for a branch.
func (s *SQLiteStore) ListIndexEntries(branchID string) ([]*IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT branch_id, category, entry_key, content, tags, updated_at
		FROM index_entries WHERE branch_id = ?
	`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*IndexEntry
	for rows.Next() {
		var e IndexEntry
		if err := rows.Scan(&e.BranchID, &e.Category, &e.Key, &e.Content,
			&e.Tags, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// DeleteIndexEntries removes a branch's index rows and freshness marker.
func (s *SQLiteStore) DeleteIndexEntries(branchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM index_entries WHERE branch_id = ?", branchID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM index_meta WHERE branch_id = ?", branchID)
	return err
}

// GetIndexMeta returns the index freshness marker, or nil if the branch's
// index has never been built.
func (s *SQLiteStore) GetIndexMeta(branchID string) (*IndexMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m IndexMeta
	var dirty int
	err := s.db.QueryRow(`
		SELECT branch_id, rebuilt_at, dirty FROM index_meta WHERE branch_id = ?
	`, branchID).Scan(&m.BranchID, &m.RebuiltAt, &dirty)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	m.Dirty = dirty != 0
	return &m, nil
}

// PutIndexMeta inserts or updates the index freshness marker.
func (s *SQLiteStore) PutIndexMeta(meta *IndexMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO index_meta (branch_id, rebuilt_at, dirty)
		VALUES (?, ?, ?)
		ON CONFLICT(branch_id) DO UPDATE SET
			rebuilt_at = excluded.rebuilt_at,
			dirty = excluded.dirty
	`, meta.BranchID, meta.RebuiltAt, boolToInt(meta.Dirty))

	return err
}

// =============================================================================
// Helpers
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullMillis maps a zero timestamp to NULL.
func nullMillis(ms int64) any {
	if ms == 0 {
		return nil
	}
	return ms
}

// rawArg maps an empty JSON blob to NULL.
func rawArg(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

// =============================================================================
// Export/Import
// =============================================================================

// exportDocument mirrors one documents-table row for portable backups.
type exportDocument struct {
	BranchID  string `json:"branchId"`
	Kind      string `json:"kind"`
	Body      string `json:"body"`
	UpdatedAt int64  `json:"updatedAt"`
}

type exportData struct {
	Story    *Story            `json:"story,omitempty"`
	Branches []*Branch         `json:"branches"`
	Messages []*Message        `json:"messages"`
	Docs     []*exportDocument `json:"documents"`
	Events   []*Event          `json:"events"`
	Lore     []*LoreEntry      `json:"lore"`
}

// Export serializes the story to JSON bytes. The derived search index is
// not exported; it is rebuilt lazily from canonical state after import.
func (s *SQLiteStore) Export() ([]byte, error) {
	story, err := s.GetStory()
	if err != nil {
		return nil, fmt.Errorf("export story: %w", err)
	}

	branches, err := s.ListBranches()
	if err != nil {
		return nil, fmt.Errorf("export branches: %w", err)
	}

	data := exportData{Story: story, Branches: branches}

	for _, b := range branches {
		msgs, err := s.MessagesFor(b.ID)
		if err != nil {
			return nil, fmt.Errorf("export messages %s: %w", b.ID, err)
		}
		data.Messages = append(data.Messages, msgs...)

		events, err := s.ListEvents(b.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("export events %s: %w", b.ID, err)
		}
		data.Events = append(data.Events, events...)

		lore, err := s.ListLore(b.ID)
		if err != nil {
			return nil, fmt.Errorf("export lore %s: %w", b.ID, err)
		}
		data.Lore = append(data.Lore, lore...)
	}

	s.mu.RLock()
	rows, err := s.db.Query(`SELECT branch_id, kind, body, updated_at FROM documents`)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("export documents: %w", err)
	}
	for rows.Next() {
		var d exportDocument
		if err := rows.Scan(&d.BranchID, &d.Kind, &d.Body, &d.UpdatedAt); err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, fmt.Errorf("scan document: %w", err)
		}
		data.Docs = append(data.Docs, &d)
	}
	rows.Close()
	s.mu.RUnlock()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return json.Marshal(data)
}

// Import restores a story from an exported JSON byte slice. Clears all
// existing data and re-inserts from the export.
func (s *SQLiteStore) Import(data []byte) error {
	if len(data) == 0 {
		return nil
	}

	var imported exportData
	if err := json.Unmarshal(data, &imported); err != nil {
		return fmt.Errorf("import unmarshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"index_meta", "index_entries", "lore", "events", "documents", "messages", "branches", "story"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	if st := imported.Story; st != nil {
		if _, err := tx.Exec(`
			INSERT INTO story (id, title, active_branch_id, promoted_leaf_id,
				schema_json, default_state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, st.ID, st.Title, st.ActiveBranchID, st.PromotedLeafID,
			string(st.SchemaJSON), string(st.DefaultStateJSON),
			st.CreatedAt, st.UpdatedAt); err != nil {
			return fmt.Errorf("import story: %w", err)
		}
	}

	for _, b := range imported.Branches {
		if _, err := tx.Exec(`
			INSERT INTO branches (id, name, parent_id, fork_offset, protected, blank,
				auto_created, deleted, merged, pruned, incomplete,
				created_at, deleted_at, merged_at, pruned_at, last_active_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, b.ID, b.Name, b.ParentID, b.ForkOffset,
			boolToInt(b.Protected), boolToInt(b.Blank), boolToInt(b.Auto),
			boolToInt(b.Deleted), boolToInt(b.Merged), boolToInt(b.Pruned),
			boolToInt(b.Incomplete), b.CreatedAt,
			nullMillis(b.DeletedAt), nullMillis(b.MergedAt), nullMillis(b.PrunedAt),
			b.LastActiveAt); err != nil {
			return fmt.Errorf("import branch %s: %w", b.ID, err)
		}
	}

	for _, m := range imported.Messages {
		if _, err := tx.Exec(`
			INSERT INTO messages (id, branch_id, idx, role, content,
				state_snapshot, roster_snapshot, clock_snapshot, progression_snapshot,
				created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.BranchID, m.Index, m.Role, m.Content,
			rawArg(m.StateSnapshot), rawArg(m.RosterSnapshot),
			rawArg(m.ClockSnapshot), rawArg(m.ProgressionSnapshot),
			m.CreatedAt); err != nil {
			return fmt.Errorf("import message %s: %w", m.ID, err)
		}
	}

	for _, d := range imported.Docs {
		if _, err := tx.Exec(`
			INSERT INTO documents (branch_id, kind, body, updated_at)
			VALUES (?, ?, ?, ?)
		`, d.BranchID, d.Kind, d.Body, d.UpdatedAt); err != nil {
			return fmt.Errorf("import document %s/%s: %w", d.BranchID, d.Kind, err)
		}
	}

	for _, e := range imported.Events {
		if _, err := tx.Exec(`
			INSERT INTO events (branch_id, event_type, title, description,
				message_index, status, tags, related_titles, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.BranchID, e.Type, e.Title, e.Description, e.MessageIndex,
			e.Status, e.Tags, e.RelatedTitles, e.CreatedAt, e.UpdatedAt); err != nil {
			return fmt.Errorf("import event %q: %w", e.Title, err)
		}
	}

	for _, l := range imported.Lore {
		sourceJSON := ""
		if l.Source != nil {
			raw, _ := json.Marshal(l.Source)
			sourceJSON = string(raw)
		}
		if _, err := tx.Exec(`
			INSERT INTO lore (branch_id, topic, subcategory, category, content,
				source, edited_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, l.BranchID, l.Topic, l.Subcategory, l.Category, l.Content,
			sourceJSON, l.EditedBy, l.CreatedAt, l.UpdatedAt); err != nil {
			return fmt.Errorf("import lore %q: %w", l.Topic, err)
		}
	}

	return tx.Commit()
}

// Compile-time interface check
var _ Storer = (*SQLiteStore)(nil)
