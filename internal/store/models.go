// Package store provides SQLite-backed persistence for a single story.
// Each story owns one database holding its branch tree, per-branch delta
// message logs, mutable documents, and the derived search index.
package store

import "encoding/json"

// RootBranchID is the distinguished root of every story's branch tree.
// The root has no parent and its full local log is the base timeline.
const RootBranchID = "main"

// ForkOffsetNone marks a branch that inherits nothing from its parent's
// timeline. Used by blank branches and stored on the root, where the
// offset is never consulted.
const ForkOffsetNone = -1

// Message roles.
const (
	RolePlayer   = "player"
	RoleNarrator = "narrator"
)

// Document kinds persisted per branch.
const (
	DocState       = "state"
	DocRoster      = "roster"
	DocClock       = "clock"
	DocProgression = "progression"
)

// Event lifecycle statuses.
const (
	EventPlanted   = "planted"
	EventTriggered = "triggered"
	EventResolved  = "resolved"
	EventAbandoned = "abandoned"
)

// Branch is a node in the story's timeline tree. Branches reference their
// parent by id, never by live pointer; all traversal goes through the
// id-indexed store so cycle detection stays a visited-set walk.
type Branch struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ParentID   string `json:"parentId,omitempty"` // "" only for the root
	ForkOffset int    `json:"forkOffset"`         // index into the parent's composed timeline

	Protected bool `json:"protected,omitempty"` // exempt from auto-prune
	Blank     bool `json:"blank,omitempty"`     // fresh start, inherits nothing
	Auto      bool `json:"auto,omitempty"`      // created by a background job, not the player

	Deleted    bool `json:"deleted,omitempty"`
	Merged     bool `json:"merged,omitempty"`
	Pruned     bool `json:"pruned,omitempty"`
	Incomplete bool `json:"incomplete,omitempty"` // structural op interrupted mid-write

	CreatedAt    int64 `json:"createdAt"`
	DeletedAt    int64 `json:"deletedAt,omitempty"`
	MergedAt     int64 `json:"mergedAt,omitempty"`
	PrunedAt     int64 `json:"prunedAt,omitempty"`
	LastActiveAt int64 `json:"lastActiveAt,omitempty"`
}

// Inactive reports whether the branch left the active state.
func (b *Branch) Inactive() bool {
	return b.Deleted || b.Merged || b.Pruned
}

// Root reports whether the branch is the tree root.
func (b *Branch) Root() bool {
	return b.ParentID == ""
}

// Message is one entry in a branch's delta log. Index is the position in
// the composed timeline, not the local log. Messages are immutable once
// written; edits create a new branch instead of rewriting history.
// Narrator messages carry full-value snapshots of the four mutable
// documents, captured in the same append.
type Message struct {
	ID       string `json:"id"`
	BranchID string `json:"branchId"`
	Index    int    `json:"index"`
	Role     string `json:"role"` // "player" | "narrator"
	Content  string `json:"content"`

	StateSnapshot       json.RawMessage `json:"stateSnapshot,omitempty"`
	RosterSnapshot      json.RawMessage `json:"rosterSnapshot,omitempty"`
	ClockSnapshot       json.RawMessage `json:"clockSnapshot,omitempty"`
	ProgressionSnapshot json.RawMessage `json:"progressionSnapshot,omitempty"`

	CreatedAt int64 `json:"createdAt"`
}

// HasSnapshot reports whether a snapshot was attached at write time.
func (m *Message) HasSnapshot() bool {
	return len(m.StateSnapshot) > 0
}

// StateDoc is the canonical, mutable, per-branch state document. Shape is
// schema-driven rather than fixed: scalar, numeric, list, and map fields
// as declared by the story's schema.
type StateDoc map[string]any

// Clone returns a deep copy via JSON round-trip. Forked branches must
// never share nested values with their source.
func (d StateDoc) Clone() StateDoc {
	out := StateDoc{}
	deepCopyJSON(d, &out)
	return out
}

// NPC is one roster entry, keyed by name.
type NPC struct {
	ID           string   `json:"id,omitempty"`
	Name         string   `json:"name"`
	Role         string   `json:"role,omitempty"`
	Tier         string   `json:"tier,omitempty"`
	Appearance   string   `json:"appearance,omitempty"`
	Personality  string   `json:"personality,omitempty"`
	Relationship string   `json:"relationship,omitempty"`
	Status       string   `json:"status,omitempty"`
	Traits       []string `json:"traits,omitempty"`
	UpdatedAt    int64    `json:"updatedAt,omitempty"`
}

// Roster is the per-branch non-player-character list.
type Roster []NPC

// Clone returns a deep copy via JSON round-trip.
func (r Roster) Clone() Roster {
	out := Roster{}
	deepCopyJSON(r, &out)
	return out
}

// Clock tracks in-world time for a branch as a fractional day count.
type Clock struct {
	WorldDay  float64 `json:"worldDay"`
	UpdatedAt int64   `json:"updatedAt,omitempty"`
}

// GrowthBudget caps how much a numeric state field may grow during the
// current arc. Consumed never exceeds Max. A locked budget rejects any
// increase regardless of what remains.
type GrowthBudget struct {
	Max      float64 `json:"max"`
	Consumed float64 `json:"consumed"`
	Locked   bool    `json:"locked,omitempty"`
}

// Arc is the progression stage a branch is currently inside. Budgets is
// keyed by state field name.
type Arc struct {
	Name      string                   `json:"name"`
	StartedAt int64                    `json:"startedAt,omitempty"`
	Budgets   map[string]*GrowthBudget `json:"budgets,omitempty"`
}

// ArcRecord is one completed arc in the progression history.
type ArcRecord struct {
	Name       string `json:"name"`
	Outcome    string `json:"outcome,omitempty"`
	FinishedAt int64  `json:"finishedAt,omitempty"`
}

// Progression is the per-branch progression document: completed arc
// history plus the arc in flight, if any.
type Progression struct {
	History   []ArcRecord `json:"history"`
	Current   *Arc        `json:"current,omitempty"`
	Completed int         `json:"completed"`
}

// Clone returns a deep copy via JSON round-trip.
func (p Progression) Clone() Progression {
	out := Progression{}
	deepCopyJSON(p, &out)
	return out
}

func deepCopyJSON(src, dst any) {
	raw, err := json.Marshal(src)
	if err != nil {
		return
	}
	json.Unmarshal(raw, dst)
}

// Event is a plot thread planted by the narrator and tracked through
// planted → triggered → resolved (or abandoned). Title is the identity
// within a branch: merges reconcile events by title, child wins.
type Event struct {
	ID            int64  `json:"id"`
	BranchID      string `json:"branchId"`
	Type          string `json:"type"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	MessageIndex  int    `json:"messageIndex"`
	Status        string `json:"status"` // planted | triggered | resolved | abandoned
	Tags          string `json:"tags,omitempty"`
	RelatedTitles string `json:"relatedTitles,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// LoreSource records where a lore entry was extracted from.
type LoreSource struct {
	BranchID     string `json:"branchId,omitempty"`
	MessageIndex int    `json:"messageIndex,omitempty"`
	Excerpt      string `json:"excerpt,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// LoreEntry is per-branch world knowledge, keyed by (topic, subcategory).
// Merges upsert entry-by-entry instead of replacing the whole set.
type LoreEntry struct {
	ID          int64       `json:"id"`
	BranchID    string      `json:"branchId"`
	Topic       string      `json:"topic"`
	Subcategory string      `json:"subcategory,omitempty"`
	Category    string      `json:"category,omitempty"`
	Content     string      `json:"content"`
	Source      *LoreSource `json:"source,omitempty"`
	EditedBy    string      `json:"editedBy,omitempty"` // "auto" | "user"
	CreatedAt   int64       `json:"createdAt"`
	UpdatedAt   int64       `json:"updatedAt"`
}

// IndexEntry is one row of the derived search index: a retrieval-oriented
// projection of the state document and roster. Never a source of truth:
// always rebuildable from canonical state.
type IndexEntry struct {
	BranchID  string `json:"branchId"`
	Category  string `json:"category"`
	Key       string `json:"key"`
	Content   string `json:"content,omitempty"`
	Tags      string `json:"tags,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// IndexMeta tracks per-branch index freshness for staleness detection.
type IndexMeta struct {
	BranchID  string `json:"branchId"`
	RebuiltAt int64  `json:"rebuiltAt"`
	Dirty     bool   `json:"dirty,omitempty"`
}

// Story is the single-row story header: active branch pointer, promoted
// mainline leaf, and the declared state schema.
type Story struct {
	ID             string `json:"id"`
	Title          string `json:"title,omitempty"`
	ActiveBranchID string `json:"activeBranchId"`
	PromotedLeafID string `json:"promotedLeafId,omitempty"`

	SchemaJSON       json.RawMessage `json:"schemaJson,omitempty"`
	DefaultStateJSON json.RawMessage `json:"defaultStateJson,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Storer defines the interface for story persistence.
// SQLiteStore is the sole implementation.
type Storer interface {
	// Story header
	GetStory() (*Story, error)
	PutStory(story *Story) error

	// Branches
	CreateBranch(branch *Branch) error
	GetBranch(id string) (*Branch, error)
	UpdateBranch(branch *Branch) error
	ListBranches() ([]*Branch, error)
	CountBranches() (int, error)
	RemoveBranch(id string) error

	// Messages: per-branch delta logs
	AppendMessage(msg *Message) error
	InsertMessage(msg *Message) error
	MessagesFor(branchID string) ([]*Message, error)
	MessageAt(branchID string, index int) (*Message, error)
	LastIndex(branchID string) (int, error)
	CountMessages(branchID string) (int, error)
	TruncateMessages(branchID string, keepThrough int) error
	DeleteMessages(branchID string) error

	// Documents: canonical per-branch state/roster/clock/progression
	GetDocument(branchID, kind string) ([]byte, error)
	PutDocument(branchID, kind string, body []byte) error
	CopyDocuments(fromID, toID string) error
	DeleteDocuments(branchID string) error

	// Events
	UpsertEvent(event *Event) error
	GetEvent(branchID, title string) (*Event, error)
	ListEvents(branchID string, limit int) ([]*Event, error)
	UpdateEventStatus(branchID, title, status string) error
	CopyEvents(fromID, toID string) error
	DeleteEvents(branchID string) error

	// Lore
	UpsertLore(entry *LoreEntry) error
	GetLore(branchID, topic, subcategory string) (*LoreEntry, error)
	ListLore(branchID string) ([]*LoreEntry, error)
	CopyLore(fromID, toID string) error
	DeleteLore(branchID string) error

	// Derived search index
	ReplaceIndexCategory(branchID, category string, entries []*IndexEntry) error
	ListIndexEntries(branchID string) ([]*IndexEntry, error)
	DeleteIndexEntries(branchID string) error
	GetIndexMeta(branchID string) (*IndexMeta, error)
	PutIndexMeta(meta *IndexMeta) error

	// Export/Import (portable story backup)
	Export() ([]byte, error)
	Import(data []byte) error

	// Lifecycle
	Close() error
}
