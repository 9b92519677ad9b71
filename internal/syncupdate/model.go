package syncupdate

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrMalformedRecord indicates that an incoming record is missing a required field.
	ErrMalformedRecord = errors.New("syncupdate: malformed record")
	// ErrInvalidSourceID indicates that a source replica identifier is empty or exceeds storage bounds.
	ErrInvalidSourceID = errors.New("syncupdate: invalid source id")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("syncupdate: invalid unix timestamp")
)

// EntityKind names one logical sync stream.
type EntityKind string

const (
	EntityNote           EntityKind = "notes"
	EntityNoteTree       EntityKind = "notes_tree"
	EntityNoteHistory    EntityKind = "notes_history"
	EntityNoteReordering EntityKind = "notes_reordering"
	EntityOption         EntityKind = "options"
	EntityRecentNote     EntityKind = "recent_notes"
)

// ParseEntityKind maps a wire entity name onto a known kind.
func ParseEntityKind(rawInput string) (EntityKind, error) {
	kind := EntityKind(strings.TrimSpace(rawInput))
	switch kind {
	case EntityNote, EntityNoteTree, EntityNoteHistory, EntityNoteReordering, EntityOption, EntityRecentNote:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown entity %q", ErrMalformedRecord, rawInput)
	}
}

// SourceID identifies the replica whose change is being applied.
type SourceID string

// NewSourceID validates raw input and returns a SourceID.
func NewSourceID(rawInput string) (SourceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSourceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSourceID, maxIdentifierLength)
	}
	return SourceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SourceID) String() string {
	return string(id)
}

// UnixTimestamp represents a unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// Note is the replicated note row.
type Note struct {
	NoteID       string `gorm:"column:note_id;primaryKey;size:190;not null" json:"note_id"`
	Title        string `gorm:"column:note_title;type:text;not null" json:"note_title"`
	Text         string `gorm:"column:note_text;type:text;not null" json:"note_text"`
	IsProtected  bool   `gorm:"column:is_protected;not null" json:"is_protected"`
	IsDeleted    bool   `gorm:"column:is_deleted;not null" json:"is_deleted"`
	DateCreated  int64  `gorm:"column:date_created;not null" json:"date_created"`
	DateModified int64  `gorm:"column:date_modified;not null" json:"date_modified"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Link is an outbound link owned by a note. LinkID is local to each replica.
type Link struct {
	LinkID       int64  `gorm:"column:link_id;primaryKey;autoIncrement" json:"link_id,omitempty"`
	NoteID       string `gorm:"column:note_id;size:190;not null;index:idx_links_note" json:"note_id"`
	TargetNoteID string `gorm:"column:target_note_id;size:190;not null" json:"target_note_id"`
	Title        string `gorm:"column:title;type:text;not null" json:"title"`
}

// TableName provides the explicit table binding for GORM.
func (Link) TableName() string {
	return "links"
}

// NoteTree places a note under its parent.
type NoteTree struct {
	NoteID       string `gorm:"column:note_id;primaryKey;size:190;not null" json:"note_id"`
	ParentNoteID string `gorm:"column:note_pid;size:190;not null;index:idx_notes_tree_parent" json:"note_pid"`
	Position     int    `gorm:"column:note_pos;not null" json:"note_pos"`
	IsExpanded   bool   `gorm:"column:is_expanded;not null" json:"is_expanded"`
	DateModified int64  `gorm:"column:date_modified;not null" json:"date_modified"`
}

// TableName provides the explicit table binding for GORM.
func (NoteTree) TableName() string {
	return "notes_tree"
}

// NoteHistory is a snapshot of a note valid over [DateModifiedFrom, DateModifiedTo].
type NoteHistory struct {
	NoteHistoryID    string `gorm:"column:note_history_id;primaryKey;size:190;not null" json:"note_history_id"`
	NoteID           string `gorm:"column:note_id;size:190;not null;index:idx_notes_history_note" json:"note_id"`
	Title            string `gorm:"column:note_title;type:text;not null" json:"note_title"`
	Text             string `gorm:"column:note_text;type:text;not null" json:"note_text"`
	IsProtected      bool   `gorm:"column:is_protected;not null" json:"is_protected"`
	DateModifiedFrom int64  `gorm:"column:date_modified_from;not null" json:"date_modified_from"`
	DateModifiedTo   int64  `gorm:"column:date_modified_to;not null" json:"date_modified_to"`
}

// TableName provides the explicit table binding for GORM.
func (NoteHistory) TableName() string {
	return "notes_history"
}

// Option is a named configuration value.
type Option struct {
	Name         string `gorm:"column:opt_name;primaryKey;size:190;not null" json:"opt_name"`
	Value        string `gorm:"column:opt_value;type:text;not null" json:"opt_value"`
	DateModified int64  `gorm:"column:date_modified;not null" json:"date_modified"`
}

// TableName provides the explicit table binding for GORM.
func (Option) TableName() string {
	return "options"
}

// RecentNote marks when a note was last opened.
type RecentNote struct {
	NoteID       string `gorm:"column:note_id;primaryKey;size:190;not null" json:"note_id"`
	DateAccessed int64  `gorm:"column:date_accessed;not null" json:"date_accessed"`
}

// TableName provides the explicit table binding for GORM.
func (RecentNote) TableName() string {
	return "recent_notes"
}

// NoteReordering assigns positions to children of one parent. It has no table of its own.
type NoteReordering struct {
	ParentNoteID string         `json:"note_pid"`
	Ordering     map[string]int `json:"ordering"`
}

// SyncCursor records that an entity was synced from a source replica.
type SyncCursor struct {
	EntityName string `gorm:"column:entity_name;primaryKey;size:32;not null"`
	EntityID   string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	SourceID   string `gorm:"column:source_id;primaryKey;size:190;not null"`
	SyncDate   int64  `gorm:"column:sync_date;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncCursor) TableName() string {
	return "sync_cursors"
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID         string  `gorm:"column:id;primaryKey;size:64;not null"`
	DateAdded  int64   `gorm:"column:date_added;not null;index:idx_audit_lookup,priority:4"`
	Category   string  `gorm:"column:category;size:32;not null;index:idx_audit_lookup,priority:1"`
	SourceID   string  `gorm:"column:source_id;size:190;not null;index:idx_audit_lookup,priority:2"`
	NoteID     string  `gorm:"column:note_id;size:190;not null;index:idx_audit_lookup,priority:3"`
	ChangeFrom *string `gorm:"column:change_from;type:text"`
	ChangeTo   *string `gorm:"column:change_to;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (AuditEntry) TableName() string {
	return "audit_log"
}

// Models lists every table owned by this package, for schema migration.
func Models() []any {
	return []any{
		&Note{},
		&Link{},
		&NoteTree{},
		&NoteHistory{},
		&Option{},
		&RecentNote{},
		&SyncCursor{},
		&AuditEntry{},
		&Event{},
	}
}
