package syncupdate

import (
	"fmt"
	"time"
)

// EventKind identifies what happened to a synced entity.
type EventKind string

const (
	EventNoteSynced          EventKind = "note_synced"
	EventNoteConflict        EventKind = "note_conflict"
	EventNoteTreeConflict    EventKind = "note_tree_conflict"
	EventNoteHistoryConflict EventKind = "note_history_conflict"
	EventOptionSynced        EventKind = "option_synced"
	EventOptionConflict      EventKind = "option_conflict"
)

// NotePlaceholder marks where the presentation layer substitutes the note title.
const NotePlaceholder = "<note>"

const eventTimeLayout = "2006-01-02 15:04:05"

// Event is one structured row of the human-facing event log.
// NoteID is empty for global events.
type Event struct {
	ID            string    `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	DateAdded     int64     `gorm:"column:date_added;not null;index:idx_event_log_date" json:"date_added"`
	Kind          EventKind `gorm:"column:kind;size:32;not null" json:"kind"`
	EntityID      string    `gorm:"column:entity_id;size:190;not null" json:"entity_id"`
	NoteID        string    `gorm:"column:note_id;size:190;not null;index:idx_event_log_note" json:"note_id,omitempty"`
	LocalVersion  *int64    `gorm:"column:local_version" json:"local_version,omitempty"`
	RemoteVersion *int64    `gorm:"column:remote_version" json:"remote_version,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "event_log"
}

// NoteScoped reports whether the event refers to a note.
func (e Event) NoteScoped() bool {
	return e.NoteID != ""
}

// Message renders the event as operator-facing text. Note-scoped messages keep
// NotePlaceholder for the caller to resolve.
func (e Event) Message() string {
	switch e.Kind {
	case EventNoteSynced:
		return "Synced note " + NotePlaceholder
	case EventNoteConflict:
		return "Sync conflict in note " + NotePlaceholder + ", " + e.versions()
	case EventNoteTreeConflict:
		return "Sync conflict in note tree " + NotePlaceholder + ", " + e.versions()
	case EventNoteHistoryConflict:
		return "Sync conflict in note history for " + NotePlaceholder + ", " + e.versions()
	case EventOptionSynced:
		return "Synced option " + e.EntityID
	case EventOptionConflict:
		return "Sync conflict in options for " + e.EntityID + ", " + e.versions()
	default:
		return fmt.Sprintf("%s %s", e.Kind, e.EntityID)
	}
}

func (e Event) versions() string {
	return FormatTwoTimestamps(e.LocalVersion, e.RemoteVersion)
}

// FormatTwoTimestamps renders a local/remote version pair in UTC.
func FormatTwoTimestamps(local, remote *int64) string {
	return fmt.Sprintf("local: %s, remote: %s", formatVersion(local), formatVersion(remote))
}

func formatVersion(value *int64) string {
	if value == nil {
		return "none"
	}
	return time.Unix(*value, 0).UTC().Format(eventTimeLayout)
}

// EventLog appends event rows inside the caller's transaction.
type EventLog struct {
	clock      func() time.Time
	idProvider IDProvider
}

// AppendEvent stamps and stores the event.
func (l EventLog) AppendEvent(tx *Tx, event Event) error {
	id, err := l.idProvider.NewID()
	if err != nil {
		return err
	}
	event.ID = id
	event.DateAdded = l.clock().UTC().Unix()
	return tx.Insert(&event)
}

func conflictEvent(kind EventKind, entityID, noteID string, local *UnixTimestamp, remote UnixTimestamp) Event {
	event := Event{
		Kind:          kind,
		EntityID:      entityID,
		NoteID:        noteID,
		RemoteVersion: int64Pointer(remote.Int64()),
	}
	if local != nil {
		event.LocalVersion = int64Pointer(local.Int64())
	}
	return event
}

func int64Pointer(value int64) *int64 {
	v := value
	return &v
}
