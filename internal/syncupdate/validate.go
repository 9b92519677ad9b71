package syncupdate

import (
	"fmt"
	"strings"
)

func validateVersioned(entityID string, version int64, sourceID SourceID) (UnixTimestamp, error) {
	if strings.TrimSpace(entityID) == "" {
		return 0, fmt.Errorf("%w: empty identity", ErrMalformedRecord)
	}
	if len(entityID) > maxIdentifierLength {
		return 0, fmt.Errorf("%w: identity exceeds %d characters", ErrMalformedRecord, maxIdentifierLength)
	}
	if _, err := NewSourceID(sourceID.String()); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	remote, err := NewUnixTimestamp(version)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return remote, nil
}

func validateNote(note Note, links []Link, sourceID SourceID) (UnixTimestamp, error) {
	remote, err := validateVersioned(note.NoteID, note.DateModified, sourceID)
	if err != nil {
		return 0, err
	}
	for index, link := range links {
		if link.NoteID != "" && link.NoteID != note.NoteID {
			return 0, fmt.Errorf("%w: link %d belongs to note %q", ErrMalformedRecord, index, link.NoteID)
		}
		if strings.TrimSpace(link.TargetNoteID) == "" {
			return 0, fmt.Errorf("%w: link %d has no target", ErrMalformedRecord, index)
		}
	}
	return remote, nil
}

func validateReordering(reordering NoteReordering, sourceID SourceID) error {
	if strings.TrimSpace(reordering.ParentNoteID) == "" {
		return fmt.Errorf("%w: empty parent note id", ErrMalformedRecord)
	}
	if _, err := NewSourceID(sourceID.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	for noteID := range reordering.Ordering {
		if strings.TrimSpace(noteID) == "" {
			return fmt.Errorf("%w: empty child note id", ErrMalformedRecord)
		}
	}
	return nil
}
