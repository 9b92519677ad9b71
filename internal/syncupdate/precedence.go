package syncupdate

// Decision is the outcome of reconciling one incoming record.
type Decision string

const (
	// DecisionAccepted means the incoming record replaced local state.
	DecisionAccepted Decision = "accepted"
	// DecisionRejected means local state was kept and a conflict was logged.
	DecisionRejected Decision = "rejected"
	// DecisionIgnored means the record was filtered out before any comparison.
	DecisionIgnored Decision = "ignored"
)

// Precedence is the last-write-wins rule for one entity kind.
type Precedence struct {
	// AcceptTies accepts an incoming version equal to the local one.
	AcceptTies bool
}

// Decide compares the local version (nil when no local row exists) with the incoming one.
func (p Precedence) Decide(local *UnixTimestamp, remote UnixTimestamp) Decision {
	switch {
	case local == nil:
		return DecisionAccepted
	case remote > *local:
		return DecisionAccepted
	case remote == *local && p.AcceptTies:
		return DecisionAccepted
	default:
		return DecisionRejected
	}
}

// DefaultPrecedence returns the per-kind rules used by replicas.
//
// Notes accept ties so an equal date_modified re-applies the row and rewrites the
// link set. Every other kind treats an equal version as already converged.
// Reordering is absent: it is applied unconditionally.
func DefaultPrecedence() map[EntityKind]Precedence {
	return map[EntityKind]Precedence{
		EntityNote:        {AcceptTies: true},
		EntityNoteTree:    {AcceptTies: false},
		EntityNoteHistory: {AcceptTies: false},
		EntityOption:      {AcceptTies: false},
		EntityRecentNote:  {AcceptTies: false},
	}
}
