package syncupdate

import (
	"sort"
	"strings"
)

// DefaultSyncedOptions lists the option names exchanged between replicas.
var DefaultSyncedOptions = []string{
	"username",
	"password_verification_hash",
	"password_verification_salt",
	"password_derived_key_salt",
	"encrypted_data_key",
	"encrypted_data_key_iv",
	"protected_session_timeout",
	"history_snapshot_time_interval",
}

// OptionWhitelist is an immutable set of option names eligible for sync.
type OptionWhitelist struct {
	names map[string]struct{}
}

// NewOptionWhitelist copies the provided names into a new whitelist. Blank names are dropped.
func NewOptionWhitelist(names ...string) OptionWhitelist {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return OptionWhitelist{names: set}
}

// Allows reports whether the option participates in sync.
func (w OptionWhitelist) Allows(name string) bool {
	_, ok := w.names[name]
	return ok
}

// Names returns the whitelisted names in sorted order.
func (w OptionWhitelist) Names() []string {
	names := make([]string, 0, len(w.names))
	for name := range w.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of whitelisted names.
func (w OptionWhitelist) Len() int {
	return len(w.names)
}
