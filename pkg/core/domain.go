// Package core holds the domain model shared by every coordination component:
// the co-edited record, its presence and lock bookkeeping, and the store port.
package core

import (
	"sort"
	"strings"
	"time"
)

const (
	// PresenceTTL is how long an editor entry stays live without a heartbeat.
	PresenceTTL = 5 * time.Minute
	// LockTTL is how long a field lock stays live without being re-acquired.
	LockTTL = 5 * time.Minute
	// HeartbeatInterval is how often a session refreshes its own editor entry.
	HeartbeatInterval = 60 * time.Second
	// ReapInterval is how often a lock manager sweeps expired lock entries.
	ReapInterval = 2 * time.Minute
)

// Top-level namespaces of a record that hold coordination bookkeeping.
const (
	EditorsField = "activeEditors"
	LocksField   = "lockedFields"
)

// Fields maps field paths to values for a partial merge write.
//
// Paths are either a content field name, "activeEditors.<peerID>" or
// "lockedFields.<fieldKey>". Only the first dot separates the namespace,
// so field keys may contain dots themselves.
type Fields map[string]any

// Editor is a presence entry: one live session viewing a record.
type Editor struct {
	LastSeenAt   time.Time `json:"lastSeenAt" yaml:"lastSeenAt"`
	DisplayLabel string    `json:"displayLabel" yaml:"displayLabel"`
}

// Stale reports whether the entry has outlived ttl at now.
func (e Editor) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastSeenAt) > ttl
}

// FieldLock is an advisory claim on a single field key.
type FieldLock struct {
	HolderID    string    `json:"holderId" yaml:"holderId"`
	HolderLabel string    `json:"holderLabel" yaml:"holderLabel"`
	AcquiredAt  time.Time `json:"acquiredAt" yaml:"acquiredAt"`
}

// Stale reports whether the lease has outlived ttl at now.
func (l FieldLock) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) > ttl
}

// Holder returns the public view of the lock holder.
func (l FieldLock) Holder() Holder {
	return Holder{ID: l.HolderID, Label: l.HolderLabel, AcquiredAt: l.AcquiredAt}
}

// Record is a full snapshot of the co-edited document.
type Record struct {
	ID string
	// LastModifiedAt is assigned by the store and advances on content writes only.
	LastModifiedAt time.Time
	// Revision is assigned by the store and advances on every accepted write.
	Revision      int64
	ActiveEditors map[string]Editor
	LockedFields  map[string]FieldLock
	Fields        Fields
}

// NewRecord returns an empty record with initialized maps.
func NewRecord(id string) Record {
	return Record{
		ID:            id,
		ActiveEditors: make(map[string]Editor),
		LockedFields:  make(map[string]FieldLock),
		Fields:        make(Fields),
	}
}

// Clone returns a deep copy of the bookkeeping maps. Content values are
// copied shallowly.
func (r Record) Clone() Record {
	out := Record{
		ID:             r.ID,
		LastModifiedAt: r.LastModifiedAt,
		Revision:       r.Revision,
		ActiveEditors:  make(map[string]Editor, len(r.ActiveEditors)),
		LockedFields:   make(map[string]FieldLock, len(r.LockedFields)),
		Fields:         make(Fields, len(r.Fields)),
	}
	for k, v := range r.ActiveEditors {
		out.ActiveEditors[k] = v
	}
	for k, v := range r.LockedFields {
		out.LockedFields[k] = v
	}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// LivePeers returns the non-stale editors at now, excluding selfID,
// sorted by label then ID.
func (r Record) LivePeers(now time.Time, ttl time.Duration, selfID string) []Peer {
	peers := make([]Peer, 0, len(r.ActiveEditors))
	for id, e := range r.ActiveEditors {
		if id == selfID || e.Stale(now, ttl) {
			continue
		}
		peers = append(peers, Peer{ID: id, Label: e.DisplayLabel, LastSeenAt: e.LastSeenAt})
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Label != peers[j].Label {
			return peers[i].Label < peers[j].Label
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// LiveLocks returns the non-stale lock holders at now keyed by field.
func (r Record) LiveLocks(now time.Time, ttl time.Duration) map[string]Holder {
	out := make(map[string]Holder, len(r.LockedFields))
	for key, l := range r.LockedFields {
		if l.Stale(now, ttl) {
			continue
		}
		out[key] = l.Holder()
	}
	return out
}

// Peer identifies a live editing session on a record.
type Peer struct {
	ID         string
	Label      string
	LastSeenAt time.Time
}

// Holder identifies the session currently holding a field lock.
type Holder struct {
	ID         string
	Label      string
	AcquiredAt time.Time
}

// WriteResult describes an accepted merge write.
type WriteResult struct {
	Revision       int64
	LastModifiedAt time.Time
	UpdateTime     time.Time
	// Content is true when the write touched content fields.
	Content bool
}

// EditorPath returns the field path of a presence entry.
func EditorPath(peerID string) string {
	return EditorsField + "." + peerID
}

// LockPath returns the field path of a lock entry.
func LockPath(fieldKey string) string {
	return LocksField + "." + fieldKey
}

// SplitPath separates a field path into its namespace and key.
// Content paths return an empty key.
func SplitPath(path string) (namespace, key string) {
	ns, rest, found := strings.Cut(path, ".")
	if found && (ns == EditorsField || ns == LocksField) {
		return ns, rest
	}
	return path, ""
}

// EventType represents the type of change observed on a store.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventModify EventType = "MODIFY"
	EventDelete EventType = "DELETE"
)

// Event represents a change to a record.
type Event struct {
	Type      EventType
	ID        string
	Timestamp int64 // Unix timestamp
}

// String implements lifecycle.Event.
func (e Event) String() string {
	return string(e.Type) + " " + e.ID
}
