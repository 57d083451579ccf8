package model

import (
	"maps"
	"time"
)

type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusOffline      ConnectionStatus = "offline"
)

const (
	DefaultRecentCap   = 50
	DefaultResolvedCap = 100
)

// Metrics are the performance counters exposed with every snapshot.
type Metrics struct {
	Polls             uint64        `json:"polls"`
	PollFailures      uint64        `json:"pollFailures"`
	FullRefreshes     uint64        `json:"fullRefreshes"`
	AvgPollLatency    time.Duration `json:"avgPollLatency"`
	Submits           uint64        `json:"submits"`
	SubmitRetries     uint64        `json:"submitRetries"`
	MessagesAccepted  uint64        `json:"messagesAccepted"`
	MessagesDropped   uint64        `json:"messagesDropped"`
	ConflictsDetected uint64        `json:"conflictsDetected"`
	ConflictsResolved uint64        `json:"conflictsResolved"`
	Rollbacks         uint64        `json:"rollbacks"`
	CacheHitRate      float64       `json:"cacheHitRate"`
}

// SynchronizationState is one immutable snapshot of everything the engine knows.
// Readers must treat every field as read-only; the store replaces the whole
// snapshot on each committed transition.
type SynchronizationState struct {
	Revision          uint64                   `json:"revision"`
	ActiveUsers       []ActiveUser             `json:"activeUsers"`
	RecentChanges     []Change                 `json:"recentChanges"`
	PendingChanges    map[string]PendingChange `json:"pendingChanges"`
	Conflicts         []Conflict               `json:"conflicts"`
	ResolvedConflicts []Conflict               `json:"resolvedConflicts,omitempty"`
	ServerVersion     int64                    `json:"serverVersion"`
	LastSyncedAt      time.Time                `json:"lastSyncedAt"`
	ConnectionStatus  ConnectionStatus         `json:"connectionStatus"`
	PollingError      string                   `json:"pollingError,omitempty"`
	SubmitError       string                   `json:"submitError,omitempty"`
	UnreadCount       int                      `json:"unreadCount"`
	SelfHealing       bool                     `json:"selfHealing"`
	Metrics           Metrics                  `json:"metrics"`
}

// NewState returns the empty initial snapshot.
func NewState() *SynchronizationState {
	return &SynchronizationState{
		PendingChanges:   map[string]PendingChange{},
		ConnectionStatus: StatusDisconnected,
	}
}

// HasConflicts reports the UI-visible "conflict present" flag.
func (s *SynchronizationState) HasConflicts() bool {
	return len(s.Conflicts) > 0
}

func (s *SynchronizationState) FindChange(id string) (Change, bool) {
	for _, c := range s.RecentChanges {
		if c.ID == id {
			return c, true
		}
	}
	return Change{}, false
}

func (s *SynchronizationState) FindConflict(id string) (Conflict, bool) {
	for _, c := range s.Conflicts {
		if c.ID == id {
			return c, true
		}
	}
	return Conflict{}, false
}

// PendingFor returns the pending changes targeting key.
func (s *SynchronizationState) PendingFor(key ResourceKey) []PendingChange {
	var out []PendingChange
	for _, p := range s.PendingChanges {
		if p.Change.Key() == key {
			out = append(out, p)
		}
	}
	return out
}

// Clone returns a shallow copy whose slices and map may be replaced without
// affecting s. Elements are values, so sharing the backing arrays is safe as
// long as callers copy before writing, which the store's transaction does.
func (s *SynchronizationState) Clone() *SynchronizationState {
	c := *s
	c.PendingChanges = maps.Clone(s.PendingChanges)
	if c.PendingChanges == nil {
		c.PendingChanges = map[string]PendingChange{}
	}
	return &c
}
