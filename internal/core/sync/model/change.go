// Package model holds the value types shared by every synchronization component.
// Values are immutable once built: mutation always produces a new value.
package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

type ChangeKind string

const (
	KindCreate ChangeKind = "create"
	KindUpdate ChangeKind = "update"
	KindDelete ChangeKind = "delete"
)

func (k ChangeKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

type ResourceType string

const (
	ResourcePlanningStage ResourceType = "planning_stage"
	ResourceCalendarEvent ResourceType = "calendar_event"
	ResourceNotification  ResourceType = "notification"
)

func (t ResourceType) Valid() bool {
	switch t {
	case ResourcePlanningStage, ResourceCalendarEvent, ResourceNotification:
		return true
	}
	return false
}

// ResourceKey identifies the target of a change. Conflicts are keyed by it.
type ResourceKey struct {
	ID   string
	Type ResourceType
}

func (k ResourceKey) String() string {
	return fmt.Sprintf("%s/%s", k.Type, k.ID)
}

// Change is a single mutation issued by one actor. Identity is ID; ordering is
// (Timestamp, Version).
type Change struct {
	ID           string          `json:"id"`
	ActorID      string          `json:"actorId"`
	ActorName    string          `json:"actorName"`
	Kind         ChangeKind      `json:"kind"`
	ResourceID   string          `json:"resourceId"`
	ResourceType ResourceType    `json:"resourceType"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Version      int64           `json:"version"`
}

func (c Change) Key() ResourceKey {
	return ResourceKey{ID: c.ResourceID, Type: c.ResourceType}
}

// WithVersion returns a copy of c carrying version v.
func (c Change) WithVersion(v int64) Change {
	c.Version = v
	return c
}

// Before reports whether c orders strictly before other by (Timestamp, Version).
func (c Change) Before(other Change) bool {
	if !c.Timestamp.Equal(other.Timestamp) {
		return c.Timestamp.Before(other.Timestamp)
	}
	return c.Version < other.Version
}

// SortRecentFirst orders changes most-recent-first by (Timestamp desc, Version desc).
func SortRecentFirst(changes []Change) {
	slices.SortStableFunc(changes, func(a, b Change) int {
		switch {
		case b.Before(a):
			return -1
		case a.Before(b):
			return 1
		default:
			return 0
		}
	})
}

// Actor is the identity stamped on locally issued changes.
type Actor struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Intent describes a local mutation before it becomes a Change.
type Intent struct {
	ChangeID     string          `json:"changeId,omitempty"`
	ResourceID   string          `json:"resourceId"`
	ResourceType ResourceType    `json:"resourceType"`
	Kind         ChangeKind      `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// PendingStatus tracks where an unconfirmed change is in its submission lifecycle.
type PendingStatus string

const (
	PendingQueued   PendingStatus = "queued"
	PendingInFlight PendingStatus = "in_flight"
	PendingRetrying PendingStatus = "retrying"
)

// PendingChange is a Change the server has not confirmed yet.
type PendingChange struct {
	Change    Change        `json:"change"`
	Status    PendingStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	CreatedAt time.Time     `json:"createdAt"`
	LastError string        `json:"lastError,omitempty"`
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

type ActiveUser struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Role           Role      `json:"role"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	IsOnline       bool      `json:"isOnline"`
}
