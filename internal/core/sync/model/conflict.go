package model

import "time"

type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyManual Strategy = "manual"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocal, StrategyRemote, StrategyManual:
		return true
	}
	return false
}

// Conflict pairs a local and a remote change on the same resource.
// Resolution and ResolvedAt are set only on the audit copy kept after resolution.
type Conflict struct {
	ID           string       `json:"id"`
	ResourceID   string       `json:"resourceId"`
	ResourceType ResourceType `json:"resourceType"`
	LocalChange  Change       `json:"localChange"`
	RemoteChange Change       `json:"remoteChange"`
	DetectedAt   time.Time    `json:"detectedAt"`
	Resolution   *Strategy    `json:"resolution,omitempty"`
	ResolvedAt   *time.Time   `json:"resolvedAt,omitempty"`
}

func (c Conflict) Key() ResourceKey {
	return ResourceKey{ID: c.ResourceID, Type: c.ResourceType}
}

// Merge folds a later detection on the same resource into c. The conflict keeps
// its identity; each side is replaced only by a change that orders after it.
func (c Conflict) Merge(later Conflict) Conflict {
	if c.LocalChange.Before(later.LocalChange) {
		c.LocalChange = later.LocalChange
	}
	if c.RemoteChange.Before(later.RemoteChange) {
		c.RemoteChange = later.RemoteChange
	}
	return c
}

// Resolved returns the audit copy of c stamped with the chosen strategy.
func (c Conflict) Resolved(strategy Strategy, at time.Time) Conflict {
	s := strategy
	t := at
	c.Resolution = &s
	c.ResolvedAt = &t
	return c
}
