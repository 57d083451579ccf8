// Package conflict detects concurrent changes to the same resource and
// applies the strategy a user picks to settle them.
package conflict

import (
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/livesync/internal/core/sync/model"
)

// DefaultWindow is the freshness window used when none is configured.
const DefaultWindow = 5 * time.Minute

var idSpace = uuid.MustParse("8f0b5b1e-6a4e-4c55-9d1f-6a9a3c1f2e70")

// ID derives the conflict id for a pair of changes. The same pair always
// yields the same id.
func ID(local, remote model.Change) string {
	return uuid.NewSHA1(idSpace, []byte(local.ID+"|"+remote.ID)).String()
}

// Detect pairs local with every candidate that targets the same resource,
// comes from another actor and lies within window of local. It has no side
// effects.
func Detect(local model.Change, candidates []model.Change, window time.Duration) []model.Conflict {
	if window <= 0 {
		window = DefaultWindow
	}
	var out []model.Conflict
	for _, remote := range candidates {
		if remote.ID == local.ID || remote.Key() != local.Key() || remote.ActorID == local.ActorID {
			continue
		}
		if absDuration(remote.Timestamp.Sub(local.Timestamp)) > window {
			continue
		}
		detected := local.Timestamp
		if remote.Timestamp.After(detected) {
			detected = remote.Timestamp
		}
		out = append(out, model.Conflict{
			ID:           ID(local, remote),
			ResourceID:   local.ResourceID,
			ResourceType: local.ResourceType,
			LocalChange:  local,
			RemoteChange: remote,
			DetectedAt:   detected,
		})
	}
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
