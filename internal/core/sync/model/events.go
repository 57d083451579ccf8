package model

// Event types published on the engine's bus.
const (
	EventUpdate            = "update"
	EventConflictDetected  = "conflictDetected"
	EventConnectionChanged = "connectionChanged"
	EventStateChanged      = "stateChanged"
)

// UpdateEvent summarizes one accepted push message.
type UpdateEvent struct {
	Type         PushMessageType   `json:"type"`
	UnreadCount  int               `json:"unreadCount"`
	Notification *NotificationView `json:"notification,omitempty"`
}

type ConflictEvent struct {
	Conflict Conflict `json:"conflict"`
}

type ConnectionEvent struct {
	From ConnectionStatus `json:"from"`
	To   ConnectionStatus `json:"to"`
}

type StateEvent struct {
	Revision uint64                `json:"revision"`
	State    *SynchronizationState `json:"-"`
}
