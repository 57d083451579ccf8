package model

import (
	"encoding/json"
	"time"
)

// PollResult is the validated answer of Transport.Poll.
type PollResult struct {
	ActiveUsers   []ActiveUser
	Changes       []Change
	ServerVersion int64
	Timestamp     time.Time
}

// SubmitResult is the validated answer of Transport.Submit.
type SubmitResult struct {
	ChangeID  string     `json:"changeId"`
	Version   int64      `json:"version"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

type PushMessageType string

const (
	PushNotificationCreated  PushMessageType = "notification_created"
	PushNotificationRead     PushMessageType = "notification_read"
	PushNotificationArchived PushMessageType = "notification_archived"
	PushBulkRead             PushMessageType = "bulk_read"
)

// PushEnvelope is the wire frame delivered by the push transport.
type PushEnvelope struct {
	Type           PushMessageType `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      string          `json:"timestamp"`
	SequenceNumber *int64          `json:"sequenceNumber,omitempty"`
}

type NotificationPriority string

const (
	PriorityLow    NotificationPriority = "low"
	PriorityNormal NotificationPriority = "normal"
	PriorityHigh   NotificationPriority = "high"
)

// Notification is a validated notification record with structured timestamps.
type Notification struct {
	ID           string               `json:"id"`
	UserID       string               `json:"userId"`
	Kind         string               `json:"type"`
	Title        string               `json:"title"`
	Message      string               `json:"message"`
	ResourceID   string               `json:"resourceId,omitempty"`
	ResourceType ResourceType         `json:"resourceType,omitempty"`
	Priority     NotificationPriority `json:"priority"`
	CreatedAt    time.Time            `json:"createdAt"`
	ReadAt       *time.Time           `json:"readAt,omitempty"`
	Archived     bool                 `json:"archived"`
}

// NotificationView is the presentation projection of a Notification. The
// derived fields are recomputed on every transform and never stored as source data.
type NotificationView struct {
	Notification
	Unread       bool   `json:"unread"`
	DisplayTitle string `json:"displayTitle"`
	DisplayTime  string `json:"displayTime"`
	AgeLabel     string `json:"ageLabel"`
	Link         string `json:"link,omitempty"`
}

// PushMessage is a validated push envelope. Exactly one of the payload
// pointers matching Type is set.
type PushMessage struct {
	Type           PushMessageType
	Timestamp      time.Time
	SequenceNumber *int64

	Created  *Notification
	Read     *ReadReceipt
	Archived *ArchiveReceipt
	BulkRead *BulkReadReceipt
}

type ReadReceipt struct {
	NotificationID string
	ReadAt         time.Time
}

type ArchiveReceipt struct {
	NotificationID string
	ArchivedAt     time.Time
	WasUnread      bool
}

type BulkReadReceipt struct {
	NotificationIDs []string
	ReadAt          time.Time
}
