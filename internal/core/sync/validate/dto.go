package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/zeusync/livesync/internal/core/sync/model"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// ParseDate converts a wire date into a UTC instant. Strings are tried
// against ISO-8601 layouts; zone-less forms are read as UTC.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// FromMillis converts epoch milliseconds into a UTC instant.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// date accepts either an ISO-8601 string or epoch milliseconds.
type date struct {
	time.Time
	Set bool
}

func (d *date) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*d = date{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		t, err := ParseDate(s)
		if err != nil {
			return err
		}
		*d = date{Time: t, Set: true}
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	*d = date{Time: FromMillis(ms), Set: true}
	return nil
}

func (d date) ptr() *time.Time {
	if !d.Set {
		return nil
	}
	t := d.Time
	return &t
}

type envelopeDTO struct {
	Type           model.PushMessageType `json:"type"`
	Payload        json.RawMessage       `json:"payload"`
	Timestamp      date                  `json:"timestamp"`
	SequenceNumber *int64                `json:"sequenceNumber"`
}

type notificationDTO struct {
	ID           string                     `json:"id"`
	UserID       string                     `json:"userId"`
	Type         string                     `json:"type"`
	Title        string                     `json:"title"`
	Message      string                     `json:"message"`
	ResourceID   string                     `json:"resourceId"`
	ResourceType model.ResourceType         `json:"resourceType"`
	Priority     model.NotificationPriority `json:"priority"`
	CreatedAt    date                       `json:"createdAt"`
	ReadAt       date                       `json:"readAt"`
	Archived     bool                       `json:"archived"`
}

func (d notificationDTO) toModel() model.Notification {
	priority := d.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	return model.Notification{
		ID:           d.ID,
		UserID:       d.UserID,
		Kind:         d.Type,
		Title:        d.Title,
		Message:      d.Message,
		ResourceID:   d.ResourceID,
		ResourceType: d.ResourceType,
		Priority:     priority,
		CreatedAt:    d.CreatedAt.Time,
		ReadAt:       d.ReadAt.ptr(),
		Archived:     d.Archived,
	}
}

type readDTO struct {
	NotificationID string `json:"notificationId"`
	ReadAt         date   `json:"readAt"`
}

type archivedDTO struct {
	NotificationID string `json:"notificationId"`
	ArchivedAt     date   `json:"archivedAt"`
	WasUnread      bool   `json:"wasUnread"`
}

type bulkReadDTO struct {
	NotificationIDs []string `json:"notificationIds"`
	ReadAt          date     `json:"readAt"`
}

type changeDTO struct {
	ID           string             `json:"id"`
	ActorID      string             `json:"actorId"`
	ActorName    string             `json:"actorName"`
	Kind         model.ChangeKind   `json:"kind"`
	ResourceID   string             `json:"resourceId"`
	ResourceType model.ResourceType `json:"resourceType"`
	Payload      json.RawMessage    `json:"payload"`
	Timestamp    date               `json:"timestamp"`
	Version      int64              `json:"version"`
}

func (d changeDTO) toModel() model.Change {
	return model.Change{
		ID:           d.ID,
		ActorID:      d.ActorID,
		ActorName:    d.ActorName,
		Kind:         d.Kind,
		ResourceID:   d.ResourceID,
		ResourceType: d.ResourceType,
		Payload:      d.Payload,
		Timestamp:    d.Timestamp.Time,
		Version:      d.Version,
	}
}

type activeUserDTO struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Role           model.Role `json:"role"`
	LastActivityAt date       `json:"lastActivityAt"`
	IsOnline       bool       `json:"isOnline"`
}

type pollDTO struct {
	ActiveUsers   []activeUserDTO `json:"activeUsers"`
	Changes       []changeDTO     `json:"changes"`
	ServerVersion int64           `json:"serverVersion"`
	Timestamp     date            `json:"timestamp"`
}

func (d pollDTO) toModel() model.PollResult {
	res := model.PollResult{
		ActiveUsers:   make([]model.ActiveUser, 0, len(d.ActiveUsers)),
		Changes:       make([]model.Change, 0, len(d.Changes)),
		ServerVersion: d.ServerVersion,
		Timestamp:     d.Timestamp.Time,
	}
	for _, u := range d.ActiveUsers {
		res.ActiveUsers = append(res.ActiveUsers, model.ActiveUser{
			ID:             u.ID,
			Name:           u.Name,
			Role:           u.Role,
			LastActivityAt: u.LastActivityAt.Time,
			IsOnline:       u.IsOnline,
		})
	}
	for _, c := range d.Changes {
		res.Changes = append(res.Changes, c.toModel())
	}
	return res
}

type conflictDTO struct {
	ID           string             `json:"id"`
	ResourceID   string             `json:"resourceId"`
	ResourceType model.ResourceType `json:"resourceType"`
	LocalChange  changeDTO          `json:"localChange"`
	RemoteChange changeDTO          `json:"remoteChange"`
	DetectedAt   date               `json:"detectedAt"`
}

type submitDTO struct {
	ChangeID  string        `json:"changeId"`
	Version   int64         `json:"version"`
	Conflicts []conflictDTO `json:"conflicts"`
}

func (d submitDTO) toModel() model.SubmitResult {
	res := model.SubmitResult{ChangeID: d.ChangeID, Version: d.Version}
	for _, c := range d.Conflicts {
		res.Conflicts = append(res.Conflicts, model.Conflict{
			ID:           c.ID,
			ResourceID:   c.ResourceID,
			ResourceType: c.ResourceType,
			LocalChange:  c.LocalChange.toModel(),
			RemoteChange: c.RemoteChange.toModel(),
			DetectedAt:   c.DetectedAt.Time,
		})
	}
	return res
}
