package validate

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeusync/livesync/internal/core/sync/model"
)

const maxDisplayTitle = 80

var fallbackTitles = map[string]string{
	"mention":     "You were mentioned",
	"comment":     "New comment",
	"assignment":  "New assignment",
	"reminder":    "Reminder",
	"stage_moved": "Planning stage updated",
}

var resourcePaths = map[model.ResourceType]string{
	model.ResourcePlanningStage: "/planning/stages/",
	model.ResourceCalendarEvent: "/calendar/events/",
	model.ResourceNotification:  "/notifications/",
}

// Transform builds the presentation projection of n. The embedded
// Notification is copied unchanged; only the derived fields are computed.
func (v *Validator) Transform(n model.Notification) model.NotificationView {
	return model.NotificationView{
		Notification: n,
		Unread:       n.ReadAt == nil && !n.Archived,
		DisplayTitle: displayTitle(n),
		DisplayTime:  n.CreatedAt.In(v.location).Format("Jan 2, 15:04"),
		AgeLabel:     AgeLabel(v.now().Sub(n.CreatedAt)),
		Link:         link(n),
	}
}

func displayTitle(n model.Notification) string {
	title := strings.TrimSpace(n.Title)
	if title == "" {
		if fb, ok := fallbackTitles[n.Kind]; ok {
			title = fb
		} else {
			title = "New notification"
		}
	}
	if utf8.RuneCountInString(title) > maxDisplayTitle {
		r := []rune(title)
		title = string(r[:maxDisplayTitle-1]) + "…"
	}
	return title
}

func link(n model.Notification) string {
	if n.ResourceID == "" {
		return ""
	}
	prefix, ok := resourcePaths[n.ResourceType]
	if !ok {
		return ""
	}
	return prefix + n.ResourceID
}

// AgeLabel renders an elapsed duration the way the notification list shows it.
func AgeLabel(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	case d < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	default:
		return fmt.Sprintf("%dw ago", int(d/(7*24*time.Hour)))
	}
}
