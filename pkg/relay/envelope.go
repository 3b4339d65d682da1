package relay

import "encoding/json"

// Actions of messages pushed to subscribers.
const (
	ActionBackendStatusChanged = "backendStatusChanged"
	ActionBadgeChanged         = "badgeChanged"
	ActionNotification         = "notification"
)

type BackendStatusChanged struct {
	Action  string `json:"action"`
	Running bool   `json:"running"`
}

func NewBackendStatusChanged(running bool) BackendStatusChanged {
	return BackendStatusChanged{Action: ActionBackendStatusChanged, Running: running}
}

type BadgeChanged struct {
	Action string `json:"action"`
	Text   string `json:"text"`
	Color  string `json:"color,omitempty"`
}

func NewBadgeChanged(text, color string) BadgeChanged {
	return BadgeChanged{Action: ActionBadgeChanged, Text: text, Color: color}
}

// Notification mirrors the fields of a basic browser notification.
type Notification struct {
	Action   string `json:"action"`
	Type     string `json:"type"`
	IconURL  string `json:"iconUrl,omitempty"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

func NewNotification(title, message string) Notification {
	return Notification{
		Action:   ActionNotification,
		Type:     "basic",
		IconURL:  "images/icon128.png",
		Title:    title,
		Message:  message,
		Priority: 2,
	}
}

// BroadcastJSON marshals v and delivers it to every subscriber of b.
func BroadcastJSON(b Broadcaster, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.Broadcast(data)
	return nil
}
