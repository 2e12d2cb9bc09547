// Package directory manages the client and staff directory backing
// subject resolution. Entries are persisted in SQLite and served from
// a TTL snapshot cache; mutations invalidate the snapshot so the next
// read reloads a fresh copy.
package directory

import "time"

// ClientEntry is one client record with its channel bindings and
// tracker identifiers.
type ClientEntry struct {
	ID      int64    `json:"id"`
	Name    string   `json:"client_name"`
	Aliases []string `json:"aliases,omitempty"`

	ListID     string `json:"list_id,omitempty"`
	ListName   string `json:"list_name,omitempty"`
	FolderID   string `json:"folder_id,omitempty"`
	QAListID   string `json:"qa_list_id,omitempty"`
	QAListName string `json:"qa_list_name,omitempty"`

	InternalChannelID   string `json:"internal_channel_id,omitempty"`
	InternalChannelName string `json:"internal_channel_name,omitempty"`
	ExternalChannelID   string `json:"external_channel_id,omitempty"`
	ExternalChannelName string `json:"external_channel_name,omitempty"`

	ProjectType    string  `json:"project_type,omitempty"`
	AvailableHours float64 `json:"available_hours,omitempty"`
	Revenue        float64 `json:"revenue,omitempty"`
	DeliveryRate   float64 `json:"delivery_rate,omitempty"`
	Status         string  `json:"status,omitempty"`
	Notes          string  `json:"notes,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// StaffEntry is one staff record linking chat identity to tracker
// identity.
type StaffEntry struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Role          string `json:"role,omitempty"`
	Email         string `json:"email,omitempty"`
	ChatUserID    string `json:"chat_user_id,omitempty"`
	TrackerUserID string `json:"tracker_user_id,omitempty"`
	Status        string `json:"status,omitempty"`
}

// Names returns the client's display name plus aliases.
func (c *ClientEntry) Names() []string {
	names := make([]string, 0, 1+len(c.Aliases))
	names = append(names, c.Name)
	names = append(names, c.Aliases...)
	return names
}
