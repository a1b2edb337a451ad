package devicesession

import (
	"time"

	"atlasvet/backend/internal/devicesession/domain"
)

// View is the JSON shape of a device in API responses.
type View struct {
	ID           string    `json:"id"`
	DeviceName   string    `json:"device_name"`
	Kind         string    `json:"kind"`
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	IPAddress    string    `json:"ip_address,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Current      bool      `json:"current"`
	Trusted      bool      `json:"trusted"`
}

// NewViews converts rows to views, marking currentID. currentID may be empty.
func NewViews(list []*domain.DeviceSession, currentID string, now time.Time) []View {
	out := make([]View, 0, len(list))
	for _, d := range list {
		name := d.DeviceName
		if name == "" {
			name = DeviceNameFromUserAgent(d.UserAgent)
		}
		info := Classify(name + " " + d.UserAgent)
		out = append(out, View{
			ID:           d.ID,
			DeviceName:   name,
			Kind:         info.Kind,
			Browser:      info.Browser,
			OS:           info.OS,
			IPAddress:    d.IPAddress,
			CreatedAt:    d.CreatedAt,
			LastActiveAt: d.LastActiveAt,
			Current:      currentID != "" && d.ID == currentID,
			Trusted:      d.IsTrusted(now),
		})
	}
	return out
}
