// Package epg ingests XMLTV guide data and joins it against live channel lists.
package epg

import "time"

// DefaultRetention is how far past "now" programmes are kept when parsing.
const DefaultRetention = 24 * time.Hour

// LiveChannel is a playable channel from the IPTV channel list.
type LiveChannel struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Logo  string `json:"logo,omitempty"`
	Group string `json:"group,omitempty"`
	TVGID string `json:"tvgId,omitempty"`
}

// Program is a single guide entry. Start is always strictly before Stop.
type Program struct {
	ChannelID   string    `json:"channelId"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	Category    string    `json:"category,omitempty"`
	Icon        string    `json:"icon,omitempty"`
}

// AiringAt reports whether t falls within [Start, Stop).
func (p Program) AiringAt(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.Stop)
}

// Overlaps reports whether the programme intersects [start, end).
func (p Program) Overlaps(start, end time.Time) bool {
	return p.Start.Before(end) && p.Stop.After(start)
}

// Channel is a guide channel. Programs are sorted ascending by Start.
type Channel struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Icon        string    `json:"icon,omitempty"`
	Programs    []Program `json:"programs"`
}

// Window is the retention window applied while parsing.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns the window [now, now+ahead].
func NewWindow(now time.Time, ahead time.Duration) Window {
	return Window{Start: now, End: now.Add(ahead)}
}

// Retains reports whether a programme spanning [start, stop] overlaps the window.
// Programmes that already ended or start after the window are dropped.
func (w Window) Retains(start, stop time.Time) bool {
	return !stop.Before(w.Start) && !start.After(w.End)
}
