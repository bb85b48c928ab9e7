package domain

import "time"

// Participant represents one remote occupant of a room.
// No transport or lifecycle logic here; the session owns it.
type Participant struct {
	JID          JID
	Event        Kind
	AudioMuted   bool
	VideoMuted   bool
	Name         string
	Status       string
	LastPresence time.Time
	StreamID     string
}

// NewParticipant avoids raw literals in the session engine and keeps construction obvious.
func NewParticipant(jid JID, event Kind, now time.Time) *Participant {
	return &Participant{JID: jid, Event: event, LastPresence: now}
}

// FocusMarker appears in the resource of the conference focus jid.
const FocusMarker = "focus"
