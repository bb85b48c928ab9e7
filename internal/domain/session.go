// Package domain contains entities without logic, just meta-data
package domain

type (
	RoomID  string
	JID     string
	TraceID string
)

// Resource returns the part after the first slash of a full jid
// ("room@conference.host/occupant" -> "occupant"), empty for a bare jid.
func (j JID) Resource() string {
	s := string(j)
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[i+1:]
		}
	}
	return ""
}

// Kind is the call kind carried in presence and allocation requests.
type Kind string

const (
	KindVideo Kind = "videocall"
	KindAudio Kind = "audiocall"
	KindPSTN  Kind = "pstncall"
	KindChat  Kind = "groupchat"
)

// SessionType distinguishes how the local side entered the room.
type SessionType string

const (
	SessionCreate    SessionType = "create"
	SessionJoin      SessionType = "join"
	SessionUpgrade   SessionType = "upgrade"
	SessionDowngrade SessionType = "downgrade"
)

type State int

const (
	StateNone State = iota
	StateStarted
	StateConnecting
	StateOutgoing
	StateIncoming
	StateInProgress
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStarted:
		return "started"
	case StateConnecting:
		return "connecting"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateInProgress:
		return "inprogress"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

type PresenceState int

const (
	PresenceNone PresenceState = iota
	PresenceJoined
	PresenceJoinedModerator
)

type PSTNState int

const (
	PSTNNone PSTNState = iota
	PSTNInProgress
	PSTNConnected
)
