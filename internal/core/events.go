package core

import (
	"github.com/beevik/etree"

	"github.com/dkeye/rtcsig/internal/domain"
	"github.com/dkeye/rtcsig/internal/jingle"
)

// Transport events. The connection classifies every inbound stanza into one
// of these and fans it out to the listeners registered for the room id.

type PresenceType string

const (
	PresenceJoin        PresenceType = "join"
	PresenceUnavailable PresenceType = "unavailable"
	PresenceError       PresenceType = "error"
)

type PresenceEvent struct {
	Room        domain.RoomID
	From        domain.JID
	Type        PresenceType
	Affiliation string
	Role        string
	AudioMuted  bool
	VideoMuted  bool
	Name        string
	Status      string
	Event       domain.Kind
	TraceID     domain.TraceID
}

// Self reports whether the presence echoes our own occupancy, identified by
// the routing id we joined the room with.
func (e PresenceEvent) Self(routingID string) bool { return e.From.Resource() == routingID }

type JingleEvent struct {
	Room    domain.RoomID
	From    domain.JID
	Action  jingle.Action
	SID     string
	Element *etree.Element
}

// PrivateIQEvent carries an ad-hoc urn:xmpp:comcast:info data element.
type PrivateIQEvent struct {
	Room domain.RoomID
	From domain.JID
	Data *etree.Element
}

// RayoEvent carries a rayo ref uri for PSTN dial-out bookkeeping.
type RayoEvent struct {
	Room domain.RoomID
	URI  string
}

type IQErrorEvent struct {
	Room    domain.RoomID
	From    domain.JID
	Message string
}

// RoomListener receives the events of one registered room.
type RoomListener interface {
	OnPresence(PresenceEvent)
	OnJingle(JingleEvent)
	OnPrivateIQ(PrivateIQEvent)
	OnRayo(RayoEvent)
	OnIQError(IQErrorEvent)
	// OnDisconnect fires once when the connection is lost or the server
	// tells the room to leave.
	OnDisconnect(reason string)
}
