// Package jingle translates between the text session description model and
// the Jingle (XEP-0166 family) element tree carried inside IQ stanzas.
package jingle

// Action is the jingle action attribute value.
type Action string

const (
	SessionInitiate Action = "session-initiate"
	SessionAccept   Action = "session-accept"
	SourceAdd       Action = "source-add"
	SourceRemove    Action = "source-remove"
	TransportInfo   Action = "transport-info"
)

const (
	NSJingle  = "urn:xmpp:jingle:1"
	NSRTP     = "urn:xmpp:jingle:apps:rtp:1"
	NSRtcpFb  = "urn:xmpp:jingle:apps:rtp:rtcp-fb:0"
	NSHdrExt  = "urn:xmpp:jingle:apps:rtp:rtp-hdrext:0"
	NSSources = "urn:xmpp:jingle:apps:rtp:ssma:0"
	NSIceUDP  = "urn:xmpp:jingle:transports:ice-udp:1"
	NSDTLS    = "urn:xmpp:jingle:apps:dtls:0"
)

// Role of the local side in the negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)
