package xmpp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
	"github.com/dkeye/rtcsig/internal/jingle"
)

type recordingListener struct {
	presences   []core.PresenceEvent
	jingles     []core.JingleEvent
	privates    []core.PrivateIQEvent
	rayos       []core.RayoEvent
	iqErrors    []core.IQErrorEvent
	disconnects []string
}

func (r *recordingListener) OnPresence(ev core.PresenceEvent)   { r.presences = append(r.presences, ev) }
func (r *recordingListener) OnJingle(ev core.JingleEvent)       { r.jingles = append(r.jingles, ev) }
func (r *recordingListener) OnPrivateIQ(ev core.PrivateIQEvent) { r.privates = append(r.privates, ev) }
func (r *recordingListener) OnRayo(ev core.RayoEvent)           { r.rayos = append(r.rayos, ev) }
func (r *recordingListener) OnIQError(ev core.IQErrorEvent)     { r.iqErrors = append(r.iqErrors, ev) }
func (r *recordingListener) OnDisconnect(reason string)         { r.disconnects = append(r.disconnects, reason) }

func newTestConn() *Connection {
	return New(Config{URL: "wss://example.test/ws", Domain: "example.test", RoutingID: "u1"})
}

func TestRoomOf(t *testing.T) {
	assert.Equal(t, domain.RoomID("r1"), roomOf("r1@conference.example.test/occ"))
	assert.Equal(t, domain.RoomID("bare"), roomOf("bare"))
}

func TestPresenceDispatch(t *testing.T) {
	c := newTestConn()
	l := &recordingListener{}
	c.Register("r1", domain.KindVideo, "trace-1", "tok", "exp", l)

	c.handleFrame([]byte(`<presence xmlns="jabber:client" from="r1@conference.example.test/peer1">` +
		`<x xmlns="http://jabber.org/protocol/muc#user"><item affiliation="owner" role="moderator"/></x>` +
		`<audiomuted>true</audiomuted><videomuted>false</videomuted>` +
		`<nick>Alice</nick><status>busy</status>` +
		`<data xmlns="urn:xmpp:comcast:info" event="videocall" traceid="trace-1"/>` +
		`</presence>`))

	require.Len(t, l.presences, 1)
	ev := l.presences[0]
	assert.Equal(t, core.PresenceJoin, ev.Type)
	assert.Equal(t, domain.RoomID("r1"), ev.Room)
	assert.Equal(t, "owner", ev.Affiliation)
	assert.Equal(t, "moderator", ev.Role)
	assert.True(t, ev.AudioMuted)
	assert.False(t, ev.VideoMuted)
	assert.Equal(t, "Alice", ev.Name)
	assert.Equal(t, "busy", ev.Status)
	assert.Equal(t, domain.KindVideo, ev.Event)
	assert.Equal(t, domain.TraceID("trace-1"), ev.TraceID)
}

func TestPresenceUnavailable(t *testing.T) {
	c := newTestConn()
	l := &recordingListener{}
	c.Register("r1", domain.KindVideo, "t", "", "", l)

	c.handleFrame([]byte(`<presence xmlns="jabber:client" type="unavailable" from="r1@conference.example.test/peer1"/>`))
	require.Len(t, l.presences, 1)
	assert.Equal(t, core.PresenceUnavailable, l.presences[0].Type)
}

func TestEventForUnknownRoomDropped(t *testing.T) {
	c := newTestConn()
	l := &recordingListener{}
	c.Register("r1", domain.KindVideo, "t", "", "", l)

	c.handleFrame([]byte(`<presence xmlns="jabber:client" from="other@conference.example.test/p"/>`))
	assert.Empty(t, l.presences)
}

func TestJingleDispatch(t *testing.T) {
	c := newTestConn()
	l := &recordingListener{}
	c.Register("r1", domain.KindVideo, "t", "", "", l)

	c.handleFrame([]byte(`<iq xmlns="jabber:client" type="set" id="iq-7" from="r1@conference.example.test/peer1">` +
		`<jingle xmlns="urn:xmpp:jingle:1" action="session-initiate" sid="s-42">` +
		`<content name="audio"><description media="audio"/></content>` +
		`</jingle></iq>`))

	require.Len(t, l.jingles, 1)
	ev := l.jingles[0]
	assert.Equal(t, jingle.SessionInitiate, ev.Action)
	assert.Equal(t, "s-42", ev.SID)
	assert.Equal(t, domain.RoomID("r1"), ev.Room)
	require.NotNil(t, ev.Element)
	assert.Len(t, ev.Element.SelectElements("content"), 1)
}

func TestIQErrorDispatch(t *testing.T) {
	c := newTestConn()
	l := &recordingListener{}
	c.Register("r1", domain.KindVideo, "t", "", "", l)

	c.handleFrame([]byte(`<iq xmlns="jabber:client" type="error" id="iq-3" from="r1@conference.example.test">` +
		`<error type="cancel"><text>gone</text></error></iq>`))
	require.Len(t, l.iqErrors, 1)
	assert.Equal(t, "gone", l.iqErrors[0].Message)
}

func TestPrivateIQAndRayoDispatch(t *testing.T) {
	c := newTestConn()
	l := &recordingListener{}
	c.Register("r1", domain.KindPSTN, "t", "", "", l)

	c.handleFrame([]byte(`<iq xmlns="jabber:client" type="set" id="iq-9" from="r1@conference.example.test">` +
		`<data xmlns="urn:xmpp:comcast:info" event="pstncall" sessionid="abc"/></iq>`))
	require.Len(t, l.privates, 1)

	c.handleFrame([]byte(`<iq xmlns="jabber:client" type="set" id="iq-10" from="r1@conference.example.test">` +
		`<ref xmlns="urn:xmpp:rayo:1" uri="xmpp:abc@callcontrol"/></iq>`))
	require.Len(t, l.rayos, 1)
	assert.Equal(t, "xmpp:abc@callcontrol", l.rayos[0].URI)
}

func TestPingIDResetsKeepalive(t *testing.T) {
	c := newTestConn()
	c.keepalive = newKeepalive(c)
	c.keepalive.misses = 3

	c.handleFrame([]byte(`<iq xmlns="jabber:client" type="result" id="ping-12"/>`))
	assert.Equal(t, 0, c.keepalive.misses)
}

// Server-initiated disconnect: group-chat-only rooms leave, media rooms
// survive, and the socket closes only when nothing remains.
func TestServerDisconnectCoordination(t *testing.T) {
	c := newTestConn()
	chat := &recordingListener{}
	video := &recordingListener{}
	c.Register("chatroom", domain.KindChat, "t", "", "", chat)
	c.Register("videoroom", domain.KindVideo, "t", "", "", video)

	c.handleFrame([]byte(`<iq xmlns="jabber:client" type="set" id="iq-11" from="example.test">` +
		`<data xmlns="urn:xmpp:comcast:info" event="disconnect"/></iq>`))

	require.Len(t, chat.disconnects, 1)
	assert.Empty(t, video.disconnects)
	c.mu.RLock()
	_, chatKept := c.rooms["chatroom"]
	_, videoKept := c.rooms["videoroom"]
	closed := c.closed
	c.mu.RUnlock()
	assert.False(t, chatKept)
	assert.True(t, videoKept)
	assert.False(t, closed)

	// Drop the last room, then the same IQ closes the connection.
	c.Unregister("videoroom", video)
	c.handleFrame([]byte(`<iq xmlns="jabber:client" type="set" id="iq-12" from="example.test">` +
		`<data xmlns="urn:xmpp:comcast:info" event="disconnect"/></iq>`))
	c.mu.RLock()
	closed = c.closed
	c.mu.RUnlock()
	assert.True(t, closed)
}

func TestKeepaliveExpiryClosesConnection(t *testing.T) {
	c := New(Config{
		URL:           "wss://example.test/ws",
		Domain:        "example.test",
		RoutingID:     "u1",
		PingInterval:  10 * time.Millisecond,
		MaxPingMisses: 1,
	})
	disconnected := make(chan string, 1)
	c.OnDisconnect(func(reason string) { disconnected <- reason })

	k := newKeepalive(c)
	c.keepalive = k
	// Two unanswered ticks push misses over the threshold and arm the
	// expiry; a third interval without a reset closes the connection.
	k.tick()
	k.tick()

	select {
	case reason := <-disconnected:
		assert.Contains(t, reason, "ping timeout")
	case <-time.After(time.Second):
		t.Fatal("expiry never fired")
	}
}

func TestUnregisterStopsFanout(t *testing.T) {
	c := newTestConn()
	l := &recordingListener{}
	c.Register("r1", domain.KindVideo, "t", "", "", l)
	c.Unregister("r1", l)

	c.handleFrame([]byte(`<presence xmlns="jabber:client" from="r1@conference.example.test/p"/>`))
	assert.Empty(t, l.presences)
}
