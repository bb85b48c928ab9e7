package xmpp

import (
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/rtcsig/internal/domain"
)

// drainElement pops one queued frame and parses it back into an element.
func drainElement(t *testing.T, c *Connection) *etree.Element {
	t.Helper()
	select {
	case data := <-c.send:
		doc := etree.NewDocument()
		require.NoError(t, doc.ReadFromBytes(data))
		return doc.Root()
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestSendBeforeConnectNotConnected(t *testing.T) {
	c := newTestConn()

	err := c.SendDisco("example.test")
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	err = c.SendPresence(PresenceOptions{Room: "r1"})
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestKickStanzaTargetsOccupant(t *testing.T) {
	c := newTestConn()
	c.send = make(chan []byte, 4)

	require.NoError(t, c.SendKick("r1", "r1@conference.example.test/peer-1"))

	iq := drainElement(t, c)
	assert.Equal(t, "iq", iq.Tag)
	assert.Equal(t, "set", iq.SelectAttrValue("type", ""))
	assert.Equal(t, "r1@conference.example.test", iq.SelectAttrValue("to", ""))

	q := iq.SelectElement("query")
	require.NotNil(t, q)
	assert.Equal(t, nsMUCAdmin, q.SelectAttrValue("xmlns", ""))
	item := q.SelectElement("item")
	require.NotNil(t, item)
	assert.Equal(t, "peer-1", item.SelectAttrValue("nick", ""))
	assert.Equal(t, "none", item.SelectAttrValue("role", ""))
}

func TestAllocateDefaultsToDomainFocus(t *testing.T) {
	c := newTestConn()
	c.send = make(chan []byte, 4)

	require.NoError(t, c.SendAllocate("r1", ""))

	iq := drainElement(t, c)
	assert.Equal(t, "focus.example.test", iq.SelectAttrValue("to", ""))
	conf := iq.SelectElement("conference")
	require.NotNil(t, conf)
	assert.Equal(t, "http://jitsi.org/protocol/focus", conf.SelectAttrValue("xmlns", ""))
	assert.Equal(t, "r1@conference.example.test", conf.SelectAttrValue("room", ""))

	// Allocation is chased by a capability probe to the domain.
	disco := drainElement(t, c)
	assert.Equal(t, "example.test", disco.SelectAttrValue("to", ""))
	require.NotNil(t, disco.SelectElement("query"))
}

func TestAllocateHonorsExplicitFocus(t *testing.T) {
	c := newTestConn()
	c.send = make(chan []byte, 4)

	require.NoError(t, c.SendAllocate("r1", "r1@conference.example.test/focus"))

	iq := drainElement(t, c)
	assert.Equal(t, "r1@conference.example.test/focus", iq.SelectAttrValue("to", ""))
}
