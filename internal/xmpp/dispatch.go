package xmpp

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
	"github.com/dkeye/rtcsig/internal/jingle"
)

func (c *Connection) handleFrame(data []byte) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		log.Error().Err(err).Str("module", "xmpp").Msg("unparseable frame")
		return
	}
	root := doc.Root()
	if root == nil {
		return
	}
	switch root.Tag {
	case "open":
		c.pushHandshake(stepOpened)
	case "success":
		c.pushHandshake(stepAuthed)
	case "failure":
		c.pushHandshake(stepFailed)
	case "features":
		// Stream features are not negotiated beyond bind; ignore.
	case "iq":
		c.handleIQ(root)
	case "presence":
		c.handlePresence(root)
	case "message":
		log.Debug().Str("module", "xmpp").Str("from", root.SelectAttrValue("from", "")).Msg("message stanza ignored")
	case "close":
		c.forceClose("server close")
	default:
		log.Debug().Str("module", "xmpp").Str("tag", root.Tag).Msg("unhandled frame")
	}
}

func (c *Connection) pushHandshake(step handshakeStep) {
	select {
	case c.handshake <- step:
	default:
	}
}

func (c *Connection) handleIQ(iq *etree.Element) {
	id := iq.SelectAttrValue("id", "")
	from := domain.JID(iq.SelectAttrValue("from", ""))
	room := roomOf(string(from))

	// Id-prefix conventions come first: ping replies and stats acks carry
	// no useful payload.
	if strings.HasPrefix(id, "ping-") {
		if k := c.pinger(); k != nil {
			k.reset()
		}
		return
	}
	if strings.HasPrefix(id, "stats-") {
		return
	}

	if bind := iq.FindElement("bind"); bind != nil {
		if jidEl := bind.FindElement("jid"); jidEl != nil {
			c.mu.Lock()
			c.jid = domain.JID(jidEl.Text())
			c.mu.Unlock()
			c.pushHandshake(stepBound)
		}
		return
	}

	if iq.SelectAttrValue("type", "") == "error" {
		msg := "iq error"
		if errEl := iq.SelectElement("error"); errEl != nil {
			if txt := errEl.SelectElement("text"); txt != nil {
				msg = txt.Text()
			}
		}
		c.each(room, func(l core.RoomListener) {
			l.OnIQError(core.IQErrorEvent{Room: room, From: from, Message: msg})
		})
		return
	}

	if jin := iq.FindElement("jingle"); jin != nil {
		c.ackIQ(iq)
		ev := core.JingleEvent{
			Room:    room,
			From:    from,
			Action:  jingle.Action(jin.SelectAttrValue("action", "")),
			SID:     jin.SelectAttrValue("sid", ""),
			Element: jin.Copy(),
		}
		c.each(room, func(l core.RoomListener) { l.OnJingle(ev) })
		return
	}

	if q := iq.FindElement("query"); q != nil {
		if iq.SelectAttrValue("type", "") == "get" {
			c.replyDisco(iq)
		}
		return
	}

	if dataEl := iq.FindElement("data"); dataEl != nil {
		if dataEl.SelectAttrValue("event", "") == "disconnect" {
			c.ackIQ(iq)
			c.serverDisconnect()
			return
		}
		c.ackIQ(iq)
		ev := core.PrivateIQEvent{Room: room, From: from, Data: dataEl.Copy()}
		c.each(room, func(l core.RoomListener) { l.OnPrivateIQ(ev) })
		return
	}

	if ref := iq.FindElement("ref"); ref != nil {
		c.ackIQ(iq)
		ev := core.RayoEvent{Room: room, URI: ref.SelectAttrValue("uri", "")}
		c.each(room, func(l core.RoomListener) { l.OnRayo(ev) })
		return
	}
}

// ackIQ sends the empty result the sender of a set expects.
func (c *Connection) ackIQ(iq *etree.Element) {
	if iq.SelectAttrValue("type", "") != "set" {
		return
	}
	res := etree.NewElement("iq")
	res.CreateAttr("xmlns", nsClient)
	res.CreateAttr("type", "result")
	res.CreateAttr("to", iq.SelectAttrValue("from", ""))
	res.CreateAttr("id", iq.SelectAttrValue("id", ""))
	if err := c.trySendElement(res); err != nil {
		log.Error().Err(err).Str("module", "xmpp").Msg("iq ack")
	}
}

func (c *Connection) replyDisco(iq *etree.Element) {
	res := etree.NewElement("iq")
	res.CreateAttr("xmlns", nsClient)
	res.CreateAttr("type", "result")
	res.CreateAttr("to", iq.SelectAttrValue("from", ""))
	res.CreateAttr("id", iq.SelectAttrValue("id", ""))
	q := res.CreateElement("query")
	q.CreateAttr("xmlns", nsDisco)
	for _, feature := range []string{
		jingle.NSJingle,
		jingle.NSRTP,
		jingle.NSIceUDP,
		jingle.NSDTLS,
		jingle.NSSources,
	} {
		f := q.CreateElement("feature")
		f.CreateAttr("var", feature)
	}
	if err := c.trySendElement(res); err != nil {
		log.Error().Err(err).Str("module", "xmpp").Msg("disco reply")
	}
}

func (c *Connection) handlePresence(pres *etree.Element) {
	from := domain.JID(pres.SelectAttrValue("from", ""))
	room := roomOf(string(from))
	ev := core.PresenceEvent{Room: room, From: from, Type: core.PresenceJoin}
	switch pres.SelectAttrValue("type", "") {
	case "unavailable":
		ev.Type = core.PresenceUnavailable
	case "error":
		ev.Type = core.PresenceError
	}
	if x := pres.FindElement("x"); x != nil {
		if item := x.FindElement("item"); item != nil {
			ev.Affiliation = item.SelectAttrValue("affiliation", "")
			ev.Role = item.SelectAttrValue("role", "")
		}
	}
	if el := pres.SelectElement("audiomuted"); el != nil {
		ev.AudioMuted = el.Text() == "true"
	}
	if el := pres.SelectElement("videomuted"); el != nil {
		ev.VideoMuted = el.Text() == "true"
	}
	if el := pres.SelectElement("nick"); el != nil {
		ev.Name = el.Text()
	}
	if el := pres.SelectElement("status"); el != nil {
		ev.Status = el.Text()
	}
	if dataEl := pres.SelectElement("data"); dataEl != nil {
		ev.Event = domain.Kind(dataEl.SelectAttrValue("event", ""))
		ev.TraceID = domain.TraceID(dataEl.SelectAttrValue("traceid", ""))
	}
	c.each(room, func(l core.RoomListener) { l.OnPresence(ev) })
}

// serverDisconnect implements the disconnect coordination: group-chat-only
// rooms are told to leave; the socket stays up as long as any other room
// remains active.
func (c *Connection) serverDisconnect() {
	c.mu.Lock()
	var chatListeners []core.RoomListener
	for id, entry := range c.rooms {
		if entry.kind == domain.KindChat {
			chatListeners = append(chatListeners, entry.listeners...)
			if entry.aliveStop != nil {
				entry.aliveStop()
			}
			delete(c.rooms, id)
		}
	}
	remaining := len(c.rooms)
	c.mu.Unlock()

	for _, l := range chatListeners {
		l.OnDisconnect("server disconnect")
	}
	if remaining == 0 {
		c.forceClose("server disconnect")
	}
}

// each fans an event out to the listeners registered for the room. Events
// for unknown rooms are dropped, not fatal.
func (c *Connection) each(room domain.RoomID, fn func(core.RoomListener)) {
	c.mu.RLock()
	entry, ok := c.rooms[room]
	var listeners []core.RoomListener
	if ok {
		listeners = append(listeners, entry.listeners...)
	}
	c.mu.RUnlock()
	if !ok {
		log.Debug().Str("module", "xmpp").Str("room", string(room)).Msg("event for unregistered room dropped")
		return
	}
	for _, l := range listeners {
		fn(l)
	}
}

// roomOf extracts the bare room id from a MUC jid
// ("room@conference.host/occupant" -> "room").
func roomOf(jid string) domain.RoomID {
	if at := strings.IndexByte(jid, '@'); at >= 0 {
		return domain.RoomID(jid[:at])
	}
	return domain.RoomID(jid)
}
