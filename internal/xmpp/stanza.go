package xmpp

import (
	"context"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
	"github.com/dkeye/rtcsig/internal/jingle"
)

// Register adds a listener to the session store under the room id. Several
// sessions may share the connection; each room fans out independently.
func (c *Connection) Register(room domain.RoomID, kind domain.Kind, traceID domain.TraceID, roomToken, tokenExp string, l core.RoomListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.rooms[room]
	if !ok {
		entry = &roomEntry{}
		c.rooms[room] = entry
	}
	entry.kind = kind
	entry.traceID = traceID
	entry.roomToken = roomToken
	entry.tokenExp = tokenExp
	entry.listeners = append(entry.listeners, l)
	log.Info().Str("module", "xmpp").Str("room", string(room)).Str("event", string(kind)).Msg("registered room")
}

func (c *Connection) Unregister(room domain.RoomID, l core.RoomListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.rooms[room]
	if !ok {
		return
	}
	kept := entry.listeners[:0]
	for _, x := range entry.listeners {
		if x != l {
			kept = append(kept, x)
		}
	}
	entry.listeners = kept
	if len(entry.listeners) == 0 {
		if entry.aliveStop != nil {
			entry.aliveStop()
		}
		delete(c.rooms, room)
	}
	log.Info().Str("module", "xmpp").Str("room", string(room)).Msg("unregistered room")
}

// PresenceOptions carries the call metadata embedded in MUC presence.
type PresenceOptions struct {
	Room       domain.RoomID
	Leave      bool
	AudioMuted bool
	VideoMuted bool
	Name       string
	Status     string
}

func (c *Connection) roomJID(room domain.RoomID) string {
	return string(room) + "@conference." + c.cfg.Domain + "/" + c.cfg.RoutingID
}

// SendPresence builds a MUC-style presence stanza, join or leave, carrying
// the room's trace id, token and event kind.
func (c *Connection) SendPresence(opts PresenceOptions) error {
	pres := etree.NewElement("presence")
	pres.CreateAttr("xmlns", nsClient)
	pres.CreateAttr("to", c.roomJID(opts.Room))
	if opts.Leave {
		pres.CreateAttr("type", "unavailable")
	} else {
		x := pres.CreateElement("x")
		x.CreateAttr("xmlns", nsMUC)
	}
	pres.CreateElement("audiomuted").SetText(boolText(opts.AudioMuted))
	pres.CreateElement("videomuted").SetText(boolText(opts.VideoMuted))
	if opts.Name != "" {
		pres.CreateElement("nick").SetText(opts.Name)
	}
	if opts.Status != "" {
		pres.CreateElement("status").SetText(opts.Status)
	}
	pres.AddChild(c.dataElement(opts.Room))
	return c.trySendElement(pres)
}

// SendPresenceAlive starts the per-room periodic keep-joined presence.
func (c *Connection) SendPresenceAlive(ctx context.Context, room domain.RoomID, interval time.Duration, opts PresenceOptions) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	entry, ok := c.rooms[room]
	if !ok {
		c.mu.Unlock()
		cancel()
		return
	}
	if entry.aliveStop != nil {
		entry.aliveStop()
	}
	entry.aliveStop = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.SendPresence(opts); err != nil {
					log.Error().Err(err).Str("module", "xmpp").Str("room", string(room)).Msg("presence alive")
				}
			}
		}
	}()
}

// StopPresenceAlive cancels the periodic presence for one room, or for all
// rooms when room is empty.
func (c *Connection) StopPresenceAlive(room domain.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room == "" {
		for _, e := range c.rooms {
			if e.aliveStop != nil {
				e.aliveStop()
				e.aliveStop = nil
			}
		}
		return
	}
	if e, ok := c.rooms[room]; ok && e.aliveStop != nil {
		e.aliveStop()
		e.aliveStop = nil
	}
}

// dataElement is the ad-hoc metadata element attached to every stanza. Its
// shape is fixed by the server side; do not reorder or rename attributes.
func (c *Connection) dataElement(room domain.RoomID) *etree.Element {
	c.mu.RLock()
	entry := c.rooms[room]
	c.mu.RUnlock()
	data := etree.NewElement("data")
	data.CreateAttr("xmlns", nsData)
	if entry != nil {
		data.CreateAttr("traceid", string(entry.traceID))
		data.CreateAttr("event", string(entry.kind))
		if entry.roomToken != "" {
			data.CreateAttr("roomtoken", entry.roomToken)
			data.CreateAttr("roomtokenexpirytime", entry.tokenExp)
		}
	}
	data.CreateAttr("host", c.cfg.Domain)
	return data
}

// Jingle action senders. Every IQ shares the negotiation sid and carries a
// monotonically increasing stanza id.

func (c *Connection) SendSessionInitiate(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error {
	return c.sendJingle(room, to, sid, jingle.SessionInitiate, jin)
}

func (c *Connection) SendSessionAccept(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error {
	return c.sendJingle(room, to, sid, jingle.SessionAccept, jin)
}

func (c *Connection) SendSourceAdd(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error {
	return c.sendJingle(room, to, sid, jingle.SourceAdd, jin)
}

func (c *Connection) SendSourceRemove(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error {
	return c.sendJingle(room, to, sid, jingle.SourceRemove, jin)
}

// SendTransportInfo wraps one or more ICE candidates for a content.
func (c *Connection) SendTransportInfo(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error {
	return c.sendJingle(room, to, sid, jingle.TransportInfo, jin)
}

func (c *Connection) sendJingle(room domain.RoomID, to domain.JID, sid string, action jingle.Action, jin *etree.Element) error {
	iq := etree.NewElement("iq")
	iq.CreateAttr("xmlns", nsClient)
	iq.CreateAttr("type", "set")
	iq.CreateAttr("to", string(to))
	iq.CreateAttr("id", c.nextID("iq"))
	jin.CreateAttr("action", string(action))
	jin.CreateAttr("sid", sid)
	jin.CreateAttr("initiator", string(c.JID()))
	iq.AddChild(jin)
	iq.AddChild(c.dataElement(room))
	log.Debug().Str("module", "xmpp").Str("room", string(room)).Str("action", string(action)).Msg("send jingle")
	return c.trySendElement(iq)
}

// SendAllocate asks the focus component for a managed room, used by
// bridged, PSTN and upgrade/downgrade topologies. An empty focus falls back
// to the domain's focus component.
func (c *Connection) SendAllocate(room domain.RoomID, focus domain.JID) error {
	if focus == "" {
		focus = domain.JID("focus." + c.cfg.Domain)
	}
	iq := etree.NewElement("iq")
	iq.CreateAttr("xmlns", nsClient)
	iq.CreateAttr("type", "set")
	iq.CreateAttr("to", string(focus))
	iq.CreateAttr("id", c.nextID("allocate"))
	conf := iq.CreateElement("conference")
	conf.CreateAttr("xmlns", "http://jitsi.org/protocol/focus")
	conf.CreateAttr("room", string(room)+"@conference."+c.cfg.Domain)
	iq.AddChild(c.dataElement(room))
	if err := c.trySendElement(iq); err != nil {
		return err
	}
	return c.SendDisco(domain.JID(c.cfg.Domain))
}

// SendKick issues the MUC admin IQ that revokes the target occupant's role,
// removing them from the room. Moderator authorization is the server's call;
// the session only gates the convenience locally.
func (c *Connection) SendKick(room domain.RoomID, occupant domain.JID) error {
	return c.trySendElement(c.kickElement(room, occupant))
}

func (c *Connection) kickElement(room domain.RoomID, occupant domain.JID) *etree.Element {
	iq := etree.NewElement("iq")
	iq.CreateAttr("xmlns", nsClient)
	iq.CreateAttr("type", "set")
	iq.CreateAttr("to", string(room)+"@conference."+c.cfg.Domain)
	iq.CreateAttr("id", c.nextID("iq"))
	q := iq.CreateElement("query")
	q.CreateAttr("xmlns", nsMUCAdmin)
	item := q.CreateElement("item")
	item.CreateAttr("nick", occupant.Resource())
	item.CreateAttr("role", "none")
	return iq
}

// SendStats reports client-side call statistics. The server only acks these;
// replies carry the stats id prefix and are swallowed by the dispatcher.
func (c *Connection) SendStats(room domain.RoomID, to domain.JID, stats *etree.Element) error {
	iq := etree.NewElement("iq")
	iq.CreateAttr("xmlns", nsClient)
	iq.CreateAttr("type", "set")
	iq.CreateAttr("to", string(to))
	iq.CreateAttr("id", c.nextID("stats"))
	stats.CreateAttr("xmlns", nsData)
	iq.AddChild(stats)
	iq.AddChild(c.dataElement(room))
	return c.trySendElement(iq)
}

// SendDisco issues a disco#info capability request.
func (c *Connection) SendDisco(to domain.JID) error {
	iq := etree.NewElement("iq")
	iq.CreateAttr("xmlns", nsClient)
	iq.CreateAttr("type", "get")
	iq.CreateAttr("to", string(to))
	iq.CreateAttr("id", c.nextID("disco"))
	q := iq.CreateElement("query")
	q.CreateAttr("xmlns", nsDisco)
	return c.trySendElement(iq)
}

func boolText(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
