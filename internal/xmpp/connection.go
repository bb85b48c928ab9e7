// Package xmpp owns the long-lived signaling connection: an XMPP 1.0 stream
// framed over WebSocket, the stanza builders for presence and Jingle, the
// ping keepalive and the per-room inbound dispatch.
package xmpp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const (
	nsFraming  = "urn:ietf:params:xml:ns:xmpp-framing"
	nsSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind     = "urn:xmpp:bind"
	nsClient   = "jabber:client"
	nsPing     = "urn:xmpp:ping"
	nsMUC      = "http://jabber.org/protocol/muc"
	nsMUCAdmin = "http://jabber.org/protocol/muc#admin"
	nsDisco    = "http://jabber.org/protocol/disco#info"
	nsData     = "urn:xmpp:comcast:info"
	nsRayo     = "urn:xmpp:rayo:1"
)

type Config struct {
	URL       string // wss endpoint; the signaling token rides in the path
	Domain    string
	RoutingID string
	Resource  string

	PingInterval  time.Duration
	MaxPingMisses int
}

type roomEntry struct {
	kind      domain.Kind
	traceID   domain.TraceID
	roomToken string
	tokenExp  string
	listeners []core.RoomListener
	aliveStop context.CancelFunc
}

// Connection is the transport singleton shared by every session in the
// process. It outlives any individual session.
type Connection struct {
	cfg Config

	ws   *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	jid    domain.JID
	rooms  map[domain.RoomID]*roomEntry

	stanzaID atomic.Uint64

	handshake chan handshakeStep
	online    chan struct{}

	keepalive *keepalive

	onOnline     func()
	onDisconnect func(reason string)

	// reconnect bookkeeping
	lastDisconnect string
	wg             sync.WaitGroup
	cancel         context.CancelFunc
}

type handshakeStep int

const (
	stepOpened handshakeStep = iota
	stepAuthed
	stepBound
	stepFailed
)

func New(cfg Config) *Connection {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.MaxPingMisses == 0 {
		cfg.MaxPingMisses = 2
	}
	if cfg.Resource == "" {
		cfg.Resource = uuid.NewString()
	}
	return &Connection{
		cfg:   cfg,
		rooms: make(map[domain.RoomID]*roomEntry),
	}
}

func (c *Connection) OnOnline(fn func()) { c.onOnline = fn }

func (c *Connection) OnDisconnect(fn func(reason string)) { c.onDisconnect = fn }

func (c *Connection) JID() domain.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// Connect dials the websocket, opens the XMPP stream and authenticates.
// SASL ANONYMOUS is used: the token was already presented in the stream
// path, so no password travels in-band. Returns once the resource is bound.
func (c *Connection) Connect(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.ws = ws
	c.send = make(chan []byte, 64)
	c.closed = false
	c.handshake = make(chan handshakeStep, 4)
	c.online = make(chan struct{})
	c.cancel = cancel
	// Assigned before the pumps start; readPump dispatch reads it under mu.
	c.keepalive = newKeepalive(c)
	c.mu.Unlock()

	c.wg.Add(2)
	go c.writePump(ctx)
	go c.readPump(ctx)

	if err := c.runHandshake(ctx); err != nil {
		c.forceClose("handshake: " + err.Error())
		return err
	}

	c.pinger().start(ctx)

	log.Info().Str("module", "xmpp").Str("jid", string(c.JID())).Msg("online")
	if c.onOnline != nil {
		c.onOnline()
	}
	return nil
}

func (c *Connection) runHandshake(ctx context.Context) error {
	c.sendOpen()
	for _, want := range []handshakeStep{stepOpened, stepAuthed, stepBound} {
		select {
		case step := <-c.handshake:
			if step == stepFailed {
				return errors.New("authentication failed")
			}
			if step != want {
				return fmt.Errorf("unexpected handshake step %d", step)
			}
			switch step {
			case stepOpened:
				c.trySendElement(authElement())
			case stepAuthed:
				c.sendOpen()
				// The reopened stream acks with another <open>; consume it
				// before binding.
				select {
				case <-c.handshake:
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Second):
					return errors.New("handshake timeout")
				}
				c.trySendElement(c.bindElement())
			case stepBound:
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return errors.New("handshake timeout")
		}
	}
	return nil
}

func (c *Connection) sendOpen() {
	open := etree.NewElement("open")
	open.CreateAttr("xmlns", nsFraming)
	open.CreateAttr("to", c.cfg.Domain)
	open.CreateAttr("version", "1.0")
	c.trySendElement(open)
}

func authElement() *etree.Element {
	auth := etree.NewElement("auth")
	auth.CreateAttr("xmlns", nsSASL)
	auth.CreateAttr("mechanism", "ANONYMOUS")
	return auth
}

func (c *Connection) bindElement() *etree.Element {
	iq := etree.NewElement("iq")
	iq.CreateAttr("xmlns", nsClient)
	iq.CreateAttr("type", "set")
	iq.CreateAttr("id", c.nextID("bind"))
	bind := iq.CreateElement("bind")
	bind.CreateAttr("xmlns", nsBind)
	bind.CreateElement("resource").SetText(c.cfg.Resource)
	return iq
}

func (c *Connection) writePump(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "xmpp").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "xmpp").Msg("writePump write error")
				c.forceClose("write: " + err.Error())
				return
			}
		}
	}
}

func (c *Connection) readPump(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "xmpp").Msg("readPump read error")
				c.forceClose("read: " + err.Error())
				return
			}
			c.handleFrame(data)
		}
	}
}

// trySendElement serializes and queues one stanza without blocking.
func (c *Connection) trySendElement(el *etree.Element) error {
	doc := etree.NewDocument()
	doc.SetRoot(el)
	data, err := doc.WriteToBytes()
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.send == nil {
		return domain.ErrNotConnected
	}
	if c.closed {
		return domain.ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// pinger returns the current keepalive under the connection lock.
func (c *Connection) pinger() *keepalive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keepalive
}

// nextID produces a monotonically increasing, prefix-classified stanza id.
func (c *Connection) nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, c.stanzaID.Add(1))
}

// Disconnect closes the stream deliberately: sends the framing close, stops
// timers, and tears the socket down.
func (c *Connection) Disconnect() {
	cl := etree.NewElement("close")
	cl.CreateAttr("xmlns", nsFraming)
	_ = c.trySendElement(cl)
	c.forceClose("client disconnect")
}

func (c *Connection) forceClose(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.lastDisconnect = reason
	if c.send != nil {
		close(c.send)
	}
	if c.ws != nil {
		_ = c.ws.Close()
	}
	for _, entry := range c.rooms {
		if entry.aliveStop != nil {
			entry.aliveStop()
		}
	}
	listeners := c.allListeners()
	k := c.keepalive
	c.mu.Unlock()

	if k != nil {
		k.stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	log.Warn().Str("module", "xmpp").Str("reason", reason).Msg("connection closed")
	for _, l := range listeners {
		l.OnDisconnect(reason)
	}
	if c.onDisconnect != nil {
		c.onDisconnect(reason)
	}
}

// allListeners must be called with mu held.
func (c *Connection) allListeners() []core.RoomListener {
	var out []core.RoomListener
	for _, e := range c.rooms {
		out = append(out, e.listeners...)
	}
	return out
}

// LastDisconnect reports the reason recorded by the most recent close; part
// of the reconnect bookkeeping.
func (c *Connection) LastDisconnect() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDisconnect
}

// Reconnect re-dials and re-registers every known room. It never runs on
// its own; the application decides when to retry.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[domain.RoomID]*roomEntry, len(rooms))
	for id, e := range rooms {
		c.rooms[id] = &roomEntry{
			kind:      e.kind,
			traceID:   e.traceID,
			roomToken: e.roomToken,
			tokenExp:  e.tokenExp,
			listeners: e.listeners,
		}
	}
	c.mu.Unlock()
	return c.Connect(ctx)
}
