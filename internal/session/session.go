// Package session implements the per-call state machine: room join,
// offer/answer exchange, presence-driven participant tracking and teardown.
package session

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/allocate"
	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
	"github.com/dkeye/rtcsig/internal/queue"
	"github.com/dkeye/rtcsig/internal/sdp"
	"github.com/dkeye/rtcsig/internal/xmpp"
)

// Transport is the slice of the connection the session drives. *xmpp.Connection
// satisfies it; tests substitute a fake.
type Transport interface {
	JID() domain.JID
	Register(room domain.RoomID, kind domain.Kind, traceID domain.TraceID, roomToken, tokenExp string, l core.RoomListener)
	Unregister(room domain.RoomID, l core.RoomListener)
	SendPresence(opts xmpp.PresenceOptions) error
	SendPresenceAlive(ctx context.Context, room domain.RoomID, interval time.Duration, opts xmpp.PresenceOptions)
	StopPresenceAlive(room domain.RoomID)
	SendSessionInitiate(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error
	SendSessionAccept(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error
	SendSourceAdd(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error
	SendSourceRemove(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error
	SendTransportInfo(room domain.RoomID, to domain.JID, sid string, jin *etree.Element) error
	SendAllocate(room domain.RoomID, focus domain.JID) error
	SendKick(room domain.RoomID, occupant domain.JID) error
	SendStats(room domain.RoomID, to domain.JID, stats *etree.Element) error
	SendDisco(to domain.JID) error
}

// Allocator is the room-allocation collaborator; *allocate.Client satisfies it.
type Allocator interface {
	Allocate(ctx context.Context, req allocate.Request) (*allocate.Response, error)
}

// Config is what the application supplies to Create.
type Config struct {
	Type        domain.Kind
	RoomID      domain.RoomID
	RoomName    string // anonymous room name, used when RoomID is empty
	RoutingID   string
	IrisToken   string
	SessionType domain.SessionType
	Bridged     bool
	Anonymous   bool
	DisplayName string
	TraceID     domain.TraceID

	// Timer knobs; zero values take the defaults below.
	PresenceAliveInterval time.Duration
	MonitorInterval       time.Duration
	StalenessThreshold    time.Duration
	StatsInterval         time.Duration
}

const (
	defaultPresenceAlive = 10 * time.Second
	defaultMonitorTick   = 10 * time.Second
	defaultStaleness     = 30 * time.Second
	defaultStats         = 10 * time.Second
)

// Callbacks are fired outside the session mutex; reentrant calls into the
// session are allowed.
type Callbacks struct {
	OnStateChanged             func(domain.State)
	OnConnected                func(domain.RoomID)
	OnParticipantJoined        func(domain.Participant)
	OnParticipantLeft          func(domain.JID)
	OnParticipantNotResponding func(domain.JID)
	OnRoomEmpty                func(domain.RoomID)
	OnMuteChanged              func(domain.JID, bool, bool)
	OnNameChanged              func(domain.JID, string)
	OnStatusChanged            func(domain.JID, string)
	OnTrack                    func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnDataChannel              func(*webrtc.DataChannel)
	OnError                    func(*domain.SessionError)
	OnEnded                    func()
}

type Session struct {
	cfg   Config
	cb    Callbacks
	conn  Transport
	alloc Allocator

	engine    core.MediaEngine
	newEngine func(room domain.RoomID) (core.MediaEngine, error)

	mu            sync.Mutex
	state         domain.State
	presenceState domain.PresenceState
	pstnState     domain.PSTNState

	roomID    domain.RoomID
	roomToken string
	tokenExp  string
	focusJID  domain.JID
	peerJID   domain.JID
	sid       string

	localDescription  *sdp.Description
	remoteDescription *sdp.Description
	ssrcOwners        map[string]string

	participants      map[domain.JID]*domain.Participant
	pendingCandidates []webrtc.ICECandidateInit
	offerSent         bool

	queue *queue.Queue

	ctx           context.Context
	cancel        context.CancelFunc
	monitorCancel context.CancelFunc

	now func() time.Time
}

// New wires a session onto a shared connection. newEngine creates the media
// engine when negotiation starts; pass rtc.NewEngine-based factory in
// production.
func New(conn Transport, alloc Allocator, newEngine func(room domain.RoomID) (core.MediaEngine, error), cb Callbacks) *Session {
	return &Session{
		conn:         conn,
		alloc:        alloc,
		newEngine:    newEngine,
		cb:           cb,
		state:        domain.StateNone,
		participants: make(map[domain.JID]*domain.Participant),
		ssrcOwners:   make(map[string]string),
		now:          time.Now,
	}
}

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) PresenceState() domain.PresenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenceState
}

func (s *Session) PSTNState() domain.PSTNState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pstnState
}

func (s *Session) RoomID() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Create validates the config, allocates a room unless rejoining, joins the
// room and moves the session to Connecting. Only valid from None.
func (s *Session) Create(ctx context.Context, cfg Config) error {
	if err := validate(cfg); err != nil {
		s.fireError(cfg.RoomID, domain.ErrIncorrectParameters, err.Error())
		return err
	}
	s.mu.Lock()
	if s.state != domain.StateNone {
		s.mu.Unlock()
		serr := &domain.SessionError{RoomID: cfg.RoomID, Kind: domain.ErrInvalidState, Message: "session already started"}
		return serr
	}
	if cfg.TraceID == "" {
		cfg.TraceID = domain.TraceID(uuid.NewString())
	}
	applyDefaults(&cfg)
	s.cfg = cfg
	s.roomID = cfg.RoomID
	s.sid = uuid.NewString()
	s.state = domain.StateStarted
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = queue.New(s.ctx)
	s.mu.Unlock()
	s.fireState(domain.StateStarted)

	rejoining := cfg.SessionType == domain.SessionJoin && cfg.RoomID != ""
	if !rejoining {
		res, err := s.alloc.Allocate(ctx, allocate.Request{
			Token:     cfg.IrisToken,
			RoutingID: cfg.RoutingID,
			Event:     cfg.Type,
			TraceID:   cfg.TraceID,
			RoomName:  cfg.RoomName,
		})
		if err != nil {
			s.fireError(s.roomID, domain.ErrBackend, err.Error())
			s.abortStart()
			return err
		}
		s.mu.Lock()
		s.roomID = res.RoomID
		s.roomToken = res.RoomToken
		s.tokenExp = res.RoomTokenExpiryTime
		s.mu.Unlock()
	}

	s.mu.Lock()
	room := s.roomID
	s.state = domain.StateConnecting
	s.mu.Unlock()

	s.conn.Register(room, cfg.Type, cfg.TraceID, s.roomToken, s.tokenExp, s)
	opts := s.presenceOptions(false)
	if err := s.conn.SendPresence(opts); err != nil {
		s.fireError(room, domain.ErrCreateSessionFailed, "join presence: "+err.Error())
		return err
	}
	// Bridged and PSTN topologies wait for a focus instead of offering
	// locally, so the focus has to be summoned here.
	if cfg.Bridged || cfg.Type == domain.KindPSTN {
		if err := s.conn.SendAllocate(room, ""); err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "focus allocate: "+err.Error())
			return err
		}
	}
	s.conn.SendPresenceAlive(s.ctx, room, cfg.PresenceAliveInterval, opts)
	s.startStatsReporter()
	s.fireState(domain.StateConnecting)
	log.Info().Str("module", "session").Str("room", string(room)).Str("type", string(cfg.Type)).Msg("session connecting")
	return nil
}

func validate(cfg Config) error {
	missing := ""
	switch {
	case cfg.Type == "":
		missing = "type"
	case cfg.RoutingID == "":
		missing = "routing id"
	case cfg.IrisToken == "":
		missing = "auth token"
	case cfg.RoomID == "" && cfg.RoomName == "":
		missing = "room id or room name"
	}
	if missing != "" {
		return &domain.SessionError{Kind: domain.ErrIncorrectParameters, Message: "missing " + missing}
	}
	return nil
}

// abortStart rolls a failed bootstrap back to None so the caller can retry
// Create without an explicit End.
func (s *Session) abortStart() {
	s.mu.Lock()
	q := s.queue
	cancel := s.cancel
	s.state = domain.StateNone
	s.queue = nil
	s.cancel = nil
	s.ctx = nil
	s.roomID = ""
	s.mu.Unlock()
	if q != nil {
		q.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.fireState(domain.StateNone)
}

func applyDefaults(cfg *Config) {
	if cfg.PresenceAliveInterval == 0 {
		cfg.PresenceAliveInterval = defaultPresenceAlive
	}
	if cfg.MonitorInterval == 0 {
		cfg.MonitorInterval = defaultMonitorTick
	}
	if cfg.StalenessThreshold == 0 {
		cfg.StalenessThreshold = defaultStaleness
	}
	if cfg.StatsInterval == 0 {
		cfg.StatsInterval = defaultStats
	}
}

func (s *Session) presenceOptions(leave bool) xmpp.PresenceOptions {
	return xmpp.PresenceOptions{
		Room:  s.roomID,
		Leave: leave,
		Name:  s.cfg.DisplayName,
	}
}

// End tears the session down from any state: stops every timer, leaves the
// room when a token exists, releases the engine and returns to None.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == domain.StateNone {
		s.mu.Unlock()
		return
	}
	room := s.roomID
	hadToken := s.roomToken != ""
	engine := s.engine
	q := s.queue
	monitorCancel := s.monitorCancel
	cancel := s.cancel
	s.state = domain.StateNone
	s.presenceState = domain.PresenceNone
	s.pstnState = domain.PSTNNone
	s.participants = make(map[domain.JID]*domain.Participant)
	s.pendingCandidates = nil
	s.localDescription = nil
	s.remoteDescription = nil
	s.ssrcOwners = make(map[string]string)
	s.engine = nil
	s.queue = nil
	s.monitorCancel = nil
	s.offerSent = false
	s.focusJID = ""
	s.peerJID = ""
	s.mu.Unlock()

	if monitorCancel != nil {
		monitorCancel()
	}
	s.conn.StopPresenceAlive(room)
	if hadToken || room != "" {
		if err := s.conn.SendPresence(s.presenceOptionsFor(room, true)); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("room", string(room)).Msg("leave presence")
		}
	}
	if engine != nil {
		engine.Close()
	}
	if q != nil {
		q.Stop()
	}
	if cancel != nil {
		cancel()
	}
	s.conn.Unregister(room, s)
	s.fireState(domain.StateNone)
	if s.cb.OnEnded != nil {
		s.cb.OnEnded()
	}
	log.Info().Str("module", "session").Str("room", string(room)).Msg("session ended")
}

func (s *Session) presenceOptionsFor(room domain.RoomID, leave bool) xmpp.PresenceOptions {
	return xmpp.PresenceOptions{Room: room, Leave: leave, Name: s.cfg.DisplayName}
}

// Upgrade switches the call kind (chat -> media and back), reusing the
// allocate and presence plumbing of the initial join.
func (s *Session) Upgrade(ctx context.Context, kind domain.Kind) error {
	return s.switchKind(ctx, kind, domain.SessionUpgrade)
}

func (s *Session) Downgrade(ctx context.Context, kind domain.Kind) error {
	return s.switchKind(ctx, kind, domain.SessionDowngrade)
}

func (s *Session) switchKind(ctx context.Context, kind domain.Kind, st domain.SessionType) error {
	s.mu.Lock()
	if s.state == domain.StateNone {
		s.mu.Unlock()
		serr := &domain.SessionError{Kind: domain.ErrInvalidState, Message: "no active session"}
		s.fireError("", domain.ErrInvalidState, serr.Message)
		return serr
	}
	s.cfg.Type = kind
	s.cfg.SessionType = st
	room := s.roomID
	traceID := s.cfg.TraceID
	token := s.roomToken
	exp := s.tokenExp
	s.mu.Unlock()

	// Re-register so presence and data elements carry the new event kind,
	// then run the same allocate + presence path a fresh join uses.
	s.conn.Register(room, kind, traceID, token, exp, s)
	res, err := s.alloc.Allocate(ctx, allocate.Request{
		Token:     s.cfg.IrisToken,
		RoutingID: s.cfg.RoutingID,
		Event:     kind,
		TraceID:   traceID,
	})
	if err != nil {
		s.fireError(room, domain.ErrBackend, err.Error())
		return err
	}
	s.mu.Lock()
	s.roomToken = res.RoomToken
	s.tokenExp = res.RoomTokenExpiryTime
	s.mu.Unlock()
	if err := s.conn.SendPresence(s.presenceOptions(false)); err != nil {
		s.fireError(room, domain.ErrCreateSessionFailed, err.Error())
		return err
	}

	// The switched kind needs fresh media capabilities: drop the current
	// engine so the next negotiation recreates it, and summon the focus for
	// the upgrade/downgrade topology.
	s.mu.Lock()
	engine := s.engine
	focus := s.focusJID
	s.engine = nil
	s.localDescription = nil
	s.remoteDescription = nil
	s.pendingCandidates = nil
	s.offerSent = false
	s.mu.Unlock()
	if engine != nil {
		engine.Close()
	}
	if err := s.conn.SendAllocate(room, focus); err != nil {
		s.fireError(room, domain.ErrCreateSessionFailed, "focus allocate: "+err.Error())
		return err
	}
	log.Info().Str("module", "session").Str("room", string(room)).Str("kind", string(kind)).Str("session_type", string(st)).Msg("session kind switched")
	return nil
}

// KickParticipant is a moderator-only convenience.
func (s *Session) KickParticipant(jid domain.JID) error {
	s.mu.Lock()
	mod := s.presenceState == domain.PresenceJoinedModerator
	room := s.roomID
	s.mu.Unlock()
	if !mod {
		serr := &domain.SessionError{RoomID: room, Kind: domain.ErrNoModeratorPrivilege, Message: "kick requires moderator"}
		s.fireError(room, serr.Kind, serr.Message)
		return serr
	}
	return s.conn.SendKick(room, jid)
}

func (s *Session) fireState(state domain.State) {
	if s.cb.OnStateChanged != nil {
		s.cb.OnStateChanged(state)
	}
}

// fireError reports one failure per originating call, never duplicated.
func (s *Session) fireError(room domain.RoomID, kind domain.ErrorKind, msg string) {
	log.Error().Str("module", "session").Str("room", string(room)).Str("kind", string(kind)).Msg(msg)
	if s.cb.OnError != nil {
		s.cb.OnError(&domain.SessionError{RoomID: room, Kind: kind, Message: msg})
	}
}

// startStatsReporter runs the periodic call-stats report. It stays quiet
// until a peer exists to address and stops with the session context.
func (s *Session) startStatsReporter() {
	s.mu.Lock()
	ctx := s.ctx
	interval := s.cfg.StatsInterval
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reportStats()
			}
		}
	}()
}

func (s *Session) reportStats() {
	s.mu.Lock()
	room := s.roomID
	to := s.peerJID
	state := s.state
	participants := len(s.participants)
	sources := len(s.ssrcOwners)
	s.mu.Unlock()
	if to == "" || state == domain.StateNone {
		return
	}
	stats := etree.NewElement("stats")
	stats.CreateAttr("state", state.String())
	stats.CreateAttr("participants", strconv.Itoa(participants))
	stats.CreateAttr("remotesources", strconv.Itoa(sources))
	if err := s.conn.SendStats(room, to, stats); err != nil {
		log.Debug().Err(err).Str("module", "session").Str("room", string(room)).Msg("stats report")
	}
}

// isFocus reports whether the occupant jid carries the focus marker.
func isFocus(jid domain.JID) bool {
	return strings.Contains(string(jid), domain.FocusMarker)
}

// OnDisconnect implements core.RoomListener: a broken connection is a signal
// to clean up locally; there is no auto-reconnect.
func (s *Session) OnDisconnect(reason string) {
	log.Warn().Str("module", "session").Str("room", string(s.RoomID())).Str("reason", reason).Msg("transport disconnected")
	s.End()
}
