package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
)

// OnPresence implements core.RoomListener.
func (s *Session) OnPresence(ev core.PresenceEvent) {
	s.mu.Lock()
	room := s.roomID
	s.mu.Unlock()
	if ev.Room != room {
		log.Debug().Str("module", "session").Str("room", string(ev.Room)).Msg("presence for other room dropped")
		return
	}

	switch ev.Type {
	case core.PresenceError:
		s.fireError(room, domain.ErrCreateSessionFailed, "presence error from "+string(ev.From))
	case core.PresenceUnavailable:
		s.removeParticipant(ev.From, false)
	case core.PresenceJoin:
		if ev.Self(s.cfg.RoutingID) {
			s.handleSelfJoin(ev)
		} else if isFocus(ev.From) {
			s.handleFocusJoin(ev)
		} else {
			s.handlePeerJoin(ev)
		}
	}
}

func (s *Session) handleSelfJoin(ev core.PresenceEvent) {
	s.mu.Lock()
	prev := s.presenceState
	if ev.Affiliation == "owner" || ev.Role == "moderator" {
		s.presenceState = domain.PresenceJoinedModerator
	} else {
		s.presenceState = domain.PresenceJoined
	}
	startOffer := s.state == domain.StateConnecting &&
		!s.cfg.Bridged &&
		s.cfg.SessionType != domain.SessionJoin &&
		s.cfg.Type != domain.KindPSTN
	if startOffer {
		s.state = domain.StateOutgoing
	}
	cur := s.presenceState
	s.mu.Unlock()

	if prev != cur {
		log.Info().Str("module", "session").Str("room", string(ev.Room)).Int("presence_state", int(cur)).Msg("joined room")
	}
	if startOffer {
		s.fireState(domain.StateOutgoing)
		s.generateOffer()
	}
}

// handleFocusJoin always moves to Incoming and requests capabilities from
// the focus, independent of bridged or non-bridged mode.
func (s *Session) handleFocusJoin(ev core.PresenceEvent) {
	s.mu.Lock()
	s.focusJID = ev.From
	s.peerJID = ev.From
	becameIncoming := s.state == domain.StateConnecting
	if becameIncoming {
		s.state = domain.StateIncoming
	}
	s.mu.Unlock()

	if err := s.conn.SendDisco(ev.From); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("disco to focus")
	}
	if becameIncoming {
		s.fireState(domain.StateIncoming)
	}
}

func (s *Session) handlePeerJoin(ev core.PresenceEvent) {
	s.mu.Lock()
	becameIncoming := s.state == domain.StateConnecting
	if becameIncoming {
		s.state = domain.StateIncoming
	}
	if s.peerJID == "" {
		s.peerJID = ev.From
	}
	now := s.now()
	p, known := s.participants[ev.From]
	var joined domain.Participant
	var muteChanged, nameChanged, statusChanged bool
	if !known {
		p = domain.NewParticipant(ev.From, ev.Event, now)
		p.AudioMuted = ev.AudioMuted
		p.VideoMuted = ev.VideoMuted
		p.Name = ev.Name
		p.Status = ev.Status
		s.participants[ev.From] = p
		joined = *p
	} else {
		p.LastPresence = now
		p.Event = ev.Event
		muteChanged = p.AudioMuted != ev.AudioMuted || p.VideoMuted != ev.VideoMuted
		nameChanged = ev.Name != "" && p.Name != ev.Name
		statusChanged = ev.Status != "" && p.Status != ev.Status
		p.AudioMuted = ev.AudioMuted
		p.VideoMuted = ev.VideoMuted
		if ev.Name != "" {
			p.Name = ev.Name
		}
		if ev.Status != "" {
			p.Status = ev.Status
		}
	}
	startMonitor := s.monitorCancel == nil
	s.mu.Unlock()

	if becameIncoming {
		s.fireState(domain.StateIncoming)
	}
	if !known {
		log.Info().Str("module", "session").Str("room", string(ev.Room)).Str("jid", string(ev.From)).Msg("participant joined")
		if s.cb.OnParticipantJoined != nil {
			s.cb.OnParticipantJoined(joined)
		}
	} else {
		// Changes are applied idempotently: no callback when nothing moved.
		if muteChanged && s.cb.OnMuteChanged != nil {
			s.cb.OnMuteChanged(ev.From, ev.AudioMuted, ev.VideoMuted)
		}
		if nameChanged && s.cb.OnNameChanged != nil {
			s.cb.OnNameChanged(ev.From, ev.Name)
		}
		if statusChanged && s.cb.OnStatusChanged != nil {
			s.cb.OnStatusChanged(ev.From, ev.Status)
		}
	}
	if startMonitor {
		s.startPresenceMonitor()
	}
	s.maybeSendInitiate()
	s.flushCandidates()
}

// removeParticipant drops one occupant. stale marks a presence-timeout
// removal, which additionally raises the not-responding notification.
func (s *Session) removeParticipant(jid domain.JID, stale bool) {
	s.mu.Lock()
	_, known := s.participants[jid]
	if !known {
		s.mu.Unlock()
		return
	}
	delete(s.participants, jid)
	empty := len(s.participants) == 0
	room := s.roomID
	monitorCancel := s.monitorCancel
	if empty {
		s.monitorCancel = nil
	}
	s.mu.Unlock()

	log.Info().Str("module", "session").Str("room", string(room)).Str("jid", string(jid)).Bool("stale", stale).Msg("participant removed")
	if stale && s.cb.OnParticipantNotResponding != nil {
		s.cb.OnParticipantNotResponding(jid)
	}
	if s.cb.OnParticipantLeft != nil {
		s.cb.OnParticipantLeft(jid)
	}
	if empty {
		if monitorCancel != nil {
			monitorCancel()
		}
		// Policy: an empty room is reported, the session does not end itself.
		if s.cb.OnRoomEmpty != nil {
			s.cb.OnRoomEmpty(room)
		}
	}
}

// startPresenceMonitor runs the periodic staleness check. It stops itself
// once the participant set empties.
func (s *Session) startPresenceMonitor() {
	s.mu.Lock()
	if s.monitorCancel != nil || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.monitorCancel = cancel
	interval := s.cfg.MonitorInterval
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.monitorTick()
			}
		}
	}()
}

func (s *Session) monitorTick() {
	s.mu.Lock()
	now := s.now()
	var stale []domain.JID
	for jid, p := range s.participants {
		if now.Sub(p.LastPresence) > s.cfg.StalenessThreshold {
			stale = append(stale, jid)
		}
	}
	s.mu.Unlock()
	for _, jid := range stale {
		s.removeParticipant(jid, true)
	}
}

// Participants returns a snapshot of the current roster.
func (s *Session) Participants() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}
