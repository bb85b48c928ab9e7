package session

import (
	"strings"

	"github.com/beevik/etree"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/rtcsig/internal/core"
	"github.com/dkeye/rtcsig/internal/domain"
	"github.com/dkeye/rtcsig/internal/jingle"
	"github.com/dkeye/rtcsig/internal/sdp"
)

// ensureEngine lazily creates the media engine and binds its callbacks.
// Caller must not hold s.mu.
func (s *Session) ensureEngine() (core.MediaEngine, error) {
	s.mu.Lock()
	if s.engine != nil {
		e := s.engine
		s.mu.Unlock()
		return e, nil
	}
	room := s.roomID
	s.mu.Unlock()

	e, err := s.newEngine(room)
	if err != nil {
		s.fireError(room, domain.ErrCreateStreamFailed, "media engine: "+err.Error())
		return nil, err
	}
	e.OnICECandidate(s.onLocalCandidate)
	e.OnICEConnectionStateChange(s.onConnectivity)
	e.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if s.cb.OnTrack != nil {
			s.cb.OnTrack(track, receiver)
		}
	})
	e.OnDataChannel(func(dc *webrtc.DataChannel) {
		if s.cb.OnDataChannel != nil {
			s.cb.OnDataChannel(dc)
		}
	})

	s.mu.Lock()
	s.engine = e
	s.mu.Unlock()
	return e, nil
}

// generateOffer runs the local-offer leg on the modification queue and
// announces it once a peer is available.
func (s *Session) generateOffer() {
	engine, err := s.ensureEngine()
	if err != nil {
		return
	}
	s.mu.Lock()
	q := s.queue
	room := s.roomID
	s.mu.Unlock()
	if q == nil {
		return
	}
	err = q.Enqueue("create-offer", func(done func()) {
		defer done()
		offer, err := engine.CreateOffer(s.ctx)
		if err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "create offer: "+err.Error())
			return
		}
		if err := engine.SetLocalDescription(s.ctx, offer); err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "set local offer: "+err.Error())
			return
		}
		s.mu.Lock()
		s.localDescription = sdp.Parse(offer.SDP)
		s.mu.Unlock()
		s.maybeSendInitiate()
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("enqueue offer")
	}
}

// maybeSendInitiate sends session-initiate exactly once, as soon as both a
// local offer and a peer to address it to exist.
func (s *Session) maybeSendInitiate() {
	s.mu.Lock()
	ready := s.state == domain.StateOutgoing &&
		s.localDescription != nil &&
		s.peerJID != "" &&
		!s.offerSent
	if ready {
		s.offerSent = true
	}
	room := s.roomID
	to := s.peerJID
	sid := s.sid
	var local *sdp.Description
	if ready {
		local = s.localDescription.Clone()
	}
	s.mu.Unlock()
	if !ready {
		return
	}
	jin := jingle.ToJingle(local, jingle.RoleInitiator)
	if err := s.conn.SendSessionInitiate(room, to, sid, jin); err != nil {
		s.fireError(room, domain.ErrCreateSessionFailed, "session-initiate: "+err.Error())
	}
}

// OnJingle implements core.RoomListener.
func (s *Session) OnJingle(ev core.JingleEvent) {
	s.mu.Lock()
	room := s.roomID
	state := s.state
	s.mu.Unlock()
	if ev.Room != room {
		log.Debug().Str("module", "session").Str("room", string(ev.Room)).Msg("jingle for other room dropped")
		return
	}

	switch ev.Action {
	case jingle.SessionInitiate:
		if state != domain.StateIncoming {
			log.Warn().Str("module", "session").Str("state", state.String()).Msg("session-initiate in wrong state dropped")
			return
		}
		s.applyRemoteOffer(ev)
	case jingle.SessionAccept:
		if state != domain.StateOutgoing {
			log.Warn().Str("module", "session").Str("state", state.String()).Msg("session-accept in wrong state dropped")
			return
		}
		s.applyRemoteAnswer(ev)
	case jingle.SourceAdd:
		s.applySourceDelta(ev, true)
	case jingle.SourceRemove:
		s.applySourceDelta(ev, false)
	case jingle.TransportInfo:
		s.applyTransportInfo(ev)
	default:
		log.Warn().Str("module", "session").Str("action", string(ev.Action)).Msg("unknown jingle action")
	}
}

func (s *Session) applyRemoteOffer(ev core.JingleEvent) {
	engine, err := s.ensureEngine()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.sid = ev.SID
	s.peerJID = ev.From
	for _, rs := range jingle.ParseSources(ev.Element) {
		s.recordSourcesLocked(rs)
	}
	q := s.queue
	room := s.roomID
	s.mu.Unlock()
	if q == nil {
		return
	}
	err = q.Enqueue("apply-remote-offer", func(done func()) {
		defer done()
		remote := jingle.FromJingle(ev.Element)
		if err := engine.SetRemoteDescription(s.ctx, webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  remote.Marshal(),
		}); err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "set remote offer: "+err.Error())
			return
		}
		answer, err := engine.CreateAnswer(s.ctx)
		if err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "create answer: "+err.Error())
			return
		}
		if err := engine.SetLocalDescription(s.ctx, answer); err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "set local answer: "+err.Error())
			return
		}
		s.mu.Lock()
		// The initial offer snapshot is retained for incremental diffing.
		s.remoteDescription = remote
		s.localDescription = sdp.Parse(answer.SDP)
		s.state = domain.StateInProgress
		local := s.localDescription.Clone()
		to := s.peerJID
		sid := s.sid
		s.mu.Unlock()

		s.fireState(domain.StateInProgress)
		jin := jingle.ToJingle(local, jingle.RoleResponder)
		if err := s.conn.SendSessionAccept(room, to, sid, jin); err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "session-accept: "+err.Error())
			return
		}
		s.flushCandidates()
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("enqueue remote offer")
	}
}

func (s *Session) applyRemoteAnswer(ev core.JingleEvent) {
	s.mu.Lock()
	engine := s.engine
	q := s.queue
	room := s.roomID
	s.mu.Unlock()
	if engine == nil || q == nil {
		log.Warn().Str("module", "session").Msg("session-accept without engine dropped")
		return
	}
	err := q.Enqueue("apply-remote-answer", func(done func()) {
		defer done()
		remote := jingle.FromJingle(ev.Element)
		if err := engine.SetRemoteDescription(s.ctx, webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  remote.Marshal(),
		}); err != nil {
			s.fireError(room, domain.ErrCreateSessionFailed, "set remote answer: "+err.Error())
			return
		}
		s.mu.Lock()
		s.remoteDescription = remote
		s.state = domain.StateInProgress
		s.mu.Unlock()
		s.fireState(domain.StateInProgress)
		s.flushCandidates()
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("enqueue remote answer")
	}
}

// applySourceDelta mutates the retained remote description with the payload
// of a source-add or source-remove and renegotiates. Top-level state does
// not change.
func (s *Session) applySourceDelta(ev core.JingleEvent, add bool) {
	s.mu.Lock()
	engine := s.engine
	q := s.queue
	room := s.roomID
	s.mu.Unlock()
	if engine == nil || q == nil {
		log.Warn().Str("module", "session").Str("action", string(ev.Action)).Msg("source delta without negotiation dropped")
		return
	}
	name := "source-add"
	if !add {
		name = "source-remove"
	}
	err := q.Enqueue(name, func(done func()) {
		defer done()
		s.mu.Lock()
		remote := s.remoteDescription
		if remote == nil {
			s.mu.Unlock()
			log.Warn().Str("module", "session").Msg("source delta before remote description dropped")
			return
		}
		for _, rs := range jingle.ParseSources(ev.Element) {
			idx := sectionIndex(remote, rs)
			if idx < 0 {
				continue
			}
			if add {
				remote.AddLines(idx, rs.Lines...)
				s.recordSourcesLocked(rs)
			} else {
				remote.RemoveLines(idx, rs.Lines...)
				for ssrc := range rs.Owners {
					delete(s.ssrcOwners, ssrc)
				}
			}
		}
		updated := remote.Marshal()
		s.mu.Unlock()

		if err := engine.SetRemoteDescription(s.ctx, webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer,
			SDP:  updated,
		}); err != nil {
			s.fireError(room, domain.ErrCreateStreamFailed, name+": "+err.Error())
			return
		}
		answer, err := engine.CreateAnswer(s.ctx)
		if err != nil {
			s.fireError(room, domain.ErrCreateStreamFailed, name+" answer: "+err.Error())
			return
		}
		if err := engine.SetLocalDescription(s.ctx, answer); err != nil {
			s.fireError(room, domain.ErrCreateStreamFailed, name+" local: "+err.Error())
			return
		}
		s.mu.Lock()
		s.localDescription = sdp.Parse(answer.SDP)
		s.mu.Unlock()
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("enqueue source delta")
	}
}

func (s *Session) applyTransportInfo(ev core.JingleEvent) {
	s.mu.Lock()
	engine := s.engine
	q := s.queue
	s.mu.Unlock()
	if engine == nil || q == nil {
		log.Warn().Str("module", "session").Msg("transport-info without engine dropped")
		return
	}
	for _, content := range ev.Element.SelectElements("content") {
		mid := content.SelectAttrValue("name", "")
		transport := content.SelectElement("transport")
		if transport == nil {
			continue
		}
		for _, cand := range transport.SelectElements("candidate") {
			line, ok := jingle.CandidateLine(cand)
			if !ok {
				continue
			}
			candidate := strings.TrimPrefix(line, "a=")
			sdpMid := mid
			err := q.Enqueue("add-candidate", func(done func()) {
				defer done()
				ci := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: &sdpMid}
				if err := engine.AddICECandidate(ci); err != nil {
					log.Warn().Err(err).Str("module", "session").Str("mid", sdpMid).Msg("add remote candidate")
				}
			})
			if err != nil {
				log.Warn().Err(err).Str("module", "session").Msg("enqueue candidate")
			}
		}
	}
}

// onLocalCandidate buffers candidates gathered before the peer joined and
// the description settled; otherwise it sends transport-info directly.
func (s *Session) onLocalCandidate(ci webrtc.ICECandidateInit) {
	s.mu.Lock()
	ready := s.peerJID != "" && s.localDescription != nil
	if !ready {
		s.pendingCandidates = append(s.pendingCandidates, ci)
		s.mu.Unlock()
		return
	}
	room := s.roomID
	to := s.peerJID
	sid := s.sid
	s.mu.Unlock()
	s.sendTransportInfo(room, to, sid, []webrtc.ICECandidateInit{ci})
}

// flushCandidates drains the buffer in discovery order once a participant
// is present and a description exists.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	if s.peerJID == "" || s.localDescription == nil || len(s.pendingCandidates) == 0 {
		s.mu.Unlock()
		return
	}
	pending := s.pendingCandidates
	s.pendingCandidates = nil
	room := s.roomID
	to := s.peerJID
	sid := s.sid
	s.mu.Unlock()
	s.sendTransportInfo(room, to, sid, pending)
}

func (s *Session) sendTransportInfo(room domain.RoomID, to domain.JID, sid string, candidates []webrtc.ICECandidateInit) {
	jin := etree.NewElement("jingle")
	jin.CreateAttr("xmlns", jingle.NSJingle)
	byMid := make(map[string]*etree.Element)
	for _, ci := range candidates {
		mid := ""
		if ci.SDPMid != nil {
			mid = *ci.SDPMid
		}
		transport, ok := byMid[mid]
		if !ok {
			content := jin.CreateElement("content")
			content.CreateAttr("creator", "initiator")
			content.CreateAttr("name", mid)
			transport = content.CreateElement("transport")
			transport.CreateAttr("xmlns", jingle.NSIceUDP)
			byMid[mid] = transport
		}
		line := ci.Candidate
		if !strings.HasPrefix(line, "a=") {
			line = "a=" + line
		}
		if el := jingle.CandidateElement(line); el != nil {
			transport.AddChild(el)
		}
	}
	if err := s.conn.SendTransportInfo(room, to, sid, jin); err != nil {
		s.fireError(room, domain.ErrCreateStreamFailed, "transport-info: "+err.Error())
	}
}

// AnnounceSources diffs the engine's current local description against the
// last announced one and emits minimal source-add / source-remove payloads.
func (s *Session) AnnounceSources() {
	s.mu.Lock()
	engine := s.engine
	prev := s.localDescription
	room := s.roomID
	to := s.peerJID
	sid := s.sid
	s.mu.Unlock()
	if engine == nil || prev == nil || to == "" {
		return
	}
	current := engine.LocalDescription()
	if current == nil {
		return
	}
	next := sdp.Parse(current.SDP)
	delta := sdp.Diff(prev, next)
	if delta.Empty() {
		s.mu.Lock()
		s.localDescription = next
		s.mu.Unlock()
		return
	}
	if jin := jingle.ToSourceJingle(next, delta, true); len(jin.SelectElements("content")) > 0 {
		if err := s.conn.SendSourceAdd(room, to, sid, jin); err != nil {
			s.fireError(room, domain.ErrCreateStreamFailed, "source-add: "+err.Error())
		}
	}
	if jin := jingle.ToSourceJingle(prev, delta, false); len(jin.SelectElements("content")) > 0 {
		if err := s.conn.SendSourceRemove(room, to, sid, jin); err != nil {
			s.fireError(room, domain.ErrCreateStreamFailed, "source-remove: "+err.Error())
		}
	}
	s.mu.Lock()
	s.localDescription = next
	s.mu.Unlock()
}

// onConnectivity moves to Connected on the engine's report, independent of
// the signaling exchange.
func (s *Session) onConnectivity(state webrtc.ICEConnectionState) {
	if state != webrtc.ICEConnectionStateConnected {
		return
	}
	s.mu.Lock()
	if s.state == domain.StateNone {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateConnected
	if s.cfg.Type == domain.KindPSTN {
		s.pstnState = domain.PSTNConnected
	}
	room := s.roomID
	s.mu.Unlock()
	s.fireState(domain.StateConnected)
	if s.cb.OnConnected != nil {
		s.cb.OnConnected(room)
	}
}

// OnPrivateIQ implements core.RoomListener: PSTN dial bookkeeping rides in
// private data IQs.
func (s *Session) OnPrivateIQ(ev core.PrivateIQEvent) {
	s.mu.Lock()
	if s.cfg.Type == domain.KindPSTN && s.pstnState == domain.PSTNNone {
		s.pstnState = domain.PSTNInProgress
	}
	s.mu.Unlock()
	log.Debug().Str("module", "session").Str("room", string(ev.Room)).Msg("private iq")
}

// OnRayo implements core.RoomListener.
func (s *Session) OnRayo(ev core.RayoEvent) {
	s.mu.Lock()
	if s.cfg.Type == domain.KindPSTN {
		s.pstnState = domain.PSTNInProgress
	}
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("room", string(ev.Room)).Str("uri", ev.URI).Msg("rayo ref")
}

// OnIQError implements core.RoomListener: transport-level IQ errors are
// forwarded, they do not terminate the session.
func (s *Session) OnIQError(ev core.IQErrorEvent) {
	s.fireError(ev.Room, domain.ErrBackend, ev.Message)
}

// recordSourcesLocked stores ssrc ownership and tags the owning participant
// with its remote stream identifier. Caller must hold s.mu.
func (s *Session) recordSourcesLocked(rs jingle.RemoteSources) {
	for ssrc, owner := range rs.Owners {
		s.ssrcOwners[ssrc] = owner
		if stream, ok := rs.Streams[ssrc]; ok {
			if p, known := s.participants[domain.JID(owner)]; known {
				p.StreamID = stream
			}
		}
	}
}

// sectionIndex locates the media section a source payload addresses, by
// mid first and media kind second.
func sectionIndex(d *sdp.Description, rs jingle.RemoteSources) int {
	for i := range d.Media {
		if rs.Name != "" && d.Mid(i) == rs.Name {
			return i
		}
	}
	if rs.Media != "" {
		return d.MediaIndex(rs.Media)
	}
	return -1
}
