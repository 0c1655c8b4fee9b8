package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/unimindcare/carechat/internal/call"
	"github.com/unimindcare/carechat/internal/models"
	"github.com/unimindcare/carechat/internal/observability"
)

// Signaler sends call-control events to the relay
type Signaler interface {
	Emit(ctx context.Context, event models.EventName, payload interface{}) error
}

// Presence answers whether a user is currently connected
type Presence interface {
	IsOnline(userID string) bool
}

type Config struct {
	LocalUserID string
	ICEServers  []string
}

// Manager mediates at most one call. It is the only owner of the peer
// connection and the local stream, and EndCall is the only way they are released.
type Manager struct {
	cfg      Config
	factory  Factory
	media    MediaSource
	sink     RemoteSink
	signaler Signaler
	presence Presence
	calls    *call.Controller
	logger   *slog.Logger

	mu         sync.Mutex
	pc         PeerConnection
	stream     LocalStream
	remoteSet  bool
	accepted   bool
	pendingSDP *models.SessionDescription
	pendingICE []webrtc.ICECandidateInit
}

func NewManager(cfg Config, factory Factory, mediaSource MediaSource, sink RemoteSink,
	signaler Signaler, presence Presence, calls *call.Controller, logger *slog.Logger) *Manager {
	if factory == nil {
		factory = NewPionConnection
	}
	if sink == nil {
		sink = &DrainSink{Logger: logger}
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		media:    mediaSource,
		sink:     sink,
		signaler: signaler,
		presence: presence,
		calls:    calls,
		logger:   observability.OrDiscard(logger).With(slog.String("component", "peer")),
	}
}

func (m *Manager) Calls() *call.Controller {
	return m.calls
}

// createConnection opens a peer connection whose candidates go to counterpart
// and whose remote tracks go to the sink.
func (m *Manager) createConnection(counterpart string) (PeerConnection, error) {
	pc, err := m.factory(Configuration(m.cfg.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	route := models.Route{To: counterpart, From: m.cfg.LocalUserID}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload := models.Candidate{Candidate: fromCandidateInit(c.ToJSON()), Route: route}
		if err := m.signaler.Emit(context.Background(), models.EventICECandidate, payload); err != nil {
			m.logger.Warn("failed to send ice candidate", slog.String("to", counterpart), slog.String("error", err.Error()))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		m.sink.Attach(track, receiver)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		// pion calls this from its own goroutines, which pc.Close waits on
		go m.onICEState(pc, state)
	})
	return pc, nil
}

func (m *Manager) onICEState(pc PeerConnection, state webrtc.ICEConnectionState) {
	m.logger.Info("ice connection state", slog.String("state", state.String()))
	switch state {
	case webrtc.ICEConnectionStateDisconnected,
		webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateClosed:
		m.endCall(context.Background(), pc, true, call.Hangup)
	}
}

// StartCall rings counterpart and sends it an offer
func (m *Manager) StartCall(ctx context.Context, counterpart string) error {
	if counterpart == "" || counterpart == m.cfg.LocalUserID {
		return fmt.Errorf("%w: cannot call %q", call.ErrInvalidTransition, counterpart)
	}
	if !m.presence.IsOnline(counterpart) {
		m.calls.SetError(fmt.Sprintf("%s is offline", counterpart))
		return fmt.Errorf("%w: %s", ErrCounterpartOffline, counterpart)
	}

	m.mu.Lock()
	pc, err := m.dialLocked(ctx, counterpart)
	m.mu.Unlock()

	if err != nil && pc != nil {
		m.endCall(ctx, pc, true, call.Hangup)
	}
	return err
}

func (m *Manager) dialLocked(ctx context.Context, counterpart string) (PeerConnection, error) {
	if m.calls.State() != call.Idle {
		return nil, ErrCallActive
	}

	stream, err := m.acquireLocked(ctx)
	if err != nil {
		return nil, err
	}
	pc, err := m.openLocked(counterpart, stream)
	if err != nil {
		return nil, err
	}
	if _, err := m.calls.Fire(call.Dial, counterpart); err != nil {
		return pc, err
	}

	route := models.Route{To: counterpart, From: m.cfg.LocalUserID}
	if err := m.signaler.Emit(ctx, models.EventStartVideoCall, models.CallRequest{Route: route}); err != nil {
		return pc, fmt.Errorf("send call request: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return pc, fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return pc, fmt.Errorf("set local offer: %w", err)
	}
	if err := m.signaler.Emit(ctx, models.EventOffer, models.Offer{Offer: fromWebRTC(offer), Route: route}); err != nil {
		return pc, fmt.Errorf("send offer: %w", err)
	}
	return pc, nil
}

// acquireLocked gets local media. A failure is a media error and aborts the call.
func (m *Manager) acquireLocked(ctx context.Context) (LocalStream, error) {
	if m.media == nil {
		m.calls.SetError("camera or microphone unavailable")
		return nil, fmt.Errorf("%w: no media source", ErrMediaUnavailable)
	}
	stream, err := m.media.Acquire(ctx)
	if err != nil {
		m.calls.SetError("camera or microphone unavailable")
		if errors.Is(err, ErrMediaUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	return stream, nil
}

// openLocked creates the connection, adds the local tracks and takes
// ownership of both. On error the stream is stopped.
func (m *Manager) openLocked(counterpart string, stream LocalStream) (PeerConnection, error) {
	pc, err := m.createConnection(counterpart)
	if err != nil {
		stream.Stop()
		return nil, err
	}
	for _, t := range stream.Tracks() {
		sender, err := pc.AddTrack(t.Track())
		if err != nil {
			_ = pc.Close()
			stream.Stop()
			return nil, fmt.Errorf("add local track: %w", err)
		}
		drainRTCP(sender)
	}

	m.pc = pc
	m.stream = stream
	m.remoteSet = false
	return pc, nil
}

// drainRTCP reads incoming RTCP so interceptors keep working
func drainRTCP(sender *webrtc.RTPSender) {
	if sender == nil {
		return
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
}

// HandleSignal applies one call-control event from the relay
func (m *Manager) HandleSignal(ctx context.Context, sig models.CallSignal) {
	switch s := sig.(type) {
	case models.CallRequest:
		m.handleRing(s.From)
	case models.Offer:
		m.HandleOffer(ctx, s.Offer, s.From)
	case models.Answer:
		m.HandleAnswer(s.Answer, s.From)
	case models.Candidate:
		m.HandleICECandidate(s.Candidate, s.From)
	case models.Hangup:
		m.handleRemoteHangup(ctx, s.From)
	}
}

func (m *Manager) handleRing(from string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringLocked(from)
}

// ringLocked enters incoming-ringing. Rings while busy are dropped.
func (m *Manager) ringLocked(from string) bool {
	state := m.calls.State()
	if state == call.IncomingRinging && m.calls.Counterpart() == from {
		return true
	}
	if state != call.Idle {
		m.logger.Warn("ignoring incoming call",
			slog.String("from", from),
			slog.String("state", string(state)),
			slog.String("error", ErrCallActive.Error()),
		)
		return false
	}
	if _, err := m.calls.Fire(call.Ring, from); err != nil {
		m.logger.Warn("ring rejected", slog.String("from", from), slog.String("error", err.Error()))
		return false
	}
	m.accepted = false
	m.pendingSDP = nil
	m.pendingICE = nil
	return true
}

// HandleOffer holds the offer until the local user accepts, then answers it.
// An offer from the current counterpart while connected is answered at once.
func (m *Manager) HandleOffer(ctx context.Context, offer models.SessionDescription, from string) {
	m.mu.Lock()

	if m.calls.State() == call.Connected && m.calls.Counterpart() == from && m.pc != nil {
		pc := m.pc
		err := m.answerLocked(ctx, pc, offer, from)
		m.mu.Unlock()
		if err != nil {
			m.logger.Warn("renegotiation failed", slog.String("from", from), slog.String("error", err.Error()))
		}
		return
	}

	if !m.ringLocked(from) {
		m.mu.Unlock()
		return
	}
	m.pendingSDP = &offer
	if !m.accepted || m.pc == nil {
		m.mu.Unlock()
		return
	}

	pc := m.pc
	err := m.completeAcceptLocked(ctx, pc, from)
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("answering call failed", slog.String("from", from), slog.String("error", err.Error()))
		m.endCall(ctx, pc, true, call.Hangup)
	}
}

// Accept answers the ringing call. When the offer has not arrived yet the
// answer is sent as soon as it does.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.calls.State() != call.IncomingRinging {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if m.accepted {
		m.mu.Unlock()
		return nil
	}
	from := m.calls.Counterpart()

	stream, err := m.acquireLocked(ctx)
	if err != nil {
		m.mu.Unlock()
		m.endCall(ctx, nil, true, call.Rejected)
		return err
	}
	pc, err := m.openLocked(from, stream)
	if err != nil {
		m.mu.Unlock()
		m.endCall(ctx, nil, true, call.Hangup)
		return err
	}
	m.accepted = true

	if m.pendingSDP == nil {
		m.mu.Unlock()
		return nil
	}
	err = m.completeAcceptLocked(ctx, pc, from)
	m.mu.Unlock()
	if err != nil {
		m.endCall(ctx, pc, true, call.Hangup)
	}
	return err
}

func (m *Manager) completeAcceptLocked(ctx context.Context, pc PeerConnection, from string) error {
	offer := *m.pendingSDP
	m.pendingSDP = nil
	if err := m.answerLocked(ctx, pc, offer, from); err != nil {
		return err
	}
	_, err := m.calls.Fire(call.Accepted, from)
	return err
}

func (m *Manager) answerLocked(ctx context.Context, pc PeerConnection, offer models.SessionDescription, to string) error {
	if err := pc.SetRemoteDescription(toWebRTC(offer)); err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}
	m.remoteSet = true
	m.flushCandidatesLocked(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	route := models.Route{To: to, From: m.cfg.LocalUserID}
	if err := m.signaler.Emit(ctx, models.EventAnswer, models.Answer{Answer: fromWebRTC(answer), Route: route}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// Reject declines the ringing call and tells the caller
func (m *Manager) Reject(ctx context.Context) error {
	if m.calls.State() != call.IncomingRinging {
		return ErrNoActiveCall
	}
	m.endCall(ctx, nil, true, call.Rejected)
	return nil
}

// HandleAnswer applies the callee's answer to the outgoing call
func (m *Manager) HandleAnswer(answer models.SessionDescription, from string) {
	m.mu.Lock()

	if m.pc == nil || m.calls.State() != call.OutgoingRinging || m.calls.Counterpart() != from {
		m.mu.Unlock()
		m.logger.Warn("dropping answer without matching call",
			slog.String("from", from), slog.String("error", ErrNoActiveCall.Error()))
		return
	}

	pc := m.pc
	err := pc.SetRemoteDescription(toWebRTC(answer))
	if err == nil {
		m.remoteSet = true
		m.flushCandidatesLocked(pc)
		_, err = m.calls.Fire(call.Answered, from)
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("applying answer failed", slog.String("from", from), slog.String("error", err.Error()))
		m.endCall(context.Background(), pc, true, call.Hangup)
	}
}

// HandleICECandidate adds a candidate from the counterpart. Candidates that
// arrive before the remote description are held until it is applied.
func (m *Manager) HandleICECandidate(candidate models.ICECandidate, from string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.calls.State() == call.Idle || m.calls.Counterpart() != from {
		m.logger.Warn("dropping ice candidate without matching call",
			slog.String("from", from), slog.String("error", ErrNoActiveCall.Error()))
		return
	}

	init := candidateInit(candidate)
	if m.pc == nil || !m.remoteSet {
		m.pendingICE = append(m.pendingICE, init)
		return
	}
	if err := m.pc.AddICECandidate(init); err != nil {
		m.logger.Warn("failed to add ice candidate", slog.String("error", err.Error()))
	}
}

func (m *Manager) flushCandidatesLocked(pc PeerConnection) {
	for _, c := range m.pendingICE {
		if err := pc.AddICECandidate(c); err != nil {
			m.logger.Warn("failed to add buffered ice candidate", slog.String("error", err.Error()))
		}
	}
	m.pendingICE = nil
}

// handleRemoteHangup ends the call only when from is the current counterpart,
// checked under the lock so a late hangup cannot end a newer call.
func (m *Manager) handleRemoteHangup(ctx context.Context, from string) {
	m.mu.Lock()
	counterpart := m.calls.Counterpart()
	if counterpart == "" {
		m.mu.Unlock()
		return
	}
	if from != "" && from != counterpart {
		m.mu.Unlock()
		m.logger.Warn("ignoring hangup from another user", slog.String("from", from))
		return
	}
	pc, stream := m.detachLocked(call.Hangup)
	m.mu.Unlock()

	m.release(ctx, pc, stream, counterpart, false)
}

// EndCall hangs up. It is safe to call at any time, including when idle.
func (m *Manager) EndCall(ctx context.Context) {
	m.endCall(ctx, nil, true, call.Hangup)
}

// endCall releases the call. When match is set only that connection's call is
// ended, which filters callbacks from an already replaced connection.
func (m *Manager) endCall(ctx context.Context, match PeerConnection, notify bool, ev call.Event) {
	m.mu.Lock()
	if match != nil && m.pc != match {
		m.mu.Unlock()
		return
	}
	counterpart := m.calls.Counterpart()
	pc, stream := m.detachLocked(ev)
	m.mu.Unlock()

	m.release(ctx, pc, stream, counterpart, notify)
}

// detachLocked resets the call state and hands back what must be closed
func (m *Manager) detachLocked(ev call.Event) (PeerConnection, LocalStream) {
	pc, stream := m.pc, m.stream
	m.pc, m.stream = nil, nil
	m.remoteSet, m.accepted = false, false
	m.pendingSDP, m.pendingICE = nil, nil

	if m.calls.State() != call.IncomingRinging && ev == call.Rejected {
		ev = call.Hangup
	}
	if _, err := m.calls.Fire(ev, ""); err != nil {
		m.logger.Error("call state out of sync", slog.String("error", err.Error()))
	}
	m.sink.Detach()
	return pc, stream
}

func (m *Manager) release(ctx context.Context, pc PeerConnection, stream LocalStream, counterpart string, notify bool) {
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Warn("closing peer connection", slog.String("error", err.Error()))
		}
	}
	if stream != nil {
		stream.Stop()
	}

	if notify && counterpart != "" {
		route := models.Route{To: counterpart, From: m.cfg.LocalUserID}
		if err := m.signaler.Emit(ctx, models.EventEndCall, models.Hangup{Route: route}); err != nil {
			m.logger.Warn("failed to notify hangup", slog.String("to", counterpart), slog.String("error", err.Error()))
		}
	}
}
