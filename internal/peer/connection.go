// Package peer owns the single WebRTC peer connection of a client and the
// local media feeding it.
package peer

import (
	"errors"

	"github.com/pion/webrtc/v3"
	"github.com/unimindcare/carechat/internal/models"
)

var (
	ErrCounterpartOffline = errors.New("counterpart offline")
	ErrCallActive         = errors.New("a call is already active")
	ErrNoActiveCall       = errors.New("no active call")
	ErrMediaUnavailable   = errors.New("media unavailable")
)

// PeerConnection is the part of *webrtc.PeerConnection the manager drives
type PeerConnection interface {
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	Close() error
}

// Factory opens a peer connection
type Factory func(webrtc.Configuration) (PeerConnection, error)

// NewPionConnection is the Factory backed by pion
func NewPionConnection(cfg webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// Configuration builds the pion configuration for a list of STUN/TURN urls
func Configuration(iceURLs []string) webrtc.Configuration {
	if len(iceURLs) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
	}
}

func toWebRTC(desc models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromWebRTC(desc webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func candidateInit(c models.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromCandidateInit(c webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
