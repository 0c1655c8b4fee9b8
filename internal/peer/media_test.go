package peer

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unimindcare/carechat/internal/models"
)

func TestSampleSource_NoDevices(t *testing.T) {
	_, err := SampleSource{}.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrMediaUnavailable)
}

func TestSampleSource_AudioAndVideo(t *testing.T) {
	stream, err := SampleSource{Audio: true, Video: true}.Acquire(context.Background())
	require.NoError(t, err)

	tracks := stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Track().Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Track().Kind())
	assert.Equal(t, tracks[0].Track().StreamID(), tracks[1].Track().StreamID())

	video := tracks[1].(*SampleTrack)
	// unbound tracks accept samples and drop them
	require.NoError(t, video.Write(media.Sample{Data: []byte{0x00}, Duration: time.Second / 30}))

	stream.Stop()
	stream.Stop()
	assert.Error(t, video.Write(media.Sample{Data: []byte{0x00}, Duration: time.Second / 30}))
}

func TestSampleSource_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SampleSource{Audio: true}.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfiguration(t *testing.T) {
	cfg := Configuration([]string{"stun:stun.l.google.com:19302"})
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)

	assert.Empty(t, Configuration(nil).ICEServers)
}

func TestDescriptionConversion(t *testing.T) {
	desc := models.SessionDescription{Type: "answer", SDP: "v=0"}
	pion := toWebRTC(desc)
	assert.Equal(t, webrtc.SDPTypeAnswer, pion.Type)
	assert.Equal(t, desc, fromWebRTC(pion))

	mid := "0"
	idx := uint16(1)
	c := models.ICECandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid, SDPMLineIndex: &idx}
	assert.Equal(t, c, fromCandidateInit(candidateInit(c)))
}
