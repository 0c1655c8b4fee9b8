package peer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/unimindcare/carechat/internal/observability"
)

// LocalTrack is one captured track. Stop releases the device behind it.
type LocalTrack interface {
	Track() webrtc.TrackLocal
	Stop()
}

// LocalStream groups the tracks acquired for one call
type LocalStream interface {
	Tracks() []LocalTrack
	Stop()
}

// MediaSource acquires local capture, the equivalent of asking for camera and microphone
type MediaSource interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// RemoteSink receives the counterpart's tracks
type RemoteSink interface {
	Attach(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	Detach()
}

const opusFrame = 20 * time.Millisecond

// Opus packet for a 20ms silent frame
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SampleSource produces sample tracks without capture hardware: an opus track
// that streams silence and a VP8 track fed through Write.
type SampleSource struct {
	Audio  bool
	Video  bool
	Logger *slog.Logger
}

func (s SampleSource) Acquire(ctx context.Context) (LocalStream, error) {
	if !s.Audio && !s.Video {
		return nil, fmt.Errorf("%w: no capture device enabled", ErrMediaUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	logger := observability.OrDiscard(s.Logger)
	streamID := "carechat-" + uuid.NewString()
	stream := &sampleStream{}

	if s.Audio {
		track, err := newSampleTrack(webrtc.MimeTypeOpus, "audio", streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		track.feedSilence(logger)
		stream.tracks = append(stream.tracks, track)
	}
	if s.Video {
		track, err := newSampleTrack(webrtc.MimeTypeVP8, "video", streamID)
		if err != nil {
			stream.Stop()
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		stream.tracks = append(stream.tracks, track)
	}
	return stream, nil
}

type sampleStream struct {
	tracks []LocalTrack
}

func (s *sampleStream) Tracks() []LocalTrack {
	return s.tracks
}

func (s *sampleStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// SampleTrack is a local track written sample by sample
type SampleTrack struct {
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func newSampleTrack(mimeType, kind, streamID string) (*SampleTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, kind, streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{track: track, stop: make(chan struct{})}, nil
}

func (t *SampleTrack) Track() webrtc.TrackLocal {
	return t.track
}

// Write sends one encoded sample. It fails once the track is stopped.
func (t *SampleTrack) Write(sample media.Sample) error {
	select {
	case <-t.stop:
		return io.ErrClosedPipe
	default:
	}
	return t.track.WriteSample(sample)
}

// Stop ends any feeder goroutine. Safe to call more than once.
func (t *SampleTrack) Stop() {
	t.once.Do(func() { close(t.stop) })
	t.wg.Wait()
}

func (t *SampleTrack) feedSilence(logger *slog.Logger) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if err := t.track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrame}); err != nil {
					logger.Debug("audio sample dropped", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// DrainSink reads remote tracks to completion and counts their packets
type DrainSink struct {
	Logger *slog.Logger

	mu     sync.Mutex
	tracks map[string]string
}

func (d *DrainSink) Attach(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := track.Kind().String()
	id := track.ID()
	logger := observability.OrDiscard(d.Logger)

	d.mu.Lock()
	if d.tracks == nil {
		d.tracks = make(map[string]string)
	}
	d.tracks[id] = kind
	d.mu.Unlock()

	logger.Info("remote track attached", slog.String("track_id", id), slog.String("kind", kind))
	go func() {
		packets := observability.RemoteRTPPackets.WithLabelValues(kind)
		for {
			// reads end with an error once the peer connection is closed
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
			packets.Inc()
		}
	}()
}

func (d *DrainSink) Detach() {
	d.mu.Lock()
	d.tracks = nil
	d.mu.Unlock()
}

// Attached returns the kinds of the currently attached remote tracks by track id
func (d *DrainSink) Attached() map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string, len(d.tracks))
	for id, kind := range d.tracks {
		out[id] = kind
	}
	return out
}
