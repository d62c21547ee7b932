package pion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Wyydra/meshroom/internal/core/domain"
	"github.com/Wyydra/meshroom/internal/core/port"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"
)

const oggPageDuration = 20 * time.Millisecond

var (
	ErrOverconstrained = errors.New("video source does not satisfy constraints")
	ErrUnsupportedFile = errors.New("unsupported media file")
)

// Opus comfort-noise frame and a placeholder video payload used when no
// file source is configured, so receivers still see media flowing.
var (
	silenceFrame     = []byte{0xf8, 0xff, 0xfe}
	placeholderFrame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}
)

type AcquirerOptions struct {
	// AudioFile is an Ogg/Opus file looped onto the audio track.
	AudioFile string
	// VideoFile is an IVF/VP8 file looped onto the video track.
	VideoFile string

	Logger zerolog.Logger
}

// Acquirer produces local streams backed by sample tracks.
type Acquirer struct {
	opts AcquirerOptions
	log  zerolog.Logger
}

func NewAcquirer(opts AcquirerOptions) *Acquirer {
	return &Acquirer{
		opts: opts,
		log:  opts.Logger.With().Str("component", "media").Logger(),
	}
}

func (a *Acquirer) Acquire(ctx context.Context, caps domain.Capabilities) (port.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	s := &LocalStream{
		id:   id,
		stop: make(chan struct{}),
		log:  a.log.With().Str("stream_id", id).Logger(),
	}

	var feeders []func()
	if caps.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", id)
		if err != nil {
			return nil, fmt.Errorf("audio track: %w", err)
		}
		s.audio = track
		feed, err := a.audioFeeder(s)
		if err != nil {
			return nil, err
		}
		feeders = append(feeders, feed)
	}
	if caps.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", id)
		if err != nil {
			return nil, fmt.Errorf("video track: %w", err)
		}
		s.video = track
		feed, err := a.videoFeeder(s, caps.VideoConstraints)
		if err != nil {
			// Run the prepared feeders against a closed stop channel so
			// they close their files.
			close(s.stop)
			for _, f := range feeders {
				f()
			}
			return nil, err
		}
		feeders = append(feeders, feed)
	}

	for _, feed := range feeders {
		s.wg.Add(1)
		go func(feed func()) {
			defer s.wg.Done()
			feed()
		}(feed)
	}
	s.log.Info().Bool("audio", caps.Audio).Bool("video", caps.Video).Msg("Local stream acquired")
	return s, nil
}

func (a *Acquirer) audioFeeder(s *LocalStream) (func(), error) {
	if a.opts.AudioFile == "" {
		return func() {
			s.pace(oggPageDuration, func() error {
				return s.audio.WriteSample(media.Sample{Data: silenceFrame, Duration: oggPageDuration})
			})
		}, nil
	}

	f, err := os.Open(a.opts.AudioFile)
	if err != nil {
		return nil, fmt.Errorf("audio source: %w", err)
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFile, a.opts.AudioFile, err)
	}

	return func() {
		defer f.Close()
		s.pace(oggPageDuration, func() error {
			page, _, err := ogg.ParseNextPage()
			if errors.Is(err, io.EOF) {
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return err
				}
				if ogg, _, err = oggreader.NewWith(f); err != nil {
					return err
				}
				return nil
			}
			if err != nil {
				return err
			}
			return s.audio.WriteSample(media.Sample{Data: page, Duration: oggPageDuration})
		})
	}, nil
}

func (a *Acquirer) videoFeeder(s *LocalStream, vc domain.VideoConstraints) (func(), error) {
	if a.opts.VideoFile == "" {
		interval := frameInterval(vc.FrameRate)
		return func() {
			s.pace(interval, func() error {
				return s.video.WriteSample(media.Sample{Data: placeholderFrame, Duration: interval})
			})
		}, nil
	}

	f, err := os.Open(a.opts.VideoFile)
	if err != nil {
		return nil, fmt.Errorf("video source: %w", err)
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnsupportedFile, a.opts.VideoFile, err)
	}
	if err := checkConstraints(vc, int(header.Width), int(header.Height)); err != nil {
		_ = f.Close()
		return nil, err
	}

	interval := frameInterval(vc.FrameRate)
	if header.TimebaseDenominator != 0 {
		interval = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	s.log.Debug().Uint16("width", header.Width).Uint16("height", header.Height).Dur("interval", interval).Msg("Video file source")

	return func() {
		defer f.Close()
		s.pace(interval, func() error {
			frame, _, err := ivf.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					return err
				}
				if ivf, _, err = ivfreader.NewWith(f); err != nil {
					return err
				}
				return nil
			}
			if err != nil {
				return err
			}
			return s.video.WriteSample(media.Sample{Data: frame, Duration: interval})
		})
	}, nil
}

func checkConstraints(vc domain.VideoConstraints, width, height int) error {
	if vc.MinWidth > 0 && width < vc.MinWidth {
		return fmt.Errorf("%w: width %d < %d", ErrOverconstrained, width, vc.MinWidth)
	}
	if vc.MaxWidth > 0 && width > vc.MaxWidth {
		return fmt.Errorf("%w: width %d > %d", ErrOverconstrained, width, vc.MaxWidth)
	}
	if vc.MinHeight > 0 && height < vc.MinHeight {
		return fmt.Errorf("%w: height %d < %d", ErrOverconstrained, height, vc.MinHeight)
	}
	return nil
}

func frameInterval(fps float64) time.Duration {
	if fps <= 0 {
		fps = domain.DefaultVideoConstraints().FrameRate
	}
	return time.Duration(float64(time.Second) / fps)
}

// LocalStream holds the sample tracks of one acquisition. Tracks are shared
// by every call the stream is attached to.
type LocalStream struct {
	id    string
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
	log   zerolog.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

func (s *LocalStream) ID() string {
	return s.id
}

func (s *LocalStream) Kinds() []domain.MediaKind {
	kinds := make([]domain.MediaKind, 0, 2)
	if s.audio != nil {
		kinds = append(kinds, domain.MediaAudio)
	}
	if s.video != nil {
		kinds = append(kinds, domain.MediaVideo)
	}
	return kinds
}

// Track returns the track for kind, or nil if the stream does not carry it.
func (s *LocalStream) Track(kind domain.MediaKind) webrtc.TrackLocal {
	switch {
	case kind == domain.MediaAudio && s.audio != nil:
		return s.audio
	case kind == domain.MediaVideo && s.video != nil:
		return s.video
	}
	return nil
}

func (s *LocalStream) Release() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.log.Info().Msg("Local stream released")
	})
	s.wg.Wait()
	return nil
}

func (s *LocalStream) pace(interval time.Duration, write func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := write(); err != nil {
				if !errors.Is(err, io.ErrClosedPipe) {
					s.log.Warn().Err(err).Msg("Media source stopped")
				}
				return
			}
		}
	}
}
