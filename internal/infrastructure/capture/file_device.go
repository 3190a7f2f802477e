package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	apperrors "castroom/pkg/errors"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"go.uber.org/zap"
)

const (
	streamID = "castroom-screen"
	// opusSampleRate is fixed by RFC 7587.
	opusSampleRate = 48000
)

type FileDeviceConfig struct {
	VideoFile string
	AudioFile string
	// Loop restarts the files at EOF instead of ending the capture.
	Loop bool
}

// FileDevice replays an IVF video file, and optionally an Ogg/Opus audio
// file, as a live capture. It stands in for an OS screen picker.
type FileDevice struct {
	cfg    FileDeviceConfig
	logger *zap.SugaredLogger
}

func NewFileDevice(cfg FileDeviceConfig, logger *zap.SugaredLogger) *FileDevice {
	return &FileDevice{cfg: cfg, logger: logger}
}

// openError maps file errors onto capture failures.
func openError(kind, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return apperrors.NewPermissionDeniedError(fmt.Sprintf("access to the %s source was denied", kind)).
			WithContext("path", path)
	case errors.Is(err, fs.ErrNotExist):
		return apperrors.NewUnsupportedError(fmt.Sprintf("%s source is not available", kind)).
			WithContext("path", path)
	default:
		return apperrors.NewUnknownError(fmt.Sprintf("failed to open %s source", kind), err)
	}
}

func videoMimeType(fourCC string) (string, bool) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, true
	case "VP90":
		return webrtc.MimeTypeVP9, true
	default:
		return "", false
	}
}

// Acquire opens the configured files and starts pacing samples onto local
// tracks. Constraints above the file's native height are clamped.
func (d *FileDevice) Acquire(ctx context.Context, c domain.Constraints, withAudio bool) (ports.CaptureSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.cfg.VideoFile == "" {
		return nil, apperrors.NewUnsupportedError("screen capture is not available on this host")
	}

	video, err := openVideo(d.cfg.VideoFile)
	if err != nil {
		return nil, err
	}

	src := &fileSource{
		id:     uuid.NewString(),
		loop:   d.cfg.Loop,
		logger: d.logger,
		video:  video,
		ended:  make(chan struct{}),
	}
	src.constraints = video.clamp(c)

	if withAudio && d.cfg.AudioFile != "" {
		audio, err := openAudio(d.cfg.AudioFile)
		if err != nil {
			video.file.Close()
			return nil, err
		}
		src.audio = audio
		src.audioOn.Store(true)
	}

	if err := ctx.Err(); err != nil {
		src.closeFiles()
		return nil, err
	}

	src.start()
	d.logger.Infow("capture started",
		"source_id", src.id,
		"width", video.header.Width,
		"height", video.header.Height,
		"audio", src.audio != nil,
	)
	return src, nil
}

type videoInput struct {
	file   *os.File
	reader *ivfreader.IVFReader
	header *ivfreader.IVFFileHeader
	track  *webrtc.TrackLocalStaticSample
	frame  time.Duration
}

func openVideo(path string) (*videoInput, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, openError("video", path, err)
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, apperrors.NewUnsupportedError("video source is not a readable IVF file").
			WithContext("path", path)
	}
	mime, ok := videoMimeType(header.FourCC)
	if !ok {
		file.Close()
		return nil, apperrors.NewUnsupportedError(fmt.Sprintf("video codec %q is not supported", header.FourCC))
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, "video", streamID)
	if err != nil {
		file.Close()
		return nil, apperrors.NewUnknownError("failed to create video track", err)
	}

	frame := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frame = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return &videoInput{file: file, reader: reader, header: header, track: track, frame: frame}, nil
}

func (v *videoInput) clamp(c domain.Constraints) domain.Constraints {
	if native := int(v.header.Height); native > 0 && c.Height > native {
		c.Height = native
		c.Width = int(v.header.Width)
	}
	return c
}

func (v *videoInput) rewind() error {
	if _, err := v.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := ivfreader.NewWith(v.file)
	if err != nil {
		return err
	}
	v.reader = reader
	return nil
}

type audioInput struct {
	file   *os.File
	reader *oggreader.OggReader
	track  *webrtc.TrackLocalStaticSample
}

func openAudio(path string) (*audioInput, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, openError("audio", path, err)
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, apperrors.NewUnsupportedError("audio source is not a readable Ogg file").
			WithContext("path", path)
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		file.Close()
		return nil, apperrors.NewUnknownError("failed to create audio track", err)
	}
	return &audioInput{file: file, reader: reader, track: track}, nil
}

func (a *audioInput) rewind() error {
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(a.file)
	if err != nil {
		return err
	}
	a.reader = reader
	return nil
}

// fileSource is one running replay.
type fileSource struct {
	id     string
	loop   bool
	logger *zap.SugaredLogger
	video  *videoInput
	audio  *audioInput

	audioOn atomic.Bool

	mu          sync.Mutex
	constraints domain.Constraints

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	endOnce sync.Once
	ended   chan struct{}
}

func (s *fileSource) ID() string { return s.id }

func (s *fileSource) Tracks() []webrtc.TrackLocal {
	tracks := []webrtc.TrackLocal{s.video.track}
	if s.audio != nil {
		tracks = append(tracks, s.audio.track)
	}
	return tracks
}

func (s *fileSource) Ended() <-chan struct{} { return s.ended }

// ApplyConstraints retargets the capture. A replay cannot upscale, so
// heights above the file's native height are rejected.
func (s *fileSource) ApplyConstraints(c domain.Constraints) error {
	if native := int(s.video.header.Height); native > 0 && c.Height > native {
		return fmt.Errorf("height %d exceeds the source height %d", c.Height, native)
	}
	s.mu.Lock()
	s.constraints = c
	s.mu.Unlock()
	return nil
}

func (s *fileSource) Constraints() domain.Constraints {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.constraints
}

func (s *fileSource) SetAudioEnabled(enabled bool) bool {
	if s.audio == nil {
		return false
	}
	s.audioOn.Store(enabled)
	return enabled
}

func (s *fileSource) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.pumpVideo(ctx); err != nil {
			s.logger.Warnw("capture video ended", "source_id", s.id, "error", err)
		}
		s.end()
	}()

	if s.audio != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.pumpAudio(ctx); err != nil {
				s.logger.Debugw("capture audio ended", "source_id", s.id, "error", err)
			}
		}()
	}
}

func (s *fileSource) pumpVideo(ctx context.Context) error {
	ticker := time.NewTicker(s.video.frame)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		frame, _, err := s.video.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if !s.loop {
				return nil
			}
			if err := s.video.rewind(); err != nil {
				return fmt.Errorf("rewind video: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("read video frame: %w", err)
		}
		if err := s.video.track.WriteSample(media.Sample{Data: frame, Duration: s.video.frame}); err != nil {
			return fmt.Errorf("write video sample: %w", err)
		}
	}
}

func (s *fileSource) pumpAudio(ctx context.Context) error {
	var lastGranule uint64
	delay := 20 * time.Millisecond
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		page, header, err := s.audio.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if !s.loop {
				return nil
			}
			if err := s.audio.rewind(); err != nil {
				return fmt.Errorf("rewind audio: %w", err)
			}
			lastGranule = 0
			timer.Reset(delay)
			continue
		}
		if err != nil {
			return fmt.Errorf("read audio page: %w", err)
		}

		if header.GranulePosition > lastGranule {
			samples := header.GranulePosition - lastGranule
			delay = time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
		}
		lastGranule = header.GranulePosition

		// a muted microphone keeps the pacing and sends nothing
		if s.audioOn.Load() {
			if err := s.audio.track.WriteSample(media.Sample{Data: page, Duration: delay}); err != nil {
				return fmt.Errorf("write audio sample: %w", err)
			}
		}
		timer.Reset(delay)
	}
}

func (s *fileSource) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *fileSource) closeFiles() {
	s.video.file.Close()
	if s.audio != nil {
		s.audio.file.Close()
	}
}

// Stop halts the replay and releases the files. It is safe to call twice.
func (s *fileSource) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.end()
	s.closeFiles()
}
